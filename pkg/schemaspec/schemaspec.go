// Package schemaspec serves the structural JSON Schemas entity documents
// are checked against. One schema file per entity type (category.json,
// property.json, ...). A schema directory overrides the embedded defaults
// and hot-reloads on change; entity types without a schema file are simply
// not schema-checked.
package schemaspec

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mentity"
)

//go:embed defaults/*.json
var defaultsFS embed.FS

// Violation is one schema non-conformance, addressed by JSON pointer.
type Violation struct {
	FieldPath string
	Message   string
}

const reloadDebounce = 200 * time.Millisecond

// Registry holds the compiled schema per entity type. Reads are lock-free
// apart from an RLock; a reload swaps the whole map at once so a failed
// reload keeps the previous set serving.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	schemas map[mentity.EntityType]*jsonschema.Schema

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// Load compiles schemas from dir, or from the embedded defaults when dir
// is empty.
func Load(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{dir: dir, logger: logger, done: make(chan struct{})}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts hot-reloading the schema directory. A no-op when the
// registry serves the embedded defaults.
func (r *Registry) Watch() error {
	if r.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("schemaspec: start watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("schemaspec: watch %s: %w", r.dir, err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return nil
}

func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
	})
}

func (r *Registry) watchLoop() {
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(reloadDebounce)
			pending = true

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("schema watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			pending = false
			if err := r.reload(); err != nil {
				// Keep serving the previous set.
				r.logger.Error("schema reload failed", slog.String("error", err.Error()))
				continue
			}
			r.logger.Info("schemas reloaded", slog.String("dir", r.dir))

		case <-r.done:
			return
		}
	}
}

func (r *Registry) reload() error {
	schemas := make(map[mentity.EntityType]*jsonschema.Schema, len(mentity.Types))
	for _, entityType := range mentity.Types {
		name := entityType.String() + ".json"
		raw, err := r.readSchema(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("schemaspec: read %s: %w", name, err)
		}

		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("schemaspec: parse %s: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name, doc); err != nil {
			return fmt.Errorf("schemaspec: register %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return fmt.Errorf("schemaspec: compile %s: %w", name, err)
		}
		schemas[entityType] = schema
	}

	r.mu.Lock()
	r.schemas = schemas
	r.mu.Unlock()
	return nil
}

func (r *Registry) readSchema(name string) ([]byte, error) {
	if r.dir == "" {
		return defaultsFS.ReadFile("defaults/" + name)
	}
	return os.ReadFile(filepath.Join(r.dir, name))
}

// Has reports whether a schema is bound for the type.
func (r *Registry) Has(entityType mentity.EntityType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[entityType] != nil
}

// Check validates one document. No bound schema means no violations;
// violations are data for the validation pipeline, never errors.
func (r *Registry) Check(entityType mentity.EntityType, doc jsondoc.Doc) []Violation {
	r.mu.RLock()
	schema := r.schemas[entityType]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	err := schema.Validate(map[string]any(doc))
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []Violation{{Message: err.Error()}}
	}
	var out []Violation
	flatten(verr, &out)
	return out
}

// flatten collects leaf causes; inner nodes only restate their children.
func flatten(verr *jsonschema.ValidationError, out *[]Violation) {
	if len(verr.Causes) == 0 {
		*out = append(*out, Violation{
			FieldPath: pointerOf(verr.InstanceLocation),
			Message:   verr.Error(),
		})
		return
	}
	for _, cause := range verr.Causes {
		flatten(cause, out)
	}
}

func pointerOf(location []string) string {
	if len(location) == 0 {
		return ""
	}
	return "/" + strings.Join(location, "/")
}
