// Package api is the JSON-over-HTTP surface of the server. Handlers are
// mechanical adapters: decode, call the core package, encode. Anything
// resembling business logic lives below this layer.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/schemaforge/server/pkg/inherit"
	"github.com/schemaforge/server/pkg/overlay"
	"github.com/schemaforge/server/pkg/publish"
	"github.com/schemaforge/server/pkg/rebase"
	"github.com/schemaforge/server/pkg/service/sbaseline"
	"github.com/schemaforge/server/pkg/service/schange"
	"github.com/schemaforge/server/pkg/service/sdraft"
	"github.com/schemaforge/server/pkg/service/sentity"
	"github.com/schemaforge/server/pkg/validation"
	"github.com/schemaforge/server/pkg/workflow"
)

// Server mode constants.
const (
	ServerModeUDS = "uds"
	ServerModeTCP = "tcp"
)

// Deps carries everything the handlers call into.
type Deps struct {
	DB        *sql.DB
	Drafts    sdraft.DraftService
	Changes   schange.ChangeService
	Entities  sentity.EntityService
	Baseline  sbaseline.BaselineService
	Overlay   *overlay.Resolver
	Inherit   *inherit.Resolver
	Workflow  *workflow.Engine
	Validator *validation.Pipeline
	Publisher *publish.Builder
	Rebase    *rebase.Runner

	// Secret signs capability tokens. TokenTTL defaults when zero.
	Secret   []byte
	TokenTTL time.Duration

	Logger *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	srv    *http.Server
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{deps: deps, logger: logger}
	s.srv = &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           s.Handler(),
	}
	return s
}

// Routes builds the full route table. Draft-scoped routes go through the
// capability middleware.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/baseline", s.handleBaselineGet)
	mux.HandleFunc("POST /v1/ingest/snapshot", s.handleIngestSnapshot)
	mux.HandleFunc("GET /v1/entities/{type}", s.handleEntityList)
	mux.HandleFunc("GET /v1/entities/{type}/{key}", s.handleEntityGet)

	mux.HandleFunc("POST /v1/drafts", s.handleDraftCreate)
	mux.HandleFunc("GET /v1/drafts/{draftID}", s.withDraft(s.handleDraftGet))
	mux.HandleFunc("PATCH /v1/drafts/{draftID}", s.withDraft(s.handleDraftPatch))
	mux.HandleFunc("DELETE /v1/drafts/{draftID}", s.withDraft(s.handleDraftDiscard))

	mux.HandleFunc("GET /v1/drafts/{draftID}/changes", s.withDraft(s.handleChangeList))
	mux.HandleFunc("PUT /v1/drafts/{draftID}/changes/{type}/{key}", s.withDraft(s.handleChangePut))
	mux.HandleFunc("DELETE /v1/drafts/{draftID}/changes/{type}/{key}", s.withDraft(s.handleChangeRemove))

	mux.HandleFunc("GET /v1/drafts/{draftID}/effective/{type}/{key}", s.withDraft(s.handleEffectiveGet))
	mux.HandleFunc("GET /v1/drafts/{draftID}/inherited/{key}", s.withDraft(s.handleInheritedGet))

	mux.HandleFunc("POST /v1/drafts/{draftID}/validate", s.withDraft(s.handleValidate))
	mux.HandleFunc("POST /v1/drafts/{draftID}/transition", s.withDraft(s.handleTransition))

	mux.HandleFunc("GET /v1/drafts/{draftID}/publish/files", s.withDraft(s.handlePublishFiles))
	mux.HandleFunc("GET /v1/drafts/{draftID}/publish/summary", s.withDraft(s.handlePublishSummary))

	return mux
}

// Handler wraps the routes in CORS and h2c so HTTP/2 works without TLS.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(newCORS().Handler(s.Routes()), &http2.Server{
		IdleTimeout:          0,
		MaxConcurrentStreams: 100000,
	})
}

func newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Type", "Content-Encoding"},
		MaxAge:         int(time.Second),
	})
}

// ListenAndServe blocks serving the API on TCP or a Unix socket until
// Shutdown is called or the listener fails.
func (s *Server) ListenAndServe(mode, port, socketPath string) error {
	listener, err := s.listen(mode, port, socketPath)
	if err != nil {
		return err
	}
	return s.srv.Serve(listener)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) listen(mode, port, socketPath string) (net.Listener, error) {
	switch mode {
	case ServerModeTCP, "":
		return s.listenTCP(port)
	case ServerModeUDS:
		return s.listenUDS(socketPath)
	default:
		s.logger.Warn("unknown server mode, falling back to tcp", slog.String("mode", mode))
		return s.listenTCP(port)
	}
}

func (s *Server) listenTCP(port string) (net.Listener, error) {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, fmt.Errorf("api: listen on port %s: %w", port, err)
	}
	s.logger.Info("server listening on tcp", slog.String("port", port))
	return listener, nil
}

func (s *Server) listenUDS(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("api: create socket dir: %w", err)
	}
	// A stale socket from a crashed process blocks the bind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("api: remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("api: listen on socket: %w", err)
	}
	s.logger.Info("server listening on unix socket", slog.String("path", socketPath))
	return listener, nil
}
