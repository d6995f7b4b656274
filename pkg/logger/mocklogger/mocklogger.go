// Package mocklogger is a capturing slog handler for tests.
package mocklogger

import (
	"context"
	"log/slog"
	"sync"
)

// MockHandler records every message and level it sees.
type MockHandler struct {
	mu             sync.Mutex
	LoggedMessages []string
	LoggedLevels   []slog.Level
}

func (h *MockHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *MockHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.LoggedMessages != nil {
		h.LoggedMessages = append(h.LoggedMessages, r.Message)
	}
	if h.LoggedLevels != nil {
		h.LoggedLevels = append(h.LoggedLevels, r.Level)
	}
	return nil
}

func (h *MockHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *MockHandler) WithGroup(name string) slog.Handler {
	return h
}

// NewMockLogger returns a logger whose records go to a fresh MockHandler.
func NewMockLogger() *slog.Logger {
	return slog.New(&MockHandler{
		LoggedMessages: []string{},
		LoggedLevels:   []slog.Level{},
	})
}
