package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
	"atelier/internal/provider"
	"atelier/internal/worker"
)

// App bundles the dependencies shared by all HTTP handlers.
type App struct {
	Logger   zerolog.Logger
	Store    domain.JobStore
	Queue    domain.Queue
	Notifier domain.Notifier
	Objects  domain.ObjectStore
	Provider *provider.Client
	// Executor backs the synchronous fallback path when the queue is
	// unreachable.
	Executor *worker.Executor
	// StreamTimeout bounds how long one live-status connection may stay
	// open.
	StreamTimeout time.Duration
	// StaticDir, when set, is served under /static for the filesystem
	// object store.
	StaticDir string
	// AllowedOrigins feeds the CORS middleware.
	AllowedOrigins []string
	// SubmitRateLimit caps job submissions per client IP per minute; zero
	// disables limiting.
	SubmitRateLimit int
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]string{"error": kind, "message": message})
}
