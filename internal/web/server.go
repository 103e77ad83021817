// Package web serves the HTTP API, the WebSocket client transport, and the
// SSE lifecycle stream. All state lives in the core packages; handlers here
// translate between HTTP and the registry, scheduler, deferral manager, and
// journal.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joestump/termhub/api"
	"github.com/joestump/termhub/internal/deferral"
	"github.com/joestump/termhub/internal/fanout"
	"github.com/joestump/termhub/internal/hub"
	"github.com/joestump/termhub/internal/journal"
	"github.com/joestump/termhub/internal/schedule"
	"github.com/joestump/termhub/internal/session"
	"github.com/joestump/termhub/internal/template"
)

// Config carries the web server's tunables, resolved by the caller.
type Config struct {
	Port int

	// SessionsDir lets the history endpoint serve terminated sessions from
	// their on-disk logs.
	SessionsDir string

	// Defaults applied to create and input requests that omit the fields.
	// An empty DefaultCommand makes command a required create field.
	DefaultCommand      []string
	DefaultCols         int
	DefaultRows         int
	StdinDelayMs        int
	StdinSimulateTyping bool
	StdinTypingDelayMs  int

	StopInputsRearmMax int
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.DefaultCols <= 0 {
		c.DefaultCols = 80
	}
	if c.DefaultRows <= 0 {
		c.DefaultRows = 24
	}
	if c.StopInputsRearmMax <= 0 {
		c.StopInputsRearmMax = 10
	}
	return c
}

// Deps wires the server to the core. Journal and Templates may be nil, which
// disables their endpoints.
type Deps struct {
	Registry  *session.Registry
	Engine    *fanout.Engine
	Scheduler *schedule.Scheduler
	Deferrals *deferral.Manager
	Events    *hub.Hub
	Clients   *ClientRegistry
	Journal   *journal.Store
	Templates *template.Store
}

// Server is the HTTP front end.
type Server struct {
	cfg      Config
	deps     Deps
	mux      *http.ServeMux
	server   *http.Server
	markdown goldmark.Markdown
}

// New creates the server and registers all routes.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg.withDefaults(),
		deps: deps,
		mux:  http.NewServeMux(),
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
	}
	if s.deps.Clients == nil {
		s.deps.Clients = NewClientRegistry()
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE and WebSocket need no write timeout
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving HTTP requests. It blocks until the server is shut
// down.
func (s *Server) Start() error {
	log.Printf("web: listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/input", s.handleInput)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/resize", s.handleResize)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/note", s.handleGetNote)
	s.mux.HandleFunc("PUT /api/v1/sessions/{id}/note", s.handlePutNote)
	s.mux.HandleFunc("PUT /api/v1/sessions/{id}/alias", s.handlePutAlias)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/stop-inputs", s.handleGetStopInputs)
	s.mux.HandleFunc("PUT /api/v1/sessions/{id}/stop-inputs", s.handlePutStopInputs)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/markers", s.handleGetMarkers)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/markers", s.handlePostMarker)

	s.mux.HandleFunc("GET /api/v1/sessions/{id}/scheduled-inputs", s.handleListRules)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/scheduled-inputs", s.handleAddRule)
	s.mux.HandleFunc("DELETE /api/v1/sessions/{id}/scheduled-inputs", s.handleClearRules)
	s.mux.HandleFunc("PATCH /api/v1/sessions/{id}/scheduled-inputs/{rule_id}", s.handlePatchRule)
	s.mux.HandleFunc("DELETE /api/v1/sessions/{id}/scheduled-inputs/{rule_id}", s.handleRemoveRule)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/scheduled-inputs/{rule_id}/trigger", s.handleTriggerRule)

	s.mux.HandleFunc("GET /api/v1/sessions/{id}/deferred-inputs", s.handleListDeferred)
	s.mux.HandleFunc("DELETE /api/v1/sessions/{id}/deferred-inputs", s.handleClearDeferred)
	s.mux.HandleFunc("DELETE /api/v1/sessions/{id}/deferred-inputs/{entry_id}", s.handleDeleteDeferred)

	s.mux.HandleFunc("GET /api/v1/journal", s.handleJournal)
	s.mux.HandleFunc("GET /api/v1/templates", s.handleTemplates)

	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.HandleFunc("GET /api/openapi.yaml", s.handleOpenAPISpec)
	s.mux.HandleFunc("GET /api/docs/", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"live_sessions": s.deps.Registry.CountLive(),
	})
}

// handleOpenAPISpec serves the embedded openapi.yaml with a YAML content
// type.
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

// handleDocs serves the embedded single-page spec viewer.
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(api.DocsPage)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if s.deps.Templates == nil {
		writeJSON(w, http.StatusOK, map[string]any{"templates": []template.Template{}})
		return
	}
	list, err := s.deps.Templates.List()
	if err != nil {
		log.Printf("handleTemplates: %v", err)
		writeError(w, http.StatusInternalServerError, "template store error")
		return
	}
	if list == nil {
		list = []template.Template{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit, offset, err := parseLimitOffset(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		sessionID = s.deps.Registry.Resolve(sessionID)
	}
	kind := r.URL.Query().Get("kind")

	entries, err := s.deps.Journal.List(limit, offset, sessionID, kind)
	if err != nil {
		log.Printf("handleJournal: %v", err)
		writeError(w, http.StatusInternalServerError, "journal error")
		return
	}
	total, err := s.deps.Journal.Count(sessionID, kind)
	if err != nil {
		log.Printf("handleJournal: count: %v", err)
		writeError(w, http.StatusInternalServerError, "journal error")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}
