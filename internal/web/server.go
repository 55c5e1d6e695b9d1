// Package web is the HTTP edge of the gateway: the WebSocket chat endpoint,
// the file upload/download API, and the admin surface.
package web

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chatgate/chatgate/internal/auth"
	"github.com/chatgate/chatgate/internal/captoken"
	"github.com/chatgate/chatgate/internal/chat"
	"github.com/chatgate/chatgate/internal/config"
	"github.com/chatgate/chatgate/internal/mcp"
	"github.com/chatgate/chatgate/internal/session"
	"github.com/chatgate/chatgate/internal/store"
)

// Server holds the HTTP server and its dependencies.
type Server struct {
	settings *config.Settings
	identity *auth.Identity
	limiter  *auth.Limiter
	pipeline *chat.Pipeline
	objects  store.ObjectStore
	minter   *captoken.Minter
	manager  *mcp.Manager
	catalog  *config.Catalog
	sessions *session.Manager
	router   chi.Router
}

// NewServer wires the HTTP edge together.
func NewServer(settings *config.Settings, identity *auth.Identity, limiter *auth.Limiter,
	pipeline *chat.Pipeline, objects store.ObjectStore, minter *captoken.Minter,
	manager *mcp.Manager, catalog *config.Catalog, sessions *session.Manager) *Server {

	s := &Server{
		settings: settings,
		identity: identity,
		limiter:  limiter,
		pipeline: pipeline,
		objects:  objects,
		minter:   minter,
		manager:  manager,
		catalog:  catalog,
		sessions: sessions,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/files", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/", s.handleListFiles)
		r.Post("/", s.handleUpload)
		r.Get("/stats", s.handleStats)
		r.Get("/download/*", s.handleDownload)
		r.Delete("/*", s.handleDeleteFile)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/health", s.handleAdminHealth)
		r.Post("/reload", s.handleAdminReload)
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// rateLimit applies the sliding window per client host and request path.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := s.limiter.Allow(clientKey(r))
		if !ok {
			w.Header().Set("Retry-After", retryAfter.Round(time.Second).String())
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin gates the admin surface on group membership.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.identity.UserFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing identity")
			return
		}
		if !s.identity.IsAdmin(user) {
			writeError(w, http.StatusForbidden, "admin group required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"servers":  s.manager.Health(),
		"sessions": s.sessions.Count(),
	})
}

func (s *Server) handleAdminReload(w http.ResponseWriter, r *http.Request) {
	s.catalog.Reload()
	if err := s.manager.Reload(r.Context()); err != nil {
		log.Printf("[Web] Registry reload finished with errors: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.manager.AvailableServers()})
}

// clientKey identifies the requester for rate limiting: host plus path.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host + " " + r.URL.Path
}

// Start listens on the configured port with graceful shutdown. On
// SIGINT/SIGTERM it waits up to 10s for in-flight requests to complete.
func (s *Server) Start() error {
	addr := ":" + s.settings.Port
	srv := &http.Server{Addr: addr, Handler: s.router}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("⚡ Received signal %v, shutting down gracefully...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️  Graceful shutdown error: %v", err)
		}
	}()

	log.Printf("🌐 chatgate listening at http://localhost%s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		log.Println("✅ Server stopped gracefully")
		return nil
	}
	return err
}
