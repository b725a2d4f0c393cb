// Package api exposes the HTTP surface of the bot: health, queue state,
// the leaderboard, and command input for submissions and jam registration.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/jam"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/queue"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the HTTP server lifecycle for the API.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// NewServer creates an API server. intake and jams are optional;
// their routes are registered only when provided.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	pool queue.Pool,
	st store.Store,
	intake *queue.Intake,
	jams *jam.Service,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		pool:   pool,
		store:  st,
		intake: intake,
		jams:   jams,
	}
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	pool       queue.Pool
	store      store.Store
	intake     *queue.Intake
	jams       *jam.Service
	httpServer *http.Server
	wg         sync.WaitGroup
}

// Start binds the listener and serves the API.
func (s *server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", addr).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RequestsPerMinute > 0 {
			r.Use(s.rateLimitMiddleware(s.cfg.RequestsPerMinute))
		}

		r.Get("/queue", s.handleQueue)
		r.Get("/leaderboard", s.handleLeaderboard)

		if s.intake != nil {
			r.Post("/submit", s.handleSubmit)
		}

		if s.jams != nil {
			r.Route("/jam", func(r chi.Router) {
				r.Post("/register", s.handleJamRegister)
				r.Post("/confirm", s.handleJamConfirm)
				r.Post("/abandon", s.handleJamAbandon)
			})
		}
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns readiness plus a snapshot of host resources, useful
// when deciding whether the sandbox host is saturated.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}

	if info, err := host.InfoWithContext(r.Context()); err == nil {
		resp["host"] = map[string]any{
			"hostname": info.Hostname,
			"os":       info.OS,
			"platform": info.Platform,
			"uptime":   info.Uptime,
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp["memory"] = map[string]any{
			"total":        vm.Total,
			"available":    vm.Available,
			"used_percent": vm.UsedPercent,
		}
	}

	if avg, err := load.AvgWithContext(r.Context()); err == nil {
		resp["load"] = map[string]float64{
			"load1":  avg.Load1,
			"load5":  avg.Load5,
			"load15": avg.Load15,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleQueue reports the queue depth and active runs.
func (s *server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	active := s.pool.ActiveRunIDs()

	writeJSON(w, http.StatusOK, map[string]any{
		"depth":          s.pool.Depth(),
		"oldest_wait_ms": s.pool.OldestWait().Milliseconds(),
		"active":         len(active),
		"runs":           active,
	})
}

// handleLeaderboard returns the ranked standings.
func (s *server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Leaderboard(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Leaderboard query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"leaderboard query failed"})

		return
	}

	type row struct {
		Rank       int    `json:"rank"`
		Username   string `json:"username"`
		Points     int    `json:"points"`
		Attempts   int    `json:"attempts"`
		DurationMs int64  `json:"duration_ms"`
	}

	rows := make([]row, 0, len(entries))

	for i, e := range entries {
		rows = append(rows, row{
			Rank:       i + 1,
			Username:   e.Username,
			Points:     e.TotalPoints,
			Attempts:   e.TotalAttempts,
			DurationMs: e.TotalDuration.Milliseconds(),
		})
	}

	writeJSON(w, http.StatusOK, rows)
}
