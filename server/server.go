// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dealdrip/drip"
	"dealdrip/pkg/deal"
	"dealdrip/status"
)

// Engine runs jobs and setting changes on the serialized loop.
type Engine interface {
	TriggerDripfeed(ctx context.Context) (drip.Result, error)
	TriggerReconcile(ctx context.Context) (*deal.ReconcileStats, error)
	TriggerSweep(ctx context.Context) (int, error)
	UpdateSettings(ctx context.Context, st deal.Settings) error
	DeletePost(ctx context.Context, id string) (*deal.Post, error)
}

// Settings reads the current runtime settings.
type Settings interface {
	Load(ctx context.Context) (deal.Settings, error)
}

// Status produces the dashboard snapshot.
type Status interface {
	Snapshot(ctx context.Context) (*status.Snapshot, error)
}

// Feed renders the public feed.
type Feed interface {
	Atom(ctx context.Context) (string, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	engine     Engine
	settings   Settings
	status     Status
	feed       Feed
	logger     *slog.Logger
	isNotFound IsNotFound
	limiter    *ipLimiter
	adminToken string
}

// Config holds server configuration.
type Config struct {
	Engine     Engine
	Settings   Settings
	Status     Status
	Feed       Feed // optional
	Logger     *slog.Logger
	IsNotFound IsNotFound
	AdminToken string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	isNotFound := cfg.IsNotFound
	if isNotFound == nil {
		isNotFound = func(error) bool { return false }
	}
	return &Server{
		engine:     cfg.Engine,
		settings:   cfg.Settings,
		status:     cfg.Status,
		feed:       cfg.Feed,
		logger:     cfg.Logger,
		isNotFound: isNotFound,
		limiter:    newIPLimiter(rate.Every(2*time.Second), 5),
		adminToken: cfg.AdminToken,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/feed.xml", s.handleFeed)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/dripz", s.admin(s.handleDrip))
	mux.HandleFunc("/reconcilez", s.admin(s.handleReconcile))
	mux.HandleFunc("/sweepz", s.admin(s.handleSweep))
	mux.HandleFunc("/posts/{id}", s.admin(s.handleDeletePost))
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// admin guards mutating endpoints with the bearer token and a per-IP rate limit.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		if !s.authorized(r) {
			s.logger.Warn("Unauthorized admin request", "path", r.URL.Path, "ip", clientIP(r))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.adminToken == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.adminToken
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter hands each client its own token bucket.
type ipLimiter struct {
	clients map[string]*rate.Limiter
	every   rate.Limit
	burst   int
	mu      sync.Mutex
}

func newIPLimiter(every rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{clients: make(map[string]*rate.Limiter), every: every, burst: burst}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.clients[ip]
	if !ok {
		// Keep memory bounded; a reset only forgets old buckets.
		if len(l.clients) > 10000 {
			l.clients = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.every, l.burst)
		l.clients[ip] = lim
	}
	return lim.Allow()
}
