package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/coordinator"
	"github.com/saleskingacademy/agentpool/internal/credits"
	"github.com/saleskingacademy/agentpool/internal/dispatch"
	"github.com/saleskingacademy/agentpool/internal/metrics"
	"github.com/saleskingacademy/agentpool/internal/natsbus"
	"github.com/saleskingacademy/agentpool/internal/registry"
	"github.com/saleskingacademy/agentpool/internal/status"
	"github.com/saleskingacademy/agentpool/internal/store"
)

type Server struct {
	store       *store.Store
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	coordinator *coordinator.Coordinator
	status      *status.Aggregator
	metrics     *metrics.Recorder
	credits     *credits.Feed
	nats        *natsbus.Client
	hub         *Hub
	cfg         config.WebConfig
	version     string
	startedAt   time.Time
	sessions    *sessionStore
}

func NewServer(s *store.Store, reg *registry.Registry, d *dispatch.Dispatcher, c *coordinator.Coordinator,
	agg *status.Aggregator, client *natsbus.Client, m *metrics.Recorder, feed *credits.Feed,
	cfg config.WebConfig, version string) *Server {
	return &Server{
		store:       s,
		registry:    reg,
		dispatcher:  d,
		coordinator: c,
		status:      agg,
		metrics:     m,
		credits:     feed,
		nats:        client,
		hub:         NewHub(),
		cfg:         cfg,
		version:     version,
		startedAt:   time.Now(),
		sessions:    newSessionStore(sessionMaxAge),
	}
}

// Handler builds the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	s.registerAPI(mux)

	mux.HandleFunc("/api/ws", s.handleWebSocket)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if r.URL.Path == "/api/login" || r.URL.Path == "/api/auth/check" {
				next.ServeHTTP(w, r)
				return
			}
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// subscribeEvents forwards every pool event to websocket clients.
func (s *Server) subscribeEvents() error {
	if s.nats == nil {
		return nil
	}
	_, err := s.nats.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var ev natsbus.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("invalid NATS event payload", "error", err)
			return
		}
		s.hub.Broadcast(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	return nil
}
