// Package server wires the collaboration core behind its HTTP and
// websocket surface and hosts the admin listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"treehub/internal/auth"
	"treehub/internal/broadcast"
	"treehub/internal/config"
	"treehub/internal/gateway"
	"treehub/internal/journal"
	"treehub/internal/model"
	"treehub/internal/notify"
	"treehub/internal/presence"
	"treehub/internal/room"
	"treehub/internal/store"
)

// Journal is the mutation log read by the catch-up endpoint.
type Journal interface {
	broadcast.Journal
	Since(ctx context.Context, treeID string, seq int64) ([]journal.Entry, error)
}

// OnlineReader lists users online across every process sharing a presence
// mirror.
type OnlineReader interface {
	Online(ctx context.Context) ([]model.Identity, error)
}

// HealthCheck probes one backing service.
type HealthCheck func(ctx context.Context) error

// Deps are the backing services chosen by the caller.
type Deps struct {
	Graph      store.GraphStore
	Identities store.IdentityStore
	Journal    Journal
	Mirror     presence.Mirror
	Checks     map[string]HealthCheck
}

// Server owns every long-lived component of the process.
type Server struct {
	cfg         config.Config
	log         *zap.Logger
	identities  store.IdentityStore
	verifier    *auth.Verifier
	presence    *presence.Registry
	router      *room.Router
	notifier    *notify.Dispatcher
	broadcaster *broadcast.Broadcaster
	gateway     *gateway.Gateway
	journal     Journal
	shared      OnlineReader
	checks      map[string]HealthCheck

	registry   *prometheus.Registry
	metrics    *serverMetrics
	publicHTTP *http.Server
	adminHTTP  *http.Server
	ready      atomic.Bool
}

// New wires the components. secret signs and verifies bearer tokens.
func New(cfg config.Config, logger *zap.Logger, secret []byte, deps Deps) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Graph == nil || deps.Identities == nil {
		return nil, errors.New("graph and identity stores are required")
	}

	verifier, err := auth.NewVerifier(secret, deps.Identities, auth.Options{
		Issuer:  cfg.Auth.Issuer,
		Timeout: cfg.Auth.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init verifier: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := newServerMetrics(reg)

	registry := presence.NewRegistry(logger.Named("presence"), deps.Mirror)
	router := room.NewRouter(logger.Named("room"))
	dispatcher := notify.NewDispatcher(deps.Graph, registry, router, logger.Named("notify"))

	var mutationLog broadcast.Journal
	if deps.Journal != nil {
		mutationLog = deps.Journal
	}
	broadcaster := broadcast.New(deps.Graph, router, broadcast.Options{
		Logger:   logger.Named("broadcast"),
		Journal:  mutationLog,
		Notifier: dispatcher,
		Observer: metrics.observeMutation,
	})
	gw := gateway.New(verifier, registry, router, broadcaster, logger.Named("gateway"), gateway.Options{
		SendQueueSize: cfg.Gateway.SendQueueSize,
		ReadLimit:     cfg.Gateway.ReadLimit,
		PongWait:      cfg.Gateway.PongWait,
		WriteWait:     cfg.Gateway.WriteWait,
		Observer:      metrics,
	})

	checks := deps.Checks
	if checks == nil {
		checks = map[string]HealthCheck{}
	}
	shared, _ := deps.Mirror.(OnlineReader)
	return &Server{
		cfg:         cfg,
		log:         logger,
		identities:  deps.Identities,
		verifier:    verifier,
		presence:    registry,
		router:      router,
		notifier:    dispatcher,
		broadcaster: broadcaster,
		gateway:     gw,
		journal:     deps.Journal,
		shared:      shared,
		checks:      checks,
		registry:    reg,
		metrics:     metrics,
	}, nil
}

// Start serves the public and admin listeners until ctx is cancelled or a
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.publicHTTP = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Admin.Address != "" {
		adminLis, err := net.Listen("tcp", s.cfg.Admin.Address)
		if err != nil {
			_ = lis.Close()
			return fmt.Errorf("listen on %s: %w", s.cfg.Admin.Address, err)
		}
		s.adminHTTP = &http.Server{
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
		}
		g.Go(func() error {
			s.log.Info("admin server listening", zap.String("address", adminLis.Addr().String()))
			if err := s.adminHTTP.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve admin: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		s.log.Info("collaboration server listening", zap.String("address", lis.Addr().String()))
		if err := s.publicHTTP.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
		return nil
	})

	s.ready.Store(true)
	return g.Wait()
}

// Shutdown closes live connections first, since hijacked websockets are
// invisible to http.Server.Shutdown, then stops both listeners.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if err := s.gateway.Shutdown(ctx); err != nil {
		s.log.Warn("connection drain timed out", zap.Error(err))
	}
	if s.publicHTTP != nil {
		if err := s.publicHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server shutdown", zap.Error(err))
		}
	}
	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	s.log.Info("server stopped")
}

// AdminHandler serves metrics and probes.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	return mux
}
