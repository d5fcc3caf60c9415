// Package main is the entry point for the compaction accelerator: a
// double-buffer interception proxy sitting in front of a single upstream
// chat-completion API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/proxypilot/compaction-accelerator/internal/api/middleware"
	"github.com/proxypilot/compaction-accelerator/internal/buffer"
	"github.com/proxypilot/compaction-accelerator/internal/checkpoint"
	"github.com/proxypilot/compaction-accelerator/internal/config"
	"github.com/proxypilot/compaction-accelerator/internal/dashboard"
	"github.com/proxypilot/compaction-accelerator/internal/logging"
	"github.com/proxypilot/compaction-accelerator/internal/proxyhandler"
	"github.com/proxypilot/compaction-accelerator/internal/store"
)

// shutdownGrace bounds how long in-flight requests and background tasks get
// to drain once shutdown begins (§5).
const shutdownGrace = 5 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Init(logging.InitOptions{
		FilePath: cfg.LogFilePath,
		Level:    cfg.LogLevel,
	})

	if cfg.UpstreamBaseURL == "" {
		log.Fatal("UPSTREAM_BASE_URL is required")
	}

	persist, err := store.OpenPersistence(cfg.StateDBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open state database")
	}
	defer func() { _ = persist.Close() }()

	st := store.New(cfg.GetConversationTTL(), persist)
	if err := st.LoadFromDisk(context.Background()); err != nil {
		log.WithError(err).Warn("failed to restore conversation state from disk")
	}

	dashboardSrv := dashboard.NewServer(st, cfg)

	upstream := checkpoint.NewHTTPUpstreamClient(cfg.UpstreamBaseURL, "", "")
	executor := checkpoint.NewExecutor()
	engine := buffer.New(st, executor, upstream, cfg, dashboardSrv.Hub.Broadcast)

	handler := proxyhandler.New(st, engine, cfg, &http.Client{})

	middleware.SetMetricsEnabled(true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st.StartPeriodicEviction(ctx, store.DefaultEvictionInterval)
	go reportPhaseMetrics(ctx, st)

	proxyServer := newHTTPServer(cfg.Host, cfg.ProxyPort, newProxyEngine(handler, dashboardSrv))
	dashboardServer := newHTTPServer(cfg.Host, cfg.DashboardPort, newDashboardEngine(dashboardSrv))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runServer(proxyServer, "proxy") })
	g.Go(func() error { return runServer(dashboardServer, "dashboard") })
	g.Go(func() error {
		<-gctx.Done()
		return shutdownAll(engine, proxyServer, dashboardServer)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server exited with error")
	}
}

func newProxyEngine(handler *proxyhandler.Handler, dashboardSrv *dashboard.Server) *gin.Engine {
	r := gin.New()
	r.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	r.Use(middleware.ConnectionTrackerMiddleware())
	r.Use(middleware.PrometheusMiddleware())
	r.Use(middleware.RequestDecompressionMiddleware())

	r.GET("/health", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", middleware.MetricsHandler())
	dashboardSrv.RegisterResetRoute(r)

	for _, path := range []string{"/v1/chat/completions", "/v1/completions", "/v1/messages", "/v1/responses"} {
		r.POST(path, handler.ServeHTTP)
	}
	r.NoRoute(handler.ServeHTTP)

	return r
}

func newDashboardEngine(dashboardSrv *dashboard.Server) *gin.Engine {
	r := gin.New()
	r.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	dashboardSrv.RegisterRoutes(r)
	return r
}

func newHTTPServer(host string, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: handler,
	}
}

func runServer(srv *http.Server, name string) error {
	log.WithField("addr", srv.Addr).Infof("starting %s server", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// shutdownAll drains the HTTP listeners and every in-flight background
// checkpoint in parallel, all bounded by the same shutdownGrace window
// (§5): the servers stop accepting new work and finish requests already in
// flight, while the engine cancels each conversation's checkpoint context
// and waits for the corresponding goroutine to observe it and return.
func shutdownAll(engine *buffer.Engine, servers ...*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var g errgroup.Group
	for _, srv := range servers {
		srv := srv
		g.Go(func() error { return srv.Shutdown(ctx) })
	}
	g.Go(func() error { return engine.Shutdown(ctx) })
	return g.Wait()
}

// reportPhaseMetrics periodically mirrors the store's phase distribution
// into the conversations_by_phase gauge vector, since BufferEngine's
// per-transition metrics only capture attempts and outcomes, not the
// current population of each phase.
func reportPhaseMetrics(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := make(map[string]int)
			for _, view := range st.Snapshot() {
				counts[string(view.Phase)]++
			}
			middleware.SetConversationsByPhase(counts)
		}
	}
}
