package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mogi-io/cdnstat/internal/analytics"
	"github.com/mogi-io/cdnstat/internal/config"
	"github.com/mogi-io/cdnstat/internal/geo"
	"github.com/mogi-io/cdnstat/internal/logging"
	"github.com/mogi-io/cdnstat/internal/metrics"
	"github.com/mogi-io/cdnstat/internal/series"
	"github.com/mogi-io/cdnstat/internal/server"
	"github.com/mogi-io/cdnstat/internal/storage"
	"github.com/mogi-io/cdnstat/internal/upstream"
	"github.com/mogi-io/cdnstat/internal/version"
)

// instrumentedResolver counts lookups and misses around the real
// resolver.
type instrumentedResolver struct {
	inner *geo.Resolver
	m     *metrics.Metrics
}

func (r *instrumentedResolver) Resolve(ip string) *geo.Location {
	loc := r.inner.Resolve(ip)
	r.m.RecordGeoLookup(loc == nil)
	return loc
}

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	slog.Info("starting cdnstat",
		"version", version.Version,
		"commit", version.GitCommit,
		"project", cfg.ProjectID)

	store, err := storage.NewWithOptions(cfg.DBPath, storage.Options{
		MaxConnections: cfg.DBMaxConnections,
		QueryTimeout:   cfg.DBQueryTimeout,
	})
	if err != nil {
		slog.Error("failed to open session database", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer store.Close()

	resolver, err := geo.Open(cfg.MaxMindDBPath)
	if err != nil {
		// A nil resolver answers every lookup with nil.
		slog.Warn("geo lookups disabled", "error", err, "path", cfg.MaxMindDBPath)
		resolver = nil
	}
	defer resolver.Close()

	m := metrics.New(func() int64 {
		n, err := store.SessionCount(context.Background())
		if err != nil {
			return 0
		}
		return n
	})
	if err := m.Register(); err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	logClient := upstream.NewLogClient(cfg.ProjectID, cfg.AccessToken, upstream.LogClientOptions{
		BaseURL:    cfg.LoggingBaseURL,
		HTTPClient: httpClient,
	})
	metricClient := upstream.NewMetricClient(cfg.ProjectID, cfg.AccessToken, upstream.MetricClientOptions{
		BaseURL:    cfg.MonitoringBaseURL,
		HTTPClient: httpClient,
	})

	agg := analytics.New(&instrumentedResolver{inner: resolver, m: m})
	fetcher := series.NewFetcher(metricClient)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.CleanupExpiredSessions(context.Background())
				if err != nil {
					slog.Warn("session cleanup failed", "error", err)
				} else if n > 0 {
					slog.Info("cleaned up expired sessions", "count", n)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(store, logClient, agg, fetcher, cfg, m),
	}

	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("shutdown complete")
}
