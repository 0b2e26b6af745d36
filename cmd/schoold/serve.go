package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/azzam1122112-dot/school-display/internal/binding"
	"github.com/azzam1122112-dot/school-display/internal/config"
	"github.com/azzam1122112-dot/school-display/internal/httpapi"
	"github.com/azzam1122112-dot/school-display/internal/kvstore"
	"github.com/azzam1122112-dot/school-display/internal/metrics"
	"github.com/azzam1122112-dot/school-display/internal/obslog"
	"github.com/azzam1122112-dot/school-display/internal/revision"
	"github.com/azzam1122112-dot/school-display/internal/snapshot"
	"github.com/azzam1122112-dot/school-display/internal/upstream"
	"github.com/azzam1122112-dot/school-display/internal/wsconsumer"
)

func newServeCommand() *cobra.Command {
	var fixturesDir string
	var sqlDSN string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the snapshot/status HTTP API and the WS invalidation plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, fixturesDir, sqlDSN)
		},
	}
	cmd.Flags().StringVar(&fixturesDir, "fixtures-dir", "", "directory of <school_id>.json schedule fixtures (dev/demo upstream provider)")
	cmd.Flags().StringVar(&sqlDSN, "screens-dsn", "", "database/sql DSN for the DisplayScreen table; empty uses an in-memory binding store for local runs")
	return cmd
}

// runServe starts the read-path serving stack: status/snapshot HTTP,
// the WS invalidation plane, and the metrics/health endpoints. The
// write path (revision bump + broadcast) is a separate, independently
// invocable concern — see bump.go — since the upstream admin data
// source this system reads from is explicitly out of scope (spec.md
// §1) and triggers a bump from its own process or webhook, not from
// inside this server's request loop.
func runServe(ctx context.Context, cfg *config.Config, fixturesDir, sqlDSN string) error {
	log := obslog.New(cfg.LogFormat, cfg.LogLevel)

	store, err := openStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer store.Close()

	providers, err := upstream.NewStaticProviders(fixturesDir)
	if err != nil {
		return fmt.Errorf("load upstream providers: %w", err)
	}

	bindStore, err := openBindStore(sqlDSN)
	if err != nil {
		return fmt.Errorf("open binding store: %w", err)
	}

	reg := revision.New(store, cfg.BumpLockTTL, log.With("component", "revision"))
	cache := snapshot.NewCache(store, cfg.SnapshotInternalTTL)
	builder := snapshot.NewBuilder(providers, nil)
	wsEnabledFlag := func() bool { return cfg.WSEnabled }
	coord := snapshot.NewCoordinator(reg, cache, builder, store, cfg.BuildLockTTL, wsEnabledFlag, log.With("component", "snapshot"))
	binder := binding.NewService(bindStore, nil, func() bool { return cfg.AllowMultiDevice })
	counters := metrics.New()

	meterProvider, err := metrics.NewStdoutMeterProvider(ctx)
	if err != nil {
		return fmt.Errorf("start metrics exporter: %w", err)
	}
	defer meterProvider.Shutdown(context.Background())
	if err := counters.WithOTel(meterProvider.Meter("schoold")); err != nil {
		return fmt.Errorf("attach otel instruments: %w", err)
	}

	handler := httpapi.NewHandler(httpapi.Config{
		Registry:       reg,
		Coordinator:    coord,
		Binder:         binder,
		Counters:       counters,
		RateLimitPerS:  cfg.RateLimitPerSecond,
		RateLimitBurst: cfg.RateLimitBurst,
		EdgeMaxAgeSec:  int(cfg.SnapshotEdgeMaxAge / time.Second),
		DebugMode:      cfg.Debug,
		Log:            log.With("component", "httpapi"),
	})

	mux := http.NewServeMux()
	handler.Routes(mux)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	consumer := wsconsumer.NewConsumer(binder, store, counters, log.With("component", "wsconsumer"))
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws/display/", consumer.ServeHTTP)
	wsServer := &http.Server{Addr: cfg.WSAddr, Handler: wsMux}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(sigCtx)

	group.Go(func() error {
		log.Info("http api listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		log.Info("ws plane listening", "addr", cfg.WSAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ws plane: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = wsServer.Shutdown(shutdownCtx)
		return nil
	})

	return group.Wait()
}

func openStore(redisURL string) (kvstore.Store, error) {
	if redisURL == "" {
		return kvstore.NewMemoryStore(), nil
	}
	return kvstore.NewRedisStore(redisURL)
}
