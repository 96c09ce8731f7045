package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stywzn/recon-orchestrator/internal/advisory"
	"github.com/stywzn/recon-orchestrator/internal/config"
	"github.com/stywzn/recon-orchestrator/internal/correlation"
	"github.com/stywzn/recon-orchestrator/internal/executor"
	"github.com/stywzn/recon-orchestrator/internal/logging"
	"github.com/stywzn/recon-orchestrator/internal/ranking"
	"github.com/stywzn/recon-orchestrator/internal/scheduler"
	"github.com/stywzn/recon-orchestrator/internal/server"
	"github.com/stywzn/recon-orchestrator/internal/telemetry"
	"github.com/stywzn/recon-orchestrator/pkg/cache"
	"github.com/stywzn/recon-orchestrator/pkg/db"
	"github.com/stywzn/recon-orchestrator/pkg/mq"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("RECON_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	logger := logging.New(cfg.Log.Level)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("server exited", "error", err)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, cfg.Telemetry.Insecure)
	if err != nil {
		return err
	}

	// Persistence is optional; without a driver the service runs purely in memory.
	var (
		store         *db.Store
		findingsStore correlation.Store
		jobStore      scheduler.Store
		settingsStore scheduler.SettingsStore
	)
	if cfg.Database.Driver != "" {
		gdb, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		store = db.NewStore(gdb)
		findingsStore, jobStore, settingsStore = store, store, store
		logger.Infow("database connected", "driver", cfg.Database.Driver)
	}

	sources := advisory.Chain{advisory.NewStatic(nil)}
	if cfg.Advisory.DBPath != "" {
		adb, err := advisory.OpenSQLite(cfg.Advisory.DBPath)
		if err != nil {
			return err
		}
		defer adb.Close()
		sources = append(sources, adb)
	}
	scorer := ranking.NewScorer(advisory.NewCached(sources, cfg.Advisory.CacheSize, cfg.Advisory.CacheTTL), logger.Named("ranking"))
	engine := correlation.New(scorer, findingsStore, logger.Named("correlation"))

	var publisher ranking.Publisher
	if cfg.Redis.Addr != "" {
		pc, err := cache.Connect(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.KeyPrefix,
			MaxWait:  30 * time.Second,
		})
		if err != nil {
			return err
		}
		defer pc.Close()
		publisher = pc
	}
	ranker := ranking.NewRanker(engine, publisher, logger.Named("ranking"))
	engine.OnBatch(func(projectID string) { ranker.Recompute(context.Background(), projectID) })

	catalog, err := executor.LoadCatalog(cfg.Executor.CatalogFile)
	if err != nil {
		return err
	}
	exec := executor.New(executor.NewDockerRuntime(cfg.Executor.Runtime), executor.Config{
		ArtifactRoot:  cfg.Executor.ArtifactRoot,
		LaunchTimeout: cfg.Executor.LaunchTimeout,
		StopGrace:     cfg.Executor.StopGrace,
		OutputCeiling: cfg.Executor.OutputCeiling,
	}, logger.Named("executor"))

	var notifier scheduler.Notifier
	if cfg.AMQP.URL != "" {
		pub, err := mq.Dial(ctx, cfg.AMQP.URL, cfg.AMQP.Exchange, 30*time.Second)
		if err != nil {
			return err
		}
		defer pub.Close()
		notifier = pub
	}

	sc := cfg.Scheduler
	sched := scheduler.New(scheduler.Config{
		Concurrency:           sc.Concurrency,
		MaxConcurrency:        sc.MaxConcurrency,
		ContainerCPU:          sc.ContainerCPU,
		ContainerMemoryGB:     sc.ContainerMemoryGB,
		DefaultAggressiveness: sc.DefaultAggressiveness,
		NoiseThreshold:        sc.NoiseThreshold,
		MaxScopeHosts:         sc.MaxScopeHosts,
		RawRetentionDays:      sc.RawRetentionDays,
		LogRetentionDays:      sc.LogRetentionDays,
		MaxArtifactBytes:      sc.MaxArtifactBytes,
		ApprovalToken:         cfg.Server.ApprovalToken,
		ProgressInterval:      sc.ProgressInterval,
	}, scheduler.Options{
		Executor: exec,
		Catalog:  catalog,
		Ingester: engine,
		Store:    jobStore,
		Settings: settingsStore,
		Notifier: notifier,
		Logger:   logger.Named("scheduler"),
	})

	if store != nil {
		if err := restore(ctx, store, sched, engine, ranker, logger); err != nil {
			return err
		}
	}
	if _, err := sched.Prune(ctx); err != nil {
		logger.Warnw("initial artifact prune failed", "error", err)
	}
	go sched.RunRetention(ctx, sc.RetentionInterval)

	gin.SetMode(gin.ReleaseMode)
	api := server.NewHttpServer(sched, engine, ranker, cfg.Server.RateLimit, cfg.Server.RateBurst, logger.Named("http"))
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := server.NewGrpcServer(logger.Named("grpc"))
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- grpcSrv.Serve(lis) }()
	go func() {
		logger.Infow("HTTP API listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Infow("shutting down")
	case serveErr = <-errCh:
		logger.Errorw("listener failed, shutting down", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http shutdown", "error", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("scheduler shutdown", "error", err)
	}
	grpcSrv.Stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warnw("tracer shutdown", "error", err)
	}
	return serveErr
}

// restore reapplies stored settings, reloads jobs, their audit trail, all findings and
// their notes, then rebuilds every pathway.
func restore(ctx context.Context, store *db.Store, sched *scheduler.Scheduler, engine *correlation.Engine, ranker *ranking.Ranker, logger *zap.SugaredLogger) error {
	patch, err := store.LoadSettings(ctx)
	if err != nil {
		return err
	}
	if _, err := sched.UpdateSettings(ctx, patch); err != nil {
		logger.Warnw("stored settings rejected, keeping configured values", "error", err)
	}

	findings, err := store.LoadFindings(ctx)
	if err != nil {
		return err
	}
	engine.Load(findings)
	notes, err := store.LoadNotes(ctx)
	if err != nil {
		return err
	}
	engine.LoadNotes(notes)
	for _, p := range engine.Projects() {
		ranker.Recompute(ctx, p)
	}

	evs, err := store.LoadEvents(ctx)
	if err != nil {
		return err
	}
	sched.RestoreEvents(evs)
	jobs, err := store.LoadJobs(ctx)
	if err != nil {
		return err
	}
	sched.Restore(ctx, jobs)
	logger.Infow("state restored", "jobs", len(jobs), "events", len(evs), "findings", len(findings), "notes", len(notes))
	return nil
}
