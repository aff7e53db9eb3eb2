package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelmix/reelmix/pkg/api"
	"github.com/reelmix/reelmix/pkg/auth"
	"github.com/reelmix/reelmix/pkg/catalog"
	"github.com/reelmix/reelmix/pkg/cleanup"
	"github.com/reelmix/reelmix/pkg/credits"
	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/metrics"
	"github.com/reelmix/reelmix/pkg/ratelimit"
	"github.com/reelmix/reelmix/pkg/scheduler"
	"github.com/reelmix/reelmix/pkg/service"
	"github.com/reelmix/reelmix/pkg/shutdown"
	"github.com/reelmix/reelmix/pkg/store"
	tlsutil "github.com/reelmix/reelmix/pkg/tls"
	"github.com/reelmix/reelmix/pkg/tracing"
	"github.com/reelmix/reelmix/pkg/transcode"
)

var shutdownTimeout time.Duration

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reelmix API and mix workers",
	Long: `Run the HTTP API together with the job orchestrator. Interrupted jobs from
a previous run are failed and refunded before new work is accepted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 60*time.Second, "time allowed for running plans to stop")
}

func newLogger() (*logging.Logger, error) {
	if cfg.Log.File != "" {
		return logging.NewFileLogger("reelmix", cfg.Log.File, cfg.LogLevel(), cfg.Log.JSON)
	}
	return logging.NewLogger(cfg.LogLevel(), cfg.Log.JSON), nil
}

func openCatalog(logger *logging.Logger) (catalog.Catalog, func() error, error) {
	if cfg.Catalog.Driver == "memory" {
		logger.Warn("Using in-memory catalog: no projects exist until the process is seeded")
		return catalog.NewMemoryCatalog(), func() error { return nil }, nil
	}

	cat, err := catalog.Open(cfg.Catalog.Driver, cfg.Catalog.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Catalog.Driver == "sqlite" {
		if err := cat.Migrate(); err != nil {
			cat.Close()
			return nil, nil, fmt.Errorf("failed to migrate catalog: %w", err)
		}
	}
	return cat, cat.Close, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Log.File != "" && cfg.Log.MaxSizeMB > 0 {
		go rotateLogs(ctx, logger, cfg.Log.MaxSizeMB*1024*1024)
	}

	logger.Info("Starting reelmix", map[string]interface{}{
		"version":  version,
		"addr":     cfg.Server.Addr,
		"store":    cfg.Store.Type,
		"catalog":  cfg.Catalog.Driver,
		"mode":     cfg.Scheduler.Mode,
		"workers":  cfg.Scheduler.JobWorkers,
		"plans":    cfg.Scheduler.MaxConcurrentPlans,
		"per_job":  cfg.Scheduler.PerJobConcurrency,
		"attempts": cfg.Scheduler.MaxAttempts,
	})

	sd := shutdown.New(shutdownTimeout, logger)

	tracer, err := tracing.InitTracer(cfg.TracingConfig(version), logger)
	if err != nil {
		return err
	}
	sd.Register("tracer", tracer.Shutdown)

	st, err := store.NewStore(cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	sd.Register("store", shutdown.CloseResource(st))
	if cfg.Store.Type == "memory" {
		logger.Warn("Using in-memory store: jobs, outputs and balances do not survive restarts")
	}

	cat, closeCatalog, err := openCatalog(logger)
	if err != nil {
		sd.Shutdown()
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	sd.Register("catalog", func(context.Context) error { return closeCatalog() })

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		m.MustRegister(metrics.NewJobStateCollector(st))
	}

	encoders, err := transcode.DetectEncoders(ctx, cfg.Transcode.FFmpegPath, cfg.Transcode.PreferHardware, logger)
	if err != nil {
		logger.Warn("Encoder detection failed, using software encoders", map[string]interface{}{"error": err.Error()})
		encoders = transcode.DefaultEncoders()
	}
	transcoder := transcode.NewFFmpegTranscoder(cfg.Transcode.FFmpegPath, encoders, logger)
	executor := transcode.NewExecutor(transcoder, cfg.Transcode.OutputDir, cfg.PlanTimeout(), logger)
	executor.SetMinFreeSpace(cfg.Transcode.MinFreeMB)

	ledger := credits.NewLedger(st, cfg.Credits.BasePerOutput, logger)

	schedCfg := cfg.SchedulerConfig()
	if schedCfg.WorkerID == "" {
		schedCfg.WorkerID = scheduler.NewWorkerID()
	}
	if schedCfg.ClaimLease <= 0 {
		schedCfg.ClaimLease = scheduler.DefaultConfig().ClaimLease
	}

	recovery := scheduler.NewRecoveryManager(st, ledger, m, logger).WithClaims(schedCfg.WorkerID, schedCfg.ClaimLease)
	if schedCfg.Mode != scheduler.ModeStore {
		recovery.SingleProcess()
	}
	report, err := recovery.SweepInterrupted(ctx)
	if err != nil {
		sd.Shutdown()
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if report.Failed > 0 || report.Settled > 0 || report.ReleasedClaims > 0 || report.Live > 0 {
		logger.Info("Recovered jobs from previous run", map[string]interface{}{
			"failed":          report.Failed,
			"settled":         report.Settled,
			"refunded":        report.Refunded,
			"released_claims": report.ReleasedClaims,
			"running":         report.Live,
		})
	}
	if schedCfg.Mode == scheduler.ModeStore {
		go recovery.Run(ctx, schedCfg.ClaimLease)
	}

	runner := scheduler.NewRunner(schedCfg, st, cat, executor, ledger, m, tracer, logger)
	orch, err := scheduler.New(schedCfg, runner)
	if err != nil {
		sd.Shutdown()
		return err
	}
	logger.Info("Scheduler configured", map[string]interface{}{
		"mode":        string(schedCfg.Mode),
		"worker_id":   schedCfg.WorkerID,
		"claim_lease": schedCfg.ClaimLease.String(),
	})
	if err := orch.Start(ctx); err != nil {
		sd.Shutdown()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	sd.Register("orchestrator", orch.Shutdown)

	svc := service.New(service.Config{MaxOutputCount: cfg.Limits.MaxOutputCount}, cat, st, ledger, orch, m, logger)

	opts := api.RouterOptions{Metrics: m, Tracing: tracer}
	if cfg.Server.APIKeyHash != "" {
		authn, err := auth.NewAuthenticator(cfg.Server.APIKeyHash)
		if err != nil {
			sd.Shutdown()
			return fmt.Errorf("invalid server.api_key_hash: %w", err)
		}
		opts.Auth = authn
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("API key authentication disabled: set server.api_key_hash (see `reelmix config hash-key`)")
	}
	if cfg.Server.RateLimitRPS > 0 {
		limiter := ratelimit.NewLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateBurst)
		opts.Limiter = limiter
		go pruneLimiter(ctx, limiter, logger)
	}

	router := api.NewRouter(api.NewHandler(svc, logger), opts)

	if m != nil {
		if cfg.Metrics.Addr == "" {
			router.Handle("/metrics", m.Handler()).Methods("GET")
		} else {
			metricsSrv := &http.Server{
				Addr:         cfg.Metrics.Addr,
				Handler:      m.Handler(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			go func() {
				logger.Info("Metrics server listening", map[string]interface{}{"addr": cfg.Metrics.Addr})
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
				}
			}()
			sd.Register("metrics server", shutdown.StopHTTPServer(metricsSrv))
		}
	}

	if cfg.Cleanup.Enabled {
		cm := cleanup.NewCleanupManager(cfg.CleanupConfig(), st, logger)
		cm.Start()
		sd.Register("cleanup", func(context.Context) error {
			cm.Stop()
			return nil
		})
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	if cfg.Server.TLSCert != "" {
		tlsConfig, err := tlsutil.ServerConfig(cfg.Server.TLSCert, cfg.Server.TLSKey, cfg.Server.TLSClientCA)
		if err != nil {
			sd.Shutdown()
			return err
		}
		srv.TLSConfig = tlsConfig
		logger.Info("TLS enabled", map[string]interface{}{"mtls": cfg.Server.TLSClientCA != ""})
	}
	sd.Register("http server", shutdown.StopHTTPServer(srv))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("API listening", map[string]interface{}{"addr": cfg.Server.Addr})
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	shutdownErr := sd.WaitWithContext(ctx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	default:
	}
	return shutdownErr
}

// pruneLimiter drops per-key limiters idle for ten minutes
func pruneLimiter(ctx context.Context, limiter *ratelimit.Limiter, logger *logging.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.CleanupOldLimiters(10 * time.Minute); n > 0 {
				logger.Debug("Pruned idle rate limiters", map[string]interface{}{"removed": n})
			}
		}
	}
}

// rotateLogs checks the log file size once a minute
func rotateLogs(ctx context.Context, logger *logging.Logger, maxBytes int64) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := logger.RotateIfNeeded(maxBytes); err != nil {
				logger.Warn("Log rotation failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
