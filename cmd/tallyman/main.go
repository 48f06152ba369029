package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/amplifyhq/tallyman/internal/batch"
	"github.com/amplifyhq/tallyman/internal/config"
	"github.com/amplifyhq/tallyman/internal/scoring"
	"github.com/amplifyhq/tallyman/internal/store"
	"github.com/amplifyhq/tallyman/internal/twitter"
	pkgconfig "github.com/amplifyhq/tallyman/pkg/config"
	"github.com/amplifyhq/tallyman/pkg/logging"
	"github.com/amplifyhq/tallyman/pkg/monitoring"
	"github.com/amplifyhq/tallyman/pkg/redis"
	"github.com/amplifyhq/tallyman/pkg/server"
	"github.com/amplifyhq/tallyman/pkg/version"
)

const serviceName = "tallyman"

func main() {
	rootCmd := &cobra.Command{
		Use:     "tallyman",
		Short:   "Tallyman - engagement batch processor for the KOL rewards program",
		Version: version.Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired-up components shared by the run and serve commands.
type app struct {
	logger    logging.Logger
	cfg       config.Config
	store     *store.Store
	processor *batch.Processor
	metrics   *batch.Metrics
	health    *monitoring.HealthChecker
	collector *monitoring.MetricsCollector
}

func newApp(withMetrics bool) (*app, error) {
	logger := logging.NewLoggerWithService(serviceName)
	pkgconfig.LoadEnv(logger)
	logger.SetLevel(pkgconfig.GetLogLevel())
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := redis.NewClientFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	st := store.New(client)

	var twitterOpts []twitter.Option
	if cfg.TwitterAPIBase != "" {
		twitterOpts = append(twitterOpts, twitter.WithBaseURL(cfg.TwitterAPIBase))
	}
	social := twitter.NewClient(cfg.TwitterBearerToken, twitterOpts...)
	resolver := scoring.NewResolver(st, logger)

	a := &app{logger: logger, cfg: cfg, store: st}
	if withMetrics {
		a.health = monitoring.NewHealthChecker(serviceName, version.Version)
		a.health.AddCheck("redis", monitoring.RedisHealthCheck(client))
		a.health.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
			"TWITTER_BEARER_TOKEN": cfg.TwitterBearerToken,
		}))
		a.health.AddCheck("twitter_circuit", func() monitoring.CheckResult {
			breaker := social.Breaker()
			if breaker == nil || breaker.IsClosed() {
				return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: "Twitter circuit closed"}
			}
			return monitoring.CheckResult{
				Status:  monitoring.StatusDegraded,
				Message: "Twitter circuit " + breaker.State().String(),
			}
		})
		a.collector = monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
		a.metrics = batch.NewMetrics(a.collector)
	}

	coordinator := batch.NewCoordinator(batch.CoordinatorConfig{
		Store:      st,
		Logger:     logger,
		LockTTL:    cfg.RunLockTTL,
		StaleAfter: cfg.RunStaleAfter,
		ScanDepth:  cfg.RunScanDepth,
	})
	reconciler := batch.NewReconciler(batch.ReconcilerConfig{
		Store:            st,
		Social:           social,
		Resolver:         resolver,
		Logger:           logger,
		Metrics:          a.metrics,
		DetailedInterval: cfg.DetailedCheckInterval,
		Window:           cfg.CandidateWindow,
	})
	a.processor = batch.NewProcessor(coordinator, reconciler, logger, a.metrics)
	return a, nil
}

// runCmd executes a single batch pass and exits. Exit code 0 covers a
// completed run even when individual tweets were skipped; only startup
// failures and a failed run exit non-zero.
func runCmd() *cobra.Command {
	var forceDetailed bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one engagement batch pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}

			_, err = a.processor.Run(cmd.Context(), forceDetailed)
			if errors.Is(err, batch.ErrRunInProgress) {
				a.logger.Info("Another batch run is in progress, nothing to do")
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&forceDetailed, "force-detailed", false, "Run a detailed pass regardless of cadence")
	return cmd
}

// serveCmd runs the processor as a daemon: periodic batch passes plus
// an ops HTTP surface with health, metrics, and recent run history.
func serveCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the processor on a schedule with an ops endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			if interval == 0 {
				interval = a.cfg.BatchInterval
			}

			scheduler := batch.NewScheduler(batch.SchedulerConfig{
				Processor: a.processor,
				Logger:    a.logger,
				Interval:  interval,
			})
			scheduler.Start()
			defer scheduler.Stop()

			router := server.SetupServiceRouter(a.logger, serviceName, a.health, a.collector)
			router.GET("/runs", func(c *gin.Context) {
				runs, err := a.store.RecentRuns(c.Request.Context(), 20)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
					return
				}
				c.JSON(http.StatusOK, gin.H{"runs": runs})
			})

			serverConfig := server.DefaultConfig(serviceName, a.cfg.OpsPort)
			return server.Start(serverConfig, router, a.logger)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Batch trigger interval (default from BATCH_INTERVAL)")
	return cmd
}
