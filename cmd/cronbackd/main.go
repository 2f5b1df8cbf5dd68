package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/devtari-io/cronback/internal/analytics"
	"github.com/devtari-io/cronback/internal/api"
	"github.com/devtari-io/cronback/internal/auth"
	"github.com/devtari-io/cronback/internal/cell"
	"github.com/devtari-io/cronback/internal/circuitbreaker"
	"github.com/devtari-io/cronback/internal/config"
	"github.com/devtari-io/cronback/internal/dispatcher"
	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
	"github.com/devtari-io/cronback/internal/metrics"
	"github.com/devtari-io/cronback/internal/reconciler"
	"github.com/devtari-io/cronback/internal/store/postgres"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess        = 0
	exitRuntimeError   = 1
	exitInvalidConfig  = 2
	exitLeadershipLost = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		fmt.Printf("cronbackd %s (%s)\n", version, commit)
		os.Exit(exitSuccess)
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`cronbackd - webhook trigger scheduler and dispatcher

Usage:
  cronbackd <command>

Commands:
  serve      Start the scheduler cells, dispatcher and API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  CRONBACK_DATABASE_URL               PostgreSQL connection string (required)
  CRONBACK_REDIS_ADDR                 Redis address for run analytics (optional)
  CRONBACK_HTTP_ADDR                  HTTP server address (default: ":8080")
  CRONBACK_HTTP_SHUTDOWN_TIMEOUT      Graceful HTTP shutdown timeout (default: "10s")

  CRONBACK_DB_MAX_OPEN_CONNS          Max open database connections (default: "25")
  CRONBACK_DB_MAX_IDLE_CONNS          Max idle database connections (default: "5")
  CRONBACK_DB_CONN_MAX_LIFETIME       Max connection lifetime (default: "30m")
  CRONBACK_DB_CONN_MAX_IDLE_TIME      Max connection idle time (default: "5m")

  CRONBACK_SCHEDULER_NUM_CELLS        Size of the static cell mapping (default: "16")
  CRONBACK_SCHEDULER_OWNED_CELLS      Cells this replica runs, e.g. "0,1,2" (default: all)
  CRONBACK_SCHEDULER_DANGEROUS_FAST_FORWARD
                                      Replay runs missed while down (default: "false")
  CRONBACK_SCHEDULER_MAX_IN_FLIGHT_PER_CELL
                                      Dispatcher back-pressure threshold (default: "256")
  CRONBACK_SCHEDULER_SKEW_TOLERANCE   Tolerated backward clock jump (default: "2s")

  CRONBACK_DISPATCHER_PROXY_URL       Egress isolation proxy (optional)
  CRONBACK_DISPATCHER_MAX_CONCURRENT_ATTEMPTS
                                      Global outbound attempt cap (default: "64")
  CRONBACK_DISPATCHER_RESPONSE_BODY_CAP_BYTES
                                      Response read cap (default: "1048576")
  CRONBACK_DISPATCHER_QUEUE_SIZE      Execution queue bound (default: "1024")
  CRONBACK_DISPATCHER_BLOCKED_PORTS   Destination ports to refuse, e.g. "25,6379"

  CRONBACK_API_ADMIN_API_KEYS         Bootstrap admin credentials (comma-separated)

  CRONBACK_METRICS_ENABLED            Enable Prometheus metrics (default: "false")
  CRONBACK_METRICS_PATH               Metrics endpoint path (default: "/metrics")

  CRONBACK_RECONCILE_ENABLED          Re-enqueue stuck runs (default: "false")
  CRONBACK_RECONCILE_INTERVAL         Scan interval (default: "5m")
  CRONBACK_RECONCILE_THRESHOLD        Age before a run counts as stuck (default: "15m")`)
}

func runValidate() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	fmt.Println("configuration ok")
	return exitSuccess
}

func runConfig() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	out, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render configuration: %v\n", err)
		return exitRuntimeError
	}
	fmt.Println(string(out))
	return exitSuccess
}

func runServe() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := postgres.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
		return exitRuntimeError
	}

	var sink metrics.Sink = metrics.NoopSink{}
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	}

	executor, err := dispatcher.NewWebhookExecutor(dispatcher.WebhookConfig{
		ResponseBodyCapBytes: cfg.Dispatcher.ResponseBodyCapBytes,
		BlockedPorts:         cfg.Dispatcher.BlockedPorts,
		ProxyURL:             cfg.Dispatcher.ProxyURL,
		Breaker: circuitbreaker.Config{
			Threshold: cfg.Dispatcher.BreakerThreshold,
			Cooldown:  cfg.Dispatcher.BreakerCooldown,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build webhook executor: %v\n", err)
		return exitRuntimeError
	}

	runner := dispatcher.NewRunner(dispatcher.RunnerConfig{
		QueueSize:             cfg.Dispatcher.QueueSize,
		Workers:               cfg.Dispatcher.Workers,
		MaxConcurrentAttempts: cfg.Dispatcher.MaxConcurrentAttempts,
	}, store, executor).WithMetrics(sink)

	manager := cell.NewManager(cfg, db, store, runner, sink)

	authenticator := auth.NewAuthenticator(store, cfg.API.AdminAPIKeys)
	handler := api.NewHandler(manager, store, authenticator).
		WithHealthChecker(db).
		WithProvisioner(provisioner{store: store, auth: authenticator})

	if cfg.RedisAddr != "" {
		// Analytics is best-effort; the sink logs its own failures.
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		runner.WithAnalytics(analytics.NewRedisSink(client))
		log.Printf("main: run analytics enabled (redis=%s)", cfg.RedisAddr)
	}

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler.Router()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})

	for _, c := range manager.Cells() {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}

	if cfg.Reconcile.Enabled {
		// The reconciler shares the dispatcher's async entry point.
		rec := reconciler.New(reconciler.Config{
			Interval:  cfg.Reconcile.Interval,
			Threshold: cfg.Reconcile.Threshold,
			BatchSize: cfg.Reconcile.BatchSize,
		}, store, reconcilerClient{runner: runner})
		g.Go(func() error {
			rec.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Printf("main: http listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if cfg.MetricsEnabled {
		metricsSrv := &http.Server{Addr: ":9090", Handler: metricsMux(cfg.MetricsPath)}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("main: metrics server error: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	log.Printf("cronbackd %s started (cells=%d)", version, len(manager.Cells()))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Printf("main: fatal: %v", err)
		return exitLeadershipLost
	}
	log.Println("cronbackd stopped")
	return exitSuccess
}

// provisioner glues the store's project rows and the authenticator's key
// minting behind the admin provisioning endpoint.
type provisioner struct {
	store *postgres.Store
	auth  *auth.Authenticator
}

func (p provisioner) CreateProject(ctx context.Context, id ids.ProjectId, now time.Time) error {
	return p.store.CreateProject(ctx, id, now)
}

func (p provisioner) CreateKey(ctx context.Context, project ids.ProjectId, name string) (string, *postgres.APIKey, error) {
	return p.auth.CreateKey(ctx, project, name)
}

// reconcilerClient adapts the runner's queue to the reconciler's Dispatch
// interface without the client's in-flight accounting.
type reconcilerClient struct {
	runner *dispatcher.Runner
}

func (c reconcilerClient) Dispatch(ctx context.Context, run *domain.Run) error {
	_, err := c.runner.Enqueue(run)
	return err
}

func metricsMux(path string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return mux
}
