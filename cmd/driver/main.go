// Command driver runs the Driver component of spec.md §4.3/§4.4: one
// scheduler loop per configured pool, the cancel-fan-out and delete-fan-out
// loops, and one instance-reconcile loop per pool. Wiring follows the same
// createEnv-then-register shape as cmd/frontend, generalized from the
// teacher's examples/batch-recovery worker-mode wiring (getDb/getRedis/
// getLogger) to a long-running multi-loop process.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/config"
	"github.com/remiges-tech/batchcore/internal/callbackauth"
	"github.com/remiges-tech/batchcore/internal/driver"
	"github.com/remiges-tech/batchcore/internal/ipr"
	"github.com/remiges-tech/batchcore/internal/workerclient"
	"github.com/remiges-tech/batchcore/metrics"
)

func main() {
	lh := getLogger("driver")
	db := getDB()
	defer db.Close()

	rdb := getRedis()
	defer rdb.Close()

	// Pool definitions come from rigel/etcd when BATCHCORE_RIGEL_ETCD is
	// set, a JSON file otherwise; either source supports Watch, which backs
	// the "configuration reload" signal of spec.md §4.3 step 6.
	poolSource, err := config.NewPoolsSource(os.Getenv("BATCHCORE_RIGEL_ETCD"), envOr("BATCHCORE_POOLS_FILE", "pools.json"))
	if err != nil {
		log.Fatalf("failed to open pool config source: %v", err)
	}
	pools, err := config.LoadPoolsFromSource(poolSource)
	if err != nil {
		log.Fatalf("failed to load pool config: %v", err)
	}
	if len(pools) == 0 {
		log.Fatal("no pools configured")
	}

	store := batchcore.NewStore(db, lh)
	registry := ipr.New(rdb, lh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.Run(ctx)

	wc := workerclient.New(lh)
	promMetrics := setupMetrics()

	cancelFanout := driver.NewCancelFanout(store, registry, wc, lh)
	deleteFanout := driver.NewDeleteFanout(store, registry, wc, lh)
	go cancelFanout.Run(ctx)
	go deleteFanout.Run(ctx)

	schedulers := map[string]*driver.Scheduler{}
	startPool := func(name string) {
		sched := driver.NewScheduler(name, store, registry, wc, lh)
		sched.Metrics = promMetrics
		go sched.Run(ctx)
		schedulers[name] = sched

		recon := driver.NewReconciler(name, store, registry, lh)
		recon.Metrics = promMetrics
		go recon.Run(ctx)
	}
	for _, p := range pools {
		startPool(p.Name)
	}

	go watchPoolConfig(ctx, poolSource, schedulers, startPool, lh)

	secret := os.Getenv("BATCHCORE_WORKER_TOKEN_SECRET")
	if secret == "" {
		log.Fatal("BATCHCORE_WORKER_TOKEN_SECRET must be set")
	}
	authMiddleware := callbackauth.NewAuthMiddleware(
		&callbackauth.JWTVerifier{Secret: []byte(secret)},
		&callbackauth.RedisTokenCache{Client: rdb, Ctx: context.Background()},
	).MiddlewareFunc()

	r := gin.Default()

	instanceAPI := driver.NewInstanceAPI(store, registry)
	instanceAPI.RegisterRoutes(r)

	completionAPI := driver.NewCompletionAPI(store, registry, lh)
	completions := r.Group("/", authMiddleware)
	completionAPI.RegisterRoutes(completions)

	srv := &http.Server{
		Addr:    ":" + envOr("BATCHCORE_DRIVER_PORT", "8081"),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("driver admin server failed: %v", err)
		}
	}()

	waitForShutdown(srv, lh, cancel)
}

// watchPoolConfig is the live-refresh half of Design Notes §9's "load at
// startup and on explicit refresh": it subscribes to the pool source's
// change feed, reloads the pool table on every event, starts a
// scheduler/reconciler pair for any pool that appeared, and nudges the
// running schedulers so the reload takes effect before their next tick.
// A pool removed from config keeps its loops until restart; it simply stops
// receiving jobs once the Front-End rejects its name.
func watchPoolConfig(ctx context.Context, poolSource config.Config, schedulers map[string]*driver.Scheduler, startPool func(string), lh *logharbour.Logger) {
	events := make(chan config.Event, 4)
	if err := poolSource.Watch(ctx, config.PoolsWatchKey(poolSource), events); err != nil {
		lh.Error(err).LogActivity("pool config watch unavailable, live refresh disabled", nil)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
			refreshed, err := config.LoadPoolsFromSource(poolSource)
			if err != nil {
				lh.Error(err).LogActivity("failed to reload pool config", nil)
				continue
			}
			for _, p := range refreshed {
				if _, ok := schedulers[p.Name]; !ok {
					startPool(p.Name)
					lh.Info().LogActivity("pool added from config reload", map[string]any{"pool": p.Name})
				}
			}
			for _, sched := range schedulers {
				select {
				case sched.Nudge <- struct{}{}:
				default:
				}
			}
			lh.Info().LogActivity("pool configuration reloaded", map[string]any{"n_pools": len(refreshed)})
		}
	}
}

func setupMetrics() metrics.Metrics {
	m := metrics.NewPrometheusMetrics()
	m.RegisterWithLabels("batchcore_jobs_dispatched_total", "Counter", "Jobs handed to a worker per pool", []string{"pool"})
	m.RegisterWithLabels("batchcore_dispatch_failures_total", "Counter", "Dispatch attempts that failed per pool", []string{"pool"})
	m.RegisterWithLabels("batchcore_instances_reaped_total", "Counter", "Instances reaped after missed heartbeats per pool", []string{"pool"})
	go m.StartMetricsServer(envOr("BATCHCORE_METRICS_PORT", "9090"))
	return m
}

func waitForShutdown(srv *http.Server, lh *logharbour.Logger, cancel context.CancelFunc) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil && lh != nil {
		lh.Error(err).LogActivity("driver shutdown did not complete cleanly", nil)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDB() *pgxpool.Pool {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		envOr("BATCHCORE_DB_HOST", "localhost"),
		envOr("BATCHCORE_DB_PORT", "5432"),
		envOr("BATCHCORE_DB_USER", "batchcore"),
		envOr("BATCHCORE_DB_PASSWORD", "batchcore"),
		envOr("BATCHCORE_DB_NAME", "batchcore"),
	)
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		log.Fatal("error connecting to the database:", err)
	}
	return pool
}

func getRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: envOr("BATCHCORE_REDIS_ADDR", "localhost:6379"),
	})
}

func getLogger(service string) *logharbour.Logger {
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	return logharbour.NewLogger(lctx, service, os.Stdout)
}
