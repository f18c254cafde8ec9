// Command frontend runs the Front-End component of spec.md §4.1: the
// stateless REST gateway that validates submissions, writes jobs, and
// serves status/log reads. Wiring here follows the teacher's top-level
// main.go (createEnv/setupMiddleware/main shape), generalized from the
// voucher/user webservices to the batch REST surface.
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
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/config"
	"github.com/remiges-tech/batchcore/internal/frontend"
	"github.com/remiges-tech/batchcore/internal/ipr"
	"github.com/remiges-tech/batchcore/internal/objstore"
	"github.com/remiges-tech/batchcore/internal/workerclient"
)

func main() {
	lh := getLogger("frontend")
	db := getDB()
	defer db.Close()

	rdb := getRedis()
	defer rdb.Close()

	minioClient := getMinioClient()

	pools, err := loadPools(envOr("BATCHCORE_POOLS_FILE", "pools.json"))
	if err != nil {
		log.Fatalf("failed to load pool config: %v", err)
	}

	store := batchcore.NewStore(db, lh)
	registry := ipr.New(rdb, lh)
	go registry.Run(context.Background())

	wc := workerclient.New(lh)
	objects := objstore.NewMinioObjectStore(minioClient)

	cancelQueue := make(chan int64, 256)
	deleteQueue := make(chan int64, 256)

	// The LS instance id partitions this deployment's objects in the
	// Log/Spec Store (spec.md §6's {bucket}/{instance_id}/... layout); it
	// must stay stable across restarts, so a minted id is only the
	// fresh-install fallback.
	lsInstanceID := envOr("BATCHCORE_LS_INSTANCE_ID", uuid.NewString())

	fe := frontend.New(store, pools, objects, registry, wc, lh, lsInstanceID, cancelQueue, deleteQueue)

	r := gin.Default()
	fe.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + envOr("BATCHCORE_FE_PORT", "8080"),
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("frontend server failed: %v", err)
		}
	}()

	// The cancel/delete queues above exist so the FE can nudge a
	// co-located Driver process in a single-binary deployment; a
	// split deployment instead has the Driver discover pending
	// cancels/deletes by polling the Persistent Store (spec.md §4.4),
	// so an idle drain here is sufficient.
	go drainQueues(cancelQueue, deleteQueue)

	waitForShutdown(srv, lh)
}

func drainQueues(cancelQueue, deleteQueue <-chan int64) {
	for {
		select {
		case <-cancelQueue:
		case <-deleteQueue:
		}
	}
}

func waitForShutdown(srv *http.Server, lh *logharbour.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && lh != nil {
		lh.Error(err).LogActivity("frontend shutdown did not complete cleanly", nil)
	}
}

func loadPools(path string) (map[string]*batchcore.Pool, error) {
	cfgs, err := config.LoadPools(path)
	if err != nil {
		return nil, err
	}
	pools := make(map[string]*batchcore.Pool, len(cfgs))
	for _, c := range cfgs {
		pools[c.Name] = &batchcore.Pool{
			Name:             c.Name,
			WorkerType:       c.WorkerType,
			WorkerCores:      c.WorkerCores,
			LocalSSD:         c.LocalSSD,
			PDSSDGB:          c.PDSSDGB,
			BootDiskGB:       c.BootDiskGB,
			MaxInstances:     c.MaxInstances,
			MaxLiveInstances: c.MaxLiveInstances,
			MaxAttempts:      c.MaxAttempts,
			StandingWorker: batchcore.StandingWorkerPolicy{
				Enabled: c.StandingWorker.Enabled,
				Cores:   c.StandingWorker.Cores,
			},
		}
	}
	return pools, nil
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

func getMinioClient() *minio.Client {
	client, err := minio.New(envOr("BATCHCORE_MINIO_ADDR", "localhost:9000"), &minio.Options{
		Creds:  credentials.NewStaticV4(envOr("BATCHCORE_MINIO_ACCESS_KEY", "minioadmin"), envOr("BATCHCORE_MINIO_SECRET_KEY", "minioadmin"), ""),
		Secure: false,
	})
	if err != nil {
		log.Fatalf("error creating minio client: %v", err)
	}
	return client
}

func getLogger(service string) *logharbour.Logger {
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	return logharbour.NewLogger(lctx, service, os.Stdout)
}
