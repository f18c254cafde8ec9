package driver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/internal/batchpg"
	"github.com/remiges-tech/batchcore/internal/ipr"
	"github.com/remiges-tech/batchcore/internal/workerclient"
)

// driverHarness is everything the loop tests share: a disposable Postgres
// with the schema applied and a seeded billing project and pool, a miniredis
// the Registry's heartbeat keys live in, and the Registry itself.
type driverHarness struct {
	store    *batchcore.Store
	registry *ipr.Registry
	ctx      context.Context
}

func newDriverHarness(t *testing.T) *driverHarness {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	lh := logharbour.NewLogger(lctx, "driver-test", nil)
	require.NoError(t, batchpg.MigrateDatabase(conn, lh))
	require.NoError(t, conn.Close(ctx))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `INSERT INTO billing_projects (name, status) VALUES ('bp', 'open')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO pools (name, worker_type, worker_cores, max_instances, max_live_instances, max_attempts)
		VALUES ('p', 'standard', 16, 10, 10, 5)`)
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	registry := ipr.New(rdb, lh)
	regCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go registry.Run(regCtx)

	return &driverHarness{
		store:    batchcore.NewStore(pool, lh),
		registry: registry,
		ctx:      ctx,
	}
}

// addInstance records a worker VM in both the Persistent Store and the
// in-memory registry, the same dual write InstanceAPI.register performs.
func (h *driverHarness) addInstance(t *testing.T, name, addr string, heartbeat bool) {
	t.Helper()
	require.NoError(t, h.store.Queries.UpsertInstance(h.ctx, batchpg.Instance{
		Name: name, Pool: "p", Address: addr,
		State: batchpg.InstanceStateActive, TotalCores: 16,
	}))
	h.registry.Upsert(h.ctx, batchcore.Instance{
		Name: name, Pool: "p", Address: addr,
		State: batchcore.InstanceActive, TotalCores: 16, FreeCoresMcpu: 16000,
	})
	require.NoError(t, h.registry.RegisterInPool(h.ctx, "p", name))
	if heartbeat {
		require.NoError(t, h.registry.RecordHeartbeat(h.ctx, name))
	}
}

func (h *driverHarness) seedRunningJob(t *testing.T, token string, instance string) (batchID int64) {
	t.Helper()
	batchID, err := h.store.CreateBatch(h.ctx, "owner", "bp", token, 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateJobs(h.ctx, batchID, []batchcore.JobSpec{
		{JobID: 1, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
	}))
	require.NoError(t, h.store.CloseBatch(h.ctx, batchID, time.Now()))

	attemptID, err := batchcore.NewAttemptID()
	require.NoError(t, err)
	require.NoError(t, h.store.ScheduleJob(h.ctx, batchID, 1, attemptID, instance, time.Now()))
	_, ok := h.registry.Reserve(h.ctx, "p", 1000)
	require.True(t, ok)
	return batchID
}

// TestReconciler_InstanceLossRequeuesAndRedispatches is spec.md §8 scenario 4
// end to end: a job Running on an instance whose heartbeat lapsed is
// unscheduled with reason preempted, the instance goes inactive, and the next
// scheduler cycle dispatches a fresh attempt to a surviving instance.
func TestReconciler_InstanceLossRequeuesAndRedispatches(t *testing.T) {
	h := newDriverHarness(t)

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()

	// dead-inst never records a heartbeat; live-inst is the survivor the
	// scheduler should fall back to.
	h.addInstance(t, "dead-inst", "http://unreachable.invalid", false)
	h.addInstance(t, "live-inst", worker.URL, true)

	batchID := h.seedRunningJob(t, "t-loss", "dead-inst")

	r := NewReconciler("p", h.store, h.registry, nil)
	require.NoError(t, r.reconcileOnce(h.ctx))

	job, err := h.store.Queries.GetJob(h.ctx, batchID, 1)
	require.NoError(t, err)
	require.Equal(t, batchpg.JobStateReady, job.State, "instance loss must return the job to Ready")

	attempts, err := h.store.Queries.ListAttempts(h.ctx, batchID, 1)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.False(t, attempts[0].Live(), "the lost instance's attempt must be closed")
	require.Equal(t, batchpg.AttemptReasonPreempted, attempts[0].Reason.AttemptReason)

	inst, err := instanceByName(h, "dead-inst")
	require.NoError(t, err)
	require.Equal(t, batchpg.InstanceStateInactive, inst.State)

	s := NewScheduler("p", h.store, h.registry, workerclient.New(nil), nil)
	require.NoError(t, s.scheduleOnce(h.ctx))

	job, err = h.store.Queries.GetJob(h.ctx, batchID, 1)
	require.NoError(t, err)
	require.Equal(t, batchpg.JobStateRunning, job.State, "the scheduler should redispatch the requeued job")

	attempts, err = h.store.Queries.ListAttempts(h.ctx, batchID, 1)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.NotEqual(t, attempts[0].AttemptID, attempts[1].AttemptID)
	live, err := h.store.Queries.GetLiveAttempt(h.ctx, batchID, 1)
	require.NoError(t, err)
	require.Equal(t, "live-inst", live.InstanceName)
}

// TestScheduler_RefusedScheduleDeletesWorkerJobAndCompensates drives spec.md
// §4.3 step 4's compensation path with the spec's ordering: the create-job
// RPC lands on the worker first, then schedule_job refuses with WrongState
// because a cancel flipped the batch flag in between -- the scheduler must
// tell the worker to discard the job it just accepted and release the
// reservation.
func TestScheduler_RefusedScheduleDeletesWorkerJobAndCompensates(t *testing.T) {
	h := newDriverHarness(t)

	var mu sync.Mutex
	var methods []string
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()
	h.addInstance(t, "inst-1", worker.URL, true)

	batchID, err := h.store.CreateBatch(h.ctx, "owner", "bp", "t-cxl", 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateJobs(h.ctx, batchID, []batchcore.JobSpec{
		{JobID: 1, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
	}))
	require.NoError(t, h.store.CloseBatch(h.ctx, batchID, time.Now()))

	// Flip only the batch flag, as a concurrent cancel landing between the
	// ready scan and dispatch would: the job row is still Ready, but
	// schedule_job's precondition no longer holds.
	require.NoError(t, h.store.Queries.SetBatchCancelled(h.ctx, batchID))

	s := NewScheduler("p", h.store, h.registry, workerclient.New(nil), nil)
	s.dispatch(h.ctx, 1000, batchID, 1)

	job, err := h.store.Queries.GetJob(h.ctx, batchID, 1)
	require.NoError(t, err)
	require.Equal(t, batchpg.JobStateReady, job.State, "a WrongState dispatch must not move the job")

	attempts, err := h.store.Queries.ListAttempts(h.ctx, batchID, 1)
	require.NoError(t, err)
	require.Empty(t, attempts, "no attempt row may exist for a refused dispatch")

	mu.Lock()
	require.Equal(t, []string{http.MethodPost, http.MethodDelete}, methods,
		"the worker must see the create followed by the best-effort delete")
	mu.Unlock()

	inst := h.registry.Get(h.ctx, "inst-1")
	require.NotNil(t, inst)
	require.Equal(t, 16000, inst.FreeCoresMcpu, "a WrongState dispatch must release its reservation")
}

// TestCancelFanout_DeletesRunningAttemptOnWorker is spec.md §8 scenario 2's
// worker-facing half: after the Front-End records cancel intent (flag only),
// one fan-out pass must transition the Running job to Cancelled AND deliver
// the delete RPC to the instance that was running it.
func TestCancelFanout_DeletesRunningAttemptOnWorker(t *testing.T) {
	h := newDriverHarness(t)

	var mu sync.Mutex
	var deletes []string
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			mu.Lock()
			deletes = append(deletes, r.URL.Path)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()
	h.addInstance(t, "inst-1", worker.URL, true)

	batchID := h.seedRunningJob(t, "t-fanout", "inst-1")

	// The Front-End's half: record intent only.
	require.NoError(t, h.store.MarkBatchCancelled(h.ctx, batchID))

	fanout := NewCancelFanout(h.store, h.registry, workerclient.New(nil), nil)
	fanout.processBatch(h.ctx, batchID)

	job, err := h.store.Queries.GetJob(h.ctx, batchID, 1)
	require.NoError(t, err)
	require.Equal(t, batchpg.JobStateCancelled, job.State)

	mu.Lock()
	require.Len(t, deletes, 1, "the running attempt's instance must receive exactly one delete RPC")
	mu.Unlock()

	batch, err := h.store.Queries.GetBatch(h.ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, batchpg.BatchStateComplete, batch.State)
	require.EqualValues(t, 1, batch.NCancelled)
}

func instanceByName(h *driverHarness, name string) (batchpg.Instance, error) {
	instances, err := h.store.Queries.ListInstances(h.ctx, "p")
	if err != nil {
		return batchpg.Instance{}, err
	}
	for _, inst := range instances {
		if inst.Name == name {
			return inst, nil
		}
	}
	return batchpg.Instance{}, pgx.ErrNoRows
}
