package batchcore

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/remiges-tech/batchcore/internal/batcherr"
	"github.com/remiges-tech/batchcore/internal/batchpg"
)

// newTestStore spins up a disposable Postgres container, applies the
// schema migrations, and seeds a single open billing project and pool,
// mirroring the teacher's recovery_integration_test.go container+migrate
// setup shape.
func newTestStore(t *testing.T) *Store {
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
	lh := logharbour.NewLogger(lctx, "test", nil)
	require.NoError(t, batchpg.MigrateDatabase(conn, lh))
	require.NoError(t, conn.Close(ctx))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `INSERT INTO billing_projects (name, status) VALUES ('bp', 'open')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO pools (name, worker_type, worker_cores, max_instances, max_live_instances)
		VALUES ('p', 'standard', 16, 10, 10)`)
	require.NoError(t, err)

	return NewStore(pool, lh)
}

// scheduleForTest mints an attempt id the way the scheduler loop does and
// runs schedule_job with it.
func scheduleForTest(t *testing.T, s *Store, batchID, jobID int64, instance string) string {
	t.Helper()
	attemptID, err := NewAttemptID()
	require.NoError(t, err)
	require.NoError(t, s.ScheduleJob(context.Background(), batchID, jobID, attemptID, instance, time.Now()))
	return attemptID
}

// TestLinearPipeline_AllSucceed is spec.md §8 scenario 1: a 3-job linear
// chain where every job succeeds must leave the batch complete with
// n_succeeded=3 and every counter invariant holding.
func TestLinearPipeline_AllSucceed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batchID, err := s.CreateBatch(ctx, "owner", "bp", "t1", 3, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.CreateJobs(ctx, batchID, []JobSpec{
		{JobID: 1, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
		{JobID: 2, CoresMcpu: 1000, Pool: "p", ParentIDs: []int64{1}, SpecInline: []byte("{}")},
		{JobID: 3, CoresMcpu: 1000, Pool: "p", ParentIDs: []int64{2}, SpecInline: []byte("{}")},
	}))
	require.NoError(t, s.CloseBatch(ctx, batchID, time.Now()))

	job1, err := s.Queries.GetJob(ctx, batchID, 1)
	require.NoError(t, err)
	require.Equal(t, batchpg.JobStateReady, job1.State)

	job2, err := s.Queries.GetJob(ctx, batchID, 2)
	require.NoError(t, err)
	require.Equal(t, batchpg.JobStatePending, job2.State)

	attempt1 := scheduleForTest(t, s, batchID, 1, "inst-1")
	res, err := s.MarkJobComplete(ctx, batchID, 1, attempt1, JobSuccess, time.Now(), time.Now(), ReasonSuccess, time.Now())
	require.NoError(t, err)
	require.Equal(t, JobRunning, res.OldState)

	job2, err = s.Queries.GetJob(ctx, batchID, 2)
	require.NoError(t, err)
	require.Equal(t, batchpg.JobStateReady, job2.State, "job 2 should become Ready once its only parent succeeds")

	attempt2 := scheduleForTest(t, s, batchID, 2, "inst-1")
	_, err = s.MarkJobComplete(ctx, batchID, 2, attempt2, JobSuccess, time.Now(), time.Now(), ReasonSuccess, time.Now())
	require.NoError(t, err)

	attempt3 := scheduleForTest(t, s, batchID, 3, "inst-1")
	_, err = s.MarkJobComplete(ctx, batchID, 3, attempt3, JobSuccess, time.Now(), time.Now(), ReasonSuccess, time.Now())
	require.NoError(t, err)

	batch, err := s.Queries.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, batchpg.BatchStateComplete, batch.State)
	require.EqualValues(t, 3, batch.NSucceeded)
	require.EqualValues(t, 0, batch.NFailed)
	require.EqualValues(t, 0, batch.NCancelled)
	require.EqualValues(t, batch.NSucceeded+batch.NFailed+batch.NCancelled, batch.NCompleted)
}

// TestMidFlightCancel is spec.md §8 scenario 2: cancelling once job 1 has
// succeeded and job 2 is Running must cancel job 2 and job 3 (pending,
// non-always_run) without ever dispatching job 3.
func TestMidFlightCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batchID, err := s.CreateBatch(ctx, "owner", "bp", "t2", 3, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateJobs(ctx, batchID, []JobSpec{
		{JobID: 1, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
		{JobID: 2, CoresMcpu: 1000, Pool: "p", ParentIDs: []int64{1}, SpecInline: []byte("{}")},
		{JobID: 3, CoresMcpu: 1000, Pool: "p", ParentIDs: []int64{2}, SpecInline: []byte("{}")},
	}))
	require.NoError(t, s.CloseBatch(ctx, batchID, time.Now()))

	attempt1 := scheduleForTest(t, s, batchID, 1, "inst-1")
	_, err = s.MarkJobComplete(ctx, batchID, 1, attempt1, JobSuccess, time.Now(), time.Now(), ReasonSuccess, time.Now())
	require.NoError(t, err)

	scheduleForTest(t, s, batchID, 2, "inst-1")

	targets, completed, err := s.CancelBatch(ctx, batchID, time.Now())
	require.NoError(t, err)
	require.True(t, completed, "cancelling job 2 and 3 should complete the batch")
	require.Len(t, targets, 1, "expected exactly job 2's running attempt as a cancel target")
	require.Equal(t, int64(2), targets[0].JobID)
	require.Equal(t, "inst-1", targets[0].InstanceName)

	job2, err := s.Queries.GetJob(ctx, batchID, 2)
	require.NoError(t, err)
	require.Equal(t, batchpg.JobStateCancelled, job2.State)

	job3, err := s.Queries.GetJob(ctx, batchID, 3)
	require.NoError(t, err)
	require.Equal(t, batchpg.JobStateCancelled, job3.State, "job 3 should be cancelled without ever running")

	batch, err := s.Queries.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, batchpg.BatchStateComplete, batch.State)
	require.EqualValues(t, 1, batch.NSucceeded)
	require.EqualValues(t, 2, batch.NCancelled)
}

// TestCreateBatch_DuplicateTokenIsIdempotent is spec.md §8 scenario 3.
func TestCreateBatch_DuplicateTokenIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.CreateBatch(ctx, "owner", "bp", "t7", 1, nil, nil)
	require.NoError(t, err)
	id2, err := s.CreateBatch(ctx, "owner", "bp", "t7", 1, nil, nil)
	require.NoError(t, err)
	require.Equal(t, id1, id2, "a repeated (owner, token) must return the same batch id")

	var count int
	require.NoError(t, s.Pool.QueryRow(ctx, `SELECT count(*) FROM batches WHERE owner = 'owner' AND token = 't7'`).Scan(&count))
	require.Equal(t, 1, count)
}

// TestCreateJobs_DuplicateInsertIsNoOp covers the create-jobs idempotence
// law: replaying a bunch whose first job already exists must not re-insert
// or double-count the staging counters.
func TestCreateJobs_DuplicateInsertIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batchID, err := s.CreateBatch(ctx, "owner", "bp", "t3", 1, nil, nil)
	require.NoError(t, err)
	spec := []JobSpec{{JobID: 1, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")}}
	require.NoError(t, s.CreateJobs(ctx, batchID, spec))
	require.NoError(t, s.CreateJobs(ctx, batchID, spec))

	var count int
	require.NoError(t, s.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE batch_id = $1`, batchID).Scan(&count))
	require.Equal(t, 1, count)

	counters, err := s.Queries.GetStagingCounters(ctx, batchID, "p")
	require.NoError(t, err)
	require.EqualValues(t, 1, counters.NReadyJobs, "replayed create-jobs must not double-count staging counters")
}

// TestCloseBatch_CountMismatch is spec.md §8 scenario 6.
func TestCloseBatch_CountMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batchID, err := s.CreateBatch(ctx, "owner", "bp", "t6", 5, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateJobs(ctx, batchID, []JobSpec{
		{JobID: 1, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
		{JobID: 2, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
		{JobID: 3, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
		{JobID: 4, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
	}))

	err = s.CloseBatch(ctx, batchID, time.Now())
	require.Error(t, err)
	require.True(t, batcherr.Is(err, batcherr.KindWrongState))
	require.Contains(t, err.Error(), "wrong number of jobs: expected 5, actual 4")

	batch, err := s.Queries.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, batchpg.BatchStateOpen, batch.State, "batch must remain open after a close mismatch")

	require.NoError(t, s.CreateJobs(ctx, batchID, []JobSpec{
		{JobID: 5, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
	}))
	require.NoError(t, s.CloseBatch(ctx, batchID, time.Now()))
}

// TestScheduleJob_WrongStateWhenNotReady covers the scheduler's
// compensating-rollback precondition (spec.md §4.2/§4.3 step 4).
func TestScheduleJob_WrongStateWhenNotReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batchID, err := s.CreateBatch(ctx, "owner", "bp", "t4", 2, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateJobs(ctx, batchID, []JobSpec{
		{JobID: 1, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
		{JobID: 2, CoresMcpu: 1000, Pool: "p", ParentIDs: []int64{1}, SpecInline: []byte("{}")},
	}))
	require.NoError(t, s.CloseBatch(ctx, batchID, time.Now()))

	attemptID, err := NewAttemptID()
	require.NoError(t, err)
	err = s.ScheduleJob(ctx, batchID, 2, attemptID, "inst-1", time.Now())
	require.Error(t, err)
	require.True(t, batcherr.Is(err, batcherr.KindWrongState), "scheduling a still-Pending job must fail WrongState")
}

// TestMarkJobComplete_IsIdempotentOnRepeat covers the worker-retry
// idempotence law: a second completion callback for an already-terminal
// job is a no-op returning the prior state.
func TestMarkJobComplete_IsIdempotentOnRepeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batchID, err := s.CreateBatch(ctx, "owner", "bp", "t5", 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateJobs(ctx, batchID, []JobSpec{
		{JobID: 1, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
	}))
	require.NoError(t, s.CloseBatch(ctx, batchID, time.Now()))

	attempt := scheduleForTest(t, s, batchID, 1, "inst-1")
	_, err = s.MarkJobComplete(ctx, batchID, 1, attempt, JobSuccess, time.Now(), time.Now(), ReasonSuccess, time.Now())
	require.NoError(t, err)

	res, err := s.MarkJobComplete(ctx, batchID, 1, attempt, JobSuccess, time.Now(), time.Now(), ReasonSuccess, time.Now())
	require.NoError(t, err)
	require.Equal(t, JobSuccess, res.OldState, "a repeat completion callback must report the already-terminal state")

	batch, err := s.Queries.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.EqualValues(t, 1, batch.NSucceeded, "replaying mark_job_complete must not double-count batch counters")
}

// TestUnscheduleJob_InstanceLossReturnsJobToReady is spec.md §8 scenario 4's
// state-machine half (the redispatch half lives in the driver package).
func TestUnscheduleJob_InstanceLossReturnsJobToReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batchID, err := s.CreateBatch(ctx, "owner", "bp", "t8", 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateJobs(ctx, batchID, []JobSpec{
		{JobID: 1, CoresMcpu: 1000, Pool: "p", SpecInline: []byte("{}")},
	}))
	require.NoError(t, s.CloseBatch(ctx, batchID, time.Now()))

	scheduleForTest(t, s, batchID, 1, "inst-1")

	require.NoError(t, s.UnscheduleJob(ctx, batchID, 1, "inst-1", time.Now(), ReasonPreempted))

	job, err := s.Queries.GetJob(ctx, batchID, 1)
	require.NoError(t, err)
	require.Equal(t, batchpg.JobStateReady, job.State)

	attempt2 := scheduleForTest(t, s, batchID, 1, "inst-2")
	require.NotEmpty(t, attempt2)

	attempts, err := s.Queries.ListAttempts(ctx, batchID, 1)
	require.NoError(t, err)
	require.Len(t, attempts, 2, "instance loss followed by redispatch should leave two attempt rows")
	require.NotEqual(t, attempts[0].AttemptID, attempts[1].AttemptID)
}
