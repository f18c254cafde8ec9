package batchpg

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, the same seam the
// teacher's batchsqlc.New(db) accepts, so a procedure can bind Queries to
// either a pool (for reads) or a transaction (for the PS procedures in
// batchcore/procedures.go).
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier is the full set of persistent-store operations the batch core's
// procedures and read paths use. A fake implementation backs
// internal/frontend/handlers_test.go without a live Postgres.
type Querier interface {
	GetBillingProject(ctx context.Context, name string) (BillingProject, error)
	GetPool(ctx context.Context, name string) (Pool, error)

	GetBatchByOwnerToken(ctx context.Context, owner, token string) (Batch, error)
	InsertBatch(ctx context.Context, b Batch) (Batch, error)
	GetBatch(ctx context.Context, id int64) (Batch, error)
	SetBatchClosed(ctx context.Context, id int64) error
	SetBatchCancelled(ctx context.Context, id int64) error
	SetBatchDeleted(ctx context.Context, id int64) error
	IncrementBatchCounters(ctx context.Context, id int64, succeeded, failed, cancelled int, completedAt *time.Time, newState BatchState) (Batch, error)
	CountJobsForBatch(ctx context.Context, batchID int64) (int64, error)
	InsertBatchAttribute(ctx context.Context, a BatchAttribute) error
	ListBatchAttributes(ctx context.Context, batchID int64) (map[string]string, error)
	ListBatchesPage(ctx context.Context, owner string, afterID int64, limit int) ([]Batch, error)

	InsertJob(ctx context.Context, j Job) error
	JobExists(ctx context.Context, batchID, jobID int64) (bool, error)
	GetJob(ctx context.Context, batchID, jobID int64) (Job, error)
	UpdateJobState(ctx context.Context, batchID, jobID int64, state JobState, currentAttempt *string) error
	InsertJobAttribute(ctx context.Context, a JobAttribute) error
	ListJobAttributes(ctx context.Context, batchID, jobID int64) (map[string]string, error)
	InsertJobParent(ctx context.Context, p JobParent) error
	ListChildren(ctx context.Context, batchID, parentJobID int64) ([]Job, error)
	DecrementPendingParents(ctx context.Context, batchID, jobID int64) (int32, error)
	ListReadyJobs(ctx context.Context, pool string, limit int) ([]Job, error)
	ListNonTerminalNonAlwaysRun(ctx context.Context, batchID int64) ([]Job, error)
	ListRunningJobs(ctx context.Context, batchID int64) ([]Job, error)
	ListJobsPage(ctx context.Context, batchID, afterID int64, limit int) ([]Job, error)

	ListIncompleteCancelledBatchIDs(ctx context.Context) ([]int64, error)
	ListIncompleteDeletedBatchIDs(ctx context.Context) ([]int64, error)

	UpsertStagingCounters(ctx context.Context, batchID int64, pool string, deltaNJobs, deltaNReady int, deltaReadyCores int64, deltaNReadyCancellable int, deltaReadyCancellableCores int64) error
	GetStagingCounters(ctx context.Context, batchID int64, pool string) (StagingCounters, error)

	InsertAttempt(ctx context.Context, a Attempt) error
	GetLiveAttempt(ctx context.Context, batchID, jobID int64) (Attempt, error)
	CloseAttempt(ctx context.Context, batchID, jobID int64, attemptID string, endTime time.Time, reason AttemptReason) error
	ListLiveAttemptsOnInstance(ctx context.Context, instanceName string) ([]Attempt, error)
	SumLiveCoresOnInstance(ctx context.Context, instanceName string) (int64, error)
	ListAttempts(ctx context.Context, batchID, jobID int64) ([]Attempt, error)

	UpsertInstance(ctx context.Context, i Instance) error
	ListInstances(ctx context.Context, pool string) ([]Instance, error)
	UpdateInstanceState(ctx context.Context, name string, state InstanceState) error
	IncrementFailedRequestCount(ctx context.Context, name string) error
	UpdateHeartbeat(ctx context.Context, name string, ts time.Time) error
}

// Queries is the hand-authored implementation of Querier, bound to either a
// pool or a transaction via DBTX -- the same shape as the teacher's
// generated *batchsqlc.Queries.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries { return &Queries{db: db} }

func (q *Queries) GetBillingProject(ctx context.Context, name string) (BillingProject, error) {
	var bp BillingProject
	row := q.db.QueryRow(ctx, `SELECT name, status, spend_limit, accrued_cost FROM billing_projects WHERE name = $1`, name)
	err := row.Scan(&bp.Name, &bp.Status, &bp.SpendLimit, &bp.AccruedCost)
	return bp, err
}

func (q *Queries) GetPool(ctx context.Context, name string) (Pool, error) {
	var p Pool
	row := q.db.QueryRow(ctx, `SELECT name, worker_type, worker_cores, worker_local_ssd, pd_ssd_gb, boot_disk_gb,
		max_instances, max_live_instances, enable_standing_worker, standing_worker_cores, max_attempts
		FROM pools WHERE name = $1`, name)
	err := row.Scan(&p.Name, &p.WorkerType, &p.WorkerCores, &p.WorkerLocalSSD, &p.PDSSDGB, &p.BootDiskGB,
		&p.MaxInstances, &p.MaxLiveInstances, &p.EnableStandingWorker, &p.StandingWorkerCores, &p.MaxAttempts)
	return p, err
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.Owner, &b.BillingProject, &b.Token, &b.NJobs, &b.NCompleted, &b.NSucceeded,
		&b.NFailed, &b.NCancelled, &b.State, &b.Closed, &b.Deleted, &b.Cancelled, &b.CallbackURL,
		&b.CreatedAt, &b.CompletedAt, &b.FormatVersion)
	return b, err
}

const batchColumns = `id, owner, billing_project, token, n_jobs, n_completed, n_succeeded, n_failed, n_cancelled,
	state, closed, deleted, cancelled, callback_url, created_at, completed_at, format_version`

func (q *Queries) GetBatchByOwnerToken(ctx context.Context, owner, token string) (Batch, error) {
	row := q.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE owner = $1 AND token = $2`, owner, token)
	return scanBatch(row)
}

func (q *Queries) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO batches (owner, billing_project, token, n_jobs, callback_url, format_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+batchColumns,
		b.Owner, b.BillingProject, b.Token, b.NJobs, b.CallbackURL, b.FormatVersion)
	return scanBatch(row)
}

func (q *Queries) GetBatch(ctx context.Context, id int64) (Batch, error) {
	row := q.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

func (q *Queries) SetBatchClosed(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `UPDATE batches SET closed = true, state = 'running' WHERE id = $1`, id)
	return err
}

func (q *Queries) SetBatchCancelled(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `UPDATE batches SET cancelled = true WHERE id = $1`, id)
	return err
}

func (q *Queries) SetBatchDeleted(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `UPDATE batches SET deleted = true WHERE id = $1`, id)
	return err
}

func (q *Queries) IncrementBatchCounters(ctx context.Context, id int64, succeeded, failed, cancelled int, completedAt *time.Time, newState BatchState) (Batch, error) {
	var completed pgtype.Timestamptz
	if completedAt != nil {
		completed = pgtype.Timestamptz{Time: *completedAt, Valid: true}
	}
	row := q.db.QueryRow(ctx, `UPDATE batches SET
			n_succeeded = n_succeeded + $2,
			n_failed = n_failed + $3,
			n_cancelled = n_cancelled + $4,
			n_completed = n_completed + $2 + $3 + $4,
			state = CASE WHEN $5::batch_state IS NOT NULL THEN $5::batch_state ELSE state END,
			completed_at = CASE WHEN $6::timestamptz IS NOT NULL THEN $6::timestamptz ELSE completed_at END
		WHERE id = $1
		RETURNING `+batchColumns,
		id, succeeded, failed, cancelled, nullableState(newState), completed)
	return scanBatch(row)
}

func nullableState(s BatchState) any {
	if s == "" {
		return nil
	}
	return s
}

func (q *Queries) CountJobsForBatch(ctx context.Context, batchID int64) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE batch_id = $1`, batchID).Scan(&n)
	return n, err
}

func (q *Queries) InsertBatchAttribute(ctx context.Context, a BatchAttribute) error {
	_, err := q.db.Exec(ctx, `INSERT INTO batch_attributes (batch_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (batch_id, key) DO NOTHING`, a.BatchID, a.Key, a.Value)
	return err
}

func (q *Queries) ListBatchAttributes(ctx context.Context, batchID int64) (map[string]string, error) {
	rows, err := q.db.Query(ctx, `SELECT key, value FROM batch_attributes WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ListBatchesPage returns a cursor-paginated, id-ordered slice of batches
// for the list-batches endpoint (spec.md §6's `last_batch_id` cursor).
// owner == "" lists across all owners. Filtering by query-grammar terms
// happens in the Front-End over this page, matching the teacher's split
// between a narrow SQL fetch and in-process predicate evaluation for
// attribute/state terms it never generates dynamic SQL for.
func (q *Queries) ListBatchesPage(ctx context.Context, owner string, afterID int64, limit int) ([]Batch, error) {
	var rows pgx.Rows
	var err error
	if owner == "" {
		rows, err = q.db.Query(ctx, `SELECT `+batchColumns+` FROM batches
			WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	} else {
		rows, err = q.db.Query(ctx, `SELECT `+batchColumns+` FROM batches
			WHERE owner = $1 AND id > $2 ORDER BY id LIMIT $3`, owner, afterID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const jobColumns = `batch_id, job_id, state, cores_mcpu, pool, always_run, n_pending_parents, current_attempt,
	spec_inline, spec_ls_path`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.BatchID, &j.JobID, &j.State, &j.CoresMcpu, &j.Pool, &j.AlwaysRun, &j.NPendingParents,
		&j.CurrentAttempt, &j.SpecInline, &j.SpecLSPath)
	return j, err
}

func (q *Queries) InsertJob(ctx context.Context, j Job) error {
	_, err := q.db.Exec(ctx, `INSERT INTO jobs (batch_id, job_id, state, cores_mcpu, pool, always_run,
			n_pending_parents, spec_inline, spec_ls_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (batch_id, job_id) DO NOTHING`,
		j.BatchID, j.JobID, j.State, j.CoresMcpu, j.Pool, j.AlwaysRun, j.NPendingParents, j.SpecInline, j.SpecLSPath)
	return err
}

func (q *Queries) JobExists(ctx context.Context, batchID, jobID int64) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE batch_id = $1 AND job_id = $2)`, batchID, jobID).Scan(&exists)
	return exists, err
}

func (q *Queries) GetJob(ctx context.Context, batchID, jobID int64) (Job, error) {
	row := q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1 AND job_id = $2 FOR UPDATE`, batchID, jobID)
	return scanJob(row)
}

func (q *Queries) UpdateJobState(ctx context.Context, batchID, jobID int64, state JobState, currentAttempt *string) error {
	var attempt pgtype.Text
	if currentAttempt != nil {
		attempt = pgtype.Text{String: *currentAttempt, Valid: true}
	}
	_, err := q.db.Exec(ctx, `UPDATE jobs SET state = $3, current_attempt = $4 WHERE batch_id = $1 AND job_id = $2`,
		batchID, jobID, state, attempt)
	return err
}

func (q *Queries) InsertJobAttribute(ctx context.Context, a JobAttribute) error {
	_, err := q.db.Exec(ctx, `INSERT INTO job_attributes (batch_id, job_id, key, value) VALUES ($1, $2, $3, $4)
		ON CONFLICT (batch_id, job_id, key) DO NOTHING`, a.BatchID, a.JobID, a.Key, a.Value)
	return err
}

func (q *Queries) ListJobAttributes(ctx context.Context, batchID, jobID int64) (map[string]string, error) {
	rows, err := q.db.Query(ctx, `SELECT key, value FROM job_attributes WHERE batch_id = $1 AND job_id = $2`, batchID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ListJobsPage returns a cursor-paginated, id-ordered slice of jobs for one
// batch (spec.md §6's `last_job_id` cursor), the job-list counterpart to
// ListBatchesPage.
func (q *Queries) ListJobsPage(ctx context.Context, batchID, afterID int64, limit int) ([]Job, error) {
	rows, err := q.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE batch_id = $1 AND job_id > $2 ORDER BY job_id LIMIT $3`, batchID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *Queries) InsertJobParent(ctx context.Context, p JobParent) error {
	_, err := q.db.Exec(ctx, `INSERT INTO job_parents (batch_id, job_id, parent_job_id) VALUES ($1, $2, $3)
		ON CONFLICT (batch_id, job_id, parent_job_id) DO NOTHING`, p.BatchID, p.JobID, p.ParentJobID)
	return err
}

func (q *Queries) ListChildren(ctx context.Context, batchID, parentJobID int64) ([]Job, error) {
	rows, err := q.db.Query(ctx, `SELECT `+prefixColumns("j", jobColumns)+`
		FROM job_parents jp JOIN jobs j ON j.batch_id = jp.batch_id AND j.job_id = jp.job_id
		WHERE jp.batch_id = $1 AND jp.parent_job_id = $2
		FOR UPDATE OF j`, batchID, parentJobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *Queries) DecrementPendingParents(ctx context.Context, batchID, jobID int64) (int32, error) {
	var n int32
	err := q.db.QueryRow(ctx, `UPDATE jobs SET n_pending_parents = n_pending_parents - 1
		WHERE batch_id = $1 AND job_id = $2 RETURNING n_pending_parents`, batchID, jobID).Scan(&n)
	return n, err
}

func (q *Queries) ListReadyJobs(ctx context.Context, pool string, limit int) ([]Job, error) {
	rows, err := q.db.Query(ctx, `SELECT `+prefixColumns("j", jobColumns)+`
		FROM jobs j JOIN batches b ON b.id = j.batch_id
		WHERE j.pool = $1 AND j.state = 'Ready' AND b.cancelled = false AND b.deleted = false
		ORDER BY j.batch_id, j.job_id
		LIMIT $2`, pool, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *Queries) ListNonTerminalNonAlwaysRun(ctx context.Context, batchID int64) ([]Job, error) {
	rows, err := q.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE batch_id = $1 AND always_run = false
		AND state IN ('Pending', 'Ready', 'Running')
		FOR UPDATE`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *Queries) ListRunningJobs(ctx context.Context, batchID int64) ([]Job, error) {
	rows, err := q.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE batch_id = $1 AND state = 'Running'`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListIncompleteCancelledBatchIDs rediscovers cancel-fan-out work a crashed
// Driver never finished: a batch marked cancelled whose state is not yet
// complete still has Running (or Pending/Ready) jobs a fan-out pass hasn't
// reached. Grounded on spec.md §5's ordering guarantee that every mutating
// operation is transactional and idempotent, so resubmitting a batch that
// was already fully drained is a harmless no-op (CancelBatch finds nothing
// left to cancel).
func (q *Queries) ListIncompleteCancelledBatchIDs(ctx context.Context) ([]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT id FROM batches WHERE cancelled = true AND state != 'complete'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListIncompleteDeletedBatchIDs is delete-fan-out's counterpart to
// ListIncompleteCancelledBatchIDs: a batch marked deleted that still has
// Running jobs needs another delete-fan-out pass after a crash-restart.
func (q *Queries) ListIncompleteDeletedBatchIDs(ctx context.Context) ([]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT DISTINCT b.id FROM batches b
		JOIN jobs j ON j.batch_id = b.id AND j.state = 'Running'
		WHERE b.deleted = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (q *Queries) UpsertStagingCounters(ctx context.Context, batchID int64, pool string, deltaNJobs, deltaNReady int, deltaReadyCores int64, deltaNReadyCancellable int, deltaReadyCancellableCores int64) error {
	_, err := q.db.Exec(ctx, `INSERT INTO batch_pool_staging_counters
			(batch_id, pool, n_jobs, n_ready_jobs, ready_cores_mcpu, n_ready_cancellable_jobs, ready_cancellable_cores_mcpu)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id, pool) DO UPDATE SET
			n_jobs = batch_pool_staging_counters.n_jobs + $3,
			n_ready_jobs = batch_pool_staging_counters.n_ready_jobs + $4,
			ready_cores_mcpu = batch_pool_staging_counters.ready_cores_mcpu + $5,
			n_ready_cancellable_jobs = batch_pool_staging_counters.n_ready_cancellable_jobs + $6,
			ready_cancellable_cores_mcpu = batch_pool_staging_counters.ready_cancellable_cores_mcpu + $7`,
		batchID, pool, deltaNJobs, deltaNReady, deltaReadyCores, deltaNReadyCancellable, deltaReadyCancellableCores)
	return err
}

func (q *Queries) GetStagingCounters(ctx context.Context, batchID int64, pool string) (StagingCounters, error) {
	var c StagingCounters
	err := q.db.QueryRow(ctx, `SELECT batch_id, pool, n_jobs, n_ready_jobs, ready_cores_mcpu,
			n_ready_cancellable_jobs, ready_cancellable_cores_mcpu
		FROM batch_pool_staging_counters WHERE batch_id = $1 AND pool = $2`, batchID, pool).Scan(
		&c.BatchID, &c.Pool, &c.NJobs, &c.NReadyJobs, &c.ReadyCoresMcpu, &c.NReadyCancellableJobs, &c.ReadyCancellableCoresMcpu)
	return c, err
}

func scanAttempt(row pgx.Row) (Attempt, error) {
	var a Attempt
	err := row.Scan(&a.BatchID, &a.JobID, &a.AttemptID, &a.InstanceName, &a.StartTime, &a.EndTime, &a.Reason)
	return a, err
}

const attemptColumns = `batch_id, job_id, attempt_id, instance_name, start_time, end_time, reason`

func (q *Queries) InsertAttempt(ctx context.Context, a Attempt) error {
	_, err := q.db.Exec(ctx, `INSERT INTO attempts (batch_id, job_id, attempt_id, instance_name, start_time)
		VALUES ($1, $2, $3, $4, $5)`, a.BatchID, a.JobID, a.AttemptID, a.InstanceName, a.StartTime)
	return err
}

func (q *Queries) GetLiveAttempt(ctx context.Context, batchID, jobID int64) (Attempt, error) {
	row := q.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts
		WHERE batch_id = $1 AND job_id = $2 AND end_time IS NULL`, batchID, jobID)
	return scanAttempt(row)
}

func (q *Queries) CloseAttempt(ctx context.Context, batchID, jobID int64, attemptID string, endTime time.Time, reason AttemptReason) error {
	_, err := q.db.Exec(ctx, `UPDATE attempts SET end_time = $4, reason = $5
		WHERE batch_id = $1 AND job_id = $2 AND attempt_id = $3`,
		batchID, jobID, attemptID, endTime, reason)
	return err
}

func (q *Queries) ListLiveAttemptsOnInstance(ctx context.Context, instanceName string) ([]Attempt, error) {
	rows, err := q.db.Query(ctx, `SELECT `+attemptColumns+` FROM attempts
		WHERE instance_name = $1 AND end_time IS NULL`, instanceName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SumLiveCoresOnInstance implements spec.md §3's instance invariant
// (`free_cores_mcpu = total_cores*1000 − Σ cores_mcpu of live attempts bound
// to this instance`) as a single query, joining each live attempt back to
// its job's reservation. Used by the reconcile loop to recompute the
// in-memory gauge from the Persistent Store's authoritative state rather
// than trust the gauge's running total after a crash-restart.
func (q *Queries) SumLiveCoresOnInstance(ctx context.Context, instanceName string) (int64, error) {
	var sum int64
	err := q.db.QueryRow(ctx, `SELECT COALESCE(SUM(j.cores_mcpu), 0) FROM attempts a
		JOIN jobs j ON j.batch_id = a.batch_id AND j.job_id = a.job_id
		WHERE a.instance_name = $1 AND a.end_time IS NULL`, instanceName).Scan(&sum)
	return sum, err
}

// ListAttempts returns every attempt a job has had, oldest first, so a
// caller can find the most recent (possibly still-live) one for log
// serving and the get-attempts endpoint.
func (q *Queries) ListAttempts(ctx context.Context, batchID, jobID int64) ([]Attempt, error) {
	rows, err := q.db.Query(ctx, `SELECT `+attemptColumns+` FROM attempts
		WHERE batch_id = $1 AND job_id = $2 ORDER BY start_time`, batchID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *Queries) UpsertInstance(ctx context.Context, i Instance) error {
	_, err := q.db.Exec(ctx, `INSERT INTO instances (name, pool, address, state, total_cores)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET state = $4`,
		i.Name, i.Pool, i.Address, i.State, i.TotalCores)
	return err
}

func (q *Queries) ListInstances(ctx context.Context, pool string) ([]Instance, error) {
	rows, err := q.db.Query(ctx, `SELECT name, pool, address, state, total_cores, failed_request_count, last_heartbeat
		FROM instances WHERE pool = $1`, pool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Instance
	for rows.Next() {
		var i Instance
		if err := rows.Scan(&i.Name, &i.Pool, &i.Address, &i.State, &i.TotalCores, &i.FailedRequestCount, &i.LastHeartbeat); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (q *Queries) UpdateInstanceState(ctx context.Context, name string, state InstanceState) error {
	_, err := q.db.Exec(ctx, `UPDATE instances SET state = $2 WHERE name = $1`, name, state)
	return err
}

func (q *Queries) IncrementFailedRequestCount(ctx context.Context, name string) error {
	_, err := q.db.Exec(ctx, `UPDATE instances SET failed_request_count = failed_request_count + 1 WHERE name = $1`, name)
	return err
}

func (q *Queries) UpdateHeartbeat(ctx context.Context, name string, ts time.Time) error {
	_, err := q.db.Exec(ctx, `UPDATE instances SET last_heartbeat = $2 WHERE name = $1`, name, ts)
	return err
}

// prefixColumns qualifies a comma-separated column list with a table alias,
// needed for the job_parents/jobs join in ListChildren. Column lists are
// declared as wrapped raw strings, so this trims embedded newlines/tabs
// rather than assuming a single space follows every comma.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
