// Procedures implement spec.md §4.2: the transactional Persistent-Store
// operations that keep the job/attempt/instance state machine and the
// staging counters consistent under concurrent scheduling and crash-restart.
// Design Notes §9 directs that where a target language lacks stored
// procedures, the logic moves into the application layer but each
// procedure's pre/post-conditions stay named, tested functions -- this file
// is that application layer, grounded on the teacher's tx-wrapped
// BatchSubmit/BatchAbort/BatchAppend shape in jobs/batch.go (Begin, defer
// Rollback, a transaction-bound *Queries, Commit).
package batchcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/internal/batcherr"
	"github.com/remiges-tech/batchcore/internal/batchpg"
)

// Store is the Persistent-Store handle shared by the Front-End and Driver,
// generalized from the teacher's JobManager{Db, Queries} pairing.
type Store struct {
	Pool    *pgxpool.Pool
	Queries batchpg.Querier // bound to Pool, used for reads outside a transaction
	Logger  *logharbour.Logger

	// HTTPClient sends the batch completion callback (spec.md §6). Defaults
	// to http.DefaultClient when nil so callers need not set it in tests
	// that never complete a batch.
	HTTPClient *http.Client
}

func NewStore(pool *pgxpool.Pool, lh *logharbour.Logger) *Store {
	return &Store{Pool: pool, Queries: batchpg.New(pool), Logger: lh}
}

func jobStateOf(s JobState) batchpg.JobState { return batchpg.JobState(s) }
func coreJobState(s batchpg.JobState) JobState { return JobState(s) }

// maxDeadlockRetries bounds how many times a procedure's enclosing
// transaction is replayed after Postgres reports a deadlock (40P01).
const maxDeadlockRetries = 3

// retryDeadlock replays fn immediately when its transaction was killed as a
// deadlock victim. Deadlock is the one transient error retried here rather
// than in internal/retry: the procedure's whole transaction must re-run from
// its first read, and an immediate replay (not a backoff) is correct because
// the competing transaction has already committed by the time 40P01 is
// reported.
func retryDeadlock(ctx context.Context, fn func() error) error {
	var err error
	for try := 0; try <= maxDeadlockRetries; try++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if err == nil || !batcherr.IsDeadlock(err) {
			return err
		}
	}
	return err
}

// CreateBatch implements the idempotent create-batch operation (spec.md
// §4.1): (owner, token) is unique, so a retried create returns the prior id
// rather than inserting a second row. Billing-project admission (open
// status, under spend limit) is checked before the insert.
func (s *Store) CreateBatch(ctx context.Context, owner, billingProject, token string, nJobs int, callbackURL *string, attributes map[string]string) (int64, error) {
	var id int64
	err := retryDeadlock(ctx, func() error {
		var err error
		id, err = s.createBatch(ctx, owner, billingProject, token, nJobs, callbackURL, attributes)
		return err
	})
	return id, err
}

func (s *Store) createBatch(ctx context.Context, owner, billingProject, token string, nJobs int, callbackURL *string, attributes map[string]string) (int64, error) {
	bp, err := s.Queries.GetBillingProject(ctx, billingProject)
	if err != nil {
		return 0, batcherr.NonExistentBillingProject(billingProject)
	}
	if bp.Status != batchpg.BillingProjectStatusOpen {
		return 0, batcherr.ClosedBillingProject(billingProject)
	}
	if bp.SpendLimit.Valid && bp.AccruedCost >= bp.SpendLimit.Float64 {
		return 0, batcherr.ClosedBillingProject(billingProject)
	}

	if existing, err := s.Queries.GetBatchByOwnerToken(ctx, owner, token); err == nil {
		return existing.ID, nil
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txQueries := batchpg.New(tx)

	// Re-check for a concurrent duplicate create inside the transaction:
	// two replicas of the Front-End may race the same (owner, token).
	if existing, err := txQueries.GetBatchByOwnerToken(ctx, owner, token); err == nil {
		return existing.ID, nil
	}

	batch := batchpg.Batch{
		Owner:          owner,
		BillingProject: billingProject,
		Token:          token,
		NJobs:          int32(nJobs),
		FormatVersion:  1,
	}
	if callbackURL != nil {
		batch.CallbackURL.String = *callbackURL
		batch.CallbackURL.Valid = true
	}

	inserted, err := txQueries.InsertBatch(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to insert batch: %w", err)
	}

	for k, v := range attributes {
		if err := txQueries.InsertBatchAttribute(ctx, batchpg.BatchAttribute{BatchID: inserted.ID, Key: k, Value: v}); err != nil {
			return 0, fmt.Errorf("failed to insert batch attribute %q: %w", k, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.Logger != nil {
		s.Logger.Info().LogActivity("batch created", map[string]any{"batch_id": inserted.ID, "owner": owner})
	}
	return inserted.ID, nil
}

// JobSpec is the Front-End's validated, resource-converted view of a single
// job in a create-jobs bunch.
type JobSpec struct {
	JobID      int64
	CoresMcpu  int
	Pool       string
	AlwaysRun  bool
	ParentIDs  []int64
	SpecInline []byte
	SpecLSPath *string
	Attributes map[string]string
}

// CreateJobs implements spec.md §4.1's create-jobs: inserts a bunch of jobs
// with their parents and attributes, updates the per-(batch,pool) staging
// counters in the same transaction, and is idempotent on the first
// (batch, job) primary-key collision -- a duplicate bunch is a no-op that
// still reports success, supporting client retries (spec.md §8 Laws).
func (s *Store) CreateJobs(ctx context.Context, batchID int64, jobs []JobSpec) error {
	return retryDeadlock(ctx, func() error { return s.createJobs(ctx, batchID, jobs) })
}

func (s *Store) createJobs(ctx context.Context, batchID int64, jobs []JobSpec) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txQueries := batchpg.New(tx)

	batch, err := txQueries.GetBatch(ctx, batchID)
	if err != nil {
		return batcherr.NonExistentBatch(batchID)
	}
	if batch.State != batchpg.BatchStateOpen {
		return batcherr.WrongState("batch %d is not open", batchID)
	}

	type counterDelta struct {
		nJobs, nReady       int
		readyCores          int64
		nReadyCxl           int
		readyCxlCores       int64
	}
	deltas := map[string]*counterDelta{}

	for _, j := range jobs {
		exists, err := txQueries.JobExists(ctx, batchID, j.JobID)
		if err != nil {
			return fmt.Errorf("failed to check job existence: %w", err)
		}
		if exists {
			// Idempotent retry of an already-inserted job: skip re-insert
			// and re-counting, per spec.md §8's idempotence law.
			continue
		}

		nPendingParents := len(j.ParentIDs)
		state := batchpg.JobStateReady
		if nPendingParents > 0 {
			state = batchpg.JobStatePending
		}

		row := batchpg.Job{
			BatchID:         batchID,
			JobID:           j.JobID,
			State:           state,
			CoresMcpu:       int32(j.CoresMcpu),
			Pool:            j.Pool,
			AlwaysRun:       j.AlwaysRun,
			NPendingParents: int32(nPendingParents),
			SpecInline:      j.SpecInline,
		}
		if j.SpecLSPath != nil {
			row.SpecLSPath.String = *j.SpecLSPath
			row.SpecLSPath.Valid = true
		}
		if err := txQueries.InsertJob(ctx, row); err != nil {
			return fmt.Errorf("failed to insert job %d: %w", j.JobID, err)
		}

		for _, parentID := range j.ParentIDs {
			if err := txQueries.InsertJobParent(ctx, batchpg.JobParent{BatchID: batchID, JobID: j.JobID, ParentJobID: parentID}); err != nil {
				return fmt.Errorf("failed to insert parent link for job %d: %w", j.JobID, err)
			}
		}
		for k, v := range j.Attributes {
			if err := txQueries.InsertJobAttribute(ctx, batchpg.JobAttribute{BatchID: batchID, JobID: j.JobID, Key: k, Value: v}); err != nil {
				return fmt.Errorf("failed to insert attribute for job %d: %w", j.JobID, err)
			}
		}

		d, ok := deltas[j.Pool]
		if !ok {
			d = &counterDelta{}
			deltas[j.Pool] = d
		}
		d.nJobs++
		if state == batchpg.JobStateReady {
			d.nReady++
			d.readyCores += int64(j.CoresMcpu)
			if !j.AlwaysRun {
				d.nReadyCxl++
				d.readyCxlCores += int64(j.CoresMcpu)
			}
		}
	}

	for pool, d := range deltas {
		if err := txQueries.UpsertStagingCounters(ctx, batchID, pool, d.nJobs, d.nReady, d.readyCores, d.nReadyCxl, d.readyCxlCores); err != nil {
			return fmt.Errorf("failed to update staging counters for pool %s: %w", pool, err)
		}
	}

	return tx.Commit(ctx)
}

// CloseBatch implements spec.md §4.1/§4.2's close-batch: verifies the
// declared n_jobs equals the actual inserted count, else returns a
// batcherr.WrongJobCount error (400 "wrong number of jobs: expected N, actual M") and
// leaves the batch open so the caller may insert the rest and retry.
func (s *Store) CloseBatch(ctx context.Context, batchID int64, now time.Time) error {
	return retryDeadlock(ctx, func() error { return s.closeBatch(ctx, batchID, now) })
}

func (s *Store) closeBatch(ctx context.Context, batchID int64, now time.Time) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txQueries := batchpg.New(tx)

	batch, err := txQueries.GetBatch(ctx, batchID)
	if err != nil {
		return batcherr.NonExistentBatch(batchID)
	}

	actual, err := txQueries.CountJobsForBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}
	if int64(batch.NJobs) != actual {
		return batcherr.WrongJobCount(int(batch.NJobs), int(actual))
	}

	if err := txQueries.SetBatchClosed(ctx, batchID); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	return tx.Commit(ctx)
}

// ScheduleJob implements spec.md §4.2's schedule_job(batch, job, attempt,
// instance): precondition job.state=Ready and the batch is not cancelled.
// Inserts the attempt row, transitions the job to Running, and decrements
// the per-(batch,pool) ready counters. The attempt id is minted by the
// caller (the scheduler loop needs it for the create-job RPC that precedes
// this call, spec.md §4.3 step 4). Returns a batcherr.WrongState error if the
// precondition no longer holds -- the scheduler must then tell the worker
// to discard the job and roll back its in-memory reservation.
func (s *Store) ScheduleJob(ctx context.Context, batchID, jobID int64, attemptID, instanceName string, now time.Time) error {
	return retryDeadlock(ctx, func() error {
		return s.scheduleJob(ctx, batchID, jobID, attemptID, instanceName, now)
	})
}

func (s *Store) scheduleJob(ctx context.Context, batchID, jobID int64, attemptID, instanceName string, now time.Time) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txQueries := batchpg.New(tx)

	batch, err := txQueries.GetBatch(ctx, batchID)
	if err != nil {
		return batcherr.NonExistentBatch(batchID)
	}
	if batch.Cancelled {
		return batcherr.WrongState("batch %d is cancelled", batchID)
	}

	job, err := txQueries.GetJob(ctx, batchID, jobID)
	if err != nil {
		return batcherr.NotFound("job (%d, %d) does not exist", batchID, jobID)
	}
	if job.State != batchpg.JobStateReady {
		return batcherr.WrongState("job (%d, %d) is not Ready", batchID, jobID)
	}

	if err := txQueries.InsertAttempt(ctx, batchpg.Attempt{
		BatchID:      batchID,
		JobID:        jobID,
		AttemptID:    attemptID,
		InstanceName: instanceName,
		StartTime:    pgtype.Timestamptz{Time: now, Valid: true},
	}); err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}

	if err := txQueries.UpdateJobState(ctx, batchID, jobID, batchpg.JobStateRunning, &attemptID); err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}

	cancellableDelta := 0
	var cancellableCores int64
	if !job.AlwaysRun {
		cancellableDelta = -1
		cancellableCores = -int64(job.CoresMcpu)
	}
	if err := txQueries.UpsertStagingCounters(ctx, batchID, job.Pool, 0, -1, -int64(job.CoresMcpu), cancellableDelta, cancellableCores); err != nil {
		return fmt.Errorf("failed to update staging counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.Logger != nil {
		s.Logger.LogDataChange("job scheduled", logharbour.ChangeInfo{
			Entity: "Job",
			Op:     "Schedule",
			Changes: []logharbour.ChangeDetail{
				{Field: "state", OldVal: string(batchpg.JobStateReady), NewVal: string(batchpg.JobStateRunning)},
			},
		})
	}
	return nil
}

// UnscheduleJob implements spec.md §4.2's unschedule_job: precondition
// job.state=Running on this instance. Closes the live attempt and returns
// the job to Ready, incrementing the ready counters back. Used by
// instance-loss reconciliation (spec.md §4.4); CancelBatch closes a Running
// job's attempt itself rather than calling this.
func (s *Store) UnscheduleJob(ctx context.Context, batchID, jobID int64, instanceName string, endTime time.Time, reason AttemptReason) error {
	return retryDeadlock(ctx, func() error { return s.unscheduleJob(ctx, batchID, jobID, instanceName, endTime, reason) })
}

func (s *Store) unscheduleJob(ctx context.Context, batchID, jobID int64, instanceName string, endTime time.Time, reason AttemptReason) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txQueries := batchpg.New(tx)

	job, err := txQueries.GetJob(ctx, batchID, jobID)
	if err != nil {
		return batcherr.NotFound("job (%d, %d) does not exist", batchID, jobID)
	}
	if job.State != batchpg.JobStateRunning {
		return batcherr.WrongState("job (%d, %d) is not Running", batchID, jobID)
	}
	if !job.CurrentAttempt.Valid {
		return batcherr.WrongState("job (%d, %d) has no current attempt", batchID, jobID)
	}
	att, err := txQueries.GetLiveAttempt(ctx, batchID, jobID)
	if err != nil || att.InstanceName != instanceName {
		return batcherr.WrongState("job (%d, %d) is not Running on instance %s", batchID, jobID, instanceName)
	}

	if err := txQueries.CloseAttempt(ctx, batchID, jobID, job.CurrentAttempt.String, endTime, batchpg.AttemptReason(reason)); err != nil {
		return fmt.Errorf("failed to close attempt: %w", err)
	}
	if err := txQueries.UpdateJobState(ctx, batchID, jobID, batchpg.JobStateReady, nil); err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}

	cancellableDelta := 0
	var cancellableCores int64
	if !job.AlwaysRun {
		cancellableDelta = 1
		cancellableCores = int64(job.CoresMcpu)
	}
	if err := txQueries.UpsertStagingCounters(ctx, batchID, job.Pool, 0, 1, int64(job.CoresMcpu), cancellableDelta, cancellableCores); err != nil {
		return fmt.Errorf("failed to update staging counters: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkJobCompleteResult is returned by MarkJobComplete so the Worker Client
// caller can release its instance reservation.
type MarkJobCompleteResult struct {
	OldState     JobState
	CoresMcpu    int
	InstanceName string
}

// MarkJobComplete implements spec.md §4.2's mark_job_complete: transitions a
// job to a terminal state, closes its attempt, and propagates the
// transition to children (decrementing n_pending_parents; a child that
// reaches zero pending parents moves Pending→Ready and its cores join the
// ready counters) and to the batch aggregate counters, completing the batch
// if this was the last job. If the job is already terminal the call is a
// no-op that returns the prior state -- idempotence for worker retries
// (spec.md §7 propagation policy, §8 Laws).
func (s *Store) MarkJobComplete(ctx context.Context, batchID, jobID int64, attemptID string, newState JobState, startTime, endTime time.Time, reason AttemptReason, now time.Time) (MarkJobCompleteResult, error) {
	var result MarkJobCompleteResult
	err := retryDeadlock(ctx, func() error {
		var err error
		result, err = s.markJobComplete(ctx, batchID, jobID, attemptID, newState, startTime, endTime, reason, now)
		return err
	})
	return result, err
}

func (s *Store) markJobComplete(ctx context.Context, batchID, jobID int64, attemptID string, newState JobState, startTime, endTime time.Time, reason AttemptReason, now time.Time) (MarkJobCompleteResult, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return MarkJobCompleteResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txQueries := batchpg.New(tx)

	job, err := txQueries.GetJob(ctx, batchID, jobID)
	if err != nil {
		return MarkJobCompleteResult{}, batcherr.NotFound("job (%d, %d) does not exist", batchID, jobID)
	}

	result := MarkJobCompleteResult{
		OldState:     coreJobState(job.State),
		CoresMcpu:    int(job.CoresMcpu),
		InstanceName: "",
	}
	if job.CurrentAttempt.Valid {
		att, attErr := txQueries.GetLiveAttempt(ctx, batchID, jobID)
		if attErr == nil {
			result.InstanceName = att.InstanceName
		}
	}

	if job.State.Terminal() {
		// Idempotent retry: a second worker callback for an already-terminal
		// job is a no-op, returning the prior terminal state.
		if err := tx.Commit(ctx); err != nil {
			return result, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return result, nil
	}

	if job.CurrentAttempt.Valid && job.CurrentAttempt.String == attemptID {
		if err := txQueries.CloseAttempt(ctx, batchID, jobID, attemptID, endTime, batchpg.AttemptReason(reason)); err != nil {
			return result, fmt.Errorf("failed to close attempt: %w", err)
		}
	}

	// A job can reach a terminal state straight from Ready (the scheduler
	// errors a job whose dispatch RPC exhausted its retries before
	// schedule_job ever ran); its cores are still in the ready counters and
	// must leave them in the same transaction.
	if job.State == batchpg.JobStateReady {
		cxlDelta := 0
		var cxlCores int64
		if !job.AlwaysRun {
			cxlDelta = -1
			cxlCores = -int64(job.CoresMcpu)
		}
		if err := txQueries.UpsertStagingCounters(ctx, batchID, job.Pool, 0, -1, -int64(job.CoresMcpu), cxlDelta, cxlCores); err != nil {
			return result, fmt.Errorf("failed to update staging counters: %w", err)
		}
	}

	targetState := jobStateOf(newState)
	if err := txQueries.UpdateJobState(ctx, batchID, jobID, targetState, nil); err != nil {
		return result, fmt.Errorf("failed to update job state: %w", err)
	}

	succeeded, failed, cancelled := 0, 0, 0
	switch targetState {
	case batchpg.JobStateSuccess:
		succeeded = 1
	case batchpg.JobStateCancelled:
		cancelled = 1
	default: // Error, Failed
		failed = 1
	}

	children, err := txQueries.ListChildren(ctx, batchID, jobID)
	if err != nil {
		return result, fmt.Errorf("failed to list children: %w", err)
	}
	for _, child := range children {
		remaining, err := txQueries.DecrementPendingParents(ctx, batchID, child.JobID)
		if err != nil {
			return result, fmt.Errorf("failed to decrement pending parents for job %d: %w", child.JobID, err)
		}
		if remaining == 0 && child.State == batchpg.JobStatePending {
			if err := txQueries.UpdateJobState(ctx, batchID, child.JobID, batchpg.JobStateReady, nil); err != nil {
				return result, fmt.Errorf("failed to ready child job %d: %w", child.JobID, err)
			}
			cxlDelta := 0
			var cxlCores int64
			if !child.AlwaysRun {
				cxlDelta = 1
				cxlCores = int64(child.CoresMcpu)
			}
			if err := txQueries.UpsertStagingCounters(ctx, batchID, child.Pool, 0, 1, int64(child.CoresMcpu), cxlDelta, cxlCores); err != nil {
				return result, fmt.Errorf("failed to update staging counters for child job %d: %w", child.JobID, err)
			}
		}
	}

	// The counter UPDATE takes the batch row lock, so the n_completed it
	// returns includes every concurrently committed completion.
	batch, err := txQueries.IncrementBatchCounters(ctx, batchID, succeeded, failed, cancelled, nil, "")
	if err != nil {
		return result, fmt.Errorf("failed to update batch counters: %w", err)
	}
	if int(batch.NCompleted) == int(batch.NJobs) {
		t := now
		if _, err := txQueries.IncrementBatchCounters(ctx, batchID, 0, 0, 0, &t, batchpg.BatchStateComplete); err != nil {
			return result, fmt.Errorf("failed to complete batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.Logger != nil {
		s.Logger.LogDataChange("job completed", logharbour.ChangeInfo{
			Entity: "Job",
			Op:     "Complete",
			Changes: []logharbour.ChangeDetail{
				{Field: "state", OldVal: string(job.State), NewVal: string(targetState)},
			},
		})
	}
	return result, nil
}

// MarkBatchCancelled records the user's cancel intent: it only flips the
// batch's cancelled flag. The full cancel_batch procedure -- transitioning
// jobs and computing which worker attempts to abort -- runs exactly once, in
// the Driver's cancel-fan-out loop, which holds the CancelTarget list right
// up to the point it issues the delete RPCs (spec.md §4.4: "pulls cancelled
// batches from PS, calls cancel_batch, then ... issues WC.delete-job").
func (s *Store) MarkBatchCancelled(ctx context.Context, batchID int64) error {
	if _, err := s.Queries.GetBatch(ctx, batchID); err != nil {
		return batcherr.NonExistentBatch(batchID)
	}
	if err := s.Queries.SetBatchCancelled(ctx, batchID); err != nil {
		return fmt.Errorf("failed to mark batch cancelled: %w", err)
	}
	return nil
}

// CancelTarget is a (job, instance) pair whose Running attempt must be told
// to abort after cancel_batch runs (spec.md §4.2).
type CancelTarget struct {
	JobID        int64
	InstanceName string
}

// CancelBatch implements spec.md §4.2's cancel_batch: transitions every
// non-terminal, non-always_run job straight to Cancelled. A Running job's
// live attempt is closed with reason cancelled (it holds no share of the
// ready counters); a Ready job's cores leave the ready counters. Returns the
// set of (job, instance) pairs whose Running attempts the caller must fan
// out WC.delete-job to, and whether this call completed the batch.
func (s *Store) CancelBatch(ctx context.Context, batchID int64, now time.Time) ([]CancelTarget, bool, error) {
	var targets []CancelTarget
	var completed bool
	err := retryDeadlock(ctx, func() error {
		var err error
		targets, completed, err = s.cancelBatch(ctx, batchID, now)
		return err
	})
	return targets, completed, err
}

func (s *Store) cancelBatch(ctx context.Context, batchID int64, now time.Time) ([]CancelTarget, bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txQueries := batchpg.New(tx)

	if err := txQueries.SetBatchCancelled(ctx, batchID); err != nil {
		return nil, false, fmt.Errorf("failed to mark batch cancelled: %w", err)
	}

	jobs, err := txQueries.ListNonTerminalNonAlwaysRun(ctx, batchID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list cancellable jobs: %w", err)
	}

	var targets []CancelTarget
	cancelled := 0
	poolDeltas := map[string]*struct {
		nReady, nReadyCxl int
		readyCores, readyCxlCores int64
	}{}

	for _, j := range jobs {
		switch j.State {
		case batchpg.JobStateRunning:
			if j.CurrentAttempt.Valid {
				att, err := txQueries.GetLiveAttempt(ctx, batchID, j.JobID)
				if err == nil {
					targets = append(targets, CancelTarget{JobID: j.JobID, InstanceName: att.InstanceName})
					if err := txQueries.CloseAttempt(ctx, batchID, j.JobID, j.CurrentAttempt.String, now, batchpg.AttemptReasonCancelled); err != nil {
						return nil, false, fmt.Errorf("failed to close attempt for job %d: %w", j.JobID, err)
					}
				}
			}
		case batchpg.JobStateReady:
			d, ok := poolDeltas[j.Pool]
			if !ok {
				d = &struct {
					nReady, nReadyCxl int
					readyCores, readyCxlCores int64
				}{}
				poolDeltas[j.Pool] = d
			}
			d.nReady--
			d.readyCores -= int64(j.CoresMcpu)
			d.nReadyCxl--
			d.readyCxlCores -= int64(j.CoresMcpu)
		}

		if err := txQueries.UpdateJobState(ctx, batchID, j.JobID, batchpg.JobStateCancelled, nil); err != nil {
			return nil, false, fmt.Errorf("failed to cancel job %d: %w", j.JobID, err)
		}
		cancelled++
	}

	for pool, d := range poolDeltas {
		if err := txQueries.UpsertStagingCounters(ctx, batchID, pool, 0, d.nReady, d.readyCores, d.nReadyCxl, d.readyCxlCores); err != nil {
			return nil, false, fmt.Errorf("failed to update staging counters for pool %s: %w", pool, err)
		}
	}

	completed := false
	if cancelled > 0 {
		batch, err := txQueries.IncrementBatchCounters(ctx, batchID, 0, 0, cancelled, nil, "")
		if err != nil {
			return nil, false, fmt.Errorf("failed to update batch counters: %w", err)
		}
		if int(batch.NCompleted) == int(batch.NJobs) {
			t := now
			if _, err := txQueries.IncrementBatchCounters(ctx, batchID, 0, 0, 0, &t, batchpg.BatchStateComplete); err != nil {
				return nil, false, fmt.Errorf("failed to complete batch: %w", err)
			}
			completed = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return targets, completed, nil
}

// DeleteBatch implements spec.md §4.1's delete-batch: marks the batch
// deleted so the Driver's delete-fan-out loop releases any in-flight work.
func (s *Store) DeleteBatch(ctx context.Context, batchID int64) error {
	if err := s.Queries.SetBatchDeleted(ctx, batchID); err != nil {
		return fmt.Errorf("failed to mark batch deleted: %w", err)
	}
	return nil
}

// AttemptBudgetExceeded implements spec.md §7's bounded per-job attempt
// budget: "a job has a bounded attempt budget (per instance loss or per
// worker 5xx). When exceeded, the job transitions to Error with
// reason=too_many_attempts." MaxAttempts is the pool's configured bound
// (spec.md §9's open question, resolved in DESIGN.md); callers consult this
// before re-queuing a job that just lost an attempt to worker failure or
// instance loss, choosing between another reschedule and a terminal Error.
func (s *Store) AttemptBudgetExceeded(ctx context.Context, batchID, jobID int64, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		return false, nil
	}
	attempts, err := s.Queries.ListAttempts(ctx, batchID, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to list attempts for budget check: %w", err)
	}
	return len(attempts) >= maxAttempts, nil
}

const completionCallbackTimeout = 60 * time.Second

// FireCompletionCallbackIfDone POSTs the batch's status JSON to its
// callback URL exactly once, the moment the batch's counters show it just
// became complete (spec.md §6: "fired exactly once when the batch becomes
// complete and has a callback configured"). Both the job-completion path
// (markJobComplete) and the cancel path (CancelBatch can itself complete a
// batch) land here, since either can be the call that finishes the batch.
// Failure is logged, never retried -- spec.md §9 leaves stronger delivery
// guarantees out of scope.
func (s *Store) FireCompletionCallbackIfDone(ctx context.Context, batchID int64) {
	batch, err := s.Queries.GetBatch(ctx, batchID)
	if err != nil || batch.State != batchpg.BatchStateComplete || !batch.CallbackURL.Valid {
		return
	}
	go s.postCompletionCallback(batch, batch.CallbackURL.String)
}

func (s *Store) postCompletionCallback(batch batchpg.Batch, url string) {
	body, err := json.Marshal(batch)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error(err).LogActivity("failed to marshal batch status for completion callback", map[string]any{"batch_id": batch.ID})
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), completionCallbackTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error(err).LogActivity("failed to build completion callback request", map[string]any{"batch_id": batch.ID, "url": url})
		}
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error(err).LogActivity("completion callback failed", map[string]any{"batch_id": batch.ID, "url": url})
		}
		return
	}
	resp.Body.Close()
}
