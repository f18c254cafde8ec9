// Package driver runs the background loops that turn Ready jobs into
// running attempts and keep the Persistent Store's view of each instance in
// sync with reality (spec.md §4.3, §4.4): one scheduler loop per pool, a
// cancel-fan-out loop, a delete-fan-out loop, and an instance reconcile
// loop. The per-pool ticker+select shape is grounded on the teacher's
// runPeriodicRecovery/runPeriodicSweep loops in jobs/recovery.go; the
// first-fit instance-selection policy is grounded on
// cuemby-warren/pkg/scheduler/scheduler.go's schedule-cycle shape,
// generalized from "service replica count" to "job resource reservation".
package driver

import (
	"context"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/internal/batcherr"
	"github.com/remiges-tech/batchcore/internal/ipr"
	"github.com/remiges-tech/batchcore/internal/workerclient"
	"github.com/remiges-tech/batchcore/metrics"
)

const schedulerInterval = 2 * time.Second

// Scheduler runs the dispatch loop for a single pool. The Driver process
// runs one Scheduler per configured pool (spec.md §2).
type Scheduler struct {
	Pool     string
	Store    *batchcore.Store
	Registry *ipr.Registry
	WC       *workerclient.Client
	Logger   *logharbour.Logger

	// Metrics is optional; nil disables recording. When set it must already
	// have "batchcore_jobs_dispatched_total" and
	// "batchcore_dispatch_failures_total" registered as CounterVecs labelled
	// by pool, matching the registration call in cmd/driver.
	Metrics metrics.Metrics

	// BatchSize bounds how many Ready jobs a single cycle considers, so one
	// pool's backlog can't starve the ticker loop.
	BatchSize int

	// Nudge wakes the loop before the next tick; it is the
	// "scheduler_state_changed" condition of spec.md §4.3 step 6. Its only
	// sender is the Driver's pool-configuration reload watcher; completion
	// ingest, batch close/cancel and instance state changes do not nudge, and
	// are picked up on the next tick. The channel is buffered: a nudge that arrives
	// while one is already pending coalesces with it.
	Nudge chan struct{}
}

func NewScheduler(pool string, store *batchcore.Store, reg *ipr.Registry, wc *workerclient.Client, lh *logharbour.Logger) *Scheduler {
	return &Scheduler{
		Pool: pool, Store: store, Registry: reg, WC: wc, Logger: lh,
		BatchSize: 100,
		Nudge:     make(chan struct{}, 1),
	}
}

// Run is the scheduler's main loop; it must be started in its own goroutine
// and stops when ctx is cancelled. It wakes on the condition signal or a
// short timer, whichever fires first (spec.md §4.3 step 6).
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Nudge:
		case <-ticker.C:
		}
		if err := s.scheduleOnce(ctx); err != nil && s.Logger != nil {
			s.Logger.Error(err).LogActivity("scheduling cycle failed", map[string]any{"pool": s.Pool})
		}
	}
}

// scheduleOnce runs a single dispatch cycle: for each Ready job in pool
// order, reserve an instance with enough free cores, hand the job to the
// worker, then record the attempt in the Persistent Store. Any failure
// after the in-memory reservation is compensated (spec.md §4.3 step 4) so
// a dead worker or a losing race against a concurrent cancel never leaks
// capacity.
func (s *Scheduler) scheduleOnce(ctx context.Context) error {
	jobs, err := s.Store.Queries.ListReadyJobs(ctx, s.Pool, s.BatchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return nil
		}
		s.dispatch(ctx, int(job.CoresMcpu), job.BatchID, job.JobID)
	}
	return nil
}

// dispatch follows spec.md §4.3 steps 2-5 in order: reserve cores
// in-memory, issue WC.create-job, and only on RPC success call
// schedule_job. Committing the Running transition before the worker has
// accepted the attempt would let a concurrent cancel observe a Running job
// whose delete RPC races the still-in-flight create -- the worker would end
// up running an attempt nothing is watching.
func (s *Scheduler) dispatch(ctx context.Context, coresMcpu int, batchID, jobID int64) {
	instanceName, ok := s.Registry.Reserve(ctx, s.Pool, coresMcpu)
	if !ok {
		// No instance has enough free capacity this cycle; the job stays
		// Ready and is reconsidered next tick.
		return
	}

	inst := s.Registry.Get(ctx, instanceName)
	if inst == nil {
		s.Registry.Release(ctx, instanceName, coresMcpu)
		return
	}

	attemptID, err := batchcore.NewAttemptID()
	if err != nil {
		s.Registry.Release(ctx, instanceName, coresMcpu)
		if s.Logger != nil {
			s.Logger.Error(err).LogActivity("failed to mint attempt id", map[string]any{"batch_id": batchID, "job_id": jobID})
		}
		return
	}

	createErr := s.WC.CreateJob(ctx, inst.Address, workerclient.CreateJobRequest{
		BatchID:   batchID,
		JobID:     jobID,
		AttemptID: attemptID,
		CoresMcpu: coresMcpu,
	})
	if createErr != nil {
		// internal/retry has already exhausted the transient-failure backoff
		// budget inside WC.CreateJob (spec.md §4.3 step 5), so a returned
		// error is authoritative: count it against the instance and mark the
		// job Error. No attempt row exists yet -- the job is still Ready, and
		// mark_job_complete moves it (and its ready-counter cores) straight
		// to the terminal state.
		if err := s.Store.Queries.IncrementFailedRequestCount(ctx, instanceName); err != nil && s.Logger != nil {
			s.Logger.Error(err).LogActivity("failed to record instance failure", map[string]any{"instance": instanceName})
		}
		if s.Logger != nil {
			s.Logger.Error(createErr).LogActivity("worker create-job failed", map[string]any{
				"batch_id": batchID, "job_id": jobID, "instance": instanceName,
			})
		}
		now := time.Now()
		if _, err := s.Store.MarkJobComplete(ctx, batchID, jobID, attemptID, batchcore.JobError, now, now, batchcore.ReasonError, now); err != nil && s.Logger != nil {
			s.Logger.Error(err).LogActivity("mark_job_complete after dispatch failure also failed", map[string]any{
				"batch_id": batchID, "job_id": jobID,
			})
		}
		s.Registry.Release(ctx, instanceName, coresMcpu)
		if s.Metrics != nil {
			s.Metrics.RecordWithLabels("batchcore_dispatch_failures_total", 1, s.Pool)
		}
		return
	}

	if err := s.Store.ScheduleJob(ctx, batchID, jobID, attemptID, instanceName, time.Now()); err != nil {
		// Most commonly a batcherr.WrongState error: a cancel ran between the ready scan
		// and here. The worker already accepted the attempt, so tell it to
		// discard the job (best-effort; 404 is success) and release the
		// reservation.
		if delErr := s.WC.DeleteJob(ctx, inst.Address, batchID, jobID, attemptID); delErr != nil && s.Logger != nil {
			s.Logger.Error(delErr).LogActivity("best-effort delete after refused schedule_job failed", map[string]any{
				"batch_id": batchID, "job_id": jobID, "instance": instanceName,
			})
		}
		s.Registry.Release(ctx, instanceName, coresMcpu)
		if !batcherr.Is(err, batcherr.KindWrongState) && s.Logger != nil {
			s.Logger.Error(err).LogActivity("schedule_job failed", map[string]any{"batch_id": batchID, "job_id": jobID})
		}
		if s.Metrics != nil {
			s.Metrics.RecordWithLabels("batchcore_dispatch_failures_total", 1, s.Pool)
		}
		return
	}

	if s.Metrics != nil {
		s.Metrics.RecordWithLabels("batchcore_jobs_dispatched_total", 1, s.Pool)
	}
}
