package driver

import (
	"context"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/internal/batchpg"
	"github.com/remiges-tech/batchcore/internal/ipr"
	"github.com/remiges-tech/batchcore/metrics"
)

const reconcileInterval = 30 * time.Second

// Reconciler is the instance-health loop, grounded on the teacher's
// runPeriodicRecovery (jobs/recovery.go): it walks every known instance,
// checks whether its Redis heartbeat has expired, and for any instance that
// has gone dark, unschedules its Running jobs back to Ready (reason
// preempted) so the scheduler can redispatch them elsewhere, and marks the
// instance inactive in both the in-memory registry and the Persistent
// Store (spec.md §4.4).
type Reconciler struct {
	Store    *batchcore.Store
	Registry *ipr.Registry
	Logger   *logharbour.Logger
	Pool     string

	// Metrics is optional; nil disables recording. When set it must already
	// have "batchcore_instances_reaped_total" registered as a CounterVec
	// labelled by pool.
	Metrics metrics.Metrics

	// MaxAttempts is this pool's configured attempt budget (spec.md §7, §9):
	// a job that has already exhausted it when its instance dies goes
	// straight to Error instead of back to Ready. Its last attempt is closed
	// with reason preempted; too_many_attempts appears only in the log line,
	// no stored reason records it.
	MaxAttempts int
}

func NewReconciler(pool string, store *batchcore.Store, reg *ipr.Registry, lh *logharbour.Logger) *Reconciler {
	maxAttempts := 5
	if p, err := store.Queries.GetPool(context.Background(), pool); err == nil && p.MaxAttempts > 0 {
		maxAttempts = int(p.MaxAttempts)
	}
	return &Reconciler{Store: store, Registry: reg, Logger: lh, Pool: pool, MaxAttempts: maxAttempts}
}

func (r *Reconciler) Run(ctx context.Context) {
	if err := r.reconcileOnce(ctx); err != nil && r.Logger != nil {
		r.Logger.Error(err).LogActivity("initial reconcile failed", map[string]any{"pool": r.Pool})
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reconcileOnce(ctx); err != nil && r.Logger != nil {
				r.Logger.Error(err).LogActivity("periodic reconcile failed", map[string]any{"pool": r.Pool})
			}
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) error {
	instances, err := r.Store.Queries.ListInstances(ctx, r.Pool)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if inst.State != batchpg.InstanceStateActive {
			continue
		}
		alive, err := r.Registry.IsAlive(ctx, inst.Name)
		if err != nil {
			if r.Logger != nil {
				r.Logger.Error(err).LogActivity("heartbeat check failed", map[string]any{"instance": inst.Name})
			}
			continue
		}
		if alive {
			r.recomputeFreeCores(ctx, inst.Name, int(inst.TotalCores))
			continue
		}
		r.reapInstance(ctx, inst.Name)
	}
	return nil
}

// recomputeFreeCores resyncs an active instance's in-memory free-cores
// gauge against the Persistent Store's own record of its live attempts,
// per spec.md §3's "free_cores_mcpu ... recomputed on reconciliation"
// invariant. This is what keeps the gauge from drifting (or monotonically
// draining) when a release is missed on some completion path.
func (r *Reconciler) recomputeFreeCores(ctx context.Context, instanceName string, totalCores int) {
	sum, err := r.Store.Queries.SumLiveCoresOnInstance(ctx, instanceName)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Error(err).LogActivity("failed to sum live cores for instance", map[string]any{"instance": instanceName})
		}
		return
	}
	free := totalCores*1000 - int(sum)
	r.Registry.RecomputeFreeCores(ctx, instanceName, free)
}

// reapInstance marks a dead instance inactive and returns its in-flight
// attempts to the ready queue. This mirrors RecoverAbandonedRows' shape
// (find the dead owner, reset its rows) but the "row" here is a Running
// job's live attempt rather than a queue entry.
func (r *Reconciler) reapInstance(ctx context.Context, instanceName string) {
	attempts, err := r.Store.Queries.ListLiveAttemptsOnInstance(ctx, instanceName)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Error(err).LogActivity("failed to list live attempts for dead instance", map[string]any{"instance": instanceName})
		}
		return
	}

	for _, att := range attempts {
		job, err := r.Store.Queries.GetJob(ctx, att.BatchID, att.JobID)
		if err != nil {
			continue
		}

		exceeded, budgetErr := r.Store.AttemptBudgetExceeded(ctx, att.BatchID, att.JobID, r.MaxAttempts)
		if budgetErr != nil && r.Logger != nil {
			r.Logger.Error(budgetErr).LogActivity("attempt budget check failed", map[string]any{"batch_id": att.BatchID, "job_id": att.JobID})
		}

		if exceeded {
			now := time.Now()
			if _, err := r.Store.MarkJobComplete(ctx, att.BatchID, att.JobID, att.AttemptID, batchcore.JobError, att.StartTime.Time, now, batchcore.ReasonPreempted, now); err != nil && r.Logger != nil {
				r.Logger.Error(err).LogActivity("mark_job_complete after exhausted attempt budget also failed", map[string]any{
					"instance": instanceName, "batch_id": att.BatchID, "job_id": att.JobID,
				})
			} else if r.Logger != nil {
				r.Logger.Warn().LogActivity("job errored: too_many_attempts", map[string]any{"batch_id": att.BatchID, "job_id": att.JobID})
			}
		} else if err := r.Store.UnscheduleJob(ctx, att.BatchID, att.JobID, instanceName, time.Now(), batchcore.ReasonPreempted); err != nil {
			if r.Logger != nil {
				r.Logger.Error(err).LogActivity("failed to unschedule job from dead instance", map[string]any{
					"instance": instanceName, "batch_id": att.BatchID, "job_id": att.JobID,
				})
			}
			continue
		}
		r.Registry.Release(ctx, instanceName, int(job.CoresMcpu))
	}

	if err := r.Store.Queries.UpdateInstanceState(ctx, instanceName, batchpg.InstanceStateInactive); err != nil && r.Logger != nil {
		r.Logger.Error(err).LogActivity("failed to mark instance inactive", map[string]any{"instance": instanceName})
	}
	r.Registry.SetState(ctx, instanceName, batchcore.InstanceInactive)

	if r.Logger != nil {
		r.Logger.Warn().LogActivity("instance reaped after missed heartbeats", map[string]any{"instance": instanceName})
	}
	if r.Metrics != nil {
		r.Metrics.RecordWithLabels("batchcore_instances_reaped_total", 1, r.Pool)
	}
}
