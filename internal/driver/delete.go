package driver

import (
	"context"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/internal/ipr"
	"github.com/remiges-tech/batchcore/internal/workerclient"
)

const deleteFanoutInterval = 10 * time.Second

// DeleteFanout drains batches the Front-End has marked deleted: it asks
// every instance still running one of the batch's jobs to tear the job
// down, then frees the Persistent Store of needing to track it further.
// Unlike cancel, delete applies to always_run jobs too -- the user asked
// for the whole batch gone, not for non-essential work stopped (spec.md
// §4.1 delete-batch).
type DeleteFanout struct {
	Store    *batchcore.Store
	Registry *ipr.Registry
	WC       *workerclient.Client
	Logger   *logharbour.Logger

	PendingBatches chan int64
}

func NewDeleteFanout(store *batchcore.Store, reg *ipr.Registry, wc *workerclient.Client, lh *logharbour.Logger) *DeleteFanout {
	return &DeleteFanout{Store: store, Registry: reg, WC: wc, Logger: lh, PendingBatches: make(chan int64, 256)}
}

func (d *DeleteFanout) Run(ctx context.Context) {
	ticker := time.NewTicker(deleteFanoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case batchID := <-d.PendingBatches:
			d.processBatch(ctx, batchID)
		case <-ticker.C:
			d.sweepIncomplete(ctx)
		}
	}
}

// sweepIncomplete rediscovers deleted batches a crashed Driver never
// finished draining, the same crash-restart safety net as CancelFanout's.
func (d *DeleteFanout) sweepIncomplete(ctx context.Context) {
	ids, err := d.Store.Queries.ListIncompleteDeletedBatchIDs(ctx)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Error(err).LogActivity("failed to sweep incomplete deleted batches", nil)
		}
		return
	}
	for _, id := range ids {
		d.processBatch(ctx, id)
	}
}

func (d *DeleteFanout) processBatch(ctx context.Context, batchID int64) {
	jobs, err := d.Store.Queries.ListRunningJobs(ctx, batchID)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Error(err).LogActivity("failed to list running jobs for delete", map[string]any{"batch_id": batchID})
		}
		return
	}

	for _, job := range jobs {
		if !job.CurrentAttempt.Valid {
			continue
		}
		att, err := d.Store.Queries.GetLiveAttempt(ctx, batchID, job.JobID)
		if err != nil {
			continue
		}
		inst := d.Registry.Get(ctx, att.InstanceName)
		if inst == nil {
			continue
		}
		if err := d.WC.DeleteJob(ctx, inst.Address, batchID, job.JobID, att.AttemptID); err != nil {
			if d.Logger != nil {
				d.Logger.Error(err).LogActivity("worker delete-job failed during batch delete", map[string]any{
					"batch_id": batchID, "job_id": job.JobID, "instance": att.InstanceName,
				})
			}
			continue
		}
		d.Registry.Release(ctx, att.InstanceName, int(job.CoresMcpu))
	}
}
