package driver

import (
	"context"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/internal/ipr"
	"github.com/remiges-tech/batchcore/internal/workerclient"
)

const cancelFanoutInterval = 3 * time.Second

// CancelFanout drains the set of batches a user has cancelled. It is the
// only caller of the cancel_batch procedure: the Front-End merely flips the
// batch's cancelled flag, and this loop runs the state-machine work and
// fans WC.delete-job out to every instance named in the CancelTarget list
// the same invocation computed, so cancellation takes effect on the worker
// side too, not just in the Persistent Store (spec.md §4.2, §4.4). Keeping
// the procedure and the fan-out in one place matters: cancel_batch only
// reports a Running job's (job, instance) pair the first time it
// transitions it, so whoever consumes that list must be the one holding
// the worker client.
type CancelFanout struct {
	Store    *batchcore.Store
	Registry *ipr.Registry
	WC       *workerclient.Client
	Logger   *logharbour.Logger

	// PendingBatches supplies batch IDs whose cancel_batch call has not yet
	// run. Nothing in cmd/driver pushes here (the Front-End's cancel queue is
	// drained in its own process); the periodic sweepIncomplete pass finds
	// cancelled batches, including across a crash-restart, directly from
	// batches.cancelled = true rows.
	PendingBatches chan int64
}

func NewCancelFanout(store *batchcore.Store, reg *ipr.Registry, wc *workerclient.Client, lh *logharbour.Logger) *CancelFanout {
	return &CancelFanout{Store: store, Registry: reg, WC: wc, Logger: lh, PendingBatches: make(chan int64, 256)}
}

func (c *CancelFanout) Run(ctx context.Context) {
	ticker := time.NewTicker(cancelFanoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case batchID := <-c.PendingBatches:
			c.processBatch(ctx, batchID)
		case <-ticker.C:
			c.sweepIncomplete(ctx)
		}
	}
}

// sweepIncomplete rediscovers cancelled batches a crashed Driver never
// finished draining, so cancellation is eventually consistent across a
// restart and not dependent solely on the in-memory PendingBatches channel.
func (c *CancelFanout) sweepIncomplete(ctx context.Context) {
	ids, err := c.Store.Queries.ListIncompleteCancelledBatchIDs(ctx)
	if err != nil {
		if c.Logger != nil {
			c.Logger.Error(err).LogActivity("failed to sweep incomplete cancelled batches", nil)
		}
		return
	}
	for _, id := range ids {
		c.processBatch(ctx, id)
	}
}

func (c *CancelFanout) processBatch(ctx context.Context, batchID int64) {
	targets, completed, err := c.Store.CancelBatch(ctx, batchID, time.Now())
	if err != nil {
		if c.Logger != nil {
			c.Logger.Error(err).LogActivity("cancel_batch failed", map[string]any{"batch_id": batchID})
		}
		return
	}

	for _, t := range targets {
		inst := c.Registry.Get(ctx, t.InstanceName)
		if inst == nil {
			continue
		}
		if err := c.WC.DeleteJob(ctx, inst.Address, batchID, t.JobID, ""); err != nil {
			if c.Logger != nil {
				c.Logger.Error(err).LogActivity("worker delete-job failed during cancel", map[string]any{
					"batch_id": batchID, "job_id": t.JobID, "instance": t.InstanceName,
				})
			}
			continue
		}
	}

	if completed {
		c.Store.FireCompletionCallbackIfDone(ctx, batchID)
	}
}
