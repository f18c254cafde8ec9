package driver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/internal/ipr"
)

// CompletionAPI is the Driver-side half of the worker-to-service callback
// surface spec.md §6 labels "driver-internal, bearer-token authenticated":
// /started and /complete. It must live in the same process as the
// scheduler that reserved an instance's cores (scheduler.go's
// Registry.Reserve), since the completion path releases them back to that
// same in-memory Registry -- mounting it on the Front-End instead would
// release against an empty registry and leak the gauge. Grounded on the
// same RegisterWorker/RefreshHeartbeat-callback shape as InstanceAPI.
type CompletionAPI struct {
	Store    *batchcore.Store
	Registry *ipr.Registry
	Logger   *logharbour.Logger
}

func NewCompletionAPI(store *batchcore.Store, reg *ipr.Registry, lh *logharbour.Logger) *CompletionAPI {
	return &CompletionAPI{Store: store, Registry: reg, Logger: lh}
}

// RegisterRoutes mounts the worker-callback surface on r, which is
// expected to already carry the bearer-token auth middleware (spec.md §6:
// worker callbacks are "driver-internal, bearer-token authenticated").
func (a *CompletionAPI) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/internal/v1alpha/batches/:id/jobs/:jid")
	g.POST("/started", a.markJobStarted)
	g.POST("/complete", a.markJobComplete)
}

type markJobStartedRequest struct {
	AttemptID string `json:"attempt_id" binding:"required"`
}

// markJobStarted is an acknowledgement used only for liveness; schedule_job
// already wrote the attempt row and transitioned the job to Running, so
// this callback does not itself change state (spec.md §4.1).
func (a *CompletionAPI) markJobStarted(c *gin.Context) {
	var req markJobStartedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type markJobCompleteRequest struct {
	AttemptID string `json:"attempt_id" binding:"required"`
	NewState  string `json:"new_state" binding:"required,oneof=Success Failed Error Cancelled"`
	Reason    string `json:"reason" binding:"required"`
	StartTime int64  `json:"start_time" binding:"required"`
	EndTime   int64  `json:"end_time" binding:"required"`
}

// markJobComplete implements spec.md §4.1's worker-to-service completion
// callback: idempotent by (batch, job, attempt) via Store.MarkJobComplete,
// releases the instance's reserved cores back to this process's own
// Registry (the same one the scheduler reserved from), and fires the
// batch's completion callback exactly once if this call completed the
// batch (spec.md §9's fire-once, no-retry decision).
func (a *CompletionAPI) markJobComplete(c *gin.Context) {
	batchID, ok := pathInt64Param(c, "id")
	if !ok {
		return
	}
	jobID, ok := pathInt64Param(c, "jid")
	if !ok {
		return
	}
	var req markJobCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	result, err := a.Store.MarkJobComplete(ctx, batchID, jobID, req.AttemptID,
		batchcore.JobState(req.NewState), time.UnixMilli(req.StartTime), time.UnixMilli(req.EndTime),
		batchcore.AttemptReason(req.Reason), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if result.InstanceName != "" {
		a.Registry.Release(ctx, result.InstanceName, result.CoresMcpu)
	}
	if !result.OldState.Terminal() {
		a.Store.FireCompletionCallbackIfDone(ctx, batchID)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func pathInt64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	return v, true
}
