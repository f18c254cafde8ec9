package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/internal/batcherr"
	"github.com/remiges-tech/batchcore/internal/batchpg"
	"github.com/remiges-tech/batchcore/internal/objstore"
	"github.com/remiges-tech/batchcore/wscutils"
)

// RegisterRoutes mounts the versioned REST surface (spec.md §6). The
// worker-callback endpoints (/started, /complete) are "driver-internal"
// per spec.md §6 and are mounted separately by the Driver process
// (internal/driver.CompletionAPI), not here, since they must run against
// the same in-memory Registry the scheduler reserved cores from.
func (f *Frontend) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1alpha")
	v1.POST("/batches/create", f.createBatch)
	v1.POST("/batches/:id/jobs/create", f.createJobs)
	v1.PATCH("/batches/:id/close", f.closeBatch)
	v1.PATCH("/batches/:id/cancel", f.cancelBatch)
	v1.DELETE("/batches/:id", f.deleteBatch)
	v1.GET("/batches", f.listBatches)
	v1.GET("/batches/:id", f.getBatch)
	v1.GET("/batches/:id/jobs", f.listJobs)
	v1.GET("/batches/:id/jobs/:jid", f.getJob)
	v1.GET("/batches/:id/jobs/:jid/log", f.getJobLog)
	v1.GET("/batches/:id/jobs/:jid/attempts", f.getAttempts)
}

func noVals(validator.FieldError) []string { return nil }

// badRequest and fromBatchErr translate internal errors into the
// wscutils envelope, following vouchershandler.go's pattern of building an
// ErrorMessage slice and returning it through wscutils.NewResponse.
func badRequest(c *gin.Context, err error) {
	msg := wscutils.BuildErrorMessage(0, "invalid_request", "", err.Error())
	c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{msg}))
}

func fromBatchErr(c *gin.Context, err error) {
	var be *batcherr.Error
	if errors.As(err, &be) {
		msg := wscutils.BuildErrorMessage(int(be.Kind), "batch_error", "", be.Message)
		c.JSON(be.HTTPStatus(), wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{msg}))
		return
	}
	msg := wscutils.BuildErrorMessage(0, "internal_error", "", err.Error())
	c.JSON(http.StatusInternalServerError, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{msg}))
}

func pathInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		badRequest(c, err)
		return 0, false
	}
	return v, true
}

func (f *Frontend) createBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}
	if errs := wscutils.WscValidate(req, noVals); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, errs))
		return
	}

	batchID, err := f.Store.CreateBatch(c.Request.Context(), req.Owner, req.BillingProject, req.Token, req.NJobs, req.CallbackURL, req.Attributes)
	if err != nil {
		fromBatchErr(c, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"batch_id": batchID}))
}

// createJobs resource-converts every job against its pool's capacity, then
// writes the whole bunch in one call to CreateJobs (spec.md §4.1).
func (f *Frontend) createJobs(c *gin.Context) {
	batchID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	var req CreateJobsRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}
	if errs := wscutils.WscValidate(req, noVals); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, errs))
		return
	}

	batch, err := f.Store.Queries.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		fromBatchErr(c, batcherr.NonExistentBatch(batchID))
		return
	}

	bunchToken := req.Token
	if bunchToken == "" {
		bunchToken = uuid.NewString()
	}

	specs := make([]batchcore.JobSpec, 0, len(req.Jobs))
	for _, j := range req.Jobs {
		if batch.Owner != privilegedOwner {
			if len(j.Secrets) != 0 {
				fromBatchErr(c, batcherr.Forbidden("unauthorized secret for job %d", j.JobID))
				return
			}
			if j.Network != "" && j.Network != "public" {
				fromBatchErr(c, batcherr.Forbidden("unauthorized network %q for job %d", j.Network, j.JobID))
				return
			}
		}
		pool, ok := f.Pools[j.Pool]
		if !ok {
			badRequest(c, batcherr.Validation("unknown pool %q", j.Pool))
			return
		}
		resources, ok := pool.ConvertRequest(j.CoresMcpu, j.MemoryBytes, j.StorageBytes)
		if !ok {
			badRequest(c, batcherr.Validation("resource request for job %d is unsatisfiable by pool %q", j.JobID, j.Pool))
			return
		}
		specs = append(specs, batchcore.JobSpec{
			JobID:      j.JobID,
			CoresMcpu:  resources.CoresMcpu,
			Pool:       j.Pool,
			AlwaysRun:  j.AlwaysRun,
			ParentIDs:  j.ParentIDs,
			SpecInline: j.Spec,
			Attributes: j.Attributes,
		})
	}

	if err := f.writeBunchSpecs(c.Request.Context(), batchID, bunchToken, req.Jobs, specs); err != nil {
		fromBatchErr(c, err)
		return
	}

	if err := f.Store.CreateJobs(c.Request.Context(), batchID, specs); err != nil {
		fromBatchErr(c, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"n_jobs": len(specs), "token": bunchToken}))
}

// specInlineLimit is the largest job spec kept inline in the jobs table;
// anything bigger lives only in the Log/Spec Store's bunch-specs object
// (spec.md §3: "spec blob (inline for small, in LS otherwise)").
const specInlineLimit = 10 << 10

// writeBunchSpecs persists the bunch's full job specs to the Log/Spec Store
// at bunch/{token}/specs (spec.md §6), keyed by job id, before the jobs are
// inserted -- a crash between the two leaves an orphan specs object, never a
// job whose spec is unreadable. Jobs over specInlineLimit are rewritten to
// reference the object instead of carrying the spec inline.
func (f *Frontend) writeBunchSpecs(ctx context.Context, batchID int64, token string, reqs []JobSpecRequest, specs []batchcore.JobSpec) error {
	if f.Objects == nil {
		return nil
	}

	byJob := make(map[string]json.RawMessage, len(reqs))
	for _, j := range reqs {
		byJob[strconv.FormatInt(j.JobID, 10)] = j.Spec
	}
	blob, err := json.Marshal(byJob)
	if err != nil {
		return batcherr.Fatal(err)
	}

	path := (objstore.Paths{InstanceID: f.LSInstanceID}).SpecsPath(batchID, token)
	if err := f.Objects.Put(ctx, logBucket, path, bytes.NewReader(blob), int64(len(blob)), "application/json"); err != nil {
		return batcherr.Transient(err)
	}

	for i := range specs {
		if len(specs[i].SpecInline) > specInlineLimit {
			p := path
			specs[i].SpecLSPath = &p
			specs[i].SpecInline = nil
		}
	}
	return nil
}

func (f *Frontend) closeBatch(c *gin.Context) {
	batchID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	if err := f.Store.CloseBatch(c.Request.Context(), batchID, time.Now()); err != nil {
		fromBatchErr(c, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(nil))
}

// cancelBatch only records the user's intent: it flips the batch's
// cancelled flag and offers the batch id to CancelQueue. The Driver's
// cancel-fan-out loop finds the batch on its periodic sweep of cancelled
// batches in the Persistent Store, runs the full cancel_batch procedure and
// fans the delete RPCs out from the CancelTarget list that single invocation
// computes (spec.md §4.4). Running cancel_batch here too would consume the
// targets before the loop could -- the jobs would already be terminal when
// the loop re-ran the procedure, and the Running attempts' workers would
// never receive a delete. cmd/frontend drains CancelQueue without forwarding
// it to the Driver, so a dropped push changes nothing.
func (f *Frontend) cancelBatch(c *gin.Context) {
	batchID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	if err := f.Store.MarkBatchCancelled(c.Request.Context(), batchID); err != nil {
		fromBatchErr(c, err)
		return
	}
	select {
	case f.CancelQueue <- batchID:
	default:
		if f.Logger != nil {
			f.Logger.Warn().LogActivity("cancel queue full, dropping nudge", map[string]any{"batch_id": batchID})
		}
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(nil))
}

func (f *Frontend) deleteBatch(c *gin.Context) {
	batchID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	if err := f.Store.DeleteBatch(c.Request.Context(), batchID); err != nil {
		fromBatchErr(c, err)
		return
	}
	select {
	case f.DeleteQueue <- batchID:
	default:
		if f.Logger != nil {
			f.Logger.Warn().LogActivity("delete queue full, dropping nudge", map[string]any{"batch_id": batchID})
		}
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(nil))
}

func (f *Frontend) getBatch(c *gin.Context) {
	batchID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	b, err := f.Store.Queries.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		fromBatchErr(c, batcherr.NonExistentBatch(batchID))
		return
	}
	attrs, err := f.Store.Queries.ListBatchAttributes(c.Request.Context(), batchID)
	if err != nil {
		fromBatchErr(c, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"batch": b, "attributes": attrs}))
}

// maxPagesScanned bounds how many underlying pageSize-rows fetches a list
// endpoint will make while hunting for a full page of matches, so a filter
// that rejects almost everything degrades to "return what's found so far
// plus a cursor to resume" instead of scanning the whole table inline.
const maxPagesScanned = 20

func matchesBatchTerms(terms []Term, b batchpg.Batch, attrs map[string]string) bool {
	for _, t := range terms {
		var hit bool
		switch t.Kind {
		case KindState:
			hit = BatchMatchesStateKeyword(string(b.State), b.Closed, b.Cancelled, int(b.NFailed), int(b.NCancelled), t.State)
		case KindHasKey:
			_, hit = attrs[t.Key]
		case KindAttribute:
			v, ok := attrs[t.Key]
			hit = ok && v == t.Value
		}
		if hit == t.Negate {
			return false
		}
	}
	return true
}

func matchesJobTerms(terms []Term, j batchpg.Job, attrs map[string]string) bool {
	for _, t := range terms {
		var hit bool
		switch t.Kind {
		case KindState:
			hit = JobMatchesStateKeyword(jobStateString(j.State), t.State)
		case KindHasKey:
			_, hit = attrs[t.Key]
		case KindAttribute:
			v, ok := attrs[t.Key]
			hit = ok && v == t.Value
		}
		if hit == t.Negate {
			return false
		}
	}
	return true
}

// jobStateString lower-cases a Job's state column to match the query
// grammar's lower-case state keywords (spec.md §6).
func jobStateString(s batchpg.JobState) string {
	switch s {
	case batchpg.JobStatePending:
		return "pending"
	case batchpg.JobStateReady:
		return "ready"
	case batchpg.JobStateRunning:
		return "running"
	case batchpg.JobStateCancelled:
		return "cancelled"
	case batchpg.JobStateError:
		return "error"
	case batchpg.JobStateFailed:
		return "failed"
	case batchpg.JobStateSuccess:
		return "success"
	default:
		return ""
	}
}

func queryCursor(c *gin.Context, name string) int64 {
	v, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// listBatches implements spec.md §6's GET /batches: a cursor-paginated,
// query-grammar-filtered list. The underlying store fetch is a narrow
// id-ordered scan; state and attribute predicates are evaluated in the
// Front-End over that page, matching the teacher's own split between a
// simple SQL fetch and richer in-process predicate logic.
func (f *Frontend) listBatches(c *gin.Context) {
	terms, err := ParseBatchQuery(c.Query("q"))
	if err != nil {
		badRequest(c, err)
		return
	}
	owner := c.Query("owner")
	cursor := queryCursor(c, "last_batch_id")

	ctx := c.Request.Context()
	matched := make([]gin.H, 0, pageSize)
	for page := 0; page < maxPagesScanned && len(matched) < pageSize; page++ {
		rows, err := f.Store.Queries.ListBatchesPage(ctx, owner, cursor, pageSize)
		if err != nil {
			fromBatchErr(c, err)
			return
		}
		if len(rows) == 0 {
			cursor = 0
			break
		}
		for _, b := range rows {
			cursor = b.ID
			if b.Deleted {
				continue
			}
			attrs, err := f.Store.Queries.ListBatchAttributes(ctx, b.ID)
			if err != nil {
				fromBatchErr(c, err)
				return
			}
			if !matchesBatchTerms(terms, b, attrs) {
				continue
			}
			matched = append(matched, gin.H{
				"id": b.ID, "owner": b.Owner, "billing_project": b.BillingProject,
				"n_jobs": b.NJobs, "n_completed": b.NCompleted, "n_succeeded": b.NSucceeded,
				"n_failed": b.NFailed, "n_cancelled": b.NCancelled, "state": b.State,
				"closed": b.Closed, "cancelled": b.Cancelled, "attributes": attrs,
			})
			if len(matched) == pageSize {
				break
			}
		}
		if len(rows) < pageSize {
			cursor = 0
			break
		}
	}

	resp := gin.H{"batches": matched, "page_size": pageSize}
	if cursor != 0 {
		resp["last_batch_id"] = cursor
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(resp))
}

// listJobs implements spec.md §6's GET /batches/{id}/jobs, the per-batch
// counterpart to listBatches.
func (f *Frontend) listJobs(c *gin.Context) {
	batchID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	terms, err := ParseJobQuery(c.Query("q"))
	if err != nil {
		badRequest(c, err)
		return
	}
	cursor := queryCursor(c, "last_job_id")

	ctx := c.Request.Context()
	matched := make([]gin.H, 0, pageSize)
	for page := 0; page < maxPagesScanned && len(matched) < pageSize; page++ {
		rows, err := f.Store.Queries.ListJobsPage(ctx, batchID, cursor, pageSize)
		if err != nil {
			fromBatchErr(c, err)
			return
		}
		if len(rows) == 0 {
			cursor = 0
			break
		}
		for _, j := range rows {
			cursor = j.JobID
			attrs, err := f.Store.Queries.ListJobAttributes(ctx, j.BatchID, j.JobID)
			if err != nil {
				fromBatchErr(c, err)
				return
			}
			if !matchesJobTerms(terms, j, attrs) {
				continue
			}
			matched = append(matched, gin.H{
				"batch_id": j.BatchID, "job_id": j.JobID, "state": j.State,
				"cores_mcpu": j.CoresMcpu, "pool": j.Pool, "always_run": j.AlwaysRun,
				"attributes": attrs,
			})
			if len(matched) == pageSize {
				break
			}
		}
		if len(rows) < pageSize {
			cursor = 0
			break
		}
	}

	resp := gin.H{"jobs": matched, "page_size": pageSize}
	if cursor != 0 {
		resp["last_job_id"] = cursor
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(resp))
}

func (f *Frontend) getJob(c *gin.Context) {
	batchID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	jobID, ok := pathInt64(c, "jid")
	if !ok {
		return
	}
	j, err := f.Store.Queries.GetJob(c.Request.Context(), batchID, jobID)
	if err != nil {
		fromBatchErr(c, batcherr.NotFound("job (%d, %d) does not exist", batchID, jobID))
		return
	}
	attrs, err := f.Store.Queries.ListJobAttributes(c.Request.Context(), batchID, jobID)
	if err != nil {
		fromBatchErr(c, err)
		return
	}

	resp := gin.H{"job": j, "attributes": attrs}
	if spec, ok := f.resolveSpec(c.Request.Context(), j, jobID); ok {
		resp["spec"] = spec
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(resp))
}

// resolveSpec returns the job's submitted spec byte-identical: from the jobs
// table when it was small enough to inline, otherwise from the bunch-specs
// object in the Log/Spec Store the job row points at.
func (f *Frontend) resolveSpec(ctx context.Context, j batchpg.Job, jobID int64) (json.RawMessage, bool) {
	if len(j.SpecInline) > 0 {
		return json.RawMessage(j.SpecInline), true
	}
	if !j.SpecLSPath.Valid || f.Objects == nil {
		return nil, false
	}
	reader, err := f.Objects.Get(ctx, logBucket, j.SpecLSPath.String)
	if err != nil {
		return nil, false
	}
	defer reader.Close()
	blob, err := io.ReadAll(reader)
	if err != nil {
		return nil, false
	}
	var byJob map[string]json.RawMessage
	if err := json.Unmarshal(blob, &byJob); err != nil {
		return nil, false
	}
	spec, ok := byJob[strconv.FormatInt(jobID, 10)]
	return spec, ok
}

// lastAttempt returns the most recent attempt recorded for a job, live or
// closed. A terminal job's current_attempt column is cleared by
// MarkJobComplete, so the attempts table is the only durable record of
// which instance ran it last.
func (f *Frontend) lastAttempt(ctx context.Context, batchID, jobID int64) (attemptID, instanceName string, live, ok bool) {
	attempts, err := f.Store.Queries.ListAttempts(ctx, batchID, jobID)
	if err != nil || len(attempts) == 0 {
		return "", "", false, false
	}
	last := attempts[len(attempts)-1]
	return last.AttemptID, last.InstanceName, last.Live(), true
}

// getJobLog serves a live attempt's log by proxying the worker, and a
// terminal attempt's log from the Log/Spec Store at the path the worker
// wrote it to (spec.md §4.1, §6's persisted layout).
func (f *Frontend) getJobLog(c *gin.Context) {
	batchID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	jobID, ok := pathInt64(c, "jid")
	if !ok {
		return
	}
	task := c.DefaultQuery("task", "main")

	attemptID, instanceName, live, ok := f.lastAttempt(c.Request.Context(), batchID, jobID)
	if !ok {
		fromBatchErr(c, batcherr.NotFound("no attempts recorded for job (%d, %d)", batchID, jobID))
		return
	}

	if live {
		if inst := f.Registry.Get(c.Request.Context(), instanceName); inst != nil {
			body, err := f.WC.GetJobLog(c.Request.Context(), inst.Address, batchID, jobID, task)
			if err == nil {
				defer body.Close()
				c.DataFromReader(http.StatusOK, -1, "text/plain", body, nil)
				return
			}
		}
	}

	path := (objstore.Paths{InstanceID: instanceName}).LogPath(batchID, jobID, attemptID, task)
	reader, err := f.Objects.Get(c.Request.Context(), logBucket, path)
	if err != nil {
		fromBatchErr(c, batcherr.NotFound("log not found for job (%d, %d)", batchID, jobID))
		return
	}
	defer reader.Close()
	c.DataFromReader(http.StatusOK, -1, "text/plain", reader, nil)
}

func (f *Frontend) getAttempts(c *gin.Context) {
	batchID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	jobID, ok := pathInt64(c, "jid")
	if !ok {
		return
	}
	attempts, err := f.Store.Queries.ListAttempts(c.Request.Context(), batchID, jobID)
	if err != nil {
		fromBatchErr(c, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"attempts": attempts}))
}

// logBucket is the single Minio bucket every instance's logs and specs are
// written under, partitioned by the instance-id prefix (spec.md §6).
const logBucket = "batchcore"
