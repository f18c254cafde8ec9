package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/internal/batchpg"
)

var errNotFound = errors.New("not found")

// fakeQuerier stubs the few read paths the handler tests reach. The embedded
// nil Querier panics on anything else, which doubles as the assertion that a
// rejected request never touches an insert.
type fakeQuerier struct {
	batchpg.Querier
	billingProjects map[string]batchpg.BillingProject
	batchesByToken  map[string]batchpg.Batch
	batchesByID     map[int64]batchpg.Batch
}

func (f *fakeQuerier) GetBillingProject(_ context.Context, name string) (batchpg.BillingProject, error) {
	bp, ok := f.billingProjects[name]
	if !ok {
		return batchpg.BillingProject{}, errNotFound
	}
	return bp, nil
}

func (f *fakeQuerier) GetBatchByOwnerToken(_ context.Context, owner, token string) (batchpg.Batch, error) {
	b, ok := f.batchesByToken[owner+"/"+token]
	if !ok {
		return batchpg.Batch{}, errNotFound
	}
	return b, nil
}

func (f *fakeQuerier) GetBatch(_ context.Context, id int64) (batchpg.Batch, error) {
	b, ok := f.batchesByID[id]
	if !ok {
		return batchpg.Batch{}, errNotFound
	}
	return b, nil
}

func (f *fakeQuerier) SetBatchCancelled(_ context.Context, id int64) error {
	b := f.batchesByID[id]
	b.Cancelled = true
	f.batchesByID[id] = b
	return nil
}

func newTestFrontend(fq *fakeQuerier) (*Frontend, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	store := &batchcore.Store{Queries: fq}
	pools := map[string]*batchcore.Pool{
		"p": {Name: "p", WorkerType: "standard", WorkerCores: 16},
	}
	cancelQ := make(chan int64, 8)
	deleteQ := make(chan int64, 8)
	fe := New(store, pools, nil, nil, nil, nil, "test-deploy", cancelQ, deleteQ)
	r := gin.New()
	fe.RegisterRoutes(r)
	return fe, r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	// Request bodies travel in the wscutils {"data": ...} envelope that
	// wscutils.BindJSON unwraps.
	buf, err := json.Marshal(gin.H{"data": body})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// TestCreateBatch_RepeatedTokenReturnsPriorID is spec.md §8 scenario 3 at the
// HTTP surface: a retried create with a known (owner, token) answers with the
// existing batch id and never reaches the insert path.
func TestCreateBatch_RepeatedTokenReturnsPriorID(t *testing.T) {
	fq := &fakeQuerier{
		billingProjects: map[string]batchpg.BillingProject{
			"bp": {Name: "bp", Status: batchpg.BillingProjectStatusOpen},
		},
		batchesByToken: map[string]batchpg.Batch{
			"owner/t7": {ID: 42, Owner: "owner", Token: "t7"},
		},
	}
	_, r := newTestFrontend(fq)

	w := postJSON(t, r, "/api/v1alpha/batches/create", gin.H{
		"owner": "owner", "billing_project": "bp", "token": "t7", "n_jobs": 3,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			BatchID int64 `json:"batch_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.EqualValues(t, 42, resp.Data.BatchID)
}

func TestCreateBatch_UnknownBillingProjectIs404(t *testing.T) {
	fq := &fakeQuerier{billingProjects: map[string]batchpg.BillingProject{}}
	_, r := newTestFrontend(fq)

	w := postJSON(t, r, "/api/v1alpha/batches/create", gin.H{
		"owner": "owner", "billing_project": "nope", "token": "t1", "n_jobs": 1,
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateBatch_ClosedBillingProjectIsForbidden(t *testing.T) {
	fq := &fakeQuerier{
		billingProjects: map[string]batchpg.BillingProject{
			"bp": {Name: "bp", Status: batchpg.BillingProjectStatusClosed},
		},
	}
	_, r := newTestFrontend(fq)

	w := postJSON(t, r, "/api/v1alpha/batches/create", gin.H{
		"owner": "owner", "billing_project": "bp", "token": "t1", "n_jobs": 1,
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

// TestCreateJobs_OverRequestIsRejected is spec.md §8 scenario 5: a 200-core
// request against a 16-core pool must 400 without inserting anything -- the
// fakeQuerier would panic if the handler reached an insert.
func TestCreateJobs_OverRequestIsRejected(t *testing.T) {
	fq := &fakeQuerier{
		batchesByID: map[int64]batchpg.Batch{
			7: {ID: 7, Owner: "owner", State: batchpg.BatchStateOpen},
		},
	}
	_, r := newTestFrontend(fq)

	w := postJSON(t, r, "/api/v1alpha/batches/7/jobs/create", gin.H{
		"jobs": []gin.H{
			{"job_id": 1, "pool": "p", "cores_mcpu": 200000, "spec": gin.H{"image": "ubuntu"}},
		},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "unsatisfiable")
}

func TestCreateJobs_UnknownPoolIsRejected(t *testing.T) {
	fq := &fakeQuerier{
		batchesByID: map[int64]batchpg.Batch{
			7: {ID: 7, Owner: "owner", State: batchpg.BatchStateOpen},
		},
	}
	_, r := newTestFrontend(fq)

	w := postJSON(t, r, "/api/v1alpha/batches/7/jobs/create", gin.H{
		"jobs": []gin.H{
			{"job_id": 1, "pool": "nope", "cores_mcpu": 1000, "spec": gin.H{"image": "ubuntu"}},
		},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "unknown pool")
}

// TestCreateJobs_SecretsForbiddenForUnprivilegedOwner covers spec.md §4.1's
// "non-privileged users cannot mount arbitrary secrets".
func TestCreateJobs_SecretsForbiddenForUnprivilegedOwner(t *testing.T) {
	fq := &fakeQuerier{
		batchesByID: map[int64]batchpg.Batch{
			7: {ID: 7, Owner: "alice", State: batchpg.BatchStateOpen},
		},
	}
	_, r := newTestFrontend(fq)

	w := postJSON(t, r, "/api/v1alpha/batches/7/jobs/create", gin.H{
		"jobs": []gin.H{
			{"job_id": 1, "pool": "p", "cores_mcpu": 1000, "spec": gin.H{"image": "ubuntu"}, "secrets": []string{"gcr-pull"}},
		},
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateJobs_PrivateNetworkForbiddenForUnprivilegedOwner(t *testing.T) {
	fq := &fakeQuerier{
		batchesByID: map[int64]batchpg.Batch{
			7: {ID: 7, Owner: "alice", State: batchpg.BatchStateOpen},
		},
	}
	_, r := newTestFrontend(fq)

	w := postJSON(t, r, "/api/v1alpha/batches/7/jobs/create", gin.H{
		"jobs": []gin.H{
			{"job_id": 1, "pool": "p", "cores_mcpu": 1000, "spec": gin.H{"image": "ubuntu"}, "network": "private"},
		},
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

// TestCancelBatch_RecordsIntentAndNudgesFanout pins the cancel split: the
// handler flips the cancelled flag and nudges the fan-out queue, but never
// runs the cancel_batch procedure itself -- the fan-out loop must be the one
// to consume the procedure's CancelTarget list. The fakeQuerier (and the
// Store's nil connection pool) would panic if the handler reached the
// transactional path.
func TestCancelBatch_RecordsIntentAndNudgesFanout(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fq := &fakeQuerier{
		batchesByID: map[int64]batchpg.Batch{
			7: {ID: 7, Owner: "owner", State: batchpg.BatchStateRunning},
		},
	}
	store := &batchcore.Store{Queries: fq}
	pools := map[string]*batchcore.Pool{"p": {Name: "p", WorkerType: "standard", WorkerCores: 16}}
	cancelQ := make(chan int64, 1)
	deleteQ := make(chan int64, 1)
	fe := New(store, pools, nil, nil, nil, nil, "test-deploy", cancelQ, deleteQ)
	r := gin.New()
	fe.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1alpha/batches/7/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.True(t, fq.batchesByID[7].Cancelled, "the handler must record the cancel intent")
	select {
	case id := <-cancelQ:
		require.EqualValues(t, 7, id)
	default:
		t.Fatal("expected the fan-out queue to be nudged")
	}
}

func TestCancelBatch_UnknownBatchIs404(t *testing.T) {
	fq := &fakeQuerier{batchesByID: map[int64]batchpg.Batch{}}
	_, r := newTestFrontend(fq)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1alpha/batches/99/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListBatches_BadQueryTermIs400(t *testing.T) {
	fq := &fakeQuerier{}
	_, r := newTestFrontend(fq)

	req := httptest.NewRequest(http.MethodGet, "/api/v1alpha/batches?q=bogusterm", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
