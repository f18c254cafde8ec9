// Package frontend is the FE component of spec.md §4.1: a stateless gin
// gateway that validates submissions, writes jobs, closes/cancels/deletes
// batches, and serves status/log reads. The worker-callback surface is
// driver-internal (spec.md §6) and lives in internal/driver instead.
// Grounded on the teacher's internal/webservices/vouchers handler shape
// (gin route group, wscutils request/response envelope, validator/v10
// struct tags).
package frontend

import (
	"encoding/json"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/internal/ipr"
	"github.com/remiges-tech/batchcore/internal/objstore"
	"github.com/remiges-tech/batchcore/internal/workerclient"
)

const pageSize = 50

// Frontend holds every dependency the REST handlers need. One instance is
// shared by every gin request goroutine; all fields are safe for
// concurrent use.
type Frontend struct {
	Store    *batchcore.Store
	Pools    map[string]*batchcore.Pool
	Objects  objstore.ObjectStore
	Registry *ipr.Registry
	WC       *workerclient.Client
	Logger   *logharbour.Logger

	// LSInstanceID is this deployment's prefix in the Log/Spec Store's
	// persisted layout ({bucket}/{instance_id}/batch/..., spec.md §6). It is
	// fixed at startup so every bunch-specs object a Front-End replica writes
	// lands under the same prefix the workers write logs to.
	LSInstanceID string

	// CancelQueue/DeleteQueue receive the ids of batches the FE has marked
	// cancelled or deleted in the Persistent Store. cmd/frontend drains them
	// locally without forwarding; the Driver's fan-out loops find those
	// batches by periodically sweeping the Persistent Store.
	CancelQueue chan<- int64
	DeleteQueue chan<- int64
}

func New(store *batchcore.Store, pools map[string]*batchcore.Pool, objects objstore.ObjectStore,
	reg *ipr.Registry, wc *workerclient.Client, lh *logharbour.Logger, lsInstanceID string, cancelQ, deleteQ chan<- int64) *Frontend {
	return &Frontend{
		Store: store, Pools: pools, Objects: objects, Registry: reg, WC: wc, Logger: lh,
		LSInstanceID: lsInstanceID, CancelQueue: cancelQ, DeleteQueue: deleteQ,
	}
}

// CreateBatchRequest is create-batch's JSON payload.
type CreateBatchRequest struct {
	Owner          string            `json:"owner" validate:"required"`
	BillingProject string            `json:"billing_project" validate:"required"`
	Token          string            `json:"token" validate:"required"`
	NJobs          int               `json:"n_jobs" validate:"required,gt=0"`
	CallbackURL    *string           `json:"callback_url,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// JobSpecRequest is one job within a create-jobs bunch.
type JobSpecRequest struct {
	JobID        int64             `json:"job_id" validate:"required,gt=0"`
	Pool         string            `json:"pool" validate:"required"`
	CoresMcpu    int               `json:"cores_mcpu" validate:"required,gt=0"`
	MemoryBytes  int64             `json:"memory_bytes"`
	StorageBytes int64             `json:"storage_bytes"`
	AlwaysRun    bool              `json:"always_run"`
	ParentIDs    []int64           `json:"parent_ids,omitempty"`
	Spec         json.RawMessage   `json:"spec" validate:"required"`
	Attributes   map[string]string `json:"attributes,omitempty"`

	// Secrets and Network are validated against the batch owner's
	// privilege (spec.md §4.1: "non-privileged users cannot mount
	// arbitrary secrets or request non-public networks"), grounded on
	// original_source/batch/batch/front_end/front_end.py's user != 'ci'
	// checks. privilegedOwner is the one owner identity exempted, the
	// same role the source reserves for its internal CI user.
	Secrets []string `json:"secrets,omitempty"`
	Network string   `json:"network,omitempty"`
}

// privilegedOwner is the only batch owner permitted to mount secrets or
// request a non-public network, mirroring the source's hardcoded 'ci'
// exemption (original_source/batch/batch/front_end/front_end.py).
const privilegedOwner = "ci"

// CreateJobsRequest is create-jobs' JSON payload. Token names the bunch in
// the Log/Spec Store's bunch/{token}/specs layout; a client that retries a
// bunch with the same token overwrites its specs object rather than
// duplicating it. When absent the Front-End mints one.
type CreateJobsRequest struct {
	Token string           `json:"token,omitempty"`
	Jobs  []JobSpecRequest `json:"jobs" validate:"required,dive"`
}
