// Package batchcore implements the job/attempt/instance state machine and
// the transactional procedures that keep it consistent under concurrent
// scheduling and crash-restart: the hard part described in spec.md §1.
// Its shape follows the teacher's jobs package (batch.go, jobmanager.go,
// batchsummary.go) generalized from a single-row batch-processing job to a
// DAG of containerized jobs with per-instance dispatch.
package batchcore

import "time"

// BillingProjectStatus enumerates a billing project's lifecycle.
type BillingProjectStatus string

const (
	BillingProjectOpen    BillingProjectStatus = "open"
	BillingProjectClosed  BillingProjectStatus = "closed"
	BillingProjectDeleted BillingProjectStatus = "deleted"
)

// BillingProject gates batch creation on account status and spend limit.
type BillingProject struct {
	Name          string
	Status        BillingProjectStatus
	SpendLimit    *float64
	AccruedCost   float64
	Members       []string
}

// AdmitsNewBatches reports whether this project may accept create-batch.
func (p *BillingProject) AdmitsNewBatches() bool {
	return p.Status == BillingProjectOpen
}

// OverSpendLimit reports whether accrued cost has reached the spend limit.
func (p *BillingProject) OverSpendLimit() bool {
	return p.SpendLimit != nil && p.AccruedCost >= *p.SpendLimit
}

// BatchState is the top-level batch lifecycle (spec.md §3, §4.6).
type BatchState string

const (
	BatchOpen     BatchState = "open"
	BatchRunning  BatchState = "running"
	BatchComplete BatchState = "complete"
)

// Batch is the user-submitted collection of jobs forming a DAG.
type Batch struct {
	ID             int64
	Owner          string
	BillingProject string
	Token          string
	NJobs          int // declared
	NCompleted     int
	NSucceeded     int
	NFailed        int
	NCancelled     int
	State          BatchState
	Closed         bool
	Deleted        bool
	Cancelled      bool
	CallbackURL    *string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	FormatVersion  int
}

// CountersConsistent checks the invariant from spec.md §8:
// n_completed = n_succeeded + n_failed + n_cancelled.
func (b *Batch) CountersConsistent() bool {
	return b.NCompleted == b.NSucceeded+b.NFailed+b.NCancelled
}

// IsComplete reports whether every declared job has reached a terminal state.
func (b *Batch) IsComplete() bool {
	return b.NCompleted == b.NJobs
}

// JobState is the per-job state machine (spec.md §3, §4.6).
type JobState string

const (
	JobPending   JobState = "Pending"
	JobReady     JobState = "Ready"
	JobRunning   JobState = "Running"
	JobCancelled JobState = "Cancelled"
	JobError     JobState = "Error"
	JobFailed    JobState = "Failed"
	JobSuccess   JobState = "Success"
)

// Terminal reports whether a job state is one of {Success, Failed, Error, Cancelled}.
func (s JobState) Terminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobError, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is a single containerized unit of work with a resource reservation.
type Job struct {
	BatchID         int64
	JobID           int64
	State           JobState
	CoresMcpu       int
	Pool            string
	AlwaysRun       bool
	NPendingParents int
	CurrentAttempt  *string // attempt_id, nullable
	SpecInline      []byte  // inline spec for small payloads
	SpecLSPath      *string // LS path when the spec is too large to inline
	Attributes      map[string]string
}

// ParentIDs are stored in a separate join table (job_parents); see
// internal/batchpg for the schema.
type JobParent struct {
	BatchID      int64
	JobID        int64
	ParentJobID  int64
}

// AttemptReason is the terminal classification of a closed attempt.
type AttemptReason string

const (
	ReasonSuccess   AttemptReason = "success"
	ReasonError     AttemptReason = "error"
	ReasonFailed    AttemptReason = "failed"
	ReasonCancelled AttemptReason = "cancelled"
	ReasonPreempted AttemptReason = "preempted"
)

// Attempt is one execution of a job on a specific instance. Attempts are
// append-only; the instance link is an identifier, never a pointer, so that
// an Attempt row survives instance deletion (spec.md Design Notes §9).
type Attempt struct {
	BatchID      int64
	JobID        int64
	AttemptID    string // random 6-char token
	InstanceName string
	StartTime    time.Time
	EndTime      *time.Time
	Reason       *AttemptReason
}

// Live reports whether this attempt has not yet closed.
func (a *Attempt) Live() bool { return a.EndTime == nil }

// InstanceState is the worker-VM lifecycle (spec.md §4.6).
type InstanceState string

const (
	InstancePending  InstanceState = "pending"
	InstanceActive   InstanceState = "active"
	InstanceInactive InstanceState = "inactive"
	InstanceDeleted  InstanceState = "deleted"
)

// Instance is a worker VM, a member of exactly one pool.
type Instance struct {
	Name              string
	Pool              string
	Address           string
	State             InstanceState
	TotalCores        int
	FreeCoresMcpu     int // in-memory gauge, owned by IPR
	FailedRequestCount int
	LastHeartbeat     time.Time
}

// Dispatchable reports whether this instance may receive new work.
func (i *Instance) Dispatchable() bool {
	return i.State == InstanceActive
}

// StandingWorkerPolicy configures whether a pool keeps warm idle workers.
type StandingWorkerPolicy struct {
	Enabled bool
	Cores   int
}

// Pool is a homogeneous group of worker VMs sharing a machine shape.
// Loaded at startup and refreshed via config.Config.Watch, per Design Notes §9.
type Pool struct {
	Name               string
	WorkerType         string
	WorkerCores        int
	LocalSSD           bool
	PDSSDGB            int
	BootDiskGB         int
	MaxInstances       int
	MaxLiveInstances   int
	StandingWorker     StandingWorkerPolicy
	// MaxAttempts bounds per-job retries before a job is moved to Error; its
	// last attempt is closed with reason preempted, as no too_many_attempts
	// reason exists (spec.md §9 open question, resolved in DESIGN.md).
	MaxAttempts int
}

// StagingCounters are the per-(batch, pool) aggregates the scheduler reads
// to size its ready queue without scanning the jobs table (spec.md §3).
type StagingCounters struct {
	BatchID                  int64
	Pool                     string
	NJobs                    int
	NReadyJobs                int
	ReadyCoresMcpu            int
	NReadyCancellableJobs     int
	ReadyCancellableCoresMcpu int
}
