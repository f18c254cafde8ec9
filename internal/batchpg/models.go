// Package batchpg is the persistent-store layer: hand-authored in the same
// generated-file conventions as the teacher's jobs/pg/batchsqlc (enum types
// with Scan/Value, plain structs with pgtype.* fields for nullable columns),
// since the teacher's actual query bodies were never retrieved -- only the
// models.go shape and the call-site method names. Queries are authored fresh
// against the schema in migrations/001_init.sql.
package batchpg

import (
	"database/sql/driver"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

type BillingProjectStatus string

const (
	BillingProjectStatusOpen    BillingProjectStatus = "open"
	BillingProjectStatusClosed  BillingProjectStatus = "closed"
	BillingProjectStatusDeleted BillingProjectStatus = "deleted"
)

func (e *BillingProjectStatus) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = BillingProjectStatus(s)
	case string:
		*e = BillingProjectStatus(s)
	default:
		return fmt.Errorf("unsupported scan type for BillingProjectStatus: %T", src)
	}
	return nil
}

func (e BillingProjectStatus) Value() (driver.Value, error) {
	return string(e), nil
}

type BatchState string

const (
	BatchStateOpen     BatchState = "open"
	BatchStateRunning  BatchState = "running"
	BatchStateComplete BatchState = "complete"
)

func (e *BatchState) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = BatchState(s)
	case string:
		*e = BatchState(s)
	default:
		return fmt.Errorf("unsupported scan type for BatchState: %T", src)
	}
	return nil
}

func (e BatchState) Value() (driver.Value, error) {
	return string(e), nil
}

type JobState string

const (
	JobStatePending   JobState = "Pending"
	JobStateReady     JobState = "Ready"
	JobStateRunning   JobState = "Running"
	JobStateCancelled JobState = "Cancelled"
	JobStateError     JobState = "Error"
	JobStateFailed    JobState = "Failed"
	JobStateSuccess   JobState = "Success"
)

func (e *JobState) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = JobState(s)
	case string:
		*e = JobState(s)
	default:
		return fmt.Errorf("unsupported scan type for JobState: %T", src)
	}
	return nil
}

func (e JobState) Value() (driver.Value, error) {
	return string(e), nil
}

func (e JobState) Terminal() bool {
	switch e {
	case JobStateSuccess, JobStateFailed, JobStateError, JobStateCancelled:
		return true
	default:
		return false
	}
}

type InstanceState string

const (
	InstanceStatePending  InstanceState = "pending"
	InstanceStateActive   InstanceState = "active"
	InstanceStateInactive InstanceState = "inactive"
	InstanceStateDeleted  InstanceState = "deleted"
)

func (e *InstanceState) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = InstanceState(s)
	case string:
		*e = InstanceState(s)
	default:
		return fmt.Errorf("unsupported scan type for InstanceState: %T", src)
	}
	return nil
}

func (e InstanceState) Value() (driver.Value, error) {
	return string(e), nil
}

type AttemptReason string

const (
	AttemptReasonSuccess   AttemptReason = "success"
	AttemptReasonError     AttemptReason = "error"
	AttemptReasonFailed    AttemptReason = "failed"
	AttemptReasonCancelled AttemptReason = "cancelled"
	AttemptReasonPreempted AttemptReason = "preempted"
)

func (e *AttemptReason) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = AttemptReason(s)
	case string:
		*e = AttemptReason(s)
	default:
		return fmt.Errorf("unsupported scan type for AttemptReason: %T", src)
	}
	return nil
}

func (e AttemptReason) Value() (driver.Value, error) {
	return string(e), nil
}

type NullAttemptReason struct {
	AttemptReason AttemptReason
	Valid         bool
}

func (ns *NullAttemptReason) Scan(value interface{}) error {
	if value == nil {
		ns.AttemptReason, ns.Valid = "", false
		return nil
	}
	ns.Valid = true
	return ns.AttemptReason.Scan(value)
}

func (ns NullAttemptReason) Value() (driver.Value, error) {
	if !ns.Valid {
		return nil, nil
	}
	return string(ns.AttemptReason), nil
}

type BillingProject struct {
	Name        string
	Status      BillingProjectStatus
	SpendLimit  pgtype.Float8
	AccruedCost float64
}

type Pool struct {
	Name                string
	WorkerType          string
	WorkerCores         int32
	WorkerLocalSSD      bool
	PDSSDGB             int32
	BootDiskGB          int32
	MaxInstances        int32
	MaxLiveInstances    int32
	EnableStandingWorker bool
	StandingWorkerCores int32
	MaxAttempts         int32
}

type Batch struct {
	ID             int64
	Owner          string
	BillingProject string
	Token          string
	NJobs          int32
	NCompleted     int32
	NSucceeded     int32
	NFailed        int32
	NCancelled     int32
	State          BatchState
	Closed         bool
	Deleted        bool
	Cancelled      bool
	CallbackURL    pgtype.Text
	CreatedAt      pgtype.Timestamptz
	CompletedAt    pgtype.Timestamptz
	FormatVersion  int32
}

type Instance struct {
	Name               string
	Pool               string
	Address            string
	State              InstanceState
	TotalCores         int32
	FailedRequestCount int32
	LastHeartbeat      pgtype.Timestamptz
}

type Job struct {
	BatchID         int64
	JobID           int64
	State           JobState
	CoresMcpu       int32
	Pool            string
	AlwaysRun       bool
	NPendingParents int32
	CurrentAttempt  pgtype.Text
	SpecInline      []byte
	SpecLSPath      pgtype.Text
}

type JobAttribute struct {
	BatchID int64
	JobID   int64
	Key     string
	Value   string
}

type BatchAttribute struct {
	BatchID int64
	Key     string
	Value   string
}

type JobParent struct {
	BatchID     int64
	JobID       int64
	ParentJobID int64
}

type Attempt struct {
	BatchID      int64
	JobID        int64
	AttemptID    string
	InstanceName string
	StartTime    pgtype.Timestamptz
	EndTime      pgtype.Timestamptz
	Reason       NullAttemptReason
}

func (a Attempt) Live() bool { return !a.EndTime.Valid }

type StagingCounters struct {
	BatchID                   int64
	Pool                      string
	NJobs                     int32
	NReadyJobs                int32
	ReadyCoresMcpu            int64
	NReadyCancellableJobs     int32
	ReadyCancellableCoresMcpu int64
}
