// Package workerclient is the Driver's outbound half of the control plane
// described in spec.md §5: create-job/delete-job/get-job-log/get-job-status
// RPCs against a worker instance, idempotent, deadline-bounded, and retried
// on transport failure through internal/retry. The teacher's own HTTP
// client library (go-resty, cmd/client/main.go) lives in a nested
// go-framework submodule the teacher's root module never depends on, so
// this client is built on net/http directly, the same way the root
// module's own wscutils and router packages talk HTTP -- see DESIGN.md.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/internal/retry"
)

const requestTimeout = 60 * time.Second

// Client talks to the worker RPC surface one instance runs per machine.
// One Client is shared by the whole Driver process; callers supply the
// instance address per call.
type Client struct {
	HTTP   *http.Client
	Logger *logharbour.Logger
	Policy retry.Policy
}

func New(lh *logharbour.Logger) *Client {
	return &Client{
		HTTP:   &http.Client{Timeout: requestTimeout},
		Logger: lh,
		Policy: retry.DefaultPolicy,
	}
}

// CreateJobRequest is the payload the Driver posts to dispatch an attempt.
type CreateJobRequest struct {
	BatchID    int64             `json:"batch_id"`
	JobID      int64             `json:"job_id"`
	AttemptID  string            `json:"attempt_id"`
	CoresMcpu  int               `json:"cores_mcpu"`
	SpecInline json.RawMessage   `json:"spec_inline,omitempty"`
	SpecLSPath string            `json:"spec_ls_path,omitempty"`
	CallbackURL string           `json:"callback_url"`
}

// CreateJob posts a new attempt to the instance at addr. create-job is
// idempotent on (batch_id, job_id, attempt_id): a retried call that lands
// after the worker already accepted the attempt is answered 200 again
// rather than erroring, per spec.md §5.
func (c *Client) CreateJob(ctx context.Context, addr string, req CreateJobRequest) error {
	return c.doIdempotent(ctx, http.MethodPost, addr, "/api/v1alpha/batches/jobs/create", req)
}

// DeleteJob tells the instance to kill and clean up a job's container,
// whether or not an attempt is currently running there. A 404 (the worker
// never heard of this attempt, or already reaped it) counts as success,
// per spec.md §5's idempotent-delete rule.
func (c *Client) DeleteJob(ctx context.Context, addr string, batchID, jobID int64, attemptID string) error {
	path := fmt.Sprintf("/api/v1alpha/batches/%d/jobs/%d/delete", batchID, jobID)
	return c.doIdempotent(ctx, http.MethodDelete, addr, path, map[string]string{"attempt_id": attemptID})
}

// JobStatus is the worker's last-known view of a running attempt.
type JobStatus struct {
	State   string `json:"state"`
	ExitCode int   `json:"exit_code"`
	Message string `json:"message"`
}

// GetJobStatus polls the instance for a job's current status (state, exit
// code, message). The reconcile loop does not call it; it judges instances
// by their heartbeat alone.
func (c *Client) GetJobStatus(ctx context.Context, addr string, batchID, jobID int64) (JobStatus, error) {
	path := fmt.Sprintf("/api/v1alpha/batches/%d/jobs/%d/status", batchID, jobID)
	var status JobStatus
	err := c.doJSON(ctx, http.MethodGet, addr, path, nil, &status)
	return status, err
}

// GetJobLog streams the log for a completed or running task back to the
// caller (typically the Front-End proxying a user's get-job-log request).
func (c *Client) GetJobLog(ctx context.Context, addr string, batchID, jobID int64, task string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/api/v1alpha/batches/%d/jobs/%d/log/%s", batchID, jobID, task)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build log request: %w", err)
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &retryableErr{err}
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, nil
}

// doIdempotent retries doJSON under the shared Policy, treating a 404 as
// success -- the common case for delete-job racing an already-finished
// attempt, and for a retried create-job the worker already discarded the
// record for after a subsequent delete.
func (c *Client) doIdempotent(ctx context.Context, method, addr, path string, body any) error {
	return retry.Do(ctx, c.Policy, func() error {
		err := c.doJSON(ctx, method, addr, path, body, nil)
		var statusErr *retry.HTTPStatusError
		if err != nil && asHTTPStatusError(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	})
}

func (c *Client) doJSON(ctx context.Context, method, addr, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, addr+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return &retryableErr{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// retryableErr wraps a transport-level error (DNS, connection refused,
// timeout) so retry.IsTransient's net.Error check can unwrap to it.
type retryableErr struct{ err error }

func (e *retryableErr) Error() string { return e.err.Error() }
func (e *retryableErr) Unwrap() error { return e.err }
func (e *retryableErr) Timeout() bool   { return true }
func (e *retryableErr) Temporary() bool { return true }

func asHTTPStatusError(err error, target **retry.HTTPStatusError) bool {
	for err != nil {
		if se, ok := err.(*retry.HTTPStatusError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
