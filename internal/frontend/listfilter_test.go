package frontend

import (
	"testing"

	"github.com/remiges-tech/batchcore/internal/batchpg"
)

func TestMatchesBatchTerms_StateAndAttribute(t *testing.T) {
	b := batchpg.Batch{State: batchpg.BatchStateComplete, NFailed: 0, NCancelled: 0}
	attrs := map[string]string{"env": "prod"}

	terms, err := ParseBatchQuery("success env=prod")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if !matchesBatchTerms(terms, b, attrs) {
		t.Fatalf("expected batch to match success + env=prod")
	}

	negated, err := ParseBatchQuery("!env=staging")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if !matchesBatchTerms(negated, b, attrs) {
		t.Fatalf("expected negated non-matching attribute term to pass")
	}
}

func TestMatchesBatchTerms_FailureKeywordRequiresFailedOrCancelled(t *testing.T) {
	b := batchpg.Batch{State: batchpg.BatchStateComplete, NFailed: 1}
	terms, _ := ParseBatchQuery("failure")
	if !matchesBatchTerms(terms, b, nil) {
		t.Fatalf("expected a completed batch with a failed job to match 'failure'")
	}

	allSucceeded := batchpg.Batch{State: batchpg.BatchStateComplete}
	if matchesBatchTerms(terms, allSucceeded, nil) {
		t.Fatalf("expected an all-succeeded batch not to match 'failure'")
	}
}

func TestMatchesJobTerms_LiveAndHasKey(t *testing.T) {
	j := batchpg.Job{State: batchpg.JobStateRunning}
	terms, err := ParseJobQuery("live has:retries")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if matchesJobTerms(terms, j, nil) {
		t.Fatalf("expected job without the 'retries' attribute not to match")
	}
	if !matchesJobTerms(terms, j, map[string]string{"retries": "2"}) {
		t.Fatalf("expected a running job with 'retries' set to match 'live has:retries'")
	}
}

func TestMatchesJobTerms_DoneKeyword(t *testing.T) {
	for _, s := range []batchpg.JobState{batchpg.JobStateError, batchpg.JobStateFailed, batchpg.JobStateSuccess, batchpg.JobStateCancelled} {
		terms, _ := ParseJobQuery("done")
		if !matchesJobTerms(terms, batchpg.Job{State: s}, nil) {
			t.Errorf("expected state %q to match 'done'", s)
		}
	}
	terms, _ := ParseJobQuery("done")
	if matchesJobTerms(terms, batchpg.Job{State: batchpg.JobStateRunning}, nil) {
		t.Fatalf("expected Running not to match 'done'")
	}
}
