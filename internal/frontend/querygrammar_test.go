package frontend

import "testing"

func TestParseJobQuery_AttributeTerm(t *testing.T) {
	terms, err := ParseJobQuery("env=prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(terms) != 1 || terms[0].Kind != KindAttribute || terms[0].Key != "env" || terms[0].Value != "prod" {
		t.Fatalf("unexpected parse result: %+v", terms)
	}
}

func TestParseJobQuery_HasKeyAndNegation(t *testing.T) {
	terms, err := ParseJobQuery("has:owner !has:secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(terms) != 2 {
		t.Fatalf("expected 2 terms, got %d", len(terms))
	}
	if terms[0].Kind != KindHasKey || terms[0].Key != "owner" || terms[0].Negate {
		t.Errorf("unexpected first term: %+v", terms[0])
	}
	if terms[1].Kind != KindHasKey || terms[1].Key != "secret" || !terms[1].Negate {
		t.Errorf("unexpected second term: %+v", terms[1])
	}
}

func TestParseJobQuery_StateKeyword(t *testing.T) {
	terms, err := ParseJobQuery("running")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(terms) != 1 || terms[0].Kind != KindState || terms[0].State != "running" {
		t.Fatalf("unexpected parse result: %+v", terms)
	}
}

func TestParseJobQuery_UnknownTermIsRejected(t *testing.T) {
	if _, err := ParseJobQuery("bogus"); err == nil {
		t.Fatalf("expected an unknown bare term to be rejected")
	}
}

func TestParseBatchQuery_UsesBatchStateKeywords(t *testing.T) {
	// "running" is a valid job AND batch keyword; "live" is job-only.
	if _, err := ParseBatchQuery("live"); err == nil {
		t.Fatalf("expected job-only keyword 'live' to be rejected by the batch grammar")
	}
	terms, err := ParseBatchQuery("closed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(terms) != 1 || terms[0].State != "closed" {
		t.Fatalf("unexpected parse result: %+v", terms)
	}
}

func TestParseTerm_EmptyAndMalformedRejected(t *testing.T) {
	// An empty query string is the unfiltered listing, not a malformed term:
	// it parses to zero terms. Empty terms ("!", "has:") are rejected.
	if terms, err := ParseJobQuery(""); err != nil || len(terms) != 0 {
		t.Errorf("expected empty query to parse to no terms, got %+v, %v", terms, err)
	}
	cases := []string{"!", "=value", "has:"}
	for _, c := range cases {
		if _, err := ParseJobQuery(c); err == nil {
			t.Errorf("expected term %q to be rejected", c)
		}
	}
}

func TestJobMatchesStateKeyword_Umbrellas(t *testing.T) {
	cases := []struct {
		state, keyword string
		want           bool
	}{
		{"ready", "live", true},
		{"running", "live", true},
		{"pending", "live", true},
		{"success", "live", false},
		{"error", "bad", true},
		{"failed", "bad", true},
		{"success", "bad", false},
		{"cancelled", "done", true},
		{"success", "done", true},
		{"ready", "done", false},
		{"running", "running", true},
	}
	for _, c := range cases {
		if got := JobMatchesStateKeyword(c.state, c.keyword); got != c.want {
			t.Errorf("JobMatchesStateKeyword(%q, %q) = %v, want %v", c.state, c.keyword, got, c.want)
		}
	}
}

func TestBatchMatchesStateKeyword_SuccessAndFailure(t *testing.T) {
	if !BatchMatchesStateKeyword("complete", true, false, 0, 0, "success") {
		t.Error("expected a complete batch with no failures/cancellations to match 'success'")
	}
	if BatchMatchesStateKeyword("complete", true, false, 1, 0, "success") {
		t.Error("expected a complete batch with a failure to not match 'success'")
	}
	if !BatchMatchesStateKeyword("complete", true, false, 0, 1, "failure") {
		t.Error("expected a complete batch with a cancellation to match 'failure'")
	}
	if !BatchMatchesStateKeyword("running", true, true, 0, 0, "cancelled") {
		t.Error("expected the cancelled flag to match 'cancelled' regardless of top-level state")
	}
	if BatchMatchesStateKeyword("open", false, false, 0, 0, "success") {
		t.Error("expected an open batch to never match 'success'")
	}
}
