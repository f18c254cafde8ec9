package frontend

import (
	"fmt"
	"strings"
)

// Term is one parsed clause of a list-endpoint query string (spec.md §6):
// whitespace-separated, each either an attribute match (key=value), an
// attribute-presence check (has:key), or a state keyword, any of which may
// be negated with a leading '!'.
type Term struct {
	Negate bool
	Kind    TermKind
	Key     string // attribute key, for KindAttribute/KindHasKey
	Value   string // attribute value, for KindAttribute
	State   string // state keyword, for KindState
}

type TermKind int

const (
	KindAttribute TermKind = iota
	KindHasKey
	KindState
)

var jobStateKeywords = map[string]bool{
	"pending": true, "ready": true, "running": true, "live": true,
	"cancelled": true, "error": true, "failed": true, "bad": true,
	"success": true, "done": true,
}

var batchStateKeywords = map[string]bool{
	"open": true, "closed": true, "complete": true, "running": true,
	"cancelled": true, "failure": true, "success": true,
}

// ParseJobQuery parses a get-job list filter; ParseBatchQuery parses a
// list-batches filter. Both reject an unrecognized term with an error the
// caller maps to a 400, per spec.md §6's "unknown term ⇒ 400".
func ParseJobQuery(q string) ([]Term, error) { return parse(q, jobStateKeywords) }
func ParseBatchQuery(q string) ([]Term, error) { return parse(q, batchStateKeywords) }

func parse(q string, stateKeywords map[string]bool) ([]Term, error) {
	var terms []Term
	for _, raw := range strings.Fields(q) {
		term, err := parseTerm(raw, stateKeywords)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	return terms, nil
}

func parseTerm(raw string, stateKeywords map[string]bool) (Term, error) {
	t := Term{}
	body := raw
	if strings.HasPrefix(body, "!") {
		t.Negate = true
		body = body[1:]
	}
	if body == "" {
		return Term{}, fmt.Errorf("empty query term")
	}

	if strings.HasPrefix(body, "has:") {
		key := strings.TrimPrefix(body, "has:")
		if key == "" {
			return Term{}, fmt.Errorf("has: term missing a key")
		}
		t.Kind = KindHasKey
		t.Key = key
		return t, nil
	}

	if idx := strings.IndexByte(body, '='); idx >= 0 {
		t.Kind = KindAttribute
		t.Key = body[:idx]
		t.Value = body[idx+1:]
		if t.Key == "" {
			return Term{}, fmt.Errorf("attribute term missing a key: %q", raw)
		}
		return t, nil
	}

	if stateKeywords[strings.ToLower(body)] {
		t.Kind = KindState
		t.State = strings.ToLower(body)
		return t, nil
	}

	return Term{}, fmt.Errorf("unrecognized query term: %q", raw)
}

// JobMatchesStateKeyword maps a job's state to every keyword term it
// satisfies, including the umbrella terms "live", "bad", and "done"
// (spec.md §6).
func JobMatchesStateKeyword(state, keyword string) bool {
	switch keyword {
	case "live":
		return state == "ready" || state == "running" || state == "pending"
	case "bad":
		return state == "error" || state == "failed"
	case "done":
		return state == "error" || state == "failed" || state == "success" || state == "cancelled"
	default:
		return state == keyword
	}
}

// BatchMatchesStateKeyword maps a batch's top-level state plus its
// closed/cancelled flags and outcome counters to the batch-query keyword
// space, which mixes lifecycle state (open/closed/running/complete) with
// outcome (success/failure).
func BatchMatchesStateKeyword(state string, closed, cancelled bool, nFailed, nCancelled int, keyword string) bool {
	switch keyword {
	case "open", "running", "complete":
		return state == keyword
	case "closed":
		return closed
	case "cancelled":
		return cancelled
	case "failure":
		return state == "complete" && (nFailed > 0 || nCancelled > 0)
	case "success":
		return state == "complete" && nFailed == 0 && nCancelled == 0
	default:
		return false
	}
}
