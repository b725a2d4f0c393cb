// Package report converts raw test-runner output into the normalized
// report shape persisted by the store and rendered for users.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Outcome is the normalized result of one test case.
type Outcome string

const (
	// OutcomePassed marks a passing test case.
	OutcomePassed Outcome = "passed"
	// OutcomeFailed marks a failing test case. Unknown raw outcomes map
	// here (fail-closed).
	OutcomeFailed Outcome = "failed"
)

// TestResult is the normalized result of one named test case.
type TestResult struct {
	Name     string
	Outcome  Outcome
	Duration time.Duration // zero when the runner omits it
	Input    string        // captured input values, when provided
	Message  string        // failure message, when provided
}

// Report is the normalized outcome of one sandbox run.
type Report struct {
	Total    int
	Passed   int
	Failed   int
	Duration time.Duration
	Results  []TestResult
}

// rawReport mirrors the pytest JSON report structure. Only the fields the
// bot consumes are declared; everything else is ignored.
type rawReport struct {
	Duration float64 `json:"duration"`
	Summary  struct {
		Total *int `json:"total"`
	} `json:"summary"`
	Tests []rawTest `json:"tests"`
}

type rawTest struct {
	NodeID   string          `json:"nodeid"`
	Outcome  string          `json:"outcome"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Call     *struct {
		Duration float64 `json:"duration"`
		Crash    *struct {
			Message string `json:"message"`
		} `json:"crash,omitempty"`
	} `json:"call,omitempty"`
}

// nameDelimiter separates the module path from the test name in a pytest
// node ID ("test_mod.py::test_method").
const nameDelimiter = "::"

// Parse converts a raw pytest JSON report into a normalized Report.
// It returns an error on empty input or when the top-level structure is
// missing; callers treat that the same as a sandbox failure.
func Parse(raw []byte) (*Report, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("empty report")
	}

	var parsed rawReport
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}

	if parsed.Summary.Total == nil && parsed.Tests == nil {
		return nil, fmt.Errorf("report missing summary and tests")
	}

	rep := &Report{
		Duration: time.Duration(parsed.Duration * float64(time.Second)),
		Results:  make([]TestResult, 0, len(parsed.Tests)),
	}

	for _, t := range parsed.Tests {
		result := TestResult{
			Name:    DisplayName(t.NodeID),
			Outcome: normalizeOutcome(t.Outcome),
		}

		// Duration and failure detail are optional; the parse must not
		// fail when the runner omits them.
		if t.Call != nil {
			result.Duration = time.Duration(t.Call.Duration * float64(time.Second))

			if t.Call.Crash != nil {
				result.Message = t.Call.Crash.Message
			}
		}

		if len(t.Metadata) > 0 {
			var meta struct {
				Input string `json:"input"`
			}

			if err := json.Unmarshal(t.Metadata, &meta); err == nil {
				result.Input = meta.Input
			}
		}

		if result.Outcome == OutcomePassed {
			rep.Passed++
		} else {
			rep.Failed++
		}

		rep.Results = append(rep.Results, result)
	}

	rep.Total = rep.Passed + rep.Failed

	return rep, nil
}

// DisplayName reduces a raw test identifier to a short display name:
// everything through the "::" delimiter is stripped, and a trailing
// "[...]" parametrization suffix is removed. A bracket at position zero
// is clamped so at least one character remains.
func DisplayName(nodeID string) string {
	name := nodeID

	if idx := strings.LastIndex(nodeID, nameDelimiter); idx != -1 {
		name = nodeID[idx+len(nameDelimiter):]
	}

	if b := strings.Index(name, "["); b != -1 {
		if b <= 0 {
			b = 1
		}

		name = name[:b]
	}

	return name
}

// normalizeOutcome maps a raw outcome string to the normalized outcome.
// Anything other than an exact "passed" counts as failed.
func normalizeOutcome(raw string) Outcome {
	if raw == string(OutcomePassed) {
		return OutcomePassed
	}

	return OutcomeFailed
}
