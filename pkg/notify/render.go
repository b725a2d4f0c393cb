package notify

import (
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/report"
)

// RenderDocument builds the detailed report document delivered as a
// follow-up to the short feedback message.
func RenderDocument(username, challengeID string, attempt int, rep *report.Report) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s — %s\n\n", challengeID, username)
	fmt.Fprintf(&b, "Attempt %d · %d/%d tests passed · ran %s\n\n",
		attempt, rep.Passed, rep.Total, humanDuration(rep.Duration))

	b.WriteString("| Test | Result | Duration |\n")
	b.WriteString("|------|--------|----------|\n")

	for _, r := range rep.Results {
		mark := "PASS"
		if r.Outcome != report.OutcomePassed {
			mark = "FAIL"
		}

		fmt.Fprintf(&b, "| %s | %s | %s |\n", r.Name, mark, humanDuration(r.Duration))
	}

	failures := make([]report.TestResult, 0, rep.Failed)

	for _, r := range rep.Results {
		if r.Outcome != report.OutcomePassed && (r.Message != "" || r.Input != "") {
			failures = append(failures, r)
		}
	}

	if len(failures) > 0 {
		b.WriteString("\n## Failures\n")

		for _, r := range failures {
			fmt.Fprintf(&b, "\n### %s\n", r.Name)

			if r.Input != "" {
				fmt.Fprintf(&b, "Input: `%s`\n", r.Input)
			}

			if r.Message != "" {
				fmt.Fprintf(&b, "```\n%s\n```\n", r.Message)
			}
		}
	}

	return []byte(b.String())
}

// humanDuration formats a duration for the report: sub-second values keep
// millisecond precision, anything longer uses the coarse human form.
func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}

	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}

	return units.HumanDuration(d)
}
