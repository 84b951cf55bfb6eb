package agentloop

import (
	"fmt"
	"strings"
	"time"
)

const (
	// StallThreshold is the number of consecutive failed steps that counts
	// as a stall.
	StallThreshold = 3
	// MaxReplans is the replan budget before a stall escalates.
	MaxReplans = 2
	// StaleAfter is how long a run may go without a successful step.
	StaleAfter = 60 * time.Second
)

// Verdict is the outcome of a progress check.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictComplete Verdict = "complete"
	VerdictReplan   Verdict = "replan"
	VerdictEscalate Verdict = "escalate"
)

// ProgressCheck is a Verdict plus the reason behind it.
type ProgressCheck struct {
	Verdict Verdict
	Reason  string
}

// CheckProgress decides whether a run should continue, replan, escalate or
// stop as complete. It reads but never modifies its arguments, so identical
// inputs always give the same result.
func CheckProgress(progress *ProgressLedger, task *TaskLedger, now time.Time) ProgressCheck {
	if progress.StallCount >= StallThreshold && task.ReplanCount >= MaxReplans {
		return ProgressCheck{
			Verdict: VerdictEscalate,
			Reason: fmt.Sprintf("stalled after %d consecutive failures with %d replans exhausted",
				progress.StallCount, task.ReplanCount),
		}
	}

	if progress.StallCount >= StallThreshold {
		return ProgressCheck{
			Verdict: VerdictReplan,
			Reason:  fmt.Sprintf("%d consecutive failed steps", progress.StallCount),
		}
	}

	if len(progress.StepHistory) > 0 && now.Sub(progress.LastProgressAt) > StaleAfter {
		return ProgressCheck{
			Verdict: VerdictReplan,
			Reason:  fmt.Sprintf("no progress for %s", now.Sub(progress.LastProgressAt).Round(time.Second)),
		}
	}

	if len(task.Plan) > 0 && progress.CurrentStep >= len(task.Plan) {
		return ProgressCheck{Verdict: VerdictComplete, Reason: "all plan steps executed"}
	}

	history := progress.StepHistory
	if len(history) > 3 {
		history = history[len(history)-3:]
	}
	for _, rec := range history {
		action := strings.ToLower(rec.Action)
		if strings.Contains(action, "complete") || strings.Contains(action, "done") {
			return ProgressCheck{Verdict: VerdictComplete, Reason: fmt.Sprintf("step %q signalled completion", rec.Action)}
		}
	}

	return ProgressCheck{Verdict: VerdictContinue}
}
