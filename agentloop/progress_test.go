package agentloop

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestRecordStep(t *testing.T) {
	for _, prior := range []int{0, 1, 2, 7} {
		p := NewProgressLedger(t0)
		p.StallCount = prior
		p.RecordStep("read_file", true, "", t0.Add(time.Second))
		if p.StallCount != 0 {
			t.Errorf("prior %d: success must reset stall count, got %d", prior, p.StallCount)
		}
		if !p.LastProgressAt.Equal(t0.Add(time.Second)) {
			t.Errorf("prior %d: success must refresh LastProgressAt", prior)
		}

		p = NewProgressLedger(t0)
		p.StallCount = prior
		p.RecordStep("shell", false, "exit 1", t0.Add(time.Second))
		if p.StallCount != prior+1 {
			t.Errorf("prior %d: failure must increment stall count by 1, got %d", prior, p.StallCount)
		}
		if !p.LastProgressAt.Equal(t0) {
			t.Errorf("prior %d: failure must not refresh LastProgressAt", prior)
		}
	}
}

func TestRecordStepNumbering(t *testing.T) {
	p := NewProgressLedger(t0)
	p.RecordStep("a", true, "", t0)
	p.RecordStep("b", false, "boom", t0)
	rec := p.RecordStep("c", true, "", t0)

	if rec.Step != 2 || p.CurrentStep != 3 {
		t.Errorf("expected step 2 and current step 3, got %d and %d", rec.Step, p.CurrentStep)
	}
	if p.StepHistory[1].Error != "boom" || p.StepHistory[1].Success {
		t.Errorf("unexpected failed record: %+v", p.StepHistory[1])
	}
}

func TestTaskLedgerDeduplicates(t *testing.T) {
	task := NewTaskLedger("fix the build", t0)
	if task.TaskID == "" {
		t.Error("expected a task id")
	}
	if !task.AddFact("go.mod is at the root") {
		t.Error("expected first insert to succeed")
	}
	if task.AddFact("go.mod is at the root") {
		t.Error("expected duplicate fact to be ignored")
	}
	task.AddAssumption("tests run offline")
	task.AddAssumption("tests run offline")

	if len(task.Facts) != 1 || len(task.Assumptions) != 1 {
		t.Errorf("expected 1 fact and 1 assumption, got %v and %v", task.Facts, task.Assumptions)
	}

	plan := []string{"reproduce", "fix"}
	task.UpdatePlan(plan)
	plan[0] = "mutated"
	if task.Plan[0] != "reproduce" {
		t.Error("UpdatePlan must copy the plan")
	}
}

func TestCheckProgress(t *testing.T) {
	now := t0.Add(10 * time.Second)

	tests := []struct {
		name     string
		progress func() *ProgressLedger
		task     func() *TaskLedger
		want     Verdict
	}{
		{
			name:     "fresh run continues",
			progress: func() *ProgressLedger { return NewProgressLedger(t0) },
			task:     func() *TaskLedger { return NewTaskLedger("x", t0) },
			want:     VerdictContinue,
		},
		{
			name: "three failures replan",
			progress: func() *ProgressLedger {
				p := NewProgressLedger(t0)
				for i := 0; i < 3; i++ {
					p.RecordStep("shell", false, "exit 1", t0)
				}
				return p
			},
			task: func() *TaskLedger { return NewTaskLedger("x", t0) },
			want: VerdictReplan,
		},
		{
			name: "two failures continue",
			progress: func() *ProgressLedger {
				p := NewProgressLedger(t0)
				p.RecordStep("shell", false, "exit 1", t0)
				p.RecordStep("shell", false, "exit 1", t0)
				return p
			},
			task: func() *TaskLedger { return NewTaskLedger("x", t0) },
			want: VerdictContinue,
		},
		{
			name:     "stall with replans exhausted escalates",
			progress: func() *ProgressLedger { p := NewProgressLedger(t0); p.StallCount = 3; return p },
			task: func() *TaskLedger {
				task := NewTaskLedger("x", t0)
				task.ReplanCount = MaxReplans
				return task
			},
			want: VerdictEscalate,
		},
		{
			name: "stale progress replans",
			progress: func() *ProgressLedger {
				p := NewProgressLedger(t0.Add(-2 * time.Minute))
				p.StepHistory = append(p.StepHistory, StepRecord{Action: "shell"})
				return p
			},
			task: func() *TaskLedger { return NewTaskLedger("x", t0) },
			want: VerdictReplan,
		},
		{
			name:     "stale clock without steps continues",
			progress: func() *ProgressLedger { return NewProgressLedger(t0.Add(-2 * time.Minute)) },
			task:     func() *TaskLedger { return NewTaskLedger("x", t0) },
			want:     VerdictContinue,
		},
		{
			name: "plan exhausted completes",
			progress: func() *ProgressLedger {
				p := NewProgressLedger(t0)
				p.RecordStep("read_file", true, "", t0)
				p.RecordStep("edit_file", true, "", t0)
				return p
			},
			task: func() *TaskLedger {
				task := NewTaskLedger("x", t0)
				task.UpdatePlan([]string{"read", "edit"})
				return task
			},
			want: VerdictComplete,
		},
		{
			name: "recent done action completes",
			progress: func() *ProgressLedger {
				p := NewProgressLedger(t0)
				p.RecordStep("mark_task_done", true, "", t0)
				p.RecordStep("read_file", true, "", t0)
				return p
			},
			task: func() *TaskLedger { return NewTaskLedger("x", t0) },
			want: VerdictComplete,
		},
		{
			name: "old done action is ignored",
			progress: func() *ProgressLedger {
				p := NewProgressLedger(t0)
				p.RecordStep("mark_complete", true, "", t0)
				for i := 0; i < 3; i++ {
					p.RecordStep("read_file", true, "", t0)
				}
				return p
			},
			task: func() *TaskLedger { return NewTaskLedger("x", t0) },
			want: VerdictContinue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckProgress(tt.progress(), tt.task(), now)
			if got.Verdict != tt.want {
				t.Errorf("expected %s, got %s (%s)", tt.want, got.Verdict, got.Reason)
			}
		})
	}
}

func TestCheckProgressIsPure(t *testing.T) {
	p := NewProgressLedger(t0)
	for i := 0; i < 4; i++ {
		p.RecordStep("shell", false, "exit 1", t0)
	}
	task := NewTaskLedger("x", t0)
	task.ReplanCount = 1

	before := *p
	beforeTask := *task
	first := CheckProgress(p, task, t0)
	second := CheckProgress(p, task, t0)

	if first != second {
		t.Errorf("expected identical verdicts, got %+v and %+v", first, second)
	}
	if diff := cmp.Diff(before, *p); diff != "" {
		t.Errorf("progress ledger changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(beforeTask, *task); diff != "" {
		t.Errorf("task ledger changed (-before +after):\n%s", diff)
	}
}
