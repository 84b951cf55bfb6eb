package agentloop

import (
	"time"

	"github.com/google/uuid"
)

// TaskLedger holds what an agent run knows about its task. One is created
// per Run call and owned by that run.
type TaskLedger struct {
	TaskID       string    `json:"task_id"`
	Objective    string    `json:"objective"`
	Facts        []string  `json:"facts"`
	Assumptions  []string  `json:"assumptions"`
	Plan         []string  `json:"plan"`
	CreatedAt    time.Time `json:"created_at"`
	LastReplanAt time.Time `json:"last_replan_at"`
	ReplanCount  int       `json:"replan_count"`
}

// NewTaskLedger creates a ledger for objective.
func NewTaskLedger(objective string, now time.Time) *TaskLedger {
	return &TaskLedger{
		TaskID:    uuid.New().String(),
		Objective: objective,
		CreatedAt: now,
	}
}

// AddFact records a fact. It reports false if the fact was already known.
func (t *TaskLedger) AddFact(fact string) bool {
	return appendUnique(&t.Facts, fact)
}

// AddAssumption records an assumption. It reports false if it was already
// present.
func (t *TaskLedger) AddAssumption(assumption string) bool {
	return appendUnique(&t.Assumptions, assumption)
}

// UpdatePlan replaces the plan. CurrentStep on the progress ledger is left
// alone.
func (t *TaskLedger) UpdatePlan(plan []string) {
	t.Plan = append([]string(nil), plan...)
}

func appendUnique(list *[]string, s string) bool {
	for _, existing := range *list {
		if existing == s {
			return false
		}
	}
	*list = append(*list, s)
	return true
}

// StepRecord is one entry in the progress log: a tool execution, or an
// iteration that ended without tools.
type StepRecord struct {
	Step      int       `json:"step"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// ProgressLedger tracks execution progress. StallCount counts consecutive
// failures and is reset by any successful step.
type ProgressLedger struct {
	CurrentStep      int               `json:"current_step"`
	StepHistory      []StepRecord      `json:"step_history"`
	StallCount       int               `json:"stall_count"`
	LastProgressAt   time.Time         `json:"last_progress_at"`
	AgentAssignments map[string]string `json:"agent_assignments,omitempty"`
}

// NewProgressLedger creates an empty ledger whose progress clock starts at now.
func NewProgressLedger(now time.Time) *ProgressLedger {
	return &ProgressLedger{
		LastProgressAt:   now,
		AgentAssignments: make(map[string]string),
	}
}

// RecordStep appends a step record and advances CurrentStep. Success resets
// StallCount and refreshes LastProgressAt; failure increments StallCount by one.
func (p *ProgressLedger) RecordStep(action string, success bool, errMsg string, now time.Time) StepRecord {
	rec := StepRecord{
		Step:      p.CurrentStep,
		Action:    action,
		Timestamp: now,
		Success:   success,
		Error:     errMsg,
	}
	p.CurrentStep++
	p.StepHistory = append(p.StepHistory, rec)
	if success {
		p.StallCount = 0
		p.LastProgressAt = now
	} else {
		p.StallCount++
	}
	return rec
}

// Assign records which agent is responsible for a unit of work.
func (p *ProgressLedger) Assign(work, agent string) {
	if p.AgentAssignments == nil {
		p.AgentAssignments = make(map[string]string)
	}
	p.AgentAssignments[work] = agent
}
