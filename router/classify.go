// Package router decides which role agent handles a request. A keyword
// classifier scores the request against each role; confident matches are
// handed off to that role, everything else runs on the orchestrator agent.
package router

import (
	"fmt"
	"regexp"

	"github.com/martinemde/ensemble/roles"
)

const (
	baseConfidence     = 70
	maxConfidence      = 95
	fallbackConfidence = 50

	// Matches starting before earlyMatchChars score higher, as do inputs
	// shorter than shortInputChars.
	earlyMatchChars = 20
	shortInputChars = 100
)

// Intent is the classifier's verdict for one request.
type Intent struct {
	Agent      roles.Role `json:"agent"`
	Mode       roles.Mode `json:"mode,omitempty"`
	Confidence int        `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
}

type roleRule struct {
	role    roles.Role
	pattern *regexp.Regexp
}

type modeRule struct {
	mode    roles.Mode
	pattern *regexp.Regexp
}

// roleRules is checked in order; on equal confidence the earlier rule wins.
var roleRules = []roleRule{
	{roles.Debugger, regexp.MustCompile(`(?i)\b(fix|debug|error|broken|bug|crash(es|ed|ing)?|failing|fails|exception|stack\s*trace)\b`)},
	{roles.Reviewer, regexp.MustCompile(`(?i)\b(review|audit|critique|feedback|check\s+my)\b`)},
	{roles.Planner, regexp.MustCompile(`(?i)\b(plan|design|architect(ure)?|roadmap|break\s+down|strategy)\b`)},
	{roles.Explorer, regexp.MustCompile(`(?i)\b(find|search|where|explore|locate|explain|understand|how\s+does)\b`)},
	{roles.Coder, regexp.MustCompile(`(?i)\b(implement|write|create|add|build|code|generate)\b`)},
}

var modeRules = []modeRule{
	{roles.ModeRefactor, regexp.MustCompile(`(?i)\b(refactor(ing)?|clean\s*up|simplify|restructure|extract)\b`)},
	{roles.ModeSecurity, regexp.MustCompile(`(?i)\b(security|secure|vulnerab(le|ility|ilities)|injection|xss|csrf|secrets?)\b`)},
	{roles.ModePerformance, regexp.MustCompile(`(?i)\b(performance|slow|faster|optimi[sz]e|latency|memory\s+leak)\b`)},
	{roles.ModeTesting, regexp.MustCompile(`(?i)\b(tests?|testing|coverage|unit\s+test)\b`)},
	{roles.ModeDocumentation, regexp.MustCompile(`(?i)\b(document(ation)?|docs|readme|docstrings?)\b`)},
}

// Classify scores input against every role's keywords and returns the best
// match. Input matching no role goes to the orchestrator with confidence
// 50. The mode comes from a separate keyword table and is independent of
// the role.
func Classify(input string) Intent {
	intent := Intent{
		Agent:      roles.Orchestrator,
		Confidence: fallbackConfidence,
		Reasoning:  "no role keywords matched",
	}
	matched := false
	for _, rule := range roleRules {
		loc := rule.pattern.FindStringIndex(input)
		if loc == nil {
			continue
		}
		c := confidence(input, loc[0])
		if !matched || c > intent.Confidence {
			matched = true
			intent.Agent = rule.role
			intent.Confidence = c
			intent.Reasoning = fmt.Sprintf("matched %q at position %d", input[loc[0]:loc[1]], loc[0])
		}
	}
	intent.Mode = DetectMode(input)
	return intent
}

// DetectMode returns the mode whose keyword appears earliest in input, or
// roles.ModeNone.
func DetectMode(input string) roles.Mode {
	mode := roles.ModeNone
	first := -1
	for _, rule := range modeRules {
		loc := rule.pattern.FindStringIndex(input)
		if loc != nil && (first < 0 || loc[0] < first) {
			mode, first = rule.mode, loc[0]
		}
	}
	return mode
}

func confidence(input string, pos int) int {
	c := baseConfidence
	if pos < earlyMatchChars {
		c += 10
	}
	if len(input) < shortInputChars {
		c += 10
	}
	if pos == 0 {
		c += 5
	}
	if c > maxConfidence {
		c = maxConfidence
	}
	return c
}
