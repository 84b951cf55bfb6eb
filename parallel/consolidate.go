package parallel

import (
	"fmt"
	"strings"

	"github.com/martinemde/ensemble/roles"
)

func consolidate(results []AgentResult, c Consolidation) string {
	if len(results) == 0 {
		return ""
	}
	switch c {
	case ConsolidateBest:
		return best(results).Output
	case ConsolidateVote:
		return vote(results)
	default:
		return merge(results)
	}
}

// merge concatenates outputs under "## role (mode)" headers in the order
// given.
func merge(results []AgentResult) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("## %s\n\n%s", label(r.Role, r.Mode), strings.TrimSpace(r.Output))
	}
	return strings.Join(parts, "\n\n")
}

// best returns the result with the highest len(output) × weight. Ties go
// to the earliest result.
func best(results []AgentResult) AgentResult {
	top := results[0]
	topScore := score(top)
	for _, r := range results[1:] {
		if s := score(r); s > topScore {
			top, topScore = r, s
		}
	}
	return top
}

func score(r AgentResult) float64 {
	w := r.weight
	if w <= 0 {
		w = 1
	}
	return float64(len(r.Output)) * w
}

// vote groups outputs that agree after normalization and returns the
// first output of the group with the greatest total weight. Only groups of
// two or more count; without a unique winner it falls back to best.
func vote(results []AgentResult) string {
	type tally struct {
		weight float64
		count  int
		first  int
	}
	tallies := make(map[string]*tally)
	var order []string
	for i, r := range results {
		key := normalize(r.Output)
		t, ok := tallies[key]
		if !ok {
			t = &tally{first: i}
			tallies[key] = t
			order = append(order, key)
		}
		w := r.weight
		if w <= 0 {
			w = 1
		}
		t.weight += w
		t.count++
	}

	var top *tally
	tie := false
	for _, key := range order {
		t := tallies[key]
		if t.count < 2 {
			continue
		}
		switch {
		case top == nil || t.weight > top.weight:
			top, tie = t, false
		case t.weight == top.weight:
			tie = true
		}
	}
	if top == nil || tie {
		return best(results).Output
	}
	return results[top.first].Output
}

// normalize lowercases and collapses whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func label(role roles.Role, mode roles.Mode) string {
	if mode == roles.ModeNone {
		return string(role)
	}
	return fmt.Sprintf("%s (%s)", role, mode)
}
