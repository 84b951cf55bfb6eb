// Package roles defines the specialized agents: role profiles with their
// prompts and tool access, optional focus modes, and a Factory that builds
// an agentloop.Agent for a role.
package roles

import (
	"fmt"
	"strings"

	"github.com/martinemde/ensemble/coretools"
	"github.com/sahilm/fuzzy"
)

// Role names a specialized agent.
type Role string

const (
	Orchestrator Role = "orchestrator"
	Coder        Role = "coder"
	Reviewer     Role = "reviewer"
	Planner      Role = "planner"
	Debugger     Role = "debugger"
	Explorer     Role = "explorer"
)

// Mode narrows a role's focus. The zero Mode means no focus.
type Mode string

const (
	ModeNone          Mode = ""
	ModeRefactor      Mode = "refactor"
	ModeSecurity      Mode = "security"
	ModePerformance   Mode = "performance"
	ModeTesting       Mode = "testing"
	ModeDocumentation Mode = "documentation"
)

// Profile describes a role: what it is for, how it is prompted, and which
// tools it may use.
type Profile struct {
	Role        Role
	Description string
	Prompt      string
	// Tools lists the core tool names available to the role.
	Tools []string
}

// ReadOnly reports whether the role is limited to tools that never modify
// the workspace.
func (p Profile) ReadOnly() bool {
	for _, name := range p.Tools {
		if !contains(coretools.ReadOnlyNames, name) {
			return false
		}
	}
	return true
}

var profiles = map[Role]Profile{
	Orchestrator: {
		Role:        Orchestrator,
		Description: "General assistant that handles requests no specialist claims",
		Prompt:      orchestratorPrompt,
		Tools:       coretools.AllNames,
	},
	Coder: {
		Role:        Coder,
		Description: "Implements features and changes code",
		Prompt:      coderPrompt,
		Tools:       coretools.AllNames,
	},
	Reviewer: {
		Role:        Reviewer,
		Description: "Reviews code for correctness, style, and risk without editing",
		Prompt:      reviewerPrompt,
		Tools:       coretools.ReadOnlyNames,
	},
	Planner: {
		Role:        Planner,
		Description: "Breaks work into an ordered implementation plan",
		Prompt:      plannerPrompt,
		Tools:       coretools.ReadOnlyNames,
	},
	Debugger: {
		Role:        Debugger,
		Description: "Reproduces, diagnoses, and fixes failures",
		Prompt:      debuggerPrompt,
		Tools:       coretools.AllNames,
	},
	Explorer: {
		Role:        Explorer,
		Description: "Finds and explains code in the repository",
		Prompt:      explorerPrompt,
		Tools:       coretools.ReadOnlyNames,
	},
}

var modeInstructions = map[Mode]string{
	ModeRefactor: `# Focus: Refactoring

- Preserve behavior exactly; refactoring never changes what the code does.
- Prefer small, reviewable steps and run the tests after each one.
- Remove duplication and clarify names before restructuring.`,
	ModeSecurity: `# Focus: Security

- Look for injection (SQL, shell, path traversal), unsafe deserialization, and missing input validation.
- Flag hard-coded secrets, tokens, and credentials.
- Check authentication and authorization on every entry point you touch.`,
	ModePerformance: `# Focus: Performance

- Identify hot paths before optimizing; measure rather than guess.
- Look for needless allocations, repeated work in loops, and N+1 queries.
- Report the expected impact of each change.`,
	ModeTesting: `# Focus: Testing

- Cover the behavior under change with focused tests, including edge cases and failure paths.
- Follow the project's existing test conventions and helpers.
- Run the tests and report the results.`,
	ModeDocumentation: `# Focus: Documentation

- Document public APIs, non-obvious behavior, and usage examples.
- Keep documentation next to the code it describes and consistent with the project's style.
- Do not change program behavior.`,
}

// All returns every role in a stable order.
func All() []Role {
	return []Role{Orchestrator, Coder, Reviewer, Planner, Debugger, Explorer}
}

// Modes returns every focus mode in a stable order.
func Modes() []Mode {
	return []Mode{ModeRefactor, ModeSecurity, ModePerformance, ModeTesting, ModeDocumentation}
}

// Lookup returns the profile for role.
func Lookup(role Role) (Profile, bool) {
	p, ok := profiles[role]
	return p, ok
}

// ModeInstructions returns the prompt block for mode, or "" for ModeNone.
func ModeInstructions(mode Mode) string {
	return modeInstructions[mode]
}

// UnknownRoleError is returned when parsing an unrecognized role name.
type UnknownRoleError struct {
	Name       string
	Suggestion Role
}

func (e *UnknownRoleError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown role %q (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("unknown role %q", e.Name)
}

// ParseRole parses a role name case-insensitively. Unknown names yield an
// *UnknownRoleError carrying the closest role name, if any.
func ParseRole(name string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := profiles[role]; ok {
		return role, nil
	}
	return "", &UnknownRoleError{Name: name, Suggestion: Role(suggest(string(role), roleNames()))}
}

// ParseMode parses a mode name case-insensitively. The empty string parses
// to ModeNone.
func ParseMode(name string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(name)))
	if mode == ModeNone {
		return ModeNone, nil
	}
	if _, ok := modeInstructions[mode]; ok {
		return mode, nil
	}
	var names []string
	for _, m := range Modes() {
		names = append(names, string(m))
	}
	if s := suggest(string(mode), names); s != "" {
		return "", fmt.Errorf("unknown mode %q (did you mean %q?)", name, s)
	}
	return "", fmt.Errorf("unknown mode %q", name)
}

func roleNames() []string {
	var names []string
	for _, r := range All() {
		names = append(names, string(r))
	}
	return names
}

// suggest returns the best fuzzy match for input among names.
func suggest(input string, names []string) string {
	if input == "" {
		return ""
	}
	matches := fuzzy.Find(input, names)
	if len(matches) == 0 {
		return ""
	}
	return matches[0].Str
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
