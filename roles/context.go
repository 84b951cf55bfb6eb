package roles

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/ensemble/coretools"
)

const maxProjectDocBytes = 32 * 1024

// projectDocNames are the instruction files loaded into every prompt, in
// order, from the repository root down to the working directory.
var projectDocNames = []string{"AGENTS.md", "CLAUDE.md", "ENSEMBLE.md"}

// EnvironmentContext describes the workspace the agent runs in.
func EnvironmentContext(env coretools.Environment, model string, now time.Time) string {
	dir := env.WorkingDirectory()
	root := gitRoot(dir)

	var b strings.Builder
	b.WriteString("<environment>\n")
	fmt.Fprintf(&b, "Working directory: %s\n", dir)
	fmt.Fprintf(&b, "Is git repository: %v\n", root != "")
	if root != "" {
		if branch := runGit(root, "rev-parse", "--abbrev-ref", "HEAD"); branch != "" {
			fmt.Fprintf(&b, "Git branch: %s\n", strings.TrimSpace(branch))
		}
	}
	fmt.Fprintf(&b, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&b, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&b, "Today's date: %s\n", now.Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&b, "Model: %s\n", model)
	}
	b.WriteString("</environment>")
	return b.String()
}

// GitContext summarizes the repository state, or returns "" outside a
// git repository.
func GitContext(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("<git_context>\n")
	if status := strings.TrimSpace(runGit(root, "status", "--short")); status != "" {
		fmt.Fprintf(&b, "Modified/untracked files: %d\n", len(strings.Split(status, "\n")))
	}
	if log := runGit(root, "log", "--oneline", "-10"); log != "" {
		b.WriteString("Recent commits:\n")
		b.WriteString(log)
	}
	b.WriteString("</git_context>")
	return b.String()
}

// ProjectDocs loads project instruction files from the repository root (or
// workingDir outside a repository) down to workingDir, capped at 32KB.
func ProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	total := 0
	for _, dir := range pathHierarchy(root, workingDir) {
		for _, name := range projectDocNames {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// pathHierarchy returns the directories from root down to target,
// inclusive. A target outside root yields just root.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitRoot(dir string) string {
	return strings.TrimSpace(runGit(dir, "rev-parse", "--show-toplevel"))
}

func runGit(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}
