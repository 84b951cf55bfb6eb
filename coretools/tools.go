// Package coretools provides the file, search, and shell tools agents use to
// work on a codebase, implemented over an Environment.
package coretools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/ensemble/agentloop"
	"github.com/martinemde/ensemble/unifiedllm"
)

// Tool names.
const (
	ReadFileName  = "read_file"
	WriteFileName = "write_file"
	EditFileName  = "edit_file"
	ListDirName   = "list_dir"
	ShellName     = "shell"
	GrepName      = "grep"
	GlobName      = "glob"
)

// ReadOnlyNames are the tools that never modify the workspace.
var ReadOnlyNames = []string{ReadFileName, ListDirName, GrepName, GlobName}

// AllNames lists every core tool.
var AllNames = []string{ReadFileName, WriteFileName, EditFileName, ListDirName, ShellName, GrepName, GlobName}

const (
	defaultReadLimit   = 2000
	defaultGrepResults = 100
	defaultListDepth   = 1
)

// Options configures the core tools.
type Options struct {
	ShellTimeout    time.Duration
	MaxShellTimeout time.Duration
}

// DefaultOptions returns a 2 minute default shell timeout capped at 10 minutes.
func DefaultOptions() Options {
	return Options{
		ShellTimeout:    2 * time.Minute,
		MaxShellTimeout: 10 * time.Minute,
	}
}

// NewRegistry returns a registry holding every core tool bound to env.
func NewRegistry(env Environment, opts Options) *agentloop.ToolRegistry {
	def := DefaultOptions()
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = def.ShellTimeout
	}
	if opts.MaxShellTimeout < opts.ShellTimeout {
		opts.MaxShellTimeout = max(def.MaxShellTimeout, opts.ShellTimeout)
	}
	return agentloop.NewToolRegistry(
		ReadFile(env),
		WriteFile(env),
		EditFile(env),
		ListDir(env),
		Shell(env, opts),
		Grep(env),
		Glob(env),
	)
}

func schema(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func requireString(args map[string]interface{}, key string) (string, error) {
	s, ok := agentloop.GetStringArg(args, key)
	if !ok || s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// ReadFile returns the read_file tool.
func ReadFile(env Environment) agentloop.Tool {
	def := unifiedllm.ToolDefinition{
		Name:        ReadFileName,
		Description: "Read a file from the filesystem. Returns line-numbered content.",
		Parameters: schema([]string{"file_path"}, map[string]interface{}{
			"file_path": prop("string", "Path to the file to read."),
			"offset":    prop("integer", "1-based line number to start reading from."),
			"limit":     prop("integer", "Maximum number of lines to read. Default: 2000."),
		}),
	}
	return agentloop.NewFuncTool(def, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		path, err := requireString(args, "file_path")
		if err != nil {
			return nil, err
		}
		offset, _ := agentloop.GetIntArg(args, "offset")
		limit, _ := agentloop.GetIntArg(args, "limit")
		if limit <= 0 {
			limit = defaultReadLimit
		}
		content, err := env.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return numberLines(content, offset, limit), nil
	})
}

// numberLines formats content as "N | line" starting at the 1-based offset.
func numberLines(content string, offset, limit int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%d | %s\n", i+1, lines[i])
	}
	return b.String()
}

// WriteFile returns the write_file tool.
func WriteFile(env Environment) agentloop.Tool {
	def := unifiedllm.ToolDefinition{
		Name:        WriteFileName,
		Description: "Write content to a file. Creates the file and parent directories if needed.",
		Parameters: schema([]string{"file_path", "content"}, map[string]interface{}{
			"file_path": prop("string", "Path to write to."),
			"content":   prop("string", "The full file content to write."),
		}),
	}
	return agentloop.NewFuncTool(def, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		path, err := requireString(args, "file_path")
		if err != nil {
			return nil, err
		}
		content, ok := agentloop.GetStringArg(args, "content")
		if !ok {
			return nil, fmt.Errorf("content is required")
		}
		if err := env.WriteFile(ctx, path, content); err != nil {
			return nil, err
		}
		return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
	})
}

// EditFile returns the edit_file tool.
func EditFile(env Environment) agentloop.Tool {
	def := unifiedllm.ToolDefinition{
		Name:        EditFileName,
		Description: "Replace an exact string in a file. old_string must be unique unless replace_all is true.",
		Parameters: schema([]string{"file_path", "old_string", "new_string"}, map[string]interface{}{
			"file_path":   prop("string", "Path to the file to edit."),
			"old_string":  prop("string", "Exact text to find in the file."),
			"new_string":  prop("string", "Replacement text."),
			"replace_all": prop("boolean", "Replace all occurrences. Default: false."),
		}),
	}
	return agentloop.NewFuncTool(def, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		path, err := requireString(args, "file_path")
		if err != nil {
			return nil, err
		}
		oldString, err := requireString(args, "old_string")
		if err != nil {
			return nil, err
		}
		newString, _ := agentloop.GetStringArg(args, "new_string")
		replaceAll, _ := agentloop.GetBoolArg(args, "replace_all")

		content, err := env.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		count := strings.Count(content, oldString)
		switch {
		case count == 0:
			return nil, fmt.Errorf("old_string not found in %s", path)
		case count > 1 && !replaceAll:
			return nil, fmt.Errorf("old_string found %d times in %s; add context to make it unique or set replace_all", count, path)
		}

		n := 1
		if replaceAll {
			n = count
		}
		if err := env.WriteFile(ctx, path, strings.Replace(content, oldString, newString, n)); err != nil {
			return nil, err
		}
		return fmt.Sprintf("Replaced %d occurrence(s) in %s", n, path), nil
	})
}

// ListDir returns the list_dir tool.
func ListDir(env Environment) agentloop.Tool {
	def := unifiedllm.ToolDefinition{
		Name:        ListDirName,
		Description: "List files and directories. Directories end with a slash.",
		Parameters: schema(nil, map[string]interface{}{
			"path":  prop("string", "Directory to list. Default: working directory."),
			"depth": prop("integer", "How many levels to descend. Default: 1."),
		}),
	}
	return agentloop.NewFuncTool(def, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		path, _ := agentloop.GetStringArg(args, "path")
		depth, _ := agentloop.GetIntArg(args, "depth")
		if depth <= 0 {
			depth = defaultListDepth
		}
		entries, err := env.ListDir(ctx, path, depth)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return "Directory is empty.", nil
		}
		var b strings.Builder
		for _, e := range entries {
			if e.IsDir {
				fmt.Fprintf(&b, "%s/\n", e.Path)
			} else {
				fmt.Fprintf(&b, "%s (%d bytes)\n", e.Path, e.Size)
			}
		}
		return b.String(), nil
	})
}

// Shell returns the shell tool.
func Shell(env Environment, opts Options) agentloop.Tool {
	def := unifiedllm.ToolDefinition{
		Name:        ShellName,
		Description: "Execute a shell command in the working directory. Returns stdout, stderr, and exit code.",
		Parameters: schema([]string{"command"}, map[string]interface{}{
			"command":     prop("string", "The command to run."),
			"timeout_ms":  prop("integer", "Override the default command timeout in milliseconds."),
			"description": prop("string", "Short description of what this command does."),
		}),
	}
	return agentloop.NewFuncTool(def, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		command, err := requireString(args, "command")
		if err != nil {
			return nil, err
		}
		timeout := opts.ShellTimeout
		if ms, ok := agentloop.GetIntArg(args, "timeout_ms"); ok && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		if opts.MaxShellTimeout > 0 && timeout > opts.MaxShellTimeout {
			timeout = opts.MaxShellTimeout
		}

		result, err := env.Exec(ctx, command, timeout)
		if err != nil {
			return nil, err
		}

		var b strings.Builder
		b.WriteString(result.Output())
		if result.TimedOut {
			fmt.Fprintf(&b, "\n\n[ERROR: Command timed out after %s. Partial output is shown above. "+
				"Retry with a longer timeout_ms if needed.]", timeout)
		} else if result.ExitCode != 0 {
			fmt.Fprintf(&b, "\n\n[Exit code: %d]", result.ExitCode)
		}
		return b.String(), nil
	})
}

// Grep returns the grep tool.
func Grep(env Environment) agentloop.Tool {
	def := unifiedllm.ToolDefinition{
		Name:        GrepName,
		Description: "Search file contents with a regular expression. Returns file:line: text for each match.",
		Parameters: schema([]string{"pattern"}, map[string]interface{}{
			"pattern":          prop("string", "Regex pattern to search for."),
			"path":             prop("string", "Directory or file to search. Default: working directory."),
			"glob_filter":      prop("string", "File pattern filter (e.g. \"*.go\")."),
			"case_insensitive": prop("boolean", "Case insensitive search. Default: false."),
			"max_results":      prop("integer", "Maximum number of matches. Default: 100."),
		}),
	}
	return agentloop.NewFuncTool(def, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		pattern, err := requireString(args, "pattern")
		if err != nil {
			return nil, err
		}
		path, _ := agentloop.GetStringArg(args, "path")
		globFilter, _ := agentloop.GetStringArg(args, "glob_filter")
		caseInsensitive, _ := agentloop.GetBoolArg(args, "case_insensitive")
		maxResults, _ := agentloop.GetIntArg(args, "max_results")
		if maxResults <= 0 {
			maxResults = defaultGrepResults
		}

		matches, err := env.Grep(ctx, pattern, path, GrepOptions{
			GlobFilter:      globFilter,
			CaseInsensitive: caseInsensitive,
			MaxResults:      maxResults,
		})
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return "No matches found.", nil
		}
		var b strings.Builder
		for _, m := range matches {
			fmt.Fprintf(&b, "%s:%d: %s\n", m.File, m.Line, m.Text)
		}
		return b.String(), nil
	})
}

// Glob returns the glob tool.
func Glob(env Environment) agentloop.Tool {
	def := unifiedllm.ToolDefinition{
		Name:        GlobName,
		Description: "Find files matching a glob pattern. Returns paths sorted by modification time, newest first.",
		Parameters: schema([]string{"pattern"}, map[string]interface{}{
			"pattern": prop("string", "Glob pattern (e.g. \"**/*.go\")."),
			"path":    prop("string", "Base directory. Default: working directory."),
		}),
	}
	return agentloop.NewFuncTool(def, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		pattern, err := requireString(args, "pattern")
		if err != nil {
			return nil, err
		}
		path, _ := agentloop.GetStringArg(args, "path")
		files, err := env.Glob(ctx, pattern, path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return "No files matched the pattern.", nil
		}
		return strings.Join(files, "\n"), nil
	})
}
