package coretools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ExecResult holds the result of a shell command.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// DirEntry is one entry of a directory listing. Path is relative to the
// listed directory.
type DirEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures a content search.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// GrepMatch is a single matching line.
type GrepMatch struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Environment is where tool operations run. Relative paths resolve against
// WorkingDirectory.
type Environment interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	ListDir(ctx context.Context, path string, depth int) ([]DirEntry, error)
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	Grep(ctx context.Context, pattern, path string, opts GrepOptions) ([]GrepMatch, error)
	Glob(ctx context.Context, pattern, path string) ([]string, error)

	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// Environment variables with these suffixes are withheld from commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

var skipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"vendor":       true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func filterEnvironment(environ []string) []string {
	var filtered []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// LocalEnvironment runs tools against the local filesystem and shell.
type LocalEnvironment struct {
	workingDir string
}

// NewLocalEnvironment creates a local environment rooted at workingDir,
// defaulting to the process working directory.
func NewLocalEnvironment(workingDir string) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalEnvironment{workingDir: workingDir}
}

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }
func (e *LocalEnvironment) Platform() string         { return runtime.GOOS }
func (e *LocalEnvironment) OSVersion() string        { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalEnvironment) resolve(path string) string {
	if path == "" {
		return e.workingDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalEnvironment) relative(path string) string {
	rel, err := filepath.Rel(e.workingDir, path)
	if err != nil {
		return path
	}
	return rel
}

// ReadFile returns the raw file content.
func (e *LocalEnvironment) ReadFile(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes content atomically, creating parent directories.
func (e *LocalEnvironment) WriteFile(_ context.Context, path, content string) error {
	resolved := e.resolve(path)
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ensemble-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	_, err = tmp.WriteString(content)
	tmp.Close()
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// ListDir lists entries under path down to depth levels (1 = direct
// children). Hidden and dependency directories are not descended into.
func (e *LocalEnvironment) ListDir(ctx context.Context, path string, depth int) ([]DirEntry, error) {
	root := e.resolve(path)
	if depth <= 0 {
		depth = 1
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}

	var entries []DirEntry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == root {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(root, p)
		level := strings.Count(rel, string(filepath.Separator)) + 1
		entry := DirEntry{Path: rel, IsDir: d.IsDir()}
		if fi, err := d.Info(); err == nil && !d.IsDir() {
			entry.Size = fi.Size()
		}
		entries = append(entries, entry)
		if d.IsDir() && (level >= depth || strings.HasPrefix(d.Name(), ".") || skipDirs[d.Name()]) {
			return filepath.SkipDir
		}
		return nil
	})
	return entries, err
}

// Exec runs command through the platform shell with secrets filtered from
// the environment. A timeout kills the whole process group and is reported
// through ExecResult.TimedOut rather than an error.
func (e *LocalEnvironment) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, flag := "/bin/bash", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd.exe", "/c"
	} else if _, err := exec.LookPath(shell); err != nil {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Dir = e.workingDir
	cmd.Env = filterEnvironment(os.Environ())
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("exec: %w", err)
	}
	return result, nil
}

func setProcessGroup(cmd *exec.Cmd) {
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// Grep searches file contents under path for a regular expression. Paths in
// the result are relative to the working directory.
func (e *LocalEnvironment) Grep(ctx context.Context, pattern, path string, opts GrepOptions) ([]GrepMatch, error) {
	if opts.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	var matches []GrepMatch
	err = e.walkFiles(ctx, e.resolve(path), func(p, rel string) bool {
		if opts.GlobFilter != "" && !matchGlob(opts.GlobFilter, rel) {
			return true
		}
		if isBinaryExt(strings.ToLower(filepath.Ext(p))) {
			return true
		}
		f, err := os.Open(p)
		if err != nil {
			return true
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		line := 0
		for scanner.Scan() {
			line++
			if re.MatchString(scanner.Text()) {
				matches = append(matches, GrepMatch{File: e.relative(p), Line: line, Text: scanner.Text()})
				if opts.MaxResults > 0 && len(matches) >= opts.MaxResults {
					return false
				}
			}
		}
		return true
	})
	return matches, err
}

// Glob returns files under path matching pattern, newest first. A pattern
// without a slash matches base names at any depth; "**/" matches any
// directory prefix.
func (e *LocalEnvironment) Glob(ctx context.Context, pattern, path string) ([]string, error) {
	if _, err := filepath.Match(strings.ReplaceAll(pattern, "**/", ""), ""); err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	type hit struct {
		path    string
		modTime time.Time
	}
	var hits []hit
	err := e.walkFiles(ctx, e.resolve(path), func(p, rel string) bool {
		if matchGlob(pattern, rel) {
			var mod time.Time
			if fi, err := os.Stat(p); err == nil {
				mod = fi.ModTime()
			}
			hits = append(hits, hit{path: e.relative(p), modTime: mod})
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].modTime.Equal(hits[j].modTime) {
			return hits[i].path < hits[j].path
		}
		return hits[i].modTime.After(hits[j].modTime)
	})
	files := make([]string, len(hits))
	for i, h := range hits {
		files[i] = h.path
	}
	return files, nil
}

// walkFiles calls visit for every regular file under root with its path
// relative to root. visit returns false to stop the walk.
func (e *LocalEnvironment) walkFiles(ctx context.Context, root string, visit func(path, rel string) bool) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		visit(root, filepath.Base(root))
		return nil
	}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != root && (strings.HasPrefix(d.Name(), ".") || skipDirs[d.Name()]) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		if !visit(p, filepath.ToSlash(rel)) {
			return filepath.SkipAll
		}
		return nil
	})
	return err
}

func matchGlob(pattern, rel string) bool {
	pattern = filepath.ToSlash(pattern)
	if !strings.Contains(pattern, "/") {
		ok, _ := filepath.Match(pattern, filepath.Base(rel))
		return ok
	}
	if rest, found := strings.CutPrefix(pattern, "**/"); found {
		parts := strings.Split(rel, "/")
		for i := range parts {
			if matchGlob(rest, strings.Join(parts[i:], "/")) {
				return true
			}
		}
		return false
	}
	ok, _ := filepath.Match(pattern, rel)
	return ok
}

func isBinaryExt(ext string) bool {
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".ico", ".webp",
		".zip", ".tar", ".gz", ".bz2", ".xz", ".7z",
		".pdf", ".so", ".dylib", ".dll", ".exe", ".o", ".a",
		".wasm", ".pyc", ".class", ".mp3", ".mp4", ".mov", ".wav":
		return true
	}
	return false
}
