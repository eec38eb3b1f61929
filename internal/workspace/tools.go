package workspace

// tools.go: the tool surface handed to the analysis agent.
//
// Every path argument is resolved under the session root; anything that
// escapes it is rejected. Bash runs `sh -c` in the session root. Conclude
// records the structured verdict the engine reads back after the loop.

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
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/llm/types"
	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

const (
	ToolRead     = "Read"
	ToolWrite    = "Write"
	ToolBash     = "Bash"
	ToolGlob     = "Glob"
	ToolGrep     = "Grep"
	ToolConclude = "Conclude"

	// MaxOutputBytes caps Bash output returned to the agent.
	MaxOutputBytes = 30000

	defaultReadLimit = 2000
	maxGlobResults   = 500
	maxGrepMatches   = 200
)

// ErrPathEscapesRoot is returned for paths outside the session root.
var ErrPathEscapesRoot = errors.New("path escapes session root")

// Verdict is what the agent reports through Conclude.
type Verdict struct {
	Outcome    investigation.Outcome    `json:"outcome"`
	Evidence   string                   `json:"evidence"`
	Confidence investigation.Confidence `json:"confidence"`
	KeyMetrics []string                 `json:"key_metrics"`
}

// AgentTools returns the tool definitions offered to the analysis agent.
func AgentTools() []types.Tool {
	str := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	integer := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "integer", "description": desc}
	}
	object := func(props map[string]interface{}, required ...string) map[string]interface{} {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		return map[string]interface{}{"type": "object", "properties": props, "required": req}
	}

	return []types.Tool{
		{
			Name:        ToolRead,
			Description: "Read a text file in the session directory. Returns numbered lines.",
			Parameters: object(map[string]interface{}{
				"file_path": str("Path relative to the session root, e.g. analysis/files/sales.csv"),
				"offset":    integer("1-based line to start from (optional)"),
				"limit":     integer("Maximum number of lines (default 2000)"),
			}, "file_path"),
		},
		{
			Name:        ToolWrite,
			Description: "Create or overwrite a file. Write analysis scripts under analysis/scripts/.",
			Parameters: object(map[string]interface{}{
				"file_path": str("Path relative to the session root"),
				"content":   str("Full file content"),
			}, "file_path", "content"),
		},
		{
			Name:        ToolBash,
			Description: "Run a shell command in the session root, e.g. python analysis/scripts/check.py. Returns combined stdout and stderr.",
			Parameters: object(map[string]interface{}{
				"command": str("Command line to run with sh -c"),
				"timeout": integer("Timeout in seconds (optional, capped by server configuration)"),
			}, "command"),
		},
		{
			Name:        ToolGlob,
			Description: "List files matching a glob pattern relative to the session root, e.g. analysis/files/*.csv or **/*.py.",
			Parameters: object(map[string]interface{}{
				"pattern": str("Glob pattern"),
			}, "pattern"),
		},
		{
			Name:        ToolGrep,
			Description: "Search file contents with a regular expression. Returns path:line:text matches.",
			Parameters: object(map[string]interface{}{
				"pattern": str("Regular expression"),
				"path":    str("File or directory to search (default: session root)"),
				"glob":    str("Only search files whose name matches this glob (optional)"),
			}, "pattern"),
		},
		{
			Name:        ToolConclude,
			Description: "Record your final verdict for the hypothesis. Call exactly once when the analysis is done.",
			Parameters: object(map[string]interface{}{
				"outcome":    map[string]interface{}{"type": "string", "enum": []interface{}{"CONFIRMED", "RULED_OUT"}},
				"evidence":   str("Summary of the evidence supporting the verdict"),
				"confidence": map[string]interface{}{"type": "string", "enum": []interface{}{"HIGH", "MEDIUM", "LOW"}},
				"key_metrics": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Key numbers that support the verdict",
				},
			}, "outcome", "evidence", "confidence"),
		},
	}
}

// ToolExecutor implements types.ToolExecutor for one hypothesis investigation.
type ToolExecutor struct {
	root           string
	commandTimeout time.Duration
	logger         *zap.Logger

	mu        sync.Mutex
	verdict   *Verdict
	scripts   []string
	artifacts []string
}

// NewToolExecutor creates an executor sandboxed to root.
func NewToolExecutor(root string, commandTimeout time.Duration, logger *zap.Logger) *ToolExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if commandTimeout <= 0 {
		commandTimeout = 2 * time.Minute
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	return &ToolExecutor{root: abs, commandTimeout: commandTimeout, logger: logger}
}

// Execute runs one tool call.
func (e *ToolExecutor) Execute(ctx context.Context, toolName string, args map[string]interface{}) (string, error) {
	e.logger.Debug("Agent tool call", zap.String("tool", toolName))
	switch toolName {
	case ToolRead:
		return e.read(args)
	case ToolWrite:
		return e.write(args)
	case ToolBash:
		return e.bash(ctx, args)
	case ToolGlob:
		return e.glob(args)
	case ToolGrep:
		return e.grep(args)
	case ToolConclude:
		return e.conclude(args)
	default:
		return "", fmt.Errorf("unknown tool %q", toolName)
	}
}

// Verdict returns the verdict recorded by Conclude, if any.
func (e *ToolExecutor) Verdict() (Verdict, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.verdict == nil {
		return Verdict{}, false
	}
	return *e.verdict, true
}

// Scripts returns the script paths written so far, relative to the root.
func (e *ToolExecutor) Scripts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.scripts...)
}

// Artifacts returns non-script files written so far, relative to the root.
func (e *ToolExecutor) Artifacts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.artifacts...)
}

// Resolve maps a tool path argument to an absolute path under the root.
func (e *ToolExecutor) Resolve(p string) (string, error) {
	if p == "" {
		return e.root, nil
	}
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(e.root, p)
	}
	rel, err := filepath.Rel(e.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, p)
	}
	return abs, nil
}

// ─── Tools ───────────────────────────────────────────────────────────────────

func (e *ToolExecutor) read(args map[string]interface{}) (string, error) {
	path, err := e.Resolve(stringArg(args, "file_path"))
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	offset := intArg(args, "offset", 1)
	if offset < 1 {
		offset = 1
	}
	limit := intArg(args, "limit", defaultReadLimit)

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line, emitted := 0, 0
	for scanner.Scan() {
		line++
		if line < offset {
			continue
		}
		if emitted >= limit {
			break
		}
		fmt.Fprintf(&sb, "%6d\t%s\n", line, scanner.Text())
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return sb.String(), err
	}
	if emitted == 0 {
		return "(empty)", nil
	}
	return sb.String(), nil
}

func (e *ToolExecutor) write(args map[string]interface{}) (string, error) {
	raw := stringArg(args, "file_path")
	path, err := e.Resolve(raw)
	if err != nil {
		return "", err
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), filePermissions); err != nil {
		return "", err
	}

	rel := e.rel(path)
	e.mu.Lock()
	if strings.Contains(filepath.ToSlash(raw), "scripts/") {
		e.scripts = appendUnique(e.scripts, rel)
	} else {
		e.artifacts = appendUnique(e.artifacts, rel)
	}
	e.mu.Unlock()

	return fmt.Sprintf("Wrote %d bytes to %s", len(content), rel), nil
}

func (e *ToolExecutor) bash(ctx context.Context, args map[string]interface{}) (string, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return "", errors.New("command is required")
	}
	timeout := e.commandTimeout
	if secs := intArg(args, "timeout", 0); secs > 0 && time.Duration(secs)*time.Second < timeout {
		timeout = time.Duration(secs) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.root
	cmd.WaitDelay = 2 * time.Second
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()

	out := truncate(buf.String(), MaxOutputBytes)
	if ctx.Err() == context.DeadlineExceeded {
		return out + fmt.Sprintf("\ncommand timed out after %s", timeout), nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return out + fmt.Sprintf("\nexit status %d", exitErr.ExitCode()), nil
	}
	if runErr != nil {
		return out, runErr
	}
	if out == "" {
		return "(no output)", nil
	}
	return out, nil
}

func (e *ToolExecutor) glob(args map[string]interface{}) (string, error) {
	pattern := filepath.ToSlash(stringArg(args, "pattern"))
	if pattern == "" {
		return "", errors.New("pattern is required")
	}
	if strings.HasPrefix(pattern, "/") || strings.HasPrefix(pattern, "..") {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, pattern)
	}

	var matches []string
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel := e.rel(path)
		if globMatch(pattern, rel) {
			matches = append(matches, rel)
		}
		if len(matches) >= maxGlobResults {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No files found", nil
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n"), nil
}

func (e *ToolExecutor) grep(args map[string]interface{}) (string, error) {
	re, err := regexp.Compile(stringArg(args, "pattern"))
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	start, err := e.Resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	nameGlob := stringArg(args, "glob")

	var matches []string
	walkErr := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if nameGlob != "" {
			if ok, _ := filepath.Match(nameGlob, d.Name()); !ok {
				return nil
			}
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for n := 1; scanner.Scan(); n++ {
			if re.MatchString(scanner.Text()) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", e.rel(path), n, scanner.Text()))
				if len(matches) >= maxGrepMatches {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return "", walkErr
	}
	if len(matches) == 0 {
		return "No matches found", nil
	}
	return strings.Join(matches, "\n"), nil
}

func (e *ToolExecutor) conclude(args map[string]interface{}) (string, error) {
	raw := strings.ToUpper(strings.TrimSpace(stringArg(args, "outcome")))
	if raw != string(investigation.OutcomeConfirmed) && raw != string(investigation.OutcomeRuledOut) {
		return "", fmt.Errorf("outcome must be CONFIRMED or RULED_OUT, got %q", raw)
	}
	v := Verdict{
		Outcome:    investigation.ParseOutcome(raw),
		Evidence:   stringArg(args, "evidence"),
		Confidence: investigation.ParseConfidence(stringArg(args, "confidence")),
		KeyMetrics: stringsArg(args, "key_metrics"),
	}
	e.mu.Lock()
	e.verdict = &v
	e.mu.Unlock()
	return "Verdict recorded: " + string(v.Outcome), nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (e *ToolExecutor) rel(path string) string {
	rel, err := filepath.Rel(e.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// globMatch matches rel against pattern. A leading "**/" matches any depth;
// a pattern without "/" matches the base name.
func globMatch(pattern, rel string) bool {
	if strings.HasPrefix(pattern, "**/") {
		rest := strings.TrimPrefix(pattern, "**/")
		if ok, _ := filepath.Match(rest, rel); ok {
			return true
		}
		parts := strings.Split(rel, "/")
		for i := 1; i < len(parts); i++ {
			if ok, _ := filepath.Match(rest, strings.Join(parts[i:], "/")); ok {
				return true
			}
		}
		return false
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := filepath.Match(pattern, filepath.Base(rel))
		return ok
	}
	ok, _ := filepath.Match(pattern, rel)
	return ok
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (output truncated)"
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func stringsArg(args map[string]interface{}, key string) []string {
	out := []string{}
	switch v := args[key].(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
	case []string:
		out = append(out, v...)
	case string:
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
