// Package tools implements the built-in tool set an iteration's agentic
// sub-loop calls through, scoped by sandbox.ToolContext. Two profiles are
// assembled from the same implementations: "full" for a Ralph iteration
// and "read-only" for an Explore sub-agent, per SPEC_FULL.md section 4.3.
package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
	"github.com/taskdaemon/taskdaemon/internal/sandbox"
)

// Tool is one callable tool; Input is already-decoded JSON from the
// model's tool-use block.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Call(ctx context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error)
}

// FullProfile returns every tool available to a Ralph iteration.
func FullProfile() []Tool {
	return []Tool{
		readTool{}, writeTool{}, editTool{}, grepTool{}, globTool{},
		runCommandTool{}, completeTaskTool{}, queryTool{}, shareTool{}, exploreTool{},
	}
}

// ReadOnlyProfile returns the restricted tool set for the Explore
// sub-agent: no write/edit, and run-command is blocklisted against
// mutating shell idioms.
func ReadOnlyProfile() []Tool {
	return []Tool{
		readTool{}, grepTool{}, globTool{}, treeTool{}, listTool{},
		runCommandTool{blocklisted: true}, queryTool{},
	}
}

func stringArg(input map[string]interface{}, key string) (string, error) {
	v, ok := input[key]
	if !ok {
		return "", fmt.Errorf("%w: missing argument %q", daemonerr.ErrToolError, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %q must be a string", daemonerr.ErrToolError, key)
	}
	return s, nil
}

func optionalStringArg(input map[string]interface{}, key, fallback string) string {
	if v, ok := input[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// --- read ---

type readTool struct{}

func (readTool) Name() string        { return "read" }
func (readTool) Description() string { return "Read a file's contents from the worktree." }
func (readTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"path": map[string]interface{}{"type": "string"},
	}, "required": []string{"path"}}
}
func (readTool) Call(_ context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	path, err := stringArg(input, "path")
	if err != nil {
		return "", err
	}
	resolved, err := tc.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", daemonerr.ErrToolError, path, err)
	}
	return string(tc.Truncate(data)), nil
}

// --- write ---

type writeTool struct{}

func (writeTool) Name() string        { return "write" }
func (writeTool) Description() string { return "Write content to a file, creating or overwriting it." }
func (writeTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"path":    map[string]interface{}{"type": "string"},
		"content": map[string]interface{}{"type": "string"},
	}, "required": []string{"path", "content"}}
}
func (writeTool) Call(_ context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	path, err := stringArg(input, "path")
	if err != nil {
		return "", err
	}
	content, err := stringArg(input, "content")
	if err != nil {
		return "", err
	}
	resolved, err := tc.Resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir for %s: %v", daemonerr.ErrToolError, path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", daemonerr.ErrToolError, path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

// --- edit ---

type editTool struct{}

func (editTool) Name() string { return "edit" }
func (editTool) Description() string {
	return "Replace the single occurrence of old_text with new_text in a file; fails if old_text is absent or appears more than once."
}
func (editTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"path":     map[string]interface{}{"type": "string"},
		"old_text": map[string]interface{}{"type": "string"},
		"new_text": map[string]interface{}{"type": "string"},
	}, "required": []string{"path", "old_text", "new_text"}}
}
func (editTool) Call(_ context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	path, err := stringArg(input, "path")
	if err != nil {
		return "", err
	}
	oldText, err := stringArg(input, "old_text")
	if err != nil {
		return "", err
	}
	newText, err := stringArg(input, "new_text")
	if err != nil {
		return "", err
	}
	resolved, err := tc.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", daemonerr.ErrToolError, path, err)
	}
	original := string(data)
	idx := strings.Index(original, oldText)
	if idx == -1 {
		return "", fmt.Errorf("%w: old_text not found in %s", daemonerr.ErrToolError, path)
	}
	if strings.Count(original, oldText) > 1 {
		return "", fmt.Errorf("%w: old_text is not unique in %s", daemonerr.ErrToolError, path)
	}
	updated := original[:idx] + newText + original[idx+len(oldText):]
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", daemonerr.ErrToolError, path, err)
	}
	return fmt.Sprintf("edited %s", path), nil
}

// --- grep ---

type grepTool struct{}

func (grepTool) Name() string        { return "grep" }
func (grepTool) Description() string { return "Search file contents for a literal or regex pattern." }
func (grepTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"pattern": map[string]interface{}{"type": "string"},
		"path":    map[string]interface{}{"type": "string"},
	}, "required": []string{"pattern"}}
}
func (grepTool) Call(ctx context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	pattern, err := stringArg(input, "pattern")
	if err != nil {
		return "", err
	}
	dir := optionalStringArg(input, "path", ".")
	resolved, err := tc.Resolve(dir)
	if err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, "grep", "-rn", "--", pattern, resolved).CombinedOutput()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return "no matches", nil // grep's "no matches" exit code, not a tool failure
		}
		return "", fmt.Errorf("%w: grep: %v", daemonerr.ErrToolError, err)
	}
	return string(tc.Truncate(out)), nil
}

// --- glob ---

type globTool struct{}

func (globTool) Name() string        { return "glob" }
func (globTool) Description() string { return "List files matching a glob pattern." }
func (globTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"pattern": map[string]interface{}{"type": "string"},
	}, "required": []string{"pattern"}}
}
func (globTool) Call(_ context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	pattern, err := stringArg(input, "pattern")
	if err != nil {
		return "", err
	}
	root, err := tc.Resolve(".")
	if err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		return "", fmt.Errorf("%w: glob %q: %v", daemonerr.ErrToolError, pattern, err)
	}
	sort.Strings(matches)
	rel := make([]string, 0, len(matches))
	for _, m := range matches {
		if r, err := filepath.Rel(root, m); err == nil {
			rel = append(rel, r)
		}
	}
	return strings.Join(rel, "\n"), nil
}

// --- tree / list (read-only profile) ---

type treeTool struct{}

func (treeTool) Name() string        { return "tree" }
func (treeTool) Description() string { return "Print the worktree's directory structure." }
func (treeTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"path": map[string]interface{}{"type": "string"},
	}}
}
func (treeTool) Call(_ context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	dir := optionalStringArg(input, "path", ".")
	root, err := tc.Resolve(dir)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			return nil
		}
		fmt.Fprintln(&b, rel)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: tree: %v", daemonerr.ErrToolError, err)
	}
	return string(tc.Truncate([]byte(b.String()))), nil
}

type listTool struct{}

func (listTool) Name() string        { return "list" }
func (listTool) Description() string { return "List entries in a single directory." }
func (listTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"path": map[string]interface{}{"type": "string"},
	}}
}
func (listTool) Call(_ context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	dir := optionalStringArg(input, "path", ".")
	resolved, err := tc.Resolve(dir)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: list %s: %v", daemonerr.ErrToolError, dir, err)
	}
	var b strings.Builder
	for _, e := range entries {
		suffix := ""
		if e.IsDir() {
			suffix = "/"
		}
		fmt.Fprintf(&b, "%s%s\n", e.Name(), suffix)
	}
	return b.String(), nil
}

// --- run-command ---

// writeBlocklist rejects shell idioms with an obvious mutating intent for
// the read-only Explore profile. This is a denylist, not a sandbox
// boundary; sandbox.ToolContext.Resolve is what actually enforces
// containment for path-taking tools.
var writeBlocklist = []string{"rm ", "mv ", ">", ">>", "git commit", "git push", "git checkout", "sed -i", "truncate"}

type runCommandTool struct {
	blocklisted bool
}

func (runCommandTool) Name() string        { return "run_command" }
func (runCommandTool) Description() string { return "Run a shell command in the worktree." }
func (runCommandTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"command": map[string]interface{}{"type": "string"},
	}, "required": []string{"command"}}
}
func (t runCommandTool) Call(ctx context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	command, err := stringArg(input, "command")
	if err != nil {
		return "", err
	}
	if t.blocklisted {
		lower := strings.ToLower(command)
		for _, bad := range writeBlocklist {
			if strings.Contains(lower, bad) {
				return "", fmt.Errorf("%w: %q is not allowed in the read-only tool profile", daemonerr.ErrToolError, bad)
			}
		}
	}
	root, err := tc.Resolve(".")
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	truncated := tc.Truncate(out)
	if err != nil {
		return string(truncated), fmt.Errorf("%w: run_command: %v", daemonerr.ErrToolError, err)
	}
	return string(truncated), nil
}

// --- complete_task ---

type completeTaskTool struct{}

func (completeTaskTool) Name() string        { return "complete_task" }
func (completeTaskTool) Description() string { return "Signal that the Ralph believes its task is done." }
func (completeTaskTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"summary": map[string]interface{}{"type": "string"},
	}, "required": []string{"summary"}}
}
func (completeTaskTool) Call(_ context.Context, _ sandbox.ToolContext, input map[string]interface{}) (string, error) {
	summary, err := stringArg(input, "summary")
	if err != nil {
		return "", err
	}
	return summary, nil
}

// --- query / share ---

type queryTool struct{}

func (queryTool) Name() string        { return "query" }
func (queryTool) Description() string { return "Ask another run a question and block for its reply." }
func (queryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"to":      map[string]interface{}{"type": "string"},
		"topic":   map[string]interface{}{"type": "string"},
		"payload": map[string]interface{}{"type": "object"},
	}, "required": []string{"to", "topic"}}
}
func (queryTool) Call(_ context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	if tc.CoordinatorHandle == nil {
		return "", fmt.Errorf("%w: query is unavailable in this tool profile", daemonerr.ErrToolError)
	}
	to, err := stringArg(input, "to")
	if err != nil {
		return "", err
	}
	topic, err := stringArg(input, "topic")
	if err != nil {
		return "", err
	}
	payload, _ := input["payload"].(map[string]interface{})
	answer, err := tc.CoordinatorHandle.Query(tc.RunID, to, topic, payload)
	if err != nil {
		return "", fmt.Errorf("%w: query %s: %v", daemonerr.ErrToolError, to, err)
	}
	return fmt.Sprintf("%v", answer), nil
}

type shareTool struct{}

func (shareTool) Name() string        { return "share" }
func (shareTool) Description() string { return "Send a fact to another run without waiting for a reply." }
func (shareTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"to":      map[string]interface{}{"type": "string"},
		"topic":   map[string]interface{}{"type": "string"},
		"payload": map[string]interface{}{"type": "object"},
	}, "required": []string{"to", "topic"}}
}
func (shareTool) Call(_ context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	if tc.CoordinatorHandle == nil {
		return "", fmt.Errorf("%w: share is unavailable in this tool profile", daemonerr.ErrToolError)
	}
	to, err := stringArg(input, "to")
	if err != nil {
		return "", err
	}
	topic, err := stringArg(input, "topic")
	if err != nil {
		return "", err
	}
	payload, _ := input["payload"].(map[string]interface{})
	if err := tc.CoordinatorHandle.Share(tc.RunID, to, topic, payload); err != nil {
		return "", fmt.Errorf("%w: share with %s: %v", daemonerr.ErrToolError, to, err)
	}
	return "shared", nil
}

// --- explore ---

type exploreTool struct{}

func (exploreTool) Name() string { return "explore" }
func (exploreTool) Description() string {
	return "Spawn an isolated read-only sub-agent to investigate the worktree and return a summary."
}
func (exploreTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"prompt": map[string]interface{}{"type": "string"},
	}, "required": []string{"prompt"}}
}
func (exploreTool) Call(_ context.Context, tc sandbox.ToolContext, input map[string]interface{}) (string, error) {
	if tc.ExploreSpawner == nil {
		return "", fmt.Errorf("%w: explore is unavailable in this tool profile", daemonerr.ErrToolError)
	}
	prompt, err := stringArg(input, "prompt")
	if err != nil {
		return "", err
	}
	summary, err := tc.ExploreSpawner(prompt)
	if err != nil {
		return "", fmt.Errorf("%w: explore: %v", daemonerr.ErrToolError, err)
	}
	return summary, nil
}
