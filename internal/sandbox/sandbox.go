// Package sandbox implements the Tool Sandbox Contract from SPEC_FULL.md
// section 4.7: every tool call receives a ToolContext scoped to one run's
// worktree, and every path argument a tool accepts is canonicalized and
// checked against that worktree root before use. Path canonicalization
// follows the same clean-then-absolute shape as
// tim-coutinho-agentops's canonicalArtifactPath, generalized into a hard
// containment check instead of a best-effort normalization.
package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
)

// CoordinatorHandle is the narrow view of the coordinator a tool call
// needs (query/share/alert), kept as an interface here so sandbox has no
// import-time dependency on the coordinator package.
type CoordinatorHandle interface {
	Share(from, to, topic string, payload map[string]interface{}) error
	Alert(from, topic string, payload map[string]interface{}) error
	Query(from, to, topic string, payload map[string]interface{}) (map[string]interface{}, error)
}

// ExploreSpawner launches an isolated-context Explore sub-agent for the
// `explore` tool and returns its final summary text.
type ExploreSpawner func(prompt string) (string, error)

// ToolContext is passed to every built-in tool invocation.
type ToolContext struct {
	WorktreePath      string
	RunID             string
	Iteration         int
	MaxOutputBytes    int
	CoordinatorHandle CoordinatorHandle // optional: nil for the read-only Explore profile
	ExploreSpawner    ExploreSpawner    // optional: nil except on the "full" profile
}

// DefaultMaxOutputBytes bounds a single tool call's captured output before
// truncation, per SPEC_FULL.md section 4.7.
const DefaultMaxOutputBytes = 64 * 1024

// Resolve canonicalizes a tool-supplied path argument against the
// worktree root and rejects any path that would escape it, returning
// daemonerr.ErrSandboxEscape. The check is lexical: ".." segments and
// absolute paths outside the root are rejected, but symlinks are not
// followed, so a symlink inside the worktree that points outside it is
// not detected.
func (tc ToolContext) Resolve(rawPath string) (string, error) {
	root, err := filepath.Abs(filepath.Clean(tc.WorktreePath))
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve worktree root: %w", err)
	}
	p := strings.TrimSpace(rawPath)
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve %q: %w", rawPath, err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes worktree %q", daemonerr.ErrSandboxEscape, rawPath, root)
	}
	return abs, nil
}

// Truncate clips output to MaxOutputBytes (or DefaultMaxOutputBytes when
// unset), appending an explicit marker so callers never mistake truncated
// output for complete output.
func (tc ToolContext) Truncate(output []byte) []byte {
	limit := tc.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	if len(output) <= limit {
		return output
	}
	marker := []byte(fmt.Sprintf("\n...[truncated, %d of %d bytes shown]", limit, len(output)))
	return append(output[:limit], marker...)
}
