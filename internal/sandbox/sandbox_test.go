package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
)

func TestResolve_RelativePathInsideWorktree(t *testing.T) {
	tc := ToolContext{WorktreePath: "/tmp/work/run-1"}
	got, err := tc.Resolve("src/main.go")
	assert.NoError(t, err)
	assert.Equal(t, "/tmp/work/run-1/src/main.go", got)
}

func TestResolve_DotDotEscapeIsRejected(t *testing.T) {
	tc := ToolContext{WorktreePath: "/tmp/work/run-1"}
	_, err := tc.Resolve("../../etc/passwd")
	assert.ErrorIs(t, err, daemonerr.ErrSandboxEscape)
}

func TestResolve_AbsolutePathOutsideWorktreeIsRejected(t *testing.T) {
	tc := ToolContext{WorktreePath: "/tmp/work/run-1"}
	_, err := tc.Resolve("/etc/passwd")
	assert.ErrorIs(t, err, daemonerr.ErrSandboxEscape)
}

func TestResolve_WorktreeRootItselfIsAllowed(t *testing.T) {
	tc := ToolContext{WorktreePath: "/tmp/work/run-1"}
	got, err := tc.Resolve(".")
	assert.NoError(t, err)
	assert.Equal(t, "/tmp/work/run-1", got)
}

func TestTruncate_LeavesShortOutputUntouched(t *testing.T) {
	tc := ToolContext{MaxOutputBytes: 1024}
	out := tc.Truncate([]byte("short"))
	assert.Equal(t, "short", string(out))
}

func TestTruncate_ClipsLongOutputWithMarker(t *testing.T) {
	tc := ToolContext{MaxOutputBytes: 4}
	out := tc.Truncate([]byte("abcdefgh"))
	assert.Contains(t, string(out), "abcd")
	assert.Contains(t, string(out), "truncated")
}
