package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "README.md")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestOpen_ResolvesRepoRoot(t *testing.T) {
	dir := initTestRepo(t)
	repo, err := Open(context.Background(), dir)
	require.NoError(t, err)
	assert.NotEmpty(t, repo.RootPath)
}

func TestOpen_NonRepoReturnsGitRequired(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(context.Background(), dir)
	require.Error(t, err)
}

func TestAddAndRemoveWorktree(t *testing.T) {
	dir := initTestRepo(t)
	repo, err := Open(context.Background(), dir)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "wt1")
	require.NoError(t, repo.AddWorktree(context.Background(), wtPath, "ralph/test-1", "main"))

	dirty, err := repo.IsDirty(context.Background(), wtPath)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, repo.RemoveWorktree(context.Background(), wtPath))
}

func TestIsDirty_DetectsUncommittedChanges(t *testing.T) {
	dir := initTestRepo(t)
	repo, err := Open(context.Background(), dir)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "wt2")
	require.NoError(t, repo.AddWorktree(context.Background(), wtPath, "ralph/test-2", "main"))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "new.txt"), []byte("x"), 0o644))

	dirty, err := repo.IsDirty(context.Background(), wtPath)
	require.NoError(t, err)
	assert.True(t, dirty)
}
