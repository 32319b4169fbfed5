package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdaemon/taskdaemon/internal/coordinator"
	"github.com/taskdaemon/taskdaemon/internal/engine"
	"github.com/taskdaemon/taskdaemon/internal/eventbus"
	"github.com/taskdaemon/taskdaemon/internal/gitops"
	"github.com/taskdaemon/taskdaemon/internal/llmclient"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/store"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), testLogger().WithField("component", "store"))
	require.NoError(t, err)
	for _, col := range []string{"plans", "specs", "phases", "runs"} {
		st.RegisterCollection(col, col+".jsonl", 0, 0, func() model.Record { return &model.Run{} })
	}
	st.RegisterCollection("coordination", "coordination.jsonl", 0, 0, func() model.Record { return &model.CoordinationMessage{} })
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fakeLLM always replies with a fixed final text, so a driven Ralph settles
// in a single iteration.
type fakeLLM struct{ text string }

func (f fakeLLM) Complete(ctx context.Context, req llmclient.CompleteRequest) (llmclient.CompleteResponse, error) {
	return llmclient.CompleteResponse{Text: f.text, StopReason: "end_turn"}, nil
}

func (f fakeLLM) Stream(ctx context.Context, req llmclient.CompleteRequest, onChunk func(llmclient.StreamChunk)) (llmclient.CompleteResponse, error) {
	onChunk(llmclient.StreamChunk{Kind: llmclient.ChunkTextDelta, TextDelta: f.text})
	return llmclient.CompleteResponse{Text: f.text, StopReason: "end_turn"}, nil
}

func newTestEngine(t *testing.T, st *store.Store, coord *coordinator.Coordinator, repo *gitops.Repo) *engine.Engine {
	t.Helper()
	bus, err := eventbus.New(t.TempDir(), eventbus.RedisConfig{}, testLogger())
	require.NoError(t, err)
	tpl := engine.Templates{ByKind: map[model.Kind]string{
		model.KindRalph: "iteration {{iteration}} of {{max_iterations}}: {{progress}}",
	}}
	return engine.New(st, coord, bus, fakeLLM{text: "done"}, repo, tpl, engine.Config{Model: "test-model", MaxTokens: 256}, nil, testLogger())
}

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

func newTestSupervisor(t *testing.T, repo *gitops.Repo) (*Supervisor, *store.Store, *coordinator.Coordinator) {
	t.Helper()
	st := newTestStore(t)
	coord := coordinator.New(st, testLogger().WithField("component", "coordinator"))
	t.Cleanup(coord.Close)
	eng := newTestEngine(t, st, coord, repo)
	gitBase := ""
	if repo != nil {
		gitBase = filepath.Join(t.TempDir(), "worktrees")
		require.NoError(t, os.MkdirAll(gitBase, 0o755))
	}
	sup := New(st, coord, eng, repo, Config{GitBaseDir: gitBase}, testLogger())
	return sup, st, coord
}

func TestNew_SimpleModeForcesMaxRunsToOne(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, nil)
	assert.Equal(t, ModeSimple, sup.Mode())
	assert.False(t, sup.runSem.TryAcquire(2))
	assert.True(t, sup.runSem.TryAcquire(1))
}

func TestDepsResolved_BlocksOnIncompleteDependency(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	dep := &model.Run{ID: "abcdef-phase-dep", Kind: model.KindPhase, Status: model.StatusRunning}
	_, err := st.Create(ctx, "phases", dep)
	require.NoError(t, err)

	run := &model.Run{ID: "abcdef-phase-main", Kind: model.KindPhase, Status: model.StatusPending, Deps: []string{dep.ID}}
	ready, err := sup.depsResolved(ctx, "phases", run)
	require.NoError(t, err)
	assert.False(t, ready)

	dep.Status = model.StatusComplete
	dep.UpdatedAtMsV++
	require.NoError(t, st.Update(ctx, "phases", dep))

	ready, err = sup.depsResolved(ctx, "phases", run)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestAdmitRalph_RunsToCompletionAndTearsDownWorktree(t *testing.T) {
	dir := initTestRepo(t)
	repo, err := gitops.Open(context.Background(), dir)
	require.NoError(t, err)

	sup, st, _ := newTestSupervisor(t, repo)
	ctx := context.Background()

	run := &model.Run{
		ID: "abcdef-ralph-demo", Kind: model.KindRalph, Status: model.StatusPending,
		SuccessExitCode: 0, MaxIterations: 5,
	}
	_, err = st.Create(ctx, "runs", run)
	require.NoError(t, err)

	sup.admitRalph(ctx, run)

	require.Eventually(t, func() bool {
		rec, ok, err := st.Get(ctx, "runs", run.ID)
		return err == nil && ok && rec.(*model.Run).Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	rec, _, err := st.Get(ctx, "runs", run.ID)
	require.NoError(t, err)
	got := rec.(*model.Run)
	assert.Equal(t, model.StatusComplete, got.Status)

	_, statErr := os.Stat(got.WorktreePath)
	assert.True(t, os.IsNotExist(statErr), "worktree directory should be removed after completion")

	// Tearing down the worktree must have released the capacity it held.
	assert.True(t, sup.worktreeSem.TryAcquire(1))
}

func TestRecoverCrashed_MarksFailedWhenWorktreeMissing(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	// Simple mode (repo == nil): recoverOne falls straight to respawn, so
	// exercise the worktree-missing path directly against a real repo
	// instead of relying on Supervisor's nil-repo branch.
	dir := initTestRepo(t)
	repo, err := gitops.Open(context.Background(), dir)
	require.NoError(t, err)
	sup.repo = repo

	run := &model.Run{
		ID: "abcdef-ralph-crashed", Kind: model.KindRalph, Status: model.StatusRunning,
		WorktreePath: filepath.Join(t.TempDir(), "gone"),
		Branch:       "taskdaemon/abcdef-ralph-crashed",
	}
	_, err = st.Create(ctx, "runs", run)
	require.NoError(t, err)

	require.NoError(t, sup.recoverCrashed(ctx))

	rec, ok, err := st.Get(ctx, "runs", run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	got := rec.(*model.Run)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "worktree-missing", got.LastError)
}
