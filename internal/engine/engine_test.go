package engine

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
	st.RegisterCollection("runs", "runs.jsonl", 0, 0, func() model.Record { return &model.Run{} })
	st.RegisterCollection("coordination", "coordination.jsonl", 0, 0, func() model.Record { return &model.CoordinationMessage{} })
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fakeLLM always replies with a fixed final text and no tool uses, so the
// sub-loop settles in a single turn.
type fakeLLM struct {
	text       string
	stopReason string
}

func (f fakeLLM) Complete(ctx context.Context, req llmclient.CompleteRequest) (llmclient.CompleteResponse, error) {
	return llmclient.CompleteResponse{Text: f.text, StopReason: f.stopReason}, nil
}

func (f fakeLLM) Stream(ctx context.Context, req llmclient.CompleteRequest, onChunk func(llmclient.StreamChunk)) (llmclient.CompleteResponse, error) {
	onChunk(llmclient.StreamChunk{Kind: llmclient.ChunkTextDelta, TextDelta: f.text})
	return llmclient.CompleteResponse{Text: f.text, StopReason: f.stopReason}, nil
}

func newTestRun(t *testing.T, st *store.Store, successExit int, maxIter int) *model.Run {
	t.Helper()
	run := &model.Run{
		ID: "abcdef-ralph-demo", Kind: model.KindRalph, Status: model.StatusRunning,
		Title: "demo", WorktreePath: t.TempDir(), SuccessExitCode: successExit, MaxIterations: maxIter,
	}
	_, err := st.Create(context.Background(), "runs", run)
	require.NoError(t, err)
	return run
}

func newTestEngine(t *testing.T, st *store.Store, llm llmclient.Client) (*Engine, *coordinator.Coordinator) {
	t.Helper()
	return newTestEngineWithRepo(t, st, llm, nil)
}

func newTestEngineWithRepo(t *testing.T, st *store.Store, llm llmclient.Client, repo *gitops.Repo) (*Engine, *coordinator.Coordinator) {
	t.Helper()
	coord := coordinator.New(st, testLogger().WithField("component", "coordinator"))
	bus, err := eventbus.New(t.TempDir(), eventbus.RedisConfig{}, testLogger())
	require.NoError(t, err)
	tpl := Templates{ByKind: map[model.Kind]string{
		model.KindRalph: "iteration {{iteration}} of {{max_iterations}}: {{progress}}",
	}}
	eng := New(st, coord, bus, llm, repo, tpl, Config{Model: "test-model", MaxTokens: 256, BaseBranch: "main"}, nil, testLogger())
	return eng, coord
}

func TestDrive_SuccessExitCodeCompletesRun(t *testing.T) {
	st := newTestStore(t)
	eng, coord := newTestEngine(t, st, fakeLLM{text: "done", stopReason: "end_turn"})
	defer coord.Close()

	run := newTestRun(t, st, 0, 5)
	// No ValidationCmd declared: itc.ExitCode defaults to run.SuccessExitCode.

	err := eng.Drive(context.Background(), run.ID)
	require.NoError(t, err)

	rec, ok, err := st.Get(context.Background(), "runs", run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	got := rec.(*model.Run)
	assert.Equal(t, model.StatusComplete, got.Status)
	assert.NotEmpty(t, got.Progress)
}

func TestDrive_ValidationCommandDrivesExitCode(t *testing.T) {
	st := newTestStore(t)
	eng, coord := newTestEngine(t, st, fakeLLM{text: "ran validation", stopReason: "end_turn"})
	defer coord.Close()

	run := newTestRun(t, st, 0, 5)
	run.ValidationCmd = "exit 0"
	run.UpdatedAtMsV++
	require.NoError(t, st.Update(context.Background(), "runs", run))

	err := eng.Drive(context.Background(), run.ID)
	require.NoError(t, err)

	rec, _, err := st.Get(context.Background(), "runs", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, rec.(*model.Run).Status)
}

func TestDrive_ExhaustsMaxIterationsAndFails(t *testing.T) {
	st := newTestStore(t)
	eng, coord := newTestEngine(t, st, fakeLLM{text: "still trying", stopReason: "end_turn"})
	defer coord.Close()

	run := newTestRun(t, st, 0, 2)
	run.ValidationCmd = "exit 1"
	run.UpdatedAtMsV++
	require.NoError(t, st.Update(context.Background(), "runs", run))

	err := eng.Drive(context.Background(), run.ID)
	require.NoError(t, err)

	rec, _, err := st.Get(context.Background(), "runs", run.ID)
	require.NoError(t, err)
	got := rec.(*model.Run)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.NotEmpty(t, got.LastError)
}

func TestDrive_StopRequestObservedBeforeIteration(t *testing.T) {
	st := newTestStore(t)
	eng, coord := newTestEngine(t, st, fakeLLM{text: "unused", stopReason: "end_turn"})
	defer coord.Close()

	run := newTestRun(t, st, 0, 5)
	coord.Stop("operator", run.ID, "cancelled by operator")
	// Give the coordinator actor a moment to route the stop into the inbox.
	// Inbox() itself blocks on the actor's reqCh so this read is synchronized.
	_ = eng.coord.Inbox(run.ID)

	err := eng.Drive(context.Background(), run.ID)
	require.NoError(t, err)

	rec, _, err := st.Get(context.Background(), "runs", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, rec.(*model.Run).Status)
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

// initTestRepoWithWorktree sets up a main checkout plus one worktree cut
// from it, matching the Supervisor's own ensureWorktree layout, so
// maybeRebase has a real branch to rebase.
func initTestRepoWithWorktree(t *testing.T) (repo *gitops.Repo, mainDir, worktreeDir string) {
	t.Helper()
	mainDir = t.TempDir()
	runGit(t, mainDir, "init", "-q", "-b", "main")
	runGit(t, mainDir, "config", "user.email", "test@example.com")
	runGit(t, mainDir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(mainDir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, mainDir, "add", "README.md")
	runGit(t, mainDir, "commit", "-q", "-m", "initial")

	r, err := gitops.Open(context.Background(), mainDir)
	require.NoError(t, err)

	worktreeDir = filepath.Join(t.TempDir(), "wt")
	require.NoError(t, r.AddWorktree(context.Background(), worktreeDir, "taskdaemon/demo", "main"))
	return r, mainDir, worktreeDir
}

// TestMaybeRebase_CleanRebaseReturnsToRunning exercises the main_updated
// wiring end to end: a pending alert drives Running -> Rebasing, WIP gets
// auto-committed, the rebase onto the advanced base succeeds, and the run
// returns to Running.
func TestMaybeRebase_CleanRebaseReturnsToRunning(t *testing.T) {
	st := newTestStore(t)
	repo, mainDir, wtDir := initTestRepoWithWorktree(t)

	require.NoError(t, os.WriteFile(filepath.Join(mainDir, "NOTES.md"), []byte("notes\n"), 0o644))
	runGit(t, mainDir, "add", "NOTES.md")
	runGit(t, mainDir, "commit", "-q", "-m", "advance main")

	require.NoError(t, os.WriteFile(filepath.Join(wtDir, "wip.txt"), []byte("wip\n"), 0o644))

	eng, coord := newTestEngineWithRepo(t, st, fakeLLM{text: "n/a"}, repo)
	defer coord.Close()

	run := &model.Run{
		ID: "abcdef-ralph-rebase-a", Kind: model.KindRalph, Status: model.StatusRunning,
		WorktreePath: wtDir, Branch: "taskdaemon/demo",
	}
	_, err := st.Create(context.Background(), "runs", run)
	require.NoError(t, err)

	alertCh := make(chan model.CoordinationMessage, 1)
	alertCh <- model.CoordinationMessage{Kind: model.MessageAlert, Topic: "main_updated"}

	blocked, err := eng.maybeRebase(context.Background(), run, alertCh)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Equal(t, model.StatusRunning, run.Status)

	dirty, err := repo.IsDirty(context.Background(), wtDir)
	require.NoError(t, err)
	assert.False(t, dirty, "rebase must auto-commit WIP before rebasing")

	rec, ok, err := st.Get(context.Background(), "runs", run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusRunning, rec.(*model.Run).Status)
}

// TestMaybeRebase_ConflictGoesBlocked exercises the other edge: a
// conflicting rebase leaves the run Blocked with its conflict recorded,
// per SPEC_FULL.md's "no automatic destructive resolution" rule.
func TestMaybeRebase_ConflictGoesBlocked(t *testing.T) {
	st := newTestStore(t)
	repo, mainDir, wtDir := initTestRepoWithWorktree(t)

	require.NoError(t, os.WriteFile(filepath.Join(wtDir, "README.md"), []byte("from worktree\n"), 0o644))
	runGit(t, wtDir, "add", "README.md")
	runGit(t, wtDir, "commit", "-q", "-m", "worktree edit")

	require.NoError(t, os.WriteFile(filepath.Join(mainDir, "README.md"), []byte("from main\n"), 0o644))
	runGit(t, mainDir, "add", "README.md")
	runGit(t, mainDir, "commit", "-q", "-m", "main edit")

	eng, coord := newTestEngineWithRepo(t, st, fakeLLM{text: "n/a"}, repo)
	defer coord.Close()

	run := &model.Run{
		ID: "abcdef-ralph-rebase-b", Kind: model.KindRalph, Status: model.StatusRunning,
		WorktreePath: wtDir, Branch: "taskdaemon/demo",
	}
	_, err := st.Create(context.Background(), "runs", run)
	require.NoError(t, err)

	alertCh := make(chan model.CoordinationMessage, 1)
	alertCh <- model.CoordinationMessage{Kind: model.MessageAlert, Topic: "main_updated"}

	blocked, err := eng.maybeRebase(context.Background(), run, alertCh)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, model.StatusBlocked, run.Status)
	assert.NotEmpty(t, run.LastError)

	rec, ok, err := st.Get(context.Background(), "runs", run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusBlocked, rec.(*model.Run).Status)
}

// TestMaybeRebase_NoPendingAlertIsANoOp confirms the common case: with
// nothing waiting on the channel, maybeRebase does not touch the run at
// all, so Drive's normal iteration path is unaffected.
func TestMaybeRebase_NoPendingAlertIsANoOp(t *testing.T) {
	st := newTestStore(t)
	repo, _, wtDir := initTestRepoWithWorktree(t)
	eng, coord := newTestEngineWithRepo(t, st, fakeLLM{text: "n/a"}, repo)
	defer coord.Close()

	run := &model.Run{ID: "abcdef-ralph-rebase-c", Kind: model.KindRalph, Status: model.StatusRunning, WorktreePath: wtDir}
	alertCh := make(chan model.CoordinationMessage, 1)

	blocked, err := eng.maybeRebase(context.Background(), run, alertCh)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Equal(t, model.StatusRunning, run.Status)
}

// TestMaybeRebase_SimpleModeSkipsEntirely confirms a nil repo (Simple
// execution mode) never attempts a rebase even with a pending alert.
func TestMaybeRebase_SimpleModeSkipsEntirely(t *testing.T) {
	st := newTestStore(t)
	eng, coord := newTestEngine(t, st, fakeLLM{text: "n/a"})
	defer coord.Close()

	run := &model.Run{ID: "abcdef-ralph-rebase-d", Kind: model.KindRalph, Status: model.StatusRunning}
	alertCh := make(chan model.CoordinationMessage, 1)
	alertCh <- model.CoordinationMessage{Kind: model.MessageAlert, Topic: "main_updated"}

	blocked, err := eng.maybeRebase(context.Background(), run, alertCh)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Equal(t, model.StatusRunning, run.Status)
}

// TestStopRequested_RequeuesNonStopMessages confirms a Share queued ahead
// of a Stop is put back on the inbox rather than dropped, while the Stop
// itself is still observed.
func TestStopRequested_RequeuesNonStopMessages(t *testing.T) {
	st := newTestStore(t)
	eng, coord := newTestEngine(t, st, fakeLLM{text: "n/a"})
	defer coord.Close()

	runID := "abcdef-ralph-inbox"
	coord.Share("peer", runID, "context", map[string]interface{}{"note": "hello"})
	coord.Stop("operator", runID, "cancelled")
	// Give the coordinator actor a moment to route both into the inbox.
	_ = coord.Inbox(runID)

	assert.True(t, eng.stopRequested(runID))

	require.Eventually(t, func() bool {
		select {
		case msg := <-coord.Inbox(runID):
			return msg.Kind == model.MessageShare
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "share message should be requeued, not dropped")
}
