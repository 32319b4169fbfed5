package cascade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdaemon/taskdaemon/internal/model"
)

func mustCreate(t *testing.T, ctx context.Context, st interface {
	Create(context.Context, string, model.Record) (string, error)
}, collection string, run *model.Run) *model.Run {
	t.Helper()
	_, err := st.Create(ctx, collection, run)
	require.NoError(t, err)
	return run
}

// TestOnRalphTerminal_CompletesPhaseWhenAllSiblingsDone exercises cascade
// monotonicity (invariant 3) from the Ralph->Phase leg: a phase only
// transitions once every ralph sibling has reached a terminal status.
func TestOnRalphTerminal_CompletesPhaseWhenAllSiblingsDone(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	phase := mustCreate(t, ctx, st, "phases", &model.Run{ID: "abc123-phase-a", Kind: model.KindPhase, Status: model.StatusRunning, UpdatedAtMsV: 1})
	ralph := mustCreate(t, ctx, st, "runs", &model.Run{ID: "abc123-ralph-a", Kind: model.KindRalph, Status: model.StatusComplete, Parent: phase.ID, UpdatedAtMsV: 1})

	outcome, err := OnRalphTerminal(ctx, st, ralph, DefaultMaxRetries)
	require.NoError(t, err)
	assert.True(t, outcome.ParentTransitioned)
	assert.Equal(t, model.StatusComplete, outcome.ParentNewStatus)

	got, ok, err := st.Get(ctx, "phases", phase.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusComplete, got.(*model.Run).Status)
}

// TestOnRalphTerminal_RetriesWithinBudget exercises the retry-before-fail
// policy: a failed ralph within budget spawns a sibling instead of failing
// its phase.
func TestOnRalphTerminal_RetriesWithinBudget(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	phase := mustCreate(t, ctx, st, "phases", &model.Run{ID: "abc123-phase-b", Kind: model.KindPhase, Status: model.StatusRunning, UpdatedAtMsV: 1})
	ralph := mustCreate(t, ctx, st, "runs", &model.Run{ID: "abc123-ralph-b", Kind: model.KindRalph, Status: model.StatusFailed, Parent: phase.ID, Title: "do it", UpdatedAtMsV: 1})

	outcome, err := OnRalphTerminal(ctx, st, ralph, DefaultMaxRetries)
	require.NoError(t, err)
	require.NotNil(t, outcome.RetryCreated)
	assert.False(t, outcome.ParentTransitioned)
	assert.Equal(t, ralph.ID, outcome.RetryCreated.RetryOf)
	assert.Equal(t, model.StatusPending, outcome.RetryCreated.Status)

	got, ok, err := st.Get(ctx, "phases", phase.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusRunning, got.(*model.Run).Status, "phase must not fail while retries remain")
}

// TestOnRalphTerminal_FailsPhaseBeyondRetryBudget exercises the budget's
// other edge: once the retry chain is exhausted, the phase fails.
func TestOnRalphTerminal_FailsPhaseBeyondRetryBudget(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	phase := mustCreate(t, ctx, st, "phases", &model.Run{ID: "abc123-phase-c", Kind: model.KindPhase, Status: model.StatusRunning, UpdatedAtMsV: 1})
	ralph := mustCreate(t, ctx, st, "runs", &model.Run{ID: "abc123-ralph-c", Kind: model.KindRalph, Status: model.StatusFailed, Parent: phase.ID, Title: "do it", RetryCount: 1, UpdatedAtMsV: 1})

	outcome, err := OnRalphTerminal(ctx, st, ralph, 1)
	require.NoError(t, err)
	assert.Nil(t, outcome.RetryCreated)
	assert.True(t, outcome.ParentTransitioned)
	assert.Equal(t, model.StatusFailed, outcome.ParentNewStatus)
}

// TestOnPhaseTerminal_NeverRegressesSettledParent exercises monotonicity
// directly: a parent already at a terminal status never flips again, even
// if a later-settling sibling would otherwise suggest a different outcome.
func TestOnPhaseTerminal_NeverRegressesSettledParent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	spec := mustCreate(t, ctx, st, "specs", &model.Run{ID: "abc123-spec-v", Kind: model.KindSpec, Status: model.StatusComplete, UpdatedAtMsV: 1})
	phase := mustCreate(t, ctx, st, "phases", &model.Run{ID: "abc123-phase-d", Kind: model.KindPhase, Status: model.StatusFailed, Parent: spec.ID, UpdatedAtMsV: 1})

	outcome, err := OnPhaseTerminal(ctx, st, phase)
	require.NoError(t, err)
	assert.False(t, outcome.ParentTransitioned)

	got, ok, err := st.Get(ctx, "specs", spec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusComplete, got.(*model.Run).Status)
}

func TestOnSpecTerminal_WaitsForAllSiblings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	plan := mustCreate(t, ctx, st, "plans", &model.Run{ID: "abc123-plan-w", Kind: model.KindPlan, Status: model.StatusRunning, UpdatedAtMsV: 1})
	mustCreate(t, ctx, st, "specs", &model.Run{ID: "abc123-spec-w1", Kind: model.KindSpec, Status: model.StatusRunning, Parent: plan.ID, UpdatedAtMsV: 1})
	spec2 := mustCreate(t, ctx, st, "specs", &model.Run{ID: "abc123-spec-w2", Kind: model.KindSpec, Status: model.StatusComplete, Parent: plan.ID, UpdatedAtMsV: 1})

	outcome, err := OnSpecTerminal(ctx, st, spec2)
	require.NoError(t, err)
	assert.False(t, outcome.ParentTransitioned, "plan must wait for the still-running sibling spec")
}

func TestDetectOrphans_FindsRunsWithMissingParent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, ctx, st, "phases", &model.Run{ID: "abc123-phase-e", Kind: model.KindPhase, Status: model.StatusRunning, Parent: "abc123-spec-missing", UpdatedAtMsV: 1})

	orphans, err := DetectOrphans(ctx, st, "phases", "specs")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "abc123-phase-e", orphans[0].Run.ID)
}
