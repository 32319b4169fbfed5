package cascade

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	st, err := store.Open(t.TempDir(), log.WithField("component", "store"))
	require.NoError(t, err)
	for _, col := range []string{"plans", "specs", "phases", "runs"} {
		st.RegisterCollection(col, col+".jsonl", 0, 0, func() model.Record { return &model.Run{} })
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestActivatePlan_RejectsOutOfRangeSpecCount(t *testing.T) {
	st := newTestStore(t)
	plan := &model.Run{ID: "abc123-plan-p", Kind: model.KindPlan, Status: model.StatusRunning}

	_, err := ActivatePlan(context.Background(), st, plan, nil)
	assert.Error(t, err)

	_, err = ActivatePlan(context.Background(), st, plan, []ChildSpec{{Title: "a"}, {Title: "b"}, {Title: "c"}})
	assert.Error(t, err)
}

func TestActivatePlan_MaterializesSpecChildren(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	plan := &model.Run{ID: "abc123-plan-q", Kind: model.KindPlan, Status: model.StatusRunning}

	specs, err := ActivatePlan(ctx, st, plan, []ChildSpec{{Title: "first"}, {Title: "second"}})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	for _, s := range specs {
		assert.Equal(t, model.KindSpec, s.Kind)
		assert.Equal(t, plan.ID, s.Parent)
		assert.Equal(t, model.StatusPending, s.Status)
		assert.Equal(t, model.ContentSynthesized, s.ContentMode)

		got, ok, err := st.Get(ctx, "specs", s.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, s.Title, got.(*model.Run).Title)
	}
}

func TestActivateSpec_RejectsOutOfRangePhaseCount(t *testing.T) {
	st := newTestStore(t)
	spec := &model.Run{ID: "abc123-spec-r", Kind: model.KindSpec, Status: model.StatusRunning}

	_, err := ActivateSpec(context.Background(), st, spec, []ChildSpec{{Title: "only-one"}})
	assert.Error(t, err)

	eight := make([]ChildSpec, 8)
	for i := range eight {
		eight[i] = ChildSpec{Title: "phase"}
	}
	_, err = ActivateSpec(context.Background(), st, spec, eight)
	assert.Error(t, err)
}

func TestActivatePhase_MaterializesExactlyOneRalph(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	phase := &model.Run{ID: "abc123-phase-s", Kind: model.KindPhase, Status: model.StatusRunning}

	ralph, err := ActivatePhase(ctx, st, phase, ChildSpec{Title: "do the thing"})
	require.NoError(t, err)
	assert.Equal(t, model.KindRalph, ralph.Kind)
	assert.Equal(t, phase.ID, ralph.Parent)
}

// TestActivateSpec_RejectsDependencyCycle exercises invariant 10: a cycle
// introduced by the proposed children's deps must fail the whole call, with
// no record written.
func TestActivateSpec_RejectsDependencyCycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	spec := &model.Run{ID: "abc123-spec-t", Kind: model.KindSpec, Status: model.StatusRunning}

	cyclic := []ChildSpec{
		{Title: "alpha", Deps: []string{"__new__:beta"}},
		{Title: "beta", Deps: []string{"__new__:gamma"}},
		{Title: "gamma", Deps: []string{"__new__:alpha"}},
	}
	_, err := ActivateSpec(ctx, st, spec, cyclic)
	require.Error(t, err)
	assert.ErrorIs(t, err, daemonerr.ErrDepCycle)

	recs, err := st.List(ctx, "phases", store.Filter{Field: "parent", Op: store.OpEq, Value: spec.ID})
	require.NoError(t, err)
	assert.Empty(t, recs, "a rejected cycle must not leave any child record behind")
}

// TestActivateSpec_AcceptsEdgeToExistingSibling checks the other side of
// the same invariant: a dependency edge from a new child to an
// already-persisted sibling is followed by the cycle scan and, with no
// cycle formed, accepted.
func TestActivateSpec_AcceptsEdgeToExistingSibling(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	spec := &model.Run{ID: "abc123-spec-u", Kind: model.KindSpec, Status: model.StatusRunning}

	first, err := ActivateSpec(ctx, st, spec, []ChildSpec{
		{Title: "one"}, {Title: "two"}, {Title: "three"},
	})
	require.NoError(t, err)
	existingID := first[0].ID

	_, err = ActivateSpec(ctx, st, spec, []ChildSpec{
		{Title: "four", Deps: []string{existingID}},
		{Title: "five"},
		{Title: "six", Deps: []string{"__new__:four"}},
	})
	// existingID has no deps of its own, so no cycle is actually formed here;
	// this batch should succeed and demonstrates dependency edges crossing
	// old and new records are followed correctly.
	require.NoError(t, err)
}

func TestDetectCycle_SelfLoopRejected(t *testing.T) {
	err := detectCycle(nil, []ChildSpec{{Title: "self", Deps: []string{"__new__:self"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, daemonerr.ErrDepCycle)
}

func TestDetectCycle_AcyclicGraphAccepted(t *testing.T) {
	existing := []*model.Run{{ID: "x"}}
	err := detectCycle(existing, []ChildSpec{
		{Title: "a", Deps: []string{"x"}},
		{Title: "b", Deps: []string{"__new__:a"}},
	})
	assert.NoError(t, err)
}
