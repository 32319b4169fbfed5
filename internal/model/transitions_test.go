package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_SameStatusAlwaysAllowed(t *testing.T) {
	assert.True(t, CanTransition(StatusRunning, StatusRunning))
	assert.True(t, CanTransition(StatusComplete, StatusComplete))
}

func TestCanTransition_AllowsDocumentedEdges(t *testing.T) {
	assert.True(t, CanTransition(StatusDraft, StatusPending))
	assert.True(t, CanTransition(StatusPending, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusPaused))
	assert.True(t, CanTransition(StatusRunning, StatusComplete))
	assert.True(t, CanTransition(StatusPaused, StatusRunning))
	assert.True(t, CanTransition(StatusBlocked, StatusFailed))
}

func TestCanTransition_RejectsSkippingPending(t *testing.T) {
	assert.False(t, CanTransition(StatusDraft, StatusRunning))
}

func TestCanTransition_RejectsLeavingTerminalStatuses(t *testing.T) {
	assert.False(t, CanTransition(StatusComplete, StatusRunning))
	assert.False(t, CanTransition(StatusFailed, StatusPending))
	assert.False(t, CanTransition(StatusStopped, StatusRunning))
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusStopped.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusPaused.Terminal())
}

func TestDraftAllowed_OnlyForPlans(t *testing.T) {
	assert.True(t, DraftAllowed(KindPlan))
	assert.False(t, DraftAllowed(KindSpec))
	assert.False(t, DraftAllowed(KindPhase))
	assert.False(t, DraftAllowed(KindRalph))
}

func TestRun_Clone_DeepCopiesDepsAndContext(t *testing.T) {
	r := &Run{
		ID:      "abc123-ralph-a",
		Kind:    KindRalph,
		Deps:    []string{"x", "y"},
		Context: map[string]interface{}{"k": "v"},
	}
	clone := r.Clone()
	clone.Deps[0] = "mutated"
	clone.Context["k"] = "mutated"

	assert.Equal(t, "x", r.Deps[0], "cloning must not let the clone mutate the original's deps")
	assert.Equal(t, "v", r.Context["k"], "cloning must not let the clone mutate the original's context")
}

func TestRun_RecordInterfaceMethods(t *testing.T) {
	r := &Run{ID: "abc123-ralph-b", UpdatedAtMsV: 42, DeletedFlag: true}
	assert.Equal(t, "abc123-ralph-b", r.RecordID())
	assert.Equal(t, "run", r.RecordKind())
	assert.Equal(t, int64(42), r.UpdatedAtMs())
	assert.True(t, r.Deleted())
}
