package cascade

import (
	"context"
	"fmt"
	"time"

	"github.com/taskdaemon/taskdaemon/internal/ids"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/store"
)

// RollupOutcome tells the Supervisor what, if anything, Cascade did in
// response to a child's terminal transition.
type RollupOutcome struct {
	ParentTransitioned bool
	ParentNewStatus    model.Status
	RetryCreated       *model.Run
}

// OnRalphTerminal implements "Ralph -> Complete" and Ralph -> Failed
// rollup: if the phase has pending children, do nothing; if all children
// are Complete, the phase completes; if a failed Ralph is within the retry
// budget, a new sibling Ralph is created instead of failing the phase.
func OnRalphTerminal(ctx context.Context, st *store.Store, ralph *model.Run, maxRetries int) (RollupOutcome, error) {
	if ralph.Kind != model.KindRalph || !ralph.Status.Terminal() {
		return RollupOutcome{}, fmt.Errorf("cascade: OnRalphTerminal requires a terminal ralph, got kind=%s status=%s", ralph.Kind, ralph.Status)
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	phaseRec, found, err := st.Get(ctx, "phases", ralph.Parent)
	if err != nil {
		return RollupOutcome{}, err
	}
	if !found {
		return RollupOutcome{}, nil // orphaned ralph; surfaced by DetectOrphans, not rolled up
	}
	phase := phaseRec.(*model.Run)

	siblings, err := siblingsOf(ctx, st, "runs", phase.ID)
	if err != nil {
		return RollupOutcome{}, err
	}

	if ralph.Status == model.StatusFailed {
		retryCount := countRetries(siblings, ralph)
		if retryCount < maxRetries {
			newRalph, err := createRetry(ctx, st, ralph)
			if err != nil {
				return RollupOutcome{}, err
			}
			return RollupOutcome{RetryCreated: newRalph}, nil
		}
	}

	allDone, anyFailedBeyondBudget := summarizeRalphs(siblings, maxRetries)
	if !allDone {
		return RollupOutcome{}, nil
	}
	newStatus := model.StatusComplete
	if anyFailedBeyondBudget {
		newStatus = model.StatusFailed
	}
	if phase.Status == newStatus {
		return RollupOutcome{}, nil
	}
	phase = phase.Clone()
	phase.Status = newStatus
	phase.UpdatedAtMsV = time.Now().UnixMilli()
	if err := st.Update(ctx, "phases", phase); err != nil {
		return RollupOutcome{}, err
	}
	return RollupOutcome{ParentTransitioned: true, ParentNewStatus: newStatus}, nil
}

// OnPhaseTerminal rolls a Phase's Complete/Failed status up to its parent
// Spec using the same all-complete-or-any-failed rule.
func OnPhaseTerminal(ctx context.Context, st *store.Store, phase *model.Run) (RollupOutcome, error) {
	return rollupToParent(ctx, st, phase, "specs", "phases")
}

// OnSpecTerminal rolls a Spec's Complete/Failed status up to its parent
// Plan.
func OnSpecTerminal(ctx context.Context, st *store.Store, spec *model.Run) (RollupOutcome, error) {
	return rollupToParent(ctx, st, spec, "plans", "specs")
}

func rollupToParent(ctx context.Context, st *store.Store, child *model.Run, parentCollection, childCollection string) (RollupOutcome, error) {
	if !child.Status.Terminal() {
		return RollupOutcome{}, fmt.Errorf("cascade: rollup requires a terminal child, got status=%s", child.Status)
	}
	parentRec, found, err := st.Get(ctx, parentCollection, child.Parent)
	if err != nil {
		return RollupOutcome{}, err
	}
	if !found {
		return RollupOutcome{}, nil
	}
	parent := parentRec.(*model.Run)

	siblings, err := siblingsOf(ctx, st, childCollection, parent.ID)
	if err != nil {
		return RollupOutcome{}, err
	}
	allDone := true
	anyFailed := false
	for _, s := range siblings {
		if !s.Status.Terminal() {
			allDone = false
			continue
		}
		if s.Status == model.StatusFailed {
			anyFailed = true
		}
	}
	if !allDone {
		return RollupOutcome{}, nil
	}
	newStatus := model.StatusComplete
	if anyFailed {
		newStatus = model.StatusFailed
	}
	if parent.Status == newStatus {
		return RollupOutcome{}, nil // monotonicity: already settled, never regress
	}
	if parent.Status.Terminal() {
		return RollupOutcome{}, nil // never regress a completed/failed parent
	}
	parent = parent.Clone()
	parent.Status = newStatus
	parent.UpdatedAtMsV = time.Now().UnixMilli()
	if err := st.Update(ctx, parentCollection, parent); err != nil {
		return RollupOutcome{}, err
	}
	return RollupOutcome{ParentTransitioned: true, ParentNewStatus: newStatus}, nil
}

func summarizeRalphs(siblings []*model.Run, maxRetries int) (allDone, anyFailedBeyondBudget bool) {
	allDone = true
	for _, s := range siblings {
		if !s.Status.Terminal() {
			allDone = false
			continue
		}
		if s.Status == model.StatusFailed && countRetries(siblings, s) >= maxRetries {
			anyFailedBeyondBudget = true
		}
	}
	return
}

// countRetries counts how many prior attempts exist in the same retry
// chain as ralph (including ralph itself), walking RetryOf back links.
func countRetries(siblings []*model.Run, ralph *model.Run) int {
	byID := make(map[string]*model.Run, len(siblings))
	for _, s := range siblings {
		byID[s.ID] = s
	}
	count := 1
	cur := ralph
	for cur.RetryOf != "" {
		prev, ok := byID[cur.RetryOf]
		if !ok {
			break
		}
		count++
		cur = prev
	}
	return count
}

// createRetry creates a new Ralph sibling under the same phase, preserving
// the failed run's record for history per SPEC_FULL.md's retry policy.
func createRetry(ctx context.Context, st *store.Store, failed *model.Run) (*model.Run, error) {
	now := time.Now().UnixMilli()
	newRalph := &model.Run{
		ID:              ids.New(string(model.KindRalph), failed.Title),
		Kind:            model.KindRalph,
		Title:           failed.Title,
		Status:          model.StatusPending,
		Parent:          failed.Parent,
		Deps:            append([]string(nil), failed.Deps...),
		ContentMode:     failed.ContentMode,
		ContentPath:     failed.ContentPath,
		ValidationCmd:   failed.ValidationCmd,
		SuccessExitCode: failed.SuccessExitCode,
		MaxIterations:   failed.MaxIterations,
		RetryOf:         failed.ID,
		RetryCount:      failed.RetryCount + 1,
		CreatedAtMs:     now,
		UpdatedAtMsV:    now,
	}
	if _, err := st.Create(ctx, "runs", newRalph); err != nil {
		return nil, fmt.Errorf("cascade: create retry: %w", err)
	}
	return newRalph, nil
}

// Orphan is a run whose parent id does not resolve in the Store.
type Orphan struct {
	Run    *model.Run
	Reason string
}

// DetectOrphans scans a collection for runs whose declared parent cannot be
// found. Orphans are logged and surfaced at the root of any tree view; they
// are never treated as children for rollup purposes.
func DetectOrphans(ctx context.Context, st *store.Store, collection, parentCollection string) ([]Orphan, error) {
	recs, err := st.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	var orphans []Orphan
	for _, r := range recs {
		run, ok := r.(*model.Run)
		if !ok || run.Parent == "" {
			continue
		}
		_, found, err := st.Get(ctx, parentCollection, run.Parent)
		if err != nil {
			return orphans, err
		}
		if !found {
			orphans = append(orphans, Orphan{Run: run, Reason: fmt.Sprintf("parent %s not found in %s", run.Parent, parentCollection)})
		}
	}
	return orphans, nil
}
