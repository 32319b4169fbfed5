// Package cascade implements the pure state-transition policy described in
// SPEC_FULL.md section 4.5: materializing child runs on activation and
// rolling up completion/failure to parents. Every function here is called
// by the Supervisor after a Store change event; Cascade itself holds no
// state of its own and never schedules work directly.
//
// The id-prefixing and safety-limit shape (bound the number of generated
// children, scope generated ids under their parent) generalizes the
// teacher's workflow.ExpandToActions / prefixIdentifier / expandLoop
// pattern from JSON-LD action expansion to the plan/spec/phase/ralph
// hierarchy.
package cascade

import (
	"context"
	"fmt"
	"time"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
	"github.com/taskdaemon/taskdaemon/internal/ids"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/store"
)

// DefaultMaxRetries is the Phase-level retry budget from SPEC_FULL.md
// section 4.5.
const DefaultMaxRetries = 3

// ChildSpec describes one child run to materialize: a title and, for
// authored content mode, a path to its content document.
type ChildSpec struct {
	Title       string
	ContentMode model.ContentMode
	ContentPath string
	Deps        []string
}

func realNowMillis() int64 { return time.Now().UnixMilli() }

// ActivatePlan materializes 1-2 Spec children for a newly-activated Plan,
// per SPEC_FULL.md section 4.5's "Plan -> activated" rule.
func ActivatePlan(ctx context.Context, st *store.Store, plan *model.Run, specs []ChildSpec) ([]*model.Run, error) {
	if plan.Kind != model.KindPlan {
		return nil, fmt.Errorf("cascade: ActivatePlan called on kind %s", plan.Kind)
	}
	if len(specs) < 1 || len(specs) > 2 {
		return nil, fmt.Errorf("cascade: plan activation must produce 1-2 specs, got %d", len(specs))
	}
	return materializeChildren(ctx, st, "specs", model.KindSpec, plan.ID, specs)
}

// ActivateSpec materializes 3-7 Phase children.
func ActivateSpec(ctx context.Context, st *store.Store, spec *model.Run, phases []ChildSpec) ([]*model.Run, error) {
	if spec.Kind != model.KindSpec {
		return nil, fmt.Errorf("cascade: ActivateSpec called on kind %s", spec.Kind)
	}
	if len(phases) < 3 || len(phases) > 7 {
		return nil, fmt.Errorf("cascade: spec activation must produce 3-7 phases, got %d", len(phases))
	}
	return materializeChildren(ctx, st, "phases", model.KindPhase, spec.ID, phases)
}

// ActivatePhase materializes exactly one Ralph child.
func ActivatePhase(ctx context.Context, st *store.Store, phase *model.Run, ralph ChildSpec) (*model.Run, error) {
	if phase.Kind != model.KindPhase {
		return nil, fmt.Errorf("cascade: ActivatePhase called on kind %s", phase.Kind)
	}
	created, err := materializeChildren(ctx, st, "runs", model.KindRalph, phase.ID, []ChildSpec{ralph})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

func materializeChildren(ctx context.Context, st *store.Store, collection string, kind model.Kind, parentID string, specs []ChildSpec) ([]*model.Run, error) {
	existing, err := siblingsOf(ctx, st, collection, parentID)
	if err != nil {
		return nil, err
	}
	if err := detectCycle(existing, specs); err != nil {
		return nil, err
	}

	out := make([]*model.Run, 0, len(specs))
	for _, spec := range specs {
		now := realNowMillis()
		run := &model.Run{
			ID:           ids.New(string(kind), spec.Title),
			Kind:         kind,
			Title:        spec.Title,
			Status:       model.StatusPending,
			Parent:       parentID,
			Deps:         spec.Deps,
			ContentMode:  orDefaultContentMode(spec.ContentMode),
			ContentPath:  spec.ContentPath,
			CreatedAtMs:  now,
			UpdatedAtMsV: now,
		}
		if _, err := st.Create(ctx, collection, run); err != nil {
			return out, fmt.Errorf("cascade: create %s child: %w", kind, err)
		}
		out = append(out, run)
	}
	return out, nil
}

func orDefaultContentMode(m model.ContentMode) model.ContentMode {
	if m == "" {
		return model.ContentSynthesized
	}
	return m
}

func siblingsOf(ctx context.Context, st *store.Store, collection, parentID string) ([]*model.Run, error) {
	recs, err := st.List(ctx, collection, store.Filter{Field: "parent", Op: store.OpEq, Value: parentID})
	if err != nil {
		return nil, err
	}
	out := make([]*model.Run, 0, len(recs))
	for _, r := range recs {
		if run, ok := r.(*model.Run); ok {
			out = append(out, run)
		}
	}
	return out, nil
}

// detectCycle runs a strongly-connected-components scan over the
// dependency graph formed by existing same-level siblings plus the newly
// proposed children, per SPEC_FULL.md's "Cycle protection... at
// record-creation time" rule. It never runs at schedule time.
func detectCycle(existing []*model.Run, proposed []ChildSpec) error {
	idOf := make(map[string]int)
	var adj [][]int
	addNode := func(id string) int {
		if i, ok := idOf[id]; ok {
			return i
		}
		i := len(adj)
		idOf[id] = i
		adj = append(adj, nil)
		return i
	}
	for _, r := range existing {
		from := addNode(r.ID)
		for _, d := range r.Deps {
			to := addNode(d)
			adj[from] = append(adj[from], to)
		}
	}
	// Proposed children are not yet assigned real ids; use their title as a
	// placeholder node key purely for this graph-shape check. Cross-sibling
	// dependencies among the new batch are therefore matched by title.
	for _, spec := range proposed {
		from := addNode("__new__:" + spec.Title)
		for _, d := range spec.Deps {
			to := addNode(d)
			adj[from] = append(adj[from], to)
		}
	}
	if hasCycle(adj) {
		return fmt.Errorf("%w: dependency graph contains a cycle", daemonerr.ErrDepCycle)
	}
	return nil
}

// hasCycle runs Tarjan's SCC algorithm and reports whether any component
// has more than one node, or a node with a self-loop.
func hasCycle(adj [][]int) bool {
	n := len(adj)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var stack []int
	counter := 0
	found := false

	var strongconnect func(v int)
	strongconnect = func(v int) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if index[w] == -1 {
				strongconnect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] {
				if index[w] < low[v] {
					low[v] = index[w]
				}
			}
		}

		if low[v] == index[v] {
			size := 0
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				size++
				if w == v {
					break
				}
			}
			if size > 1 {
				found = true
			}
		}
	}

	for v := 0; v < n; v++ {
		if index[v] == -1 {
			strongconnect(v)
		}
	}
	// Self-loops (a node depending directly on itself) form a
	// single-element SCC and must be checked separately.
	for v, edges := range adj {
		for _, w := range edges {
			if w == v {
				found = true
			}
		}
	}
	return found
}
