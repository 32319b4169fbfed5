package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskdaemon/taskdaemon/internal/cascade"
	"github.com/taskdaemon/taskdaemon/internal/llmclient"
	"github.com/taskdaemon/taskdaemon/internal/model"
)

// childSpecJSON is the wire shape the synthesis prompt asks the model to
// reply with: a flat JSON array, one object per child.
type childSpecJSON struct {
	Title string   `json:"title"`
	Deps  []string `json:"deps,omitempty"`
}

// SynthesizeChildren asks the model to decide a Plan/Spec/Phase
// activation's children — per SPEC_FULL.md section 4.5 ("inspect the
// plan's content/context to determine 1-2 child spec templates") — with a
// single Complete call rather than the full agentic tool-calling sub-loop
// iterations use, since activation is a one-shot planning decision with
// no tools to invoke. The reply is expected to be a bare JSON array
// matching childSpecJSON; min/max bound how many entries are accepted, per
// Cascade's own materialization limits.
func (e *Engine) SynthesizeChildren(ctx context.Context, run *model.Run, childKindLabel string, min, max int) ([]cascade.ChildSpec, error) {
	prompt := fmt.Sprintf(
		"You are decomposing %q (%s) into %d-%d %s. "+
			"Reply with ONLY a JSON array of objects, each with a \"title\" string "+
			"and an optional \"deps\" array of sibling titles it depends on. "+
			"No prose, no markdown fences.",
		run.Title, run.Kind, min, max, childKindLabel,
	)
	resp, err := e.llm.Complete(ctx, llmclient.CompleteRequest{
		Model:     e.cfg.Model,
		Messages:  []llmclient.Message{{Role: llmclient.RoleUser, Content: prompt}},
		MaxTokens: e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: synthesize %s: %w", childKindLabel, err)
	}

	var raw []childSpecJSON
	if err := json.Unmarshal([]byte(resp.Text), &raw); err != nil {
		return nil, fmt.Errorf("engine: parse %s synthesis reply: %w", childKindLabel, err)
	}
	if len(raw) < min || len(raw) > max {
		return nil, fmt.Errorf("engine: %s synthesis returned %d children, want %d-%d", childKindLabel, len(raw), min, max)
	}

	out := make([]cascade.ChildSpec, 0, len(raw))
	for _, c := range raw {
		out = append(out, cascade.ChildSpec{
			Title:       c.Title,
			ContentMode: model.ContentSynthesized,
			Deps:        c.Deps,
		})
	}
	return out, nil
}
