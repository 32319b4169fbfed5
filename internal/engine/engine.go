// Package engine is the Iteration Engine described in SPEC_FULL.md
// section 4.3: it drives one Ralph run one fresh-context iteration at a
// time — build prompt, call the model (optionally through a bounded
// agentic tool-call sub-loop), execute any tool calls through the
// sandbox, run the declared validation command, record the outcome in
// the progress strategy, and decide whether the run is done, failed, or
// needs another iteration. The iteration shape follows
// tim-coutinho-agentops's runSinglePhase/runPhaseLoop: build prompt,
// spawn, record elapsed/result, decide, loop — generalized from a fixed
// phase list to a single run driven to its own declared success
// condition.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taskdaemon/taskdaemon/internal/coordinator"
	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
	"github.com/taskdaemon/taskdaemon/internal/eventbus"
	"github.com/taskdaemon/taskdaemon/internal/gitops"
	"github.com/taskdaemon/taskdaemon/internal/llmclient"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/progress"
	"github.com/taskdaemon/taskdaemon/internal/sandbox"
	"github.com/taskdaemon/taskdaemon/internal/store"
	"github.com/taskdaemon/taskdaemon/internal/template"
	"github.com/taskdaemon/taskdaemon/internal/tools"
	"github.com/taskdaemon/taskdaemon/internal/validate"
)

// DefaultMaxSubLoopTurns bounds the agentic tool-call sub-loop within a
// single iteration, independent of the run's own MaxIterations.
const DefaultMaxSubLoopTurns = 25

// DefaultQueryTimeout bounds a query tool call's wait for a reply when the
// engine Config leaves QueryTimeout unset.
const DefaultQueryTimeout = 60 * time.Second

// Templates resolves a run kind to its prompt body template, plus the
// shared partial set every kind's template can include from.
type Templates struct {
	ByKind   map[model.Kind]string
	Partials template.Partials
}

// Config holds the per-engine knobs that are the same across every run it
// drives.
type Config struct {
	Model           string
	MaxTokens       int
	MaxSubLoopTurns int
	QueryTimeout    time.Duration
	ValidationGrace time.Duration
	BaseBranch      string // shared base branch rebased onto on a main_updated alert, default "main"
}

func (c Config) withDefaults() Config {
	if c.MaxSubLoopTurns <= 0 {
		c.MaxSubLoopTurns = DefaultMaxSubLoopTurns
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.ValidationGrace <= 0 {
		c.ValidationGrace = validate.DefaultGracePeriod
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	return c
}

// ProgressFactory builds a fresh progress.Strategy for a run that doesn't
// have one loaded yet; the supervisor keeps one live per running run.
type ProgressFactory func() progress.Strategy

// Engine drives iterations for any number of runs concurrently; it holds
// no per-run state itself, so the same Engine instance is shared across
// the Supervisor's whole fleet.
type Engine struct {
	store     *store.Store
	coord     *coordinator.Coordinator
	bus       *eventbus.Bus
	llm       llmclient.Client
	repo      *gitops.Repo // nil in Simple execution mode: rebase handling is skipped entirely
	templates Templates
	cfg       Config
	newProg   ProgressFactory
	log       *logrus.Entry
}

// New builds an Engine. newProg may be nil, in which case progress.NewDefault
// is used for every run. repo is nil in Simple execution mode, which also
// disables the main_updated rebase handling in Drive.
func New(st *store.Store, coord *coordinator.Coordinator, bus *eventbus.Bus, llm llmclient.Client, repo *gitops.Repo, tpl Templates, cfg Config, newProg ProgressFactory, log *logrus.Logger) *Engine {
	if newProg == nil {
		newProg = func() progress.Strategy { return progress.NewDefault() }
	}
	return &Engine{
		store: st, coord: coord, bus: bus, llm: llm, repo: repo,
		templates: tpl, cfg: cfg.withDefaults(), newProg: newProg,
		log: log.WithField("component", "engine"),
	}
}

// IterationContext is the outcome of one iteration, fed to the progress
// strategy and to the decide step.
type IterationContext struct {
	Iteration  int
	Command    string
	ExitCode   int
	Stdout     string
	DurationMs int64
	ToolCalls  int
}

// Drive runs runID's iteration loop, one fresh-context iteration at a
// time, until the run reaches a terminal status or ctx is cancelled. It
// reloads the run from the store at the top of every iteration so a
// concurrently-applied pause/stop is observed promptly. It also subscribes
// to the Supervisor's main_updated alert for the run's lifetime and, on
// receipt, drives the Running -> Rebasing -> Running|Blocked transition
// before the next iteration starts.
func (e *Engine) Drive(ctx context.Context, runID string) error {
	mainUpdated := e.coord.Subscribe(runID, "main_updated")
	defer e.coord.Unsubscribe(runID, "main_updated")

	for {
		rec, ok, err := e.store.Get(ctx, "runs", runID)
		if err != nil {
			return fmt.Errorf("engine: load run %s: %w", runID, err)
		}
		if !ok {
			return fmt.Errorf("engine: run %s not found", runID)
		}
		run, ok := rec.(*model.Run)
		if !ok {
			return fmt.Errorf("engine: run %s is not a *model.Run", runID)
		}
		if run.Status.Terminal() {
			return nil
		}
		if run.Status != model.StatusRunning {
			return fmt.Errorf("engine: run %s is not running (status=%s)", runID, run.Status)
		}

		blocked, err := e.maybeRebase(ctx, run, mainUpdated)
		if err != nil {
			return err
		}
		if blocked {
			return nil
		}

		if err := e.runIteration(ctx, run); err != nil {
			return err
		}
		run.UpdatedAtMsV = time.Now().UnixMilli()
		if err := e.store.Update(ctx, "runs", run); err != nil {
			return fmt.Errorf("engine: persist run %s: %w", runID, err)
		}
		if run.Status.Terminal() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// maybeRebase drains at most one pending main_updated alert (never
// blocking) and, if one was waiting, drives the rebase per SPEC_FULL.md
// section 4.4: auto-commit WIP, rebase onto the shared base branch, and
// go Blocked for operator intervention on conflict rather than
// auto-resolving. Simple-mode runs (no repo) never see this alert fire in
// practice, but repo==nil is still checked defensively.
func (e *Engine) maybeRebase(ctx context.Context, run *model.Run, mainUpdated <-chan model.CoordinationMessage) (blocked bool, err error) {
	if e.repo == nil {
		return false, nil
	}
	select {
	case <-mainUpdated:
	default:
		return false, nil
	}

	log := e.log.WithField("run_id", run.ID)
	run.Status = model.StatusRebasing
	run.UpdatedAtMsV = time.Now().UnixMilli()
	if err := e.store.Update(ctx, "runs", run); err != nil {
		return false, fmt.Errorf("engine: persist rebasing %s: %w", run.ID, err)
	}
	e.publish(ctx, eventbus.KindRebaseStarted, run, nil)

	if err := gitops.CommitAll(ctx, run.WorktreePath, "auto-commit WIP before rebase"); err != nil {
		log.WithError(err).Warn("engine: auto-commit before rebase failed")
	}

	if rebaseErr := e.repo.RebaseOntoMain(ctx, run.WorktreePath, e.cfg.BaseBranch); rebaseErr != nil {
		run.Status = model.StatusBlocked
		run.LastError = rebaseErr.Error()
		run.UpdatedAtMsV = time.Now().UnixMilli()
		e.publish(ctx, eventbus.KindError, run, map[string]interface{}{"error": rebaseErr.Error(), "phase": "rebase"})
		if err := e.store.Update(ctx, "runs", run); err != nil {
			return false, fmt.Errorf("engine: persist blocked %s: %w", run.ID, err)
		}
		return true, nil
	}

	run.Status = model.StatusRunning
	run.UpdatedAtMsV = time.Now().UnixMilli()
	e.publish(ctx, eventbus.KindRebaseCompleted, run, nil)
	if err := e.store.Update(ctx, "runs", run); err != nil {
		return false, fmt.Errorf("engine: persist post-rebase %s: %w", run.ID, err)
	}
	return false, nil
}

// runIteration mutates run in place: it builds the prompt, drives the LLM
// sub-loop, runs validation if declared, records progress, and decides
// the next status. It never returns an error for run-level failure —
// those land in run.Status=Failed/run.LastError — only for engine-level
// failures the supervisor should treat as crashes (store unreachable,
// and similar).
func (e *Engine) runIteration(ctx context.Context, run *model.Run) error {
	log := e.log.WithField("run_id", run.ID).WithField("iteration", run.Iteration)
	start := time.Now()

	if e.stopRequested(run.ID) {
		run.Status = model.StatusStopped
		e.publish(ctx, eventbus.KindLoopCompleted, run, map[string]interface{}{"reason": "stop_requested"})
		return nil
	}

	e.publish(ctx, eventbus.KindIterationStarted, run, nil)

	prog := e.loadProgress(run)

	prompt, err := e.buildPrompt(run, prog)
	if err != nil {
		return e.failIteration(ctx, run, prog, start, fmt.Errorf("build prompt: %w", err))
	}

	profile := tools.FullProfile()
	tc := sandbox.ToolContext{
		WorktreePath:      run.WorktreePath,
		RunID:             run.ID,
		Iteration:         run.Iteration,
		CoordinatorHandle: coordinatorAdapter{c: e.coord, timeout: e.cfg.QueryTimeout},
		ExploreSpawner:    e.exploreSpawner(run),
	}

	outcome, err := e.driveSubLoop(ctx, run, prompt, profile, tc)
	if err != nil {
		return e.failIteration(ctx, run, prog, start, fmt.Errorf("llm sub-loop: %w", err))
	}

	itc := IterationContext{Iteration: run.Iteration, ToolCalls: outcome.toolCalls}

	if run.ValidationCmd != "" {
		e.publish(ctx, eventbus.KindValidationStarted, run, map[string]interface{}{"command": run.ValidationCmd})
		var stdout strings.Builder
		res, err := validate.Run(ctx, run.ValidationCmd, validate.Options{
			WorkDir:     run.WorktreePath,
			GracePeriod: e.cfg.ValidationGrace,
			OnLine: func(line string) {
				stdout.WriteString(line)
				stdout.WriteByte('\n')
				e.publish(ctx, eventbus.KindValidationOutput, run, map[string]interface{}{"line": line})
			},
		})
		// A non-zero exit or a timeout is a normal (failing) validation
		// outcome for decide() to act on, not an engine failure. Only a
		// process that never ran at all (no exit error, no timeout, yet
		// still erroring — e.g. the shell itself couldn't start) aborts
		// the iteration outright.
		var exitErr *exec.ExitError
		if err != nil && !errors.Is(err, daemonerr.ErrValidationTimeout) && !errors.As(err, &exitErr) {
			return e.failIteration(ctx, run, prog, start, fmt.Errorf("validation: %w", err))
		}
		itc.Command = run.ValidationCmd
		itc.ExitCode = res.ExitCode
		itc.DurationMs = res.Duration.Milliseconds()
		itc.Stdout = stdout.String()
		e.publish(ctx, eventbus.KindValidationCompleted, run, map[string]interface{}{
			"exit_code": res.ExitCode, "timed_out": res.TimedOut,
		})
	} else {
		itc.ExitCode = run.SuccessExitCode
	}

	prog.Record(progress.Entry{
		Iteration: run.Iteration,
		Action:    "iteration",
		Summary: fmt.Sprintf("%s\ncommand=%q exit_code=%d duration_ms=%d\n%s",
			outcome.summary, itc.Command, itc.ExitCode, itc.DurationMs, itc.Stdout),
	})
	run.Progress = prog.Get()

	log.WithField("duration_ms", time.Since(start).Milliseconds()).
		WithField("tool_calls", outcome.toolCalls).
		Debug("engine: iteration settled")

	e.decide(ctx, run, itc)
	return nil
}

// decide applies the exact rule from SPEC_FULL.md section 4.3 step 6.
func (e *Engine) decide(ctx context.Context, run *model.Run, itc IterationContext) {
	switch {
	case itc.ExitCode == run.SuccessExitCode:
		run.Status = model.StatusComplete
		run.LastError = ""
		e.publish(ctx, eventbus.KindLoopCompleted, run, map[string]interface{}{"success": true})
	case run.MaxIterations > 0 && run.Iteration+1 >= run.MaxIterations:
		run.Status = model.StatusFailed
		run.LastError = fmt.Sprintf("exhausted %d iterations without reaching exit code %d", run.MaxIterations, run.SuccessExitCode)
		e.publish(ctx, eventbus.KindLoopCompleted, run, map[string]interface{}{"success": false, "reason": "max_iterations"})
	default:
		run.Iteration++
		e.publish(ctx, eventbus.KindIterationCompleted, run, map[string]interface{}{"exit_code": itc.ExitCode})
	}
}

func (e *Engine) failIteration(ctx context.Context, run *model.Run, prog progress.Strategy, start time.Time, cause error) error {
	run.LastError = cause.Error()
	prog.Record(progress.Entry{Iteration: run.Iteration, Action: "iteration_error", Error: cause.Error()})
	run.Progress = prog.Get()
	e.publish(ctx, eventbus.KindError, run, map[string]interface{}{
		"error": cause.Error(), "duration_ms": time.Since(start).Milliseconds(),
	})

	if run.MaxIterations > 0 && run.Iteration+1 >= run.MaxIterations {
		run.Status = model.StatusFailed
		e.publish(ctx, eventbus.KindLoopCompleted, run, map[string]interface{}{"success": false, "reason": "error"})
		return nil
	}
	run.Iteration++
	return nil
}

func (e *Engine) loadProgress(run *model.Run) progress.Strategy {
	p := e.newProg()
	if run.Progress == "" {
		return p
	}
	// The rendered markdown itself is not re-parsed back into entries;
	// it is carried forward as the "prior progress" seed entry so a
	// restarted engine doesn't lose history across iterations within
	// the same run.
	p.Record(progress.Entry{Iteration: run.Iteration, Action: "resumed", Summary: run.Progress})
	return p
}

func (e *Engine) buildPrompt(run *model.Run, prog progress.Strategy) (string, error) {
	tmpl, ok := e.templates.ByKind[run.Kind]
	if !ok {
		return "", fmt.Errorf("no template registered for run kind %q", run.Kind)
	}
	vars := map[string]string{
		"run_id":         run.ID,
		"title":          run.Title,
		"iteration":      strconv.Itoa(run.Iteration),
		"max_iterations": strconv.Itoa(run.MaxIterations),
		"progress":       prog.Get(),
		"content_path":   run.ContentPath,
		"validation_cmd": run.ValidationCmd,
		"worktree_path":  run.WorktreePath,
	}
	return template.Render(tmpl, vars, e.templates.Partials)
}

// stopRequested drains any messages queued ahead of a Stop without
// discarding them: a Share or Query pulled off the inbox while scanning is
// put back so the next handler that reads the inbox still sees it.
func (e *Engine) stopRequested(runID string) bool {
	inbox := e.coord.Inbox(runID)
	for {
		select {
		case msg := <-inbox:
			if msg.Kind == model.MessageStop {
				return true
			}
			e.coord.Requeue(runID, msg)
		default:
			return false
		}
	}
}

func (e *Engine) exploreSpawner(run *model.Run) sandbox.ExploreSpawner {
	return func(prompt string) (string, error) {
		return e.runExplore(context.Background(), run, prompt)
	}
}

// runExplore drives an isolated, read-only sub-agent, bounded by the same
// MaxSubLoopTurns as an iteration's sub-loop, against the same worktree
// and returns only its final text summary, per
// SPEC_FULL.md section 4.7's Explore contract.
func (e *Engine) runExplore(ctx context.Context, run *model.Run, prompt string) (string, error) {
	profile := tools.ReadOnlyProfile()
	tc := sandbox.ToolContext{WorktreePath: run.WorktreePath, RunID: run.ID + ":explore"}
	outcome, err := e.driveSubLoop(ctx, run, prompt, profile, tc)
	if err != nil {
		return "", err
	}
	return outcome.summary, nil
}

func (e *Engine) publish(ctx context.Context, kind eventbus.Kind, run *model.Run, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, eventbus.Event{
		Kind: kind, RunID: run.ID, Iteration: run.Iteration, Data: data, TimeMs: time.Now().UnixMilli(),
	})
}

// subLoopOutcome is the settled state of one bounded agentic turn
// sequence: the model's final text (once it stops requesting tools) and
// how many tool calls were made along the way.
type subLoopOutcome struct {
	summary   string
	toolCalls int
}

// driveSubLoop runs the bounded multi-turn tool-calling conversation for
// one iteration (or one Explore spawn): send the prompt, execute any
// requested tool calls through the sandbox, feed the results back, and
// repeat until the model stops requesting tools or the turn bound is hit.
// Tool errors are folded back into the conversation as the tool's result
// text rather than returned as a sub-loop failure, per SPEC_FULL.md
// section 4.7: the model gets to see and react to a failed tool call.
func (e *Engine) driveSubLoop(ctx context.Context, run *model.Run, prompt string, profile []tools.Tool, tc sandbox.ToolContext) (subLoopOutcome, error) {
	byName := make(map[string]tools.Tool, len(profile))
	for _, t := range profile {
		byName[t.Name()] = t
	}
	defs := toolDefinitions(profile)
	messages := []llmclient.Message{{Role: llmclient.RoleUser, Content: prompt}}

	var lastText string
	var totalToolCalls int

	for turn := 0; turn < e.cfg.MaxSubLoopTurns; turn++ {
		e.publish(ctx, eventbus.KindPromptSent, run, map[string]interface{}{"turn": turn})

		req := llmclient.CompleteRequest{
			Model: e.cfg.Model, Messages: messages, Tools: defs, MaxTokens: e.cfg.MaxTokens,
		}
		resp, err := e.llm.Stream(ctx, req, func(chunk llmclient.StreamChunk) {
			if chunk.Kind == llmclient.ChunkTextDelta && chunk.TextDelta != "" {
				e.publish(ctx, eventbus.KindTokenReceived, run, map[string]interface{}{"text": chunk.TextDelta})
			}
		})
		if err != nil {
			return subLoopOutcome{}, fmt.Errorf("%w: %v", daemonerr.ErrLlmError, err)
		}
		e.publish(ctx, eventbus.KindResponseCompleted, run, map[string]interface{}{"stop_reason": resp.StopReason})
		lastText = resp.Text

		if len(resp.ToolUses) == 0 {
			break
		}
		messages = append(messages, llmclient.Message{Role: llmclient.RoleAssistant, Content: resp.Text})

		for _, tu := range resp.ToolUses {
			totalToolCalls++
			result, toolErr := e.callTool(ctx, run, byName, tc, tu)
			messages = append(messages, llmclient.Message{
				Role:    llmclient.RoleUser,
				Content: fmt.Sprintf("[result of %s] %s", tu.Name, result),
			})
			_ = toolErr // folded into result text above; never fatal to the sub-loop
		}

		if resp.StopReason == "end_turn" || resp.StopReason == "stop" {
			break
		}
	}
	return subLoopOutcome{summary: lastText, toolCalls: totalToolCalls}, nil
}

func (e *Engine) callTool(ctx context.Context, run *model.Run, byName map[string]tools.Tool, tc sandbox.ToolContext, tu llmclient.ToolUse) (string, error) {
	t, ok := byName[tu.Name]
	if !ok {
		err := fmt.Errorf("%w: unknown tool %q", daemonerr.ErrToolError, tu.Name)
		return err.Error(), err
	}
	e.publish(ctx, eventbus.KindToolCallStarted, run, map[string]interface{}{"tool": tu.Name})
	out, err := t.Call(ctx, tc, tu.Input)
	e.publish(ctx, eventbus.KindToolCallCompleted, run, map[string]interface{}{"tool": tu.Name, "error": err != nil})
	if err != nil {
		return err.Error(), err
	}
	return out, nil
}

func toolDefinitions(profile []tools.Tool) []llmclient.ToolDefinition {
	defs := make([]llmclient.ToolDefinition, 0, len(profile))
	for _, t := range profile {
		defs = append(defs, llmclient.ToolDefinition{
			Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// --- coordinator adapter -----------------------------------------------

// coordinatorAdapter narrows *coordinator.Coordinator to sandbox's
// CoordinatorHandle. Share and Alert are fire-and-forget in the
// Coordinator's own API (they don't return an error), so the adapter
// always reports success; Query's "question" parameter carries the
// tool's topic, with the payload JSON-rendered and appended when
// non-empty since the Coordinator itself only routes a single string.
type coordinatorAdapter struct {
	c       *coordinator.Coordinator
	timeout time.Duration
}

func (a coordinatorAdapter) Share(from, to, topic string, payload map[string]interface{}) error {
	a.c.Share(from, to, topic, payload)
	return nil
}

func (a coordinatorAdapter) Alert(from, topic string, payload map[string]interface{}) error {
	a.c.Alert(from, topic, payload)
	return nil
}

func (a coordinatorAdapter) Query(from, to, topic string, payload map[string]interface{}) (map[string]interface{}, error) {
	timeout := a.timeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	question := topic
	if len(payload) > 0 {
		if encoded, err := json.Marshal(payload); err == nil {
			question = topic + " " + string(encoded)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()
	return a.c.Query(ctx, from, to, question, timeout)
}
