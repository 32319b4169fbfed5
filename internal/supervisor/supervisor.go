// Package supervisor is the lifecycle manager described in SPEC_FULL.md
// section 4.4: task registry, per-kind admission (dependency gate +
// worktree creation), work pickup from Store change events with a
// fallback poll, the main-branch rebase watcher, the ralph completion
// path (merge/push/cleanup), and crash recovery on start. It generalizes
// worker.Pool's goroutine-per-worker shape (NewPool/Start/Stop pulling
// jobs off a queue) from a fixed worker count per named queue to one
// goroutine per admitted Ralph run, gated by a weighted semaphore instead
// of a worker count, and picking up work from the Store's change feed
// instead of a job queue.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/taskdaemon/taskdaemon/internal/cascade"
	"github.com/taskdaemon/taskdaemon/internal/coordinator"
	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
	"github.com/taskdaemon/taskdaemon/internal/engine"
	"github.com/taskdaemon/taskdaemon/internal/gitops"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/store"
)

// Mode is the execution mode SPEC_FULL.md section 4.4 requires detecting
// at startup.
type Mode string

const (
	ModeIsolated Mode = "isolated" // git base present: worktrees, concurrent runs
	ModeSimple   Mode = "simple"   // no git base: one run at a time, no worktrees
)

const defaultNamespace = "taskdaemon"

// DefaultPollInterval is the fallback pass over Pending records that
// catches ReadyForPickup events missed to subscriber lag or startup
// races.
const DefaultPollInterval = 60 * time.Second

// DefaultRebasePollInterval is how often the main-branch watcher checks
// the shared base branch for new commits.
const DefaultRebasePollInterval = 30 * time.Second

// DefaultShutdownGrace bounds how long Stop() waits for live tasks to
// settle after being sent a Stop message before returning anyway.
const DefaultShutdownGrace = 30 * time.Second

// Config holds the Supervisor's tunable knobs; zero values fall back to
// the SPEC_FULL.md section 5 defaults.
type Config struct {
	MaxRuns       int64 // run slot semaphore weight, default 50
	MaxWorktrees  int64 // worktree cap, default 50
	GitBaseDir    string
	BaseBranch    string // shared base branch runs are cut from/merged into, default "main"
	Namespace     string // branch prefix, default "taskdaemon"
	PollInterval  time.Duration
	RebasePoll    time.Duration
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRuns <= 0 {
		c.MaxRuns = 50
	}
	if c.MaxWorktrees <= 0 {
		c.MaxWorktrees = 50
	}
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RebasePoll <= 0 {
		c.RebasePoll = DefaultRebasePollInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// task is the registry's handle on one live Ralph goroutine.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor wires the Store, Coordinator, Engine, and Cascade together
// into the running fleet. One Supervisor owns the whole process's run
// registry; it holds no per-run state beyond the registry itself, and
// every mutation it makes to a run record is a plain Store create/update.
type Supervisor struct {
	store *store.Store
	coord *coordinator.Coordinator
	eng   *engine.Engine
	repo  *gitops.Repo // nil in Simple mode
	cfg   Config
	mode  Mode
	log   *logrus.Entry

	runSem      *semaphore.Weighted
	worktreeSem *semaphore.Weighted

	mu       sync.Mutex
	tasks    map[string]*task
	stopping bool
}

// New builds a Supervisor. repo is nil when no git base was found at
// startup, putting the Supervisor in Simple mode (MaxRuns is then forced
// to 1 regardless of cfg, since Simple mode runs sequentially in the base
// directory with no worktree isolation).
func New(st *store.Store, coord *coordinator.Coordinator, eng *engine.Engine, repo *gitops.Repo, cfg Config, log *logrus.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	mode := ModeIsolated
	if repo == nil {
		mode = ModeSimple
		cfg.MaxRuns = 1
	}
	return &Supervisor{
		store: st, coord: coord, eng: eng, repo: repo, cfg: cfg, mode: mode,
		runSem:      semaphore.NewWeighted(cfg.MaxRuns),
		worktreeSem: semaphore.NewWeighted(cfg.MaxWorktrees),
		tasks:       make(map[string]*task),
		log:         log.WithField("component", "supervisor"),
	}
}

// Mode reports the execution mode detected at construction time.
func (s *Supervisor) Mode() Mode { return s.mode }

// hierarchy walks parent-first: Plan has no parent; a Spec's parent
// collection is "plans"; and so on down to Ralph. SPEC_FULL.md section
// 4.4 names both Phase and Ralph as worktree-needing kinds, but since a
// Phase has exactly one Ralph child and never itself runs code, this
// repo creates the worktree once, at Ralph admission, keyed off the
// Ralph's own run id (DESIGN.md records this as the Open Question
// resolution); Phase activation carries no worktree of its own.
type hierarchyInfo struct {
	collection     string
	minChildren    int
	maxChildren    int
	childKindLabel string
	isRalph        bool
}

var hierarchy = []hierarchyInfo{
	{collection: "plans", minChildren: 1, maxChildren: 2, childKindLabel: "specs"},
	{collection: "specs", minChildren: 3, maxChildren: 7, childKindLabel: "phases"},
	{collection: "phases", minChildren: 1, maxChildren: 1, childKindLabel: "ralph"},
	{collection: "runs", isRalph: true},
}

// Start runs crash recovery synchronously, then launches the admission,
// fallback-poll, and rebase-watch loops in background goroutines tied to
// ctx. It returns once recovery has completed; the background loops run
// until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.recoverCrashed(ctx); err != nil {
		return fmt.Errorf("supervisor: crash recovery: %w", err)
	}
	go s.admissionLoop(ctx)
	if s.mode == ModeIsolated {
		go s.rebaseWatchLoop(ctx)
	}
	return nil
}

// Stop drops new admissions, sends Stop to every live task, and waits up
// to cfg.ShutdownGrace for them to settle cooperatively. Tasks still live
// once the grace period elapses have their context cancelled, forcing the
// engine's Drive loop to unwind rather than leaking the goroutine.
func (s *Supervisor) Stop(from string) {
	s.mu.Lock()
	s.stopping = true
	live := make([]*task, 0, len(s.tasks))
	for id, t := range s.tasks {
		s.coord.Stop(from, id, "supervisor shutdown")
		live = append(live, t)
	}
	s.mu.Unlock()

	deadline := time.After(s.cfg.ShutdownGrace)
	for _, t := range live {
		select {
		case <-t.done:
		case <-deadline:
			for _, remaining := range live {
				remaining.cancel()
			}
			return
		}
	}
}

// --- control surface --------------------------------------------------------

// StopRun sends a Stop message to a live Ralph, matching the control
// surface's stop(id) operation (SPEC_FULL.md section 6). The goroutine
// observes it on its next stopRequested check and exits; rollup/teardown
// then run the same as any other terminal Ralph.
func (s *Supervisor) StopRun(runID, reason string) {
	s.coord.Stop("controlapi", runID, reason)
}

// PauseRun records a live Ralph as Paused and cancels its task context,
// unwinding the engine's Drive loop without treating the run as terminal
// (Paused is not in Status.Terminal()), so rollup/teardown are skipped and
// the worktree is left intact for ResumeRun. Matches the control surface's
// pause(id) operation.
func (s *Supervisor) PauseRun(ctx context.Context, runID string) error {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.StatusRunning {
		return fmt.Errorf("supervisor: cannot pause run %s in status %s", runID, run.Status)
	}
	run.Status = model.StatusPaused
	run.UpdatedAtMsV = time.Now().UnixMilli()
	if err := s.store.Update(ctx, "runs", run); err != nil {
		return err
	}

	s.mu.Lock()
	t, ok := s.tasks[runID]
	s.mu.Unlock()
	if ok {
		t.cancel()
		<-t.done
	}
	return nil
}

// ResumeRun re-admits a Paused run from its existing worktree, matching the
// control surface's resume(id) operation. It reuses the same admission path
// crash recovery uses for a Paused run found at startup.
func (s *Supervisor) ResumeRun(ctx context.Context, runID string) error {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.StatusPaused {
		return fmt.Errorf("supervisor: cannot resume run %s in status %s", runID, run.Status)
	}
	run.Status = model.StatusRunning
	run.UpdatedAtMsV = time.Now().UnixMilli()
	if err := s.store.Update(ctx, "runs", run); err != nil {
		return err
	}
	return s.respawn(ctx, run)
}

func (s *Supervisor) loadRun(ctx context.Context, runID string) (*model.Run, error) {
	rec, ok, err := s.store.Get(ctx, "runs", runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", daemonerr.ErrDepNotFound, runID)
	}
	return rec.(*model.Run), nil
}

// --- admission -----------------------------------------------------------

func (s *Supervisor) admissionLoop(ctx context.Context) {
	ch, unsub := s.store.Subscribe()
	defer unsub()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.admitPendingPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			s.admitPendingPass(ctx)
		case <-ticker.C:
			s.admitPendingPass(ctx)
		}
	}
}

// admitPendingPass scans every collection's Pending records and attempts
// to admit each one. A record whose dependencies aren't all Complete, or
// whose per-kind semaphore has no free permit, is simply left Pending for
// the next pass.
func (s *Supervisor) admitPendingPass(ctx context.Context) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return
	}
	for _, h := range hierarchy {
		recs, err := s.store.List(ctx, h.collection, store.Filter{Field: "status", Op: store.OpEq, Value: string(model.StatusPending)})
		if err != nil {
			s.log.WithError(err).WithField("collection", h.collection).Warn("supervisor: list pending failed")
			continue
		}
		for _, r := range recs {
			run, ok := r.(*model.Run)
			if !ok {
				continue
			}
			s.tryAdmit(ctx, h, run)
		}
	}
}

func (s *Supervisor) tryAdmit(ctx context.Context, h hierarchyInfo, run *model.Run) {
	ready, err := s.depsResolved(ctx, h.collection, run)
	if err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Warn("supervisor: dependency check failed")
		return
	}
	if !ready {
		return
	}

	if h.isRalph {
		s.admitRalph(ctx, run)
		return
	}
	s.admitContainer(ctx, h, run)
}

// depsResolved implements Testable Property 4: a Pending run with any dep
// not Complete is never admitted.
func (s *Supervisor) depsResolved(ctx context.Context, collection string, run *model.Run) (bool, error) {
	for _, depID := range run.Deps {
		rec, ok, err := s.store.Get(ctx, collection, depID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("%w: %s", daemonerr.ErrDepNotFound, depID)
		}
		dep, ok := rec.(*model.Run)
		if !ok || dep.Status != model.StatusComplete {
			return false, nil
		}
	}
	return true, nil
}

// admitContainer activates a Plan/Spec/Phase: synthesize its children via
// the engine's one-shot LLM call, materialize them through Cascade, then
// mark the container Running (it has no goroutine of its own; it settles
// later via Cascade rollup from its children).
func (s *Supervisor) admitContainer(ctx context.Context, h hierarchyInfo, run *model.Run) {
	log := s.log.WithField("run_id", run.ID).WithField("kind", run.Kind)

	specs, err := s.eng.SynthesizeChildren(ctx, run, h.childKindLabel, h.minChildren, h.maxChildren)
	if err != nil {
		log.WithError(err).Warn("supervisor: child synthesis failed")
		s.markFailed(ctx, h.collection, run, err)
		return
	}

	if err := s.activate(ctx, h, run, specs); err != nil {
		log.WithError(err).Warn("supervisor: activation failed")
		s.markFailed(ctx, h.collection, run, err)
		return
	}

	run.Status = model.StatusRunning
	run.UpdatedAtMsV = time.Now().UnixMilli()
	if err := s.store.Update(ctx, h.collection, run); err != nil {
		log.WithError(err).Warn("supervisor: persist activation failed")
	}
}

func (s *Supervisor) activate(ctx context.Context, h hierarchyInfo, run *model.Run, specs []cascade.ChildSpec) error {
	switch run.Kind {
	case model.KindPlan:
		_, err := cascade.ActivatePlan(ctx, s.store, run, specs)
		return err
	case model.KindSpec:
		_, err := cascade.ActivateSpec(ctx, s.store, run, specs)
		return err
	case model.KindPhase:
		if len(specs) == 0 {
			return fmt.Errorf("supervisor: phase %s synthesized no ralph child", run.ID)
		}
		ralph, err := cascade.ActivatePhase(ctx, s.store, run, specs[0])
		if err != nil {
			return err
		}
		// ChildSpec carries only title/content/deps; a Ralph's validation
		// settings come from the Phase that owns it rather than synthesis.
		ralph.ValidationCmd = run.ValidationCmd
		ralph.SuccessExitCode = run.SuccessExitCode
		ralph.MaxIterations = run.MaxIterations
		ralph.UpdatedAtMsV = time.Now().UnixMilli()
		return s.store.Update(ctx, "runs", ralph)
	default:
		return fmt.Errorf("supervisor: activate called on kind %s", run.Kind)
	}
}

func (s *Supervisor) admitRalph(ctx context.Context, run *model.Run) {
	if !s.runSem.TryAcquire(1) {
		return
	}
	if run.WorktreePath == "" {
		if err := s.ensureWorktree(ctx, run); err != nil {
			s.runSem.Release(1)
			s.log.WithError(err).WithField("run_id", run.ID).Warn("supervisor: ralph worktree setup failed")
			s.markFailed(ctx, "runs", run, err)
			return
		}
	}

	run.Status = model.StatusRunning
	run.UpdatedAtMsV = time.Now().UnixMilli()
	if err := s.store.Update(ctx, "runs", run); err != nil {
		s.runSem.Release(1)
		s.log.WithError(err).WithField("run_id", run.ID).Warn("supervisor: persist admission failed")
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.tasks[run.ID] = t
	s.mu.Unlock()

	go s.runRalph(taskCtx, run.ID, t)
}

func (s *Supervisor) runRalph(ctx context.Context, runID string, t *task) {
	defer close(t.done)
	defer s.runSem.Release(1)
	defer func() {
		s.mu.Lock()
		delete(s.tasks, runID)
		s.mu.Unlock()
	}()

	log := s.log.WithField("run_id", runID)
	if err := s.eng.Drive(ctx, runID); err != nil {
		log.WithError(err).Warn("supervisor: engine drive returned an error")
		return
	}

	rec, ok, err := s.store.Get(ctx, "runs", runID)
	if err != nil || !ok {
		log.WithError(err).Warn("supervisor: reload after drive failed")
		return
	}
	run := rec.(*model.Run)
	if !run.Status.Terminal() {
		return
	}

	if run.Status == model.StatusComplete {
		s.completeRalph(ctx, run)
	}
	if _, err := cascade.OnRalphTerminal(ctx, s.store, run, cascade.DefaultMaxRetries); err != nil {
		log.WithError(err).Warn("supervisor: ralph rollup failed")
	}
	// A retry starts Pending with no WorktreePath and gets a fresh one on
	// its own admission, so this run's worktree is torn down unconditionally.
	s.teardownWorktree(ctx, run)
}

// completeRalph implements the completion path: merge --no-ff into the
// shared base, push, then remove the worktree and branch. A merge or push
// failure is recorded and left for operator intervention rather than
// retried or force-pushed.
func (s *Supervisor) completeRalph(ctx context.Context, run *model.Run) {
	if s.repo == nil || run.Branch == "" {
		return
	}
	log := s.log.WithField("run_id", run.ID)
	if err := s.repo.MergeNoFF(ctx, run.Branch); err != nil {
		log.WithError(err).Warn("supervisor: merge failed, left for operator")
		return
	}
	if err := s.repo.Push(ctx, s.cfg.BaseBranch); err != nil {
		log.WithError(err).Warn("supervisor: push failed, left for operator")
	}
}

func (s *Supervisor) teardownWorktree(ctx context.Context, run *model.Run) {
	if s.repo == nil || run.WorktreePath == "" {
		return
	}
	if err := s.repo.RemoveWorktree(ctx, run.WorktreePath); err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Warn("supervisor: remove worktree failed")
		return
	}
	if run.Branch != "" {
		_ = s.repo.DeleteBranch(ctx, run.Branch)
	}
	s.worktreeSem.Release(1)
}

func (s *Supervisor) markFailed(ctx context.Context, collection string, run *model.Run, cause error) {
	run.Status = model.StatusFailed
	run.LastError = cause.Error()
	run.UpdatedAtMsV = time.Now().UnixMilli()
	if err := s.store.Update(ctx, collection, run); err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Warn("supervisor: persist failure failed")
	}
}

// --- worktree lifecycle ----------------------------------------------------

func (s *Supervisor) ensureWorktree(ctx context.Context, run *model.Run) error {
	if s.repo == nil {
		return nil // Simple mode: execute in the base directory, no worktree
	}
	if !s.worktreeSem.TryAcquire(1) {
		return fmt.Errorf("%w: worktree cap reached", daemonerr.ErrGitError)
	}
	path := s.cfg.GitBaseDir + "/" + run.ID
	branch := s.cfg.Namespace + "/" + run.ID
	if err := s.repo.AddWorktree(ctx, path, branch, s.cfg.BaseBranch); err != nil {
		s.worktreeSem.Release(1)
		return err
	}
	if _, err := s.repo.IsDirty(ctx, path); err != nil {
		s.worktreeSem.Release(1)
		return fmt.Errorf("worktree validation: %w", err)
	}
	run.WorktreePath = path
	run.Branch = branch
	return nil
}

// --- rebase watcher --------------------------------------------------------

func (s *Supervisor) rebaseWatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RebasePoll)
	defer ticker.Stop()
	var lastSha string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sha, err := s.repo.RevParse(ctx, s.cfg.BaseBranch)
			if err != nil {
				s.log.WithError(err).Warn("supervisor: rebase watch rev-parse failed")
				continue
			}
			if lastSha == "" {
				lastSha = sha
				continue
			}
			if sha != lastSha {
				lastSha = sha
				s.coord.Alert("supervisor", "main_updated", map[string]interface{}{"sha": sha})
			}
		}
	}
}

// --- crash recovery --------------------------------------------------------

// recoverCrashed implements spec.md section 4.4's four numbered steps,
// scoped to the Ralph collection since only Ralph runs hold an engine
// goroutine and a worktree of their own; Plan/Spec/Phase containers have
// no live goroutine to recover, only Store state, which is already
// durable and latest-wins.
func (s *Supervisor) recoverCrashed(ctx context.Context) error {
	for _, status := range []model.Status{model.StatusRunning, model.StatusRebasing, model.StatusPaused} {
		recs, err := s.store.List(ctx, "runs", store.Filter{Field: "status", Op: store.OpEq, Value: string(status)})
		if err != nil {
			return err
		}
		for _, r := range recs {
			run, ok := r.(*model.Run)
			if !ok {
				continue
			}
			if err := s.recoverOne(ctx, run); err != nil {
				s.log.WithError(err).WithField("run_id", run.ID).Warn("supervisor: crash recovery failed for run")
			}
		}
	}

	orphans, err := cascade.DetectOrphans(ctx, s.store, "runs", "phases")
	if err != nil {
		return err
	}
	for _, o := range orphans {
		s.log.WithField("run_id", o.Run.ID).Warn("supervisor: orphaned run: " + o.Reason)
	}
	return nil
}

func (s *Supervisor) recoverOne(ctx context.Context, run *model.Run) error {
	if s.repo == nil || run.WorktreePath == "" {
		return s.respawn(ctx, run)
	}
	dirty, err := s.repo.IsDirty(ctx, run.WorktreePath)
	if err != nil {
		run.Status = model.StatusFailed
		run.LastError = "worktree-missing"
		run.UpdatedAtMsV = time.Now().UnixMilli()
		return s.store.Update(ctx, "runs", run)
	}
	if dirty {
		if err := s.autoCommit(ctx, run.WorktreePath, "auto-commit before recovery"); err != nil {
			s.log.WithError(err).WithField("run_id", run.ID).Warn("supervisor: auto-commit before recovery failed")
		}
	}
	// This worktree already exists from before the crash and occupies a
	// slot teardownWorktree will later release, so account for it in the
	// fresh process's semaphore before respawning.
	if err := s.worktreeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	return s.respawn(ctx, run)
}

func (s *Supervisor) respawn(ctx context.Context, run *model.Run) error {
	if !s.runSem.TryAcquire(1) {
		return nil // picked up again on the next admission pass
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.tasks[run.ID] = t
	s.mu.Unlock()
	go s.runRalph(taskCtx, run.ID, t)
	return nil
}

func (s *Supervisor) autoCommit(ctx context.Context, worktreePath, message string) error {
	return gitops.CommitAll(ctx, worktreePath, message)
}
