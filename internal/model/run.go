// Package model defines the core record types persisted by the store:
// runs, coordination messages, and context chunks, along with the run
// status machine.
package model

// Kind is a run's position in the Plan -> Spec -> Phase -> Ralph hierarchy.
type Kind string

const (
	KindPlan  Kind = "plan"
	KindSpec  Kind = "spec"
	KindPhase Kind = "phase"
	KindRalph Kind = "ralph"
)

// Status is the single enum shared across every run kind; not all kinds
// visit every state.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusRebasing Status = "rebasing"
	StatusBlocked  Status = "blocked"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// Terminal reports whether a status is a final resting state that Cascade
// and the Supervisor treat as "done" for rollup and scheduling purposes.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// ContentMode resolves Open Question 1: whether a Spec/Phase's content
// document is authored externally or synthesized by the engine during its
// first iteration.
type ContentMode string

const (
	ContentSynthesized ContentMode = "synthesized"
	ContentAuthored    ContentMode = "authored"
)

// Record is implemented by every type the store persists, so the store's
// generic log/cache machinery never needs reflection to find an id, kind,
// or timestamp.
type Record interface {
	RecordID() string
	RecordKind() string
	UpdatedAtMs() int64
	Deleted() bool
}

// Run is the central entity: a single managed unit of work.
type Run struct {
	ID              string                 `json:"id"`
	Kind            Kind                   `json:"kind"`
	Title           string                 `json:"title"`
	Status          Status                 `json:"status"`
	Parent          string                 `json:"parent,omitempty"`
	Deps            []string               `json:"deps,omitempty"`
	WorktreePath    string                 `json:"worktree_path,omitempty"`
	Branch          string                 `json:"branch,omitempty"`
	Iteration       int                    `json:"iteration"`
	MaxIterations   int                    `json:"max_iterations,omitempty"`
	Progress        string                 `json:"progress,omitempty"`
	ContentMode     ContentMode            `json:"content_mode,omitempty"`
	ContentPath     string                 `json:"content_path,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
	RetryOf         string                 `json:"retry_of,omitempty"`
	RetryCount      int                    `json:"retry_count,omitempty"`
	ValidationCmd   string                 `json:"validation_cmd,omitempty"`
	SuccessExitCode int                    `json:"success_exit_code"`
	CreatedAtMs     int64                  `json:"created_at_ms"`
	UpdatedAtMsV    int64                  `json:"updated_at_ms"`
	DeletedFlag     bool                   `json:"deleted,omitempty"`
}

func (r *Run) RecordID() string   { return r.ID }
func (r *Run) RecordKind() string { return "run" }
func (r *Run) UpdatedAtMs() int64 { return r.UpdatedAtMsV }
func (r *Run) Deleted() bool      { return r.DeletedFlag }

// Clone returns a deep-enough copy for callers that mutate before calling
// update; the context map is copied one level deep.
func (r *Run) Clone() *Run {
	cp := *r
	if r.Deps != nil {
		cp.Deps = append([]string(nil), r.Deps...)
	}
	if r.Context != nil {
		cp.Context = make(map[string]interface{}, len(r.Context))
		for k, v := range r.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

// MessageKind distinguishes the Coordinator's four message shapes.
type MessageKind string

const (
	MessageAlert MessageKind = "alert"
	MessageQuery MessageKind = "query"
	MessageShare MessageKind = "share"
	MessageStop  MessageKind = "stop"
)

// MessageOutcome records how a query settled.
type MessageOutcome string

const (
	OutcomeNone    MessageOutcome = ""
	OutcomeAnswer  MessageOutcome = "answered"
	OutcomeTimeout MessageOutcome = "timeout"
	OutcomeLate    MessageOutcome = "late"
	OutcomeLost    MessageOutcome = "lost"
)

// CoordinationMessage is an Alert, Share, Query, or Stop routed through the
// Coordinator and persisted through the Store for crash recovery.
type CoordinationMessage struct {
	ID           string                 `json:"id"`
	Sender       string                 `json:"sender"`
	Recipient    string                 `json:"recipient,omitempty"` // "" = broadcast
	Topic        string                 `json:"topic,omitempty"`
	Kind         MessageKind            `json:"kind"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	CreatedAtMs  int64                  `json:"created_at_ms"`
	ResolvedAtMs int64                  `json:"resolved_at_ms,omitempty"`
	Outcome      MessageOutcome         `json:"outcome,omitempty"`
	Answer       map[string]interface{} `json:"answer,omitempty"`
	UpdatedAtMsV int64                  `json:"updated_at_ms"`
	DeletedFlag  bool                   `json:"deleted,omitempty"`
}

func (m *CoordinationMessage) RecordID() string   { return m.ID }
func (m *CoordinationMessage) RecordKind() string { return "coordination" }
func (m *CoordinationMessage) UpdatedAtMs() int64 { return m.UpdatedAtMsV }
func (m *CoordinationMessage) Deleted() bool      { return m.DeletedFlag }

// Resolved reports whether a query has settled (answered, timed out, or
// lost). Alerts and shares are considered resolved immediately on dispatch.
func (m *CoordinationMessage) Resolved() bool {
	if m.Kind != MessageQuery {
		return true
	}
	return m.Outcome != OutcomeNone
}

// ContextChunk is an immutable, content-addressed slice of an external
// document ingested for a run's optional context window.
type ContextChunk struct {
	ID           string `json:"id"`
	ContextID    string `json:"context_id"`
	SourcePath   string `json:"source_path"`
	ByteStart    int64  `json:"byte_start"`
	ByteEnd      int64  `json:"byte_end"`
	ContentHash  string `json:"content_hash"`
	Content      string `json:"content"`
	CreatedAtMs  int64  `json:"created_at_ms"`
	UpdatedAtMsV int64  `json:"updated_at_ms"`
	DeletedFlag  bool   `json:"deleted,omitempty"`
}

func (c *ContextChunk) RecordID() string   { return c.ID }
func (c *ContextChunk) RecordKind() string { return "context_chunk" }
func (c *ContextChunk) UpdatedAtMs() int64 { return c.UpdatedAtMsV }
func (c *ContextChunk) Deleted() bool      { return c.DeletedFlag }
