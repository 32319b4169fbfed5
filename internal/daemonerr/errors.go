// Package daemonerr defines the shared error taxonomy used across every
// subsystem: storage, coordination, engine, sandbox, git, and dependency
// errors. Each category is a sentinel comparable with errors.Is; call sites
// wrap sentinels with fmt.Errorf("...: %w", ...) to attach context.
package daemonerr

import "errors"

// Storage errors.
var (
	ErrStorageCorrupt = errors.New("daemonerr: storage corrupt")
	ErrStaleWrite     = errors.New("daemonerr: stale write")
	ErrLockTimeout    = errors.New("daemonerr: lock timeout")
	ErrDiskFull       = errors.New("daemonerr: disk full")
)

// Coordination errors.
var (
	ErrUnknownRecipient = errors.New("daemonerr: unknown recipient")
	ErrQueryTimeout     = errors.New("daemonerr: query timeout")
	ErrQueryCycle       = errors.New("daemonerr: query cycle")
	ErrRateLimited      = errors.New("daemonerr: rate limited")
)

// Engine errors.
var (
	ErrTemplateMissingVar = errors.New("daemonerr: template missing variable")
	ErrLlmError           = errors.New("daemonerr: llm error")
	ErrToolError          = errors.New("daemonerr: tool error")
	ErrValidationTimeout  = errors.New("daemonerr: validation timeout")
	ErrMaxIterations      = errors.New("daemonerr: max iterations reached")
)

// Sandbox errors.
var ErrSandboxEscape = errors.New("daemonerr: sandbox escape")

// Git errors.
var (
	ErrGitError       = errors.New("daemonerr: git error")
	ErrRebaseConflict = errors.New("daemonerr: rebase conflict")
	ErrMergeConflict  = errors.New("daemonerr: merge conflict")
	ErrPushFailed     = errors.New("daemonerr: push failed")
)

// Dependency errors.
var (
	ErrDepCycle    = errors.New("daemonerr: dependency cycle")
	ErrDepNotFound = errors.New("daemonerr: dependency not found")
)

// Retryable reports whether an LlmError wrapped with this flag should be
// retried by the engine instead of surfaced as a terminal failure.
type Retryable struct {
	Err      error
	CanRetry bool
}

func (r *Retryable) Error() string { return r.Err.Error() }

func (r *Retryable) Unwrap() error { return r.Err }

// GitRequired is returned by the Supervisor when Simple mode cannot admit a
// concurrent run without a git base. Options enumerates the choices the UI
// must present to the operator.
type GitRequired struct {
	Reason  string
	Options []string
}

func (e *GitRequired) Error() string { return "git required: " + e.Reason }

// DefaultGitRequiredOptions is the fixed choice set from the control surface
// contract.
var DefaultGitRequiredOptions = []string{
	"init-git-temporary",
	"init-git-permanent",
	"run-sequential",
	"cancel",
}
