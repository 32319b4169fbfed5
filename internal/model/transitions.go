package model

// validTransitions enumerates the run status machine from spec.md section 3.
// Draft only applies to plans; everything else shares one machine.
var validTransitions = map[Status][]Status{
	StatusDraft:    {StatusPending},
	StatusPending:  {StatusRunning},
	StatusRunning:  {StatusPaused, StatusRebasing, StatusBlocked, StatusComplete, StatusFailed, StatusStopped},
	StatusPaused:   {StatusRunning, StatusStopped},
	StatusRebasing: {StatusRunning, StatusBlocked},
	StatusBlocked:  {StatusRunning, StatusStopped, StatusFailed},
}

// CanTransition reports whether moving a run from `from` to `to` is legal
// under the shared status machine. Terminal statuses never transition
// further except via an explicit reset, which callers perform by creating a
// fresh record rather than calling CanTransition.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// DraftAllowed reports whether a kind may start in Draft. Only plans are
// user-approved before activation; specs/phases/ralphs are created already
// Pending by Cascade.
func DraftAllowed(k Kind) bool { return k == KindPlan }
