package engine

// Task statuses.
const (
	StatusBacklog    = "backlog"
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
)

// Approval statuses.
const (
	ApprovalNone     = "none"
	ApprovalPending  = "pending_approval"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// transitions is the closed set of allowed status moves. done and cancelled
// are terminal.
var transitions = map[string][]string{
	StatusBacklog:    {StatusTodo, StatusCancelled},
	StatusTodo:       {StatusInProgress, StatusBacklog, StatusCancelled},
	StatusInProgress: {StatusInReview, StatusBlocked, StatusTodo},
	StatusInReview:   {StatusDone, StatusInProgress},
	StatusBlocked:    {StatusInProgress, StatusCancelled},
	StatusDone:       nil,
	StatusCancelled:  nil,
}

// CanTransition is a pure total function over the transition table.
// Same-status moves are always false.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Statuses lists every known task status.
func Statuses() []string {
	return []string{StatusBacklog, StatusTodo, StatusInProgress, StatusInReview, StatusBlocked, StatusDone, StatusCancelled}
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}
