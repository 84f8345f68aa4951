package engine

import (
	"fmt"
	"strings"
)

// ValidationError rejects malformed or semantically invalid input.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// InvalidStatusTransitionError rejects a status pair outside the transition
// table. Same-status transitions are always rejected.
type InvalidStatusTransitionError struct {
	From string
	To   string
}

func (e InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// DependencyNotCompleteError names the dependencies still blocking a task
// from entering in_progress.
type DependencyNotCompleteError struct {
	TaskIDs []string
}

func (e DependencyNotCompleteError) Error() string {
	return fmt.Sprintf("dependencies not complete: %s", strings.Join(e.TaskIDs, ", "))
}

// MaxParallelTasksError rejects starting a task beyond the assignee's
// parallel capacity.
type MaxParallelTasksError struct {
	Current int
	Max     int
}

func (e MaxParallelTasksError) Error() string {
	return fmt.Sprintf("assignee already has %d of %d tasks in progress", e.Current, e.Max)
}

// ReassignmentNotAllowedError preserves in-flight work context.
type ReassignmentNotAllowedError struct {
	Status string
}

func (e ReassignmentNotAllowedError) Error() string {
	return fmt.Sprintf("task in status %s cannot be reassigned", e.Status)
}

// ApprovalStateError rejects approval decisions on tasks that are not
// pending approval.
type ApprovalStateError struct {
	Status string
}

func (e ApprovalStateError) Error() string {
	return fmt.Sprintf("task approval status is %s, not pending_approval", e.Status)
}

// SessionActiveError upholds the one-active-session-per-key invariant.
type SessionActiveError struct {
	AgentID   string
	ProjectID string
	Purpose   string
}

func (e SessionActiveError) Error() string {
	return fmt.Sprintf("session already active for agent %s project %s purpose %s", e.AgentID, e.ProjectID, e.Purpose)
}

// SpawnInFlightError rejects a second spawn inside the spawn window.
type SpawnInFlightError struct {
	AgentID   string
	ProjectID string
	Purpose   string
}

func (e SpawnInFlightError) Error() string {
	return fmt.Sprintf("spawn already in flight for agent %s project %s purpose %s", e.AgentID, e.ProjectID, e.Purpose)
}

// LockedError rejects mutations of, or a second lock on, an audit-locked
// entity. Locks never expire; only the owning audit releases them.
type LockedError struct {
	EntityKind string
	EntityID   string
	AuditID    string
}

func (e LockedError) Error() string {
	return fmt.Sprintf("%s %s is locked by audit %s", e.EntityKind, e.EntityID, e.AuditID)
}

// NotLockOwnerError rejects an unlock by any audit but the locking one.
type NotLockOwnerError struct {
	EntityKind string
	EntityID   string
	AuditID    string
}

func (e NotLockOwnerError) Error() string {
	return fmt.Sprintf("%s %s is not locked by audit %s", e.EntityKind, e.EntityID, e.AuditID)
}

// InvalidProjectStatusError rejects writes into archived projects.
type InvalidProjectStatusError struct {
	ProjectID string
	Status    string
}

func (e InvalidProjectStatusError) Error() string {
	return fmt.Sprintf("project %s has status %s", e.ProjectID, e.Status)
}
