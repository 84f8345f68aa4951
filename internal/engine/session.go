package engine

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/repo"
)

// Session purposes.
const (
	PurposeChat = "chat"
	PurposeTask = "task"
)

func validPurpose(p string) bool {
	return p == PurposeChat || p == PurposeTask
}

func (e Engine) sessionTTL() time.Duration {
	return time.Duration(e.Config.Sessions.TTLSeconds) * time.Second
}

func (e Engine) spawnWindow() time.Duration {
	return time.Duration(e.Config.Sessions.SpawnWindowSeconds) * time.Second
}

// expired reports whether an RFC3339 deadline is at or before now.
// Unparseable deadlines count as expired.
func (e Engine) expired(deadline string) bool {
	t, err := time.Parse(time.RFC3339, deadline)
	if err != nil {
		return true
	}
	return !e.now().Before(t)
}

// StartSession opens a session for an agent in a project. At most one active
// session may exist per (agent, project, purpose): expired leftovers are
// swept to abandoned inside the same transaction, a live one fails the call.
func (e Engine) StartSession(ctx context.Context, agentID, projectID, purpose string) (domain.Session, error) {
	if !validPurpose(purpose) {
		return domain.Session{}, validationf("purpose must be chat or task")
	}
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Session{}, err
	}
	if agent.Status != "active" {
		return domain.Session{}, validationf("agent %s is %s", agentID, agent.Status)
	}
	if _, err := e.activeProject(ctx, projectID); err != nil {
		return domain.Session{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	active, err := e.Repo.ActiveSessions(ctx, tx, agentID, projectID, purpose)
	if err != nil {
		return domain.Session{}, err
	}
	now := e.nowString()
	for _, s := range active {
		if !e.expired(s.ExpiresAt) {
			return domain.Session{}, SessionActiveError{AgentID: agentID, ProjectID: projectID, Purpose: purpose}
		}
		if err := e.Repo.UpdateSessionStatus(ctx, tx, s.ID, "abandoned", &now); err != nil {
			return domain.Session{}, err
		}
	}
	sess := domain.Session{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		ProjectID: projectID,
		Purpose:   purpose,
		Status:    "active",
		ExpiresAt: e.now().UTC().Add(e.sessionTTL()).Format(time.RFC3339),
		StartedAt: now,
	}
	token, err := e.mintToken(sess)
	if err != nil {
		return domain.Session{}, err
	}
	sess.Token = token
	if err := e.Repo.InsertSession(ctx, tx, sess); err != nil {
		return domain.Session{}, err
	}
	// The session supersedes any spawn marker for the same key.
	if err := e.Repo.DeleteSpawnMarker(ctx, tx, agentID, projectID, purpose); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "session.started",
		EntityKind: "session",
		EntityID:   sess.ID,
		ProjectID:  projectID,
		AgentID:    agentID,
		SessionID:  sess.ID,
		NewState:   "active",
		Metadata:   map[string]string{"purpose": purpose},
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// mintToken signs a session-scoped JWT. Without a configured secret the
// token is an opaque random value.
func (e Engine) mintToken(s domain.Session) (string, error) {
	secret := e.Config.Auth.JWTSecret
	if secret == "" {
		return uuid.New().String(), nil
	}
	expires, err := time.Parse(time.RFC3339, s.ExpiresAt)
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"sub":     s.AgentID,
		"sid":     s.ID,
		"project": s.ProjectID,
		"purpose": s.Purpose,
		"iat":     e.now().Unix(),
		"exp":     expires.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// EndSession closes a session with the given terminal status (completed when
// empty).
func (e Engine) EndSession(ctx context.Context, sessionID, status string) (domain.Session, error) {
	if status == "" {
		status = "completed"
	}
	if status != "completed" && status != "abandoned" && status != "terminating" {
		return domain.Session{}, validationf("unknown session status %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status != "active" && s.Status != "terminating" {
		return s, validationf("session %s already ended with status %s", sessionID, s.Status)
	}
	prev := s.Status
	now := e.nowString()
	var endedAt *string
	if status != "terminating" {
		endedAt = &now
		s.EndedAt = endedAt
	}
	if err := e.Repo.UpdateSessionStatus(ctx, tx, sessionID, status, endedAt); err != nil {
		return s, err
	}
	s.Status = status
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:     "session.ended",
		EntityKind:    "session",
		EntityID:      s.ID,
		ProjectID:     s.ProjectID,
		AgentID:       s.AgentID,
		SessionID:     s.ID,
		PreviousState: prev,
		NewState:      status,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// EndActiveSessions closes every active session for the key and returns how
// many were closed. Purpose narrows the sweep when non-empty.
func (e Engine) EndActiveSessions(ctx context.Context, agentID, projectID, purpose string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	active, err := e.Repo.ActiveSessions(ctx, tx, agentID, projectID, purpose)
	if err != nil {
		return 0, err
	}
	now := e.nowString()
	for _, s := range active {
		if err := e.Repo.UpdateSessionStatus(ctx, tx, s.ID, "completed", &now); err != nil {
			return 0, err
		}
		if err := e.Events.Append(ctx, tx, events.Record{
			EventType:     "session.ended",
			EntityKind:    "session",
			EntityID:      s.ID,
			ProjectID:     s.ProjectID,
			AgentID:       s.AgentID,
			SessionID:     s.ID,
			PreviousState: "active",
			NewState:      "completed",
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(active), nil
}

// hasLiveSession reports an unexpired active session for the key.
func (e Engine) hasLiveSession(ctx context.Context, agentID, projectID, purpose string) (bool, error) {
	active, err := e.Repo.ActiveSessions(ctx, nil, agentID, projectID, purpose)
	if err != nil {
		return false, err
	}
	for _, s := range active {
		if !e.expired(s.ExpiresAt) {
			return true, nil
		}
	}
	return false, nil
}

// spawnInFlight reports a spawn marker still inside the spawn window.
func (e Engine) spawnInFlight(ctx context.Context, agentID, projectID, purpose string) (bool, error) {
	m, err := e.Repo.GetSpawnMarker(ctx, nil, agentID, projectID, purpose)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	started, err := time.Parse(time.RFC3339, m.StartedAt)
	if err != nil {
		return false, nil
	}
	return e.now().Sub(started) < e.spawnWindow(), nil
}

// BeginSpawn marks that an agent process is being launched for the key,
// before any session exists. A live session or an in-window marker rejects
// the call.
func (e Engine) BeginSpawn(ctx context.Context, agentID, projectID, purpose string) error {
	if !validPurpose(purpose) {
		return validationf("purpose must be chat or task")
	}
	live, err := e.hasLiveSession(ctx, agentID, projectID, purpose)
	if err != nil {
		return err
	}
	if live {
		return SessionActiveError{AgentID: agentID, ProjectID: projectID, Purpose: purpose}
	}
	inFlight, err := e.spawnInFlight(ctx, agentID, projectID, purpose)
	if err != nil {
		return err
	}
	if inFlight {
		return SpawnInFlightError{AgentID: agentID, ProjectID: projectID, Purpose: purpose}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertSpawnMarker(ctx, tx, domain.SpawnMarker{
		AgentID:   agentID,
		ProjectID: projectID,
		Purpose:   purpose,
		StartedAt: e.nowString(),
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "agent.spawn_started",
		EntityKind: "agent",
		EntityID:   agentID,
		ProjectID:  projectID,
		AgentID:    agentID,
		Metadata:   map[string]string{"purpose": purpose},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- work detection ---

// WorkStatus is the spawn decision for one (agent, project, purpose) key.
type WorkStatus struct {
	HasWork       bool         `json:"has_work"`
	ShouldSpawn   bool         `json:"should_spawn"`
	ActiveSession bool         `json:"active_session"`
	SpawnInFlight bool         `json:"spawn_in_flight"`
	Task          *domain.Task `json:"task,omitempty"`
}

// HasRawChatWork reports pending chat work regardless of any running agent
// instance: unread messages, or delegation requests awaiting this agent's
// approval.
func (e Engine) HasRawChatWork(ctx context.Context, agentID, projectID string) (bool, error) {
	unread, err := e.Repo.CountUnreadMessages(ctx, agentID, projectID)
	if err != nil {
		return false, err
	}
	if unread > 0 {
		return true, nil
	}
	tree, err := e.Hierarchy.Load(ctx)
	if err != nil {
		return false, err
	}
	descendants := tree.Descendants(agentID)
	if len(descendants) == 0 {
		return false, nil
	}
	pending, err := e.Repo.CountPendingApprovalsForAssignees(ctx, descendants)
	if err != nil {
		return false, err
	}
	return pending > 0, nil
}

// RawTaskWork returns the task the agent should be working on: its running
// in_progress task, or the first startable todo task.
func (e Engine) RawTaskWork(ctx context.Context, agentID, projectID string) (*domain.Task, error) {
	t, err := e.Repo.FindTaskInProgress(ctx, agentID, projectID)
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	todos, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
		ProjectID:  projectID,
		Status:     StatusTodo,
		AssigneeID: agentID,
	})
	if err != nil {
		return nil, err
	}
	for i := range todos {
		candidate := todos[i]
		if candidate.ApprovalStatus == ApprovalPending || candidate.ApprovalStatus == ApprovalRejected {
			continue
		}
		if candidate.IsLocked {
			continue
		}
		// List queries skip the dependency join; load them before gating.
		candidate.Dependencies, err = e.Repo.ListTaskDependencies(ctx, nil, candidate.ID)
		if err != nil {
			return nil, err
		}
		ready, err := e.dependenciesDone(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if ready {
			return &candidate, nil
		}
	}
	return nil, nil
}

func (e Engine) dependenciesDone(ctx context.Context, t domain.Task) (bool, error) {
	for _, depID := range t.Dependencies {
		dep, err := e.Repo.GetTask(ctx, depID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if dep.Status != StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// ChatWorkStatus folds raw chat work with the session and spawn state into a
// spawn decision. Work behind a live session or an in-flight spawn is
// already being handled and must not trigger another instance.
func (e Engine) ChatWorkStatus(ctx context.Context, agentID, projectID string) (WorkStatus, error) {
	return e.workStatus(ctx, agentID, projectID, PurposeChat, func() (bool, *domain.Task, error) {
		has, err := e.HasRawChatWork(ctx, agentID, projectID)
		return has, nil, err
	})
}

// TaskWorkStatus is the task-lane counterpart of ChatWorkStatus.
func (e Engine) TaskWorkStatus(ctx context.Context, agentID, projectID string) (WorkStatus, error) {
	return e.workStatus(ctx, agentID, projectID, PurposeTask, func() (bool, *domain.Task, error) {
		t, err := e.RawTaskWork(ctx, agentID, projectID)
		return t != nil, t, err
	})
}

func (e Engine) workStatus(ctx context.Context, agentID, projectID, purpose string, raw func() (bool, *domain.Task, error)) (WorkStatus, error) {
	var ws WorkStatus
	has, task, err := raw()
	if err != nil {
		return ws, err
	}
	ws.HasWork = has
	ws.Task = task
	ws.ActiveSession, err = e.hasLiveSession(ctx, agentID, projectID, purpose)
	if err != nil {
		return ws, err
	}
	ws.SpawnInFlight, err = e.spawnInFlight(ctx, agentID, projectID, purpose)
	if err != nil {
		return ws, err
	}
	ws.ShouldSpawn = ws.HasWork && !ws.ActiveSession && !ws.SpawnInFlight
	return ws, nil
}
