package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentline/internal/engine"
)

func TestStartSessionSingleActive(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	sess, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Status != "active" || sess.Token == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	_, err = env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask)
	var activeErr engine.SessionActiveError
	if !errors.As(err, &activeErr) {
		t.Fatalf("expected SessionActiveError, got %v", err)
	}
	// other purposes and projects are separate keys
	if _, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeChat); err != nil {
		t.Fatalf("start chat session: %v", err)
	}
}

func TestStartSessionSweepsExpired(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	old, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	env.advance(time.Duration(env.Engine.Config.Sessions.TTLSeconds)*time.Second + time.Second)
	replacement, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask)
	if err != nil {
		t.Fatalf("start after expiry: %v", err)
	}
	if replacement.ID == old.ID {
		t.Fatalf("expected a new session")
	}
	swept, err := env.Engine.Repo.GetSession(env.Ctx, old.ID)
	if err != nil {
		t.Fatalf("get swept session: %v", err)
	}
	if swept.Status != "abandoned" {
		t.Fatalf("swept session status = %s, want abandoned", swept.Status)
	}
}

func TestSessionTokenClaims(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Auth.JWTSecret = "test-secret"
	env.createAgent(t, "worker", "ai", "", 1)
	sess, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(sess.Token, claims, func(*jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	}, jwt.WithTimeFunc(env.Engine.Now))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims["sub"] != "worker" || claims["sid"] != sess.ID {
		t.Fatalf("claims = %v", claims)
	}
	if claims["project"] != "proj-1" || claims["purpose"] != engine.PurposeTask {
		t.Fatalf("claims = %v", claims)
	}
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	sess, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ended, err := env.Engine.EndSession(env.Ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != "completed" || ended.EndedAt == nil {
		t.Fatalf("unexpected ended session: %+v", ended)
	}
	if _, err := env.Engine.EndSession(env.Ctx, sess.ID, ""); err == nil {
		t.Fatalf("expected ending twice to fail")
	}
	// the key is free again
	if _, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestEndActiveSessions(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	if _, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeChat); err != nil {
		t.Fatalf("start: %v", err)
	}
	n, err := env.Engine.EndActiveSessions(env.Ctx, "worker", "proj-1", "")
	if err != nil {
		t.Fatalf("end all: %v", err)
	}
	if n != 2 {
		t.Fatalf("ended %d sessions, want 2", n)
	}
}

func TestSpawnWindow(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	if err := env.Engine.BeginSpawn(env.Ctx, "worker", "proj-1", engine.PurposeTask); err != nil {
		t.Fatalf("begin spawn: %v", err)
	}
	err := env.Engine.BeginSpawn(env.Ctx, "worker", "proj-1", engine.PurposeTask)
	var inFlight engine.SpawnInFlightError
	if !errors.As(err, &inFlight) {
		t.Fatalf("expected SpawnInFlightError, got %v", err)
	}
	// a stale marker no longer blocks
	env.advance(time.Duration(env.Engine.Config.Sessions.SpawnWindowSeconds)*time.Second + time.Second)
	if err := env.Engine.BeginSpawn(env.Ctx, "worker", "proj-1", engine.PurposeTask); err != nil {
		t.Fatalf("begin spawn after window: %v", err)
	}
}

func TestSpawnRejectedWhileSessionLive(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	if _, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := env.Engine.BeginSpawn(env.Ctx, "worker", "proj-1", engine.PurposeTask)
	var activeErr engine.SessionActiveError
	if !errors.As(err, &activeErr) {
		t.Fatalf("expected SessionActiveError, got %v", err)
	}
}

func TestStartSessionClearsSpawnMarker(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	if err := env.Engine.BeginSpawn(env.Ctx, "worker", "proj-1", engine.PurposeTask); err != nil {
		t.Fatalf("begin spawn: %v", err)
	}
	sess, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.EndSession(env.Ctx, sess.ID, ""); err != nil {
		t.Fatalf("end: %v", err)
	}
	ws, err := env.Engine.TaskWorkStatus(env.Ctx, "worker", "proj-1")
	if err != nil {
		t.Fatalf("work status: %v", err)
	}
	if ws.SpawnInFlight {
		t.Fatalf("spawn marker survived the session start")
	}
}

func TestTaskWorkStatus(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	ws, err := env.Engine.TaskWorkStatus(env.Ctx, "worker", "proj-1")
	if err != nil {
		t.Fatalf("work status: %v", err)
	}
	if ws.HasWork || ws.ShouldSpawn {
		t.Fatalf("expected no work, got %+v", ws)
	}

	task := env.createTask(t, engine.TaskCreateOptions{Title: "ready", AssigneeID: "worker"})
	env.moveTask(t, task.ID, engine.StatusTodo)
	ws, err = env.Engine.TaskWorkStatus(env.Ctx, "worker", "proj-1")
	if err != nil {
		t.Fatalf("work status: %v", err)
	}
	if !ws.HasWork || !ws.ShouldSpawn {
		t.Fatalf("expected spawnable work, got %+v", ws)
	}
	if ws.Task == nil || ws.Task.ID != task.ID {
		t.Fatalf("work task = %v, want %s", ws.Task, task.ID)
	}

	// a live session means no second spawn
	if _, err := env.Engine.StartSession(env.Ctx, "worker", "proj-1", engine.PurposeTask); err != nil {
		t.Fatalf("start: %v", err)
	}
	ws, err = env.Engine.TaskWorkStatus(env.Ctx, "worker", "proj-1")
	if err != nil {
		t.Fatalf("work status: %v", err)
	}
	if !ws.HasWork || !ws.ActiveSession || ws.ShouldSpawn {
		t.Fatalf("expected active session to suppress spawn, got %+v", ws)
	}
}

func TestTaskWorkSkipsUnstartableTodos(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "root", "human", "", 1)
	env.createAgent(t, "worker", "ai", "root", 1)
	env.createAgent(t, "peer", "ai", "", 1)
	if err := env.Engine.AssignAgentToProject(env.Ctx, "worker", "proj-1", "root"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// pending approval
	pending, _, err := env.Engine.RequestTask(env.Ctx, engine.RequestTaskOptions{
		AssigneeID: "worker", RequesterID: "peer", Title: "unapproved",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	env.moveTask(t, pending.ID, engine.StatusTodo)

	// incomplete dependency
	dep := env.createTask(t, engine.TaskCreateOptions{Title: "dep"})
	gated := env.createTask(t, engine.TaskCreateOptions{Title: "gated", AssigneeID: "worker", Dependencies: []string{dep.ID}})
	env.moveTask(t, gated.ID, engine.StatusTodo)

	ws, err := env.Engine.TaskWorkStatus(env.Ctx, "worker", "proj-1")
	if err != nil {
		t.Fatalf("work status: %v", err)
	}
	if ws.HasWork {
		t.Fatalf("expected no startable work, got %+v", ws)
	}

	env.moveTask(t, dep.ID, engine.StatusTodo, engine.StatusInProgress, engine.StatusInReview, engine.StatusDone)
	ws, err = env.Engine.TaskWorkStatus(env.Ctx, "worker", "proj-1")
	if err != nil {
		t.Fatalf("work status: %v", err)
	}
	if !ws.HasWork || ws.Task == nil || ws.Task.ID != gated.ID {
		t.Fatalf("expected gated task to become startable, got %+v", ws)
	}
}

func TestTaskWorkPrefersInProgress(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 2)
	running := env.createTask(t, engine.TaskCreateOptions{Title: "running", AssigneeID: "worker"})
	env.moveTask(t, running.ID, engine.StatusTodo, engine.StatusInProgress)
	queued := env.createTask(t, engine.TaskCreateOptions{Title: "queued", AssigneeID: "worker"})
	env.moveTask(t, queued.ID, engine.StatusTodo)

	ws, err := env.Engine.TaskWorkStatus(env.Ctx, "worker", "proj-1")
	if err != nil {
		t.Fatalf("work status: %v", err)
	}
	if ws.Task == nil || ws.Task.ID != running.ID {
		t.Fatalf("work task = %v, want the in_progress one", ws.Task)
	}
}

func TestChatWorkStatus(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "root", "human", "", 1)
	env.createAgent(t, "worker", "ai", "root", 1)
	env.createAgent(t, "peer", "ai", "", 1)
	if err := env.Engine.AssignAgentToProject(env.Ctx, "worker", "proj-1", "root"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	ws, err := env.Engine.ChatWorkStatus(env.Ctx, "worker", "proj-1")
	if err != nil {
		t.Fatalf("chat status: %v", err)
	}
	if ws.HasWork {
		t.Fatalf("expected no chat work, got %+v", ws)
	}

	// unread message
	if _, err := env.Engine.SendMessage(env.Ctx, "root", "worker", "proj-1", "ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	ws, err = env.Engine.ChatWorkStatus(env.Ctx, "worker", "proj-1")
	if err != nil {
		t.Fatalf("chat status: %v", err)
	}
	if !ws.HasWork || !ws.ShouldSpawn {
		t.Fatalf("expected chat work from unread message, got %+v", ws)
	}

	// a pending approval for a descendant is the ancestor's chat work
	if _, _, err := env.Engine.RequestTask(env.Ctx, engine.RequestTaskOptions{
		AssigneeID: "worker", RequesterID: "peer", Title: "needs sign-off",
	}); err != nil {
		t.Fatalf("request: %v", err)
	}
	ws, err = env.Engine.ChatWorkStatus(env.Ctx, "root", "proj-1")
	if err != nil {
		t.Fatalf("chat status: %v", err)
	}
	if !ws.HasWork {
		t.Fatalf("expected approval to count as chat work, got %+v", ws)
	}
}
