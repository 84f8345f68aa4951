package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/engine/hierarchy"
	"agentline/internal/repo"
)

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/archive",
		Summary:     "Archive project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ArchiveProject(ctx, input.ProjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":  p.ID,
			"status":      p.Status,
			"task_counts": counts,
		}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAgent(ctx, engine.AgentCreateOptions{
			ID:               input.Body.ID,
			Name:             input.Body.Name,
			Type:             input.Body.Type,
			HierarchyType:    input.Body.HierarchyType,
			ParentAgentID:    input.Body.ParentAgentID,
			MaxParallelTasks: input.Body.MaxParallelTasks,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-status",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}/status",
		Summary:     "Update agent status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusLocked},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Body    struct {
			Status string `json:"status" enum:"active,inactive"`
		} `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetAgentStatus(ctx, input.AgentID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-agent-project",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/projects/{project_id}",
		Summary:     "Assign agent to project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID   string `path:"agent_id"`
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AssignAgentToProject(ctx, input.AgentID, input.ProjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lock-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/lock",
		Summary:     "Lock agent for audit",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusLocked},
	}, func(ctx context.Context, input *struct {
		AgentID string      `path:"agent_id"`
		Body    LockRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.LockAgent(ctx, input.AgentID, input.Body.AuditID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlock-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/unlock",
		Summary:     "Unlock agent",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string      `path:"agent_id"`
		Body    LockRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.UnlockAgent(ctx, input.AgentID, input.Body.AuditID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})
}

// canActOnTask enforces the hierarchy overlay for task mutations: the actor
// must be the assignee or an ancestor of the assignee. Unassigned tasks are
// open to anyone.
func canActOnTask(ctx context.Context, e engine.Engine, actorID string, t domain.Task) error {
	if t.AssigneeID == nil || *t.AssigneeID == actorID {
		return nil
	}
	tree, err := e.Hierarchy.Load(ctx)
	if err != nil {
		return err
	}
	if !tree.CanAccessAgent(actorID, *t.AssigneeID) {
		return hierarchy.ForbiddenError{AgentID: actorID, TargetID: *t.AssigneeID}
	}
	return nil
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		principal, _ := principalFromContext(ctx)
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:               input.Body.ID,
			ProjectID:        input.ProjectID,
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			Priority:         input.Body.Priority,
			AssigneeID:       input.Body.AssigneeID,
			Dependencies:     input.Body.Dependencies,
			EstimatedMinutes: input.Body.EstimatedMinutes,
			ActorID:          actorID,
			SessionID:        principal.SessionID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		Approval   string `query:"approval_status"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:  input.ProjectID,
			Status:     input.Status,
			AssigneeID: input.AssigneeID,
			Approval:   input.Approval,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-task",
		Method:        http.MethodPost,
		Path:          "/tasks/request",
		Summary:       "Request task for an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RequestTaskRequest `json:"body"`
	}) (*struct {
		Body struct {
			Task      domain.Task    `json:"task"`
			Approvers []domain.Agent `json:"approvers,omitempty"`
		} `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		principal, _ := principalFromContext(ctx)
		t, approvers, err := e.RequestTask(ctx, engine.RequestTaskOptions{
			AssigneeID:       input.Body.AssigneeID,
			RequesterID:      actorID,
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			Priority:         input.Body.Priority,
			EstimatedMinutes: input.Body.EstimatedMinutes,
			SessionID:        principal.SessionID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Task      domain.Task    `json:"task"`
				Approvers []domain.Agent `json:"approvers,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Task = t
		out.Body.Approvers = approvers
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Approve a requested task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ApproveTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject",
		Summary:     "Reject a requested task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RejectTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectTask(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Update task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusLocked,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdateTaskStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := canActOnTask(ctx, e, actorID, current); err != nil {
			return nil, handleError(err)
		}
		principal, _ := principalFromContext(ctx)
		t, err := e.UpdateStatus(ctx, engine.UpdateStatusOptions{
			TaskID:    input.ID,
			NewStatus: input.Body.Status,
			ActorID:   actorID,
			SessionID: principal.SessionID,
			Reason:    input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		// Fire audit rules after the transition commits. At-least-once, so a
		// retry of this request fires them again.
		if _, err := e.CheckAuditTriggers(ctx, engine.TriggerTaskStatusChanged, t); err != nil {
			return nil, handleError(err)
		}
		if t.Status == engine.StatusDone {
			if _, err := e.CheckAuditTriggers(ctx, engine.TriggerTaskCompleted, t); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reassign",
		Summary:     "Reassign task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusLocked},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ReassignTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := canActOnTask(ctx, e, actorID, current); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Reassign(ctx, input.ID, input.Body.AssigneeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lock-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/lock",
		Summary:     "Lock task for audit",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusLocked},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body LockRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.LockTask(ctx, input.ID, input.Body.AuditID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlock-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/unlock",
		Summary:     "Unlock task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body LockRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.UnlockTask(ctx, input.ID, input.Body.AuditID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.StartSession(ctx, input.Body.AgentID, input.Body.ProjectID, input.Body.Purpose)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/end",
		Summary:     "End session",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body EndSessionRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		s, err := e.EndSession(ctx, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-active-sessions",
		Method:      http.MethodDelete,
		Path:        "/sessions",
		Summary:     "End active sessions for an agent",
	}, func(ctx context.Context, input *struct {
		AgentID   string `query:"agent_id" required:"true"`
		ProjectID string `query:"project_id" required:"true"`
		Purpose   string `query:"purpose"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		n, err := e.EndActiveSessions(ctx, input.AgentID, input.ProjectID, input.Purpose)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"ended": n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "begin-spawn",
		Method:        http.MethodPost,
		Path:          "/spawns",
		Summary:       "Mark an agent spawn in flight",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SpawnRequest `json:"body"`
	}) (*struct{}, error) {
		if err := e.BeginSpawn(ctx, input.Body.AgentID, input.Body.ProjectID, input.Body.Purpose); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerWork(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "work-status",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/work",
		Summary:     "Work and spawn decision for an agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID   string `path:"agent_id"`
		ProjectID string `query:"project_id" required:"true"`
		Purpose   string `query:"purpose" enum:"chat,task" default:"task"`
	}) (*struct {
		Body engine.WorkStatus `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		var (
			ws  engine.WorkStatus
			err error
		)
		switch input.Purpose {
		case engine.PurposeChat:
			ws, err = e.ChatWorkStatus(ctx, input.AgentID, input.ProjectID)
		default:
			ws, err = e.TaskWorkStatus(ctx, input.AgentID, input.ProjectID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WorkStatus `json:"body"`
		}{Body: ws}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Send chat message",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SendMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SendMessage(ctx, actorID, input.Body.ToAgentID, input.Body.ProjectID, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "List messages for the caller",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id" required:"true"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body MessagesResponse `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListMessages(ctx, actorID, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessagesResponse `json:"body"`
		}{Body: MessagesResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List notifications for the caller",
	}, func(ctx context.Context, input *struct {
		ProjectID       string `query:"project_id" required:"true"`
		UndeliveredOnly bool   `query:"undelivered_only"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListNotifications(ctx, actorID, input.ProjectID, input.UndeliveredOnly, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-messages",
		Method:      http.MethodPost,
		Path:        "/messages/read",
		Summary:     "Mark the caller's messages read",
	}, func(ctx context.Context, input *struct {
		Body struct {
			ProjectID string `json:"project_id"`
		} `json:"body"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.Repo.MarkMessagesRead(ctx, actorID, input.Body.ProjectID, e.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"read": n}}, nil
	})
}

func registerAudits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-audit",
		Method:        http.MethodPost,
		Path:          "/audits",
		Summary:       "Create audit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAuditRequest `json:"body"`
	}) (*struct {
		Body domain.InternalAudit `json:"body"`
	}, error) {
		a, err := e.CreateAudit(ctx, input.Body.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InternalAudit `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audits",
		Method:      http.MethodGet,
		Path:        "/audits",
		Summary:     "List audits",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []domain.InternalAudit `json:"body"`
	}, error) {
		items, err := e.Repo.ListAudits(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.InternalAudit `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-audit-status",
		Method:      http.MethodPatch,
		Path:        "/audits/{id}/status",
		Summary:     "Update audit status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Status string `json:"status" enum:"active,suspended"`
		} `json:"body"`
	}) (*struct {
		Body domain.InternalAudit `json:"body"`
	}, error) {
		a, err := e.SetAuditStatus(ctx, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InternalAudit `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-audit-rule",
		Method:        http.MethodPost,
		Path:          "/audits/{id}/rules",
		Summary:       "Add audit rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body CreateAuditRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AuditRule `json:"body"`
	}, error) {
		rule, err := e.AddAuditRule(ctx, engine.AuditRuleOptions{
			AuditID:         input.ID,
			TriggerType:     input.Body.TriggerType,
			TriggerConfig:   input.Body.TriggerConfig,
			TemplateID:      input.Body.TemplateID,
			TaskAssignments: input.Body.TaskAssignments,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit-rules",
		Method:      http.MethodGet,
		Path:        "/audits/{id}/rules",
		Summary:     "List audit rules",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.AuditRule `json:"body"`
	}, error) {
		items, err := e.Repo.ListAuditRules(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditRule `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-audit-rule-enabled",
		Method:      http.MethodPatch,
		Path:        "/audit-rules/{id}/enabled",
		Summary:     "Enable or disable an audit rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Enabled bool `json:"enabled"`
		} `json:"body"`
	}) (*struct{}, error) {
		if err := e.SetAuditRuleEnabled(ctx, input.ID, input.Body.Enabled); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fire-audit-rule",
		Method:      http.MethodPost,
		Path:        "/audit-rules/{id}/fire",
		Summary:     "Fire an audit rule by hand",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			SourceTaskID string `json:"source_task_id"`
		} `json:"body"`
	}) (*struct {
		Body engine.FiredRule `json:"body"`
	}, error) {
		source, err := e.Repo.GetTask(ctx, input.Body.SourceTaskID)
		if err != nil {
			return nil, handleError(err)
		}
		fired, err := e.FireAuditRule(ctx, input.ID, source)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FiredRule `json:"body"`
		}{Body: fired}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create workflow template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowTemplate `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		specs := make([]engine.TemplateTaskSpec, 0, len(input.Body.Tasks))
		for _, tt := range input.Body.Tasks {
			specs = append(specs, engine.TemplateTaskSpec{
				Title:               tt.Title,
				Description:         tt.Description,
				Order:               tt.Order,
				DependsOnOrders:     tt.DependsOnOrders,
				DefaultAssigneeRole: tt.DefaultAssigneeRole,
				DefaultPriority:     tt.DefaultPriority,
				EstimatedMinutes:    tt.EstimatedMinutes,
			})
		}
		tpl, err := e.SaveTemplate(ctx, input.Body.ID, input.Body.Name, input.Body.Variables, specs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowTemplate `json:"body"`
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List workflow templates",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []domain.WorkflowTemplate `json:"body"`
	}, error) {
		items, err := e.Repo.ListTemplates(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkflowTemplate `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get workflow template with tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Template domain.WorkflowTemplate `json:"template"`
			Tasks    []domain.TemplateTask   `json:"tasks"`
		} `json:"body"`
	}, error) {
		tpl, err := e.Repo.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListTemplateTasks(ctx, nil, tpl.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Template domain.WorkflowTemplate `json:"template"`
				Tasks    []domain.TemplateTask   `json:"tasks"`
			} `json:"body"`
		}{}
		out.Body.Template = tpl
		out.Body.Tasks = tasks
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "instantiate-template",
		Method:        http.MethodPost,
		Path:          "/templates/{id}/instantiate",
		Summary:       "Instantiate a workflow template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body InstantiateTemplateRequest `json:"body"`
	}) (*struct {
		Body TaskIDsResponse `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ids, err := e.InstantiateTemplate(ctx, input.ID, input.Body.ProjectID, input.Body.AssigneeID, input.Body.Variables, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskIDsResponse `json:"body"`
		}{Body: TaskIDsResponse{TaskIDs: ids}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		var (
			items []domain.Event
			err   error
		)
		if input.Cursor > 0 {
			items, err = e.Repo.EventsAfter(ctx, input.Limit, input.Cursor, input.ProjectID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, input.Limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: items}
		if n := len(items); n > 0 {
			resp.NextCursor = items[n-1].ID
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
