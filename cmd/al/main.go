package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"agentline/internal/app"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/repo"
	"agentline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Agentline CLI",
	Long: `Agentline orchestrates hierarchies of agents working on tasks.
Tasks flow backlog -> todo -> in_progress -> in_review -> done, gated by
dependencies and per-agent parallel capacity. Agents form a tree: parents
delegate, approve, and see their subtree's work. Sessions track running
agent instances so work detection never spawns a second one, and audits
watch task transitions to generate review workflows from templates.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-user", "acting agent identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectArchiveCmd())
	prj.AddCommand(projectStatusCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, id, name, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ArchiveProject(ctx, args[0], viper.GetString("agent-id"))
			})
		},
	}
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":  p.ID,
					"status":      p.Status,
					"task_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
}

// --- agent ---

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents are humans or AI workers arranged in a tree. A parent can delegate to, approve for, and inspect everything in its subtree.",
	}
	agent.AddCommand(agentCreateCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentStatusCmd())
	agent.AddCommand(agentAssignCmd())
	agent.AddCommand(agentLockCmd())
	agent.AddCommand(agentUnlockCmd())
	return agent
}

func agentCreateCmd() *cobra.Command {
	var opts engine.AgentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("agent-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "agent id (optional)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "agent name")
	cmd.Flags().StringVar(&opts.Type, "type", "ai", "agent type (human, ai)")
	cmd.Flags().StringVar(&opts.HierarchyType, "hierarchy-type", "", "hierarchy role label")
	cmd.Flags().StringVar(&opts.ParentAgentID, "parent", "", "parent agent id")
	cmd.Flags().IntVar(&opts.MaxParallelTasks, "max-parallel", 1, "max tasks in progress at once")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Parent", "Max", "Status"})
				for _, a := range items {
					parent := ""
					if a.ParentAgentID != nil {
						parent = *a.ParentAgentID
					}
					tw.AppendRow(table.Row{a.ID, a.Name, a.Type, parent, a.MaxParallelTasks, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Set agent status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAgentStatus(ctx, args[0], status, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "set", "", "status (active, inactive)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func agentAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <agent-id>",
		Short: "Assign agent to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				return e.AssignAgentToProject(ctx, args[0], projectID, viper.GetString("agent-id"))
			})
		},
	}
	return cmd
}

func agentLockCmd() *cobra.Command {
	var auditID string
	cmd := &cobra.Command{
		Use:   "lock <id>",
		Short: "Lock agent for an audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.LockAgent(ctx, args[0], auditID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&auditID, "audit", "", "audit id")
	_ = cmd.MarkFlagRequired("audit")
	return cmd
}

func agentUnlockCmd() *cobra.Command {
	var auditID string
	cmd := &cobra.Command{
		Use:   "unlock <id>",
		Short: "Release an audit lock on an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UnlockAgent(ctx, args[0], auditID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&auditID, "audit", "", "audit id")
	_ = cmd.MarkFlagRequired("audit")
	return cmd
}

// --- task ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow backlog -> todo -> in_progress -> in_review -> done. Starting work requires every dependency done and free capacity on the assignee.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskRequestCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskReassignCmd())
	task.AddCommand(taskLockCmd())
	task.AddCommand(taskUnlockCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var deps []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("agent-id")
			opts.Dependencies = deps
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
					if err != nil {
						return err
					}
					opts.ProjectID = projectID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee agent id")
	cmd.Flags().StringArrayVar(&deps, "depends-on", []string{}, "dependency task id (repeatable)")
	cmd.Flags().IntVar(&opts.EstimatedMinutes, "estimate", 0, "estimated minutes")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
					if err != nil {
						return err
					}
					f.ProjectID = projectID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Approval", "Priority"})
				for _, t := range tasks {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, assignee, t.ApprovalStatus, t.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.Approval, "approval", "", "approval status filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Move a task through the state machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateStatus(ctx, engine.UpdateStatusOptions{
					TaskID:    args[0],
					NewStatus: status,
					ActorID:   viper.GetString("agent-id"),
					Reason:    reason,
				})
				if err != nil {
					return err
				}
				if _, err := e.CheckAuditTriggers(ctx, engine.TriggerTaskStatusChanged, t); err != nil {
					return err
				}
				if t.Status == engine.StatusDone {
					if _, err := e.CheckAuditTriggers(ctx, engine.TriggerTaskCompleted, t); err != nil {
						return err
					}
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "set", "", "new status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required context for blocked)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func taskRequestCmd() *cobra.Command {
	var opts engine.RequestTaskOptions
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a task for another agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RequesterID = viper.GetString("agent-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, approvers, err := e.RequestTask(ctx, opts)
				if err != nil {
					return err
				}
				out := map[string]any{"task": t}
				if len(approvers) > 0 {
					out["approvers"] = approvers
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee agent id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high)")
	cmd.Flags().IntVar(&opts.EstimatedMinutes, "estimate", 0, "estimated minutes")
	_ = cmd.MarkFlagRequired("assignee")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a requested task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApproveTask(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a requested task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RejectTask(ctx, args[0], viper.GetString("agent-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func taskReassignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "reassign <id>",
		Short: "Reassign a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Reassign(ctx, args[0], assignee, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "new assignee (empty to unassign)")
	return cmd
}

func taskLockCmd() *cobra.Command {
	var auditID string
	cmd := &cobra.Command{
		Use:   "lock <id>",
		Short: "Lock task for an audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.LockTask(ctx, args[0], auditID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&auditID, "audit", "", "audit id")
	_ = cmd.MarkFlagRequired("audit")
	return cmd
}

func taskUnlockCmd() *cobra.Command {
	var auditID string
	cmd := &cobra.Command{
		Use:   "unlock <id>",
		Short: "Release an audit lock on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UnlockTask(ctx, args[0], auditID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&auditID, "audit", "", "audit id")
	_ = cmd.MarkFlagRequired("audit")
	return cmd
}

// --- session ---

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{
		Use:   "session",
		Short: "Manage agent sessions",
		Long:  "A session is one running agent instance. At most one active session exists per agent, project, and purpose (chat or task).",
	}
	sess.AddCommand(sessionStartCmd())
	sess.AddCommand(sessionEndCmd())
	sess.AddCommand(sessionEndAllCmd())
	sess.AddCommand(sessionSpawnCmd())
	return sess
}

func sessionStartCmd() *cobra.Command {
	var agentID, purpose string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				s, err := e.StartSession(ctx, agentID, projectID, purpose)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&purpose, "purpose", "task", "purpose (chat, task)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func sessionEndCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "end <id>",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.EndSession(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "completed", "terminal status (completed, abandoned, terminating)")
	return cmd
}

func sessionEndAllCmd() *cobra.Command {
	var agentID, purpose string
	cmd := &cobra.Command{
		Use:   "end-all",
		Short: "End every active session for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				n, err := e.EndActiveSessions(ctx, agentID, projectID, purpose)
				if err != nil {
					return err
				}
				fmt.Printf("ended %d session(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&purpose, "purpose", "", "purpose filter (chat, task)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func sessionSpawnCmd() *cobra.Command {
	var agentID, purpose string
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Mark an agent spawn in flight",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				return e.BeginSpawn(ctx, agentID, projectID, purpose)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&purpose, "purpose", "task", "purpose (chat, task)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// --- work ---

func workCmd() *cobra.Command {
	var agentID, purpose string
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Check work and spawn decision for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				var ws engine.WorkStatus
				if purpose == engine.PurposeChat {
					ws, err = e.ChatWorkStatus(ctx, agentID, projectID)
				} else {
					ws, err = e.TaskWorkStatus(ctx, agentID, projectID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&purpose, "purpose", "task", "purpose (chat, task)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// --- message ---

func messageCmd() *cobra.Command {
	msg := &cobra.Command{Use: "message", Short: "Agent chat messages"}
	msg.AddCommand(messageSendCmd())
	msg.AddCommand(messageListCmd())
	msg.AddCommand(messageReadCmd())
	return msg
}

func messageSendCmd() *cobra.Command {
	var to, body string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to another agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				m, err := e.SendMessage(ctx, viper.GetString("agent-id"), to, projectID, body)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient agent id")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func messageListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages for the acting agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				items, err := e.Repo.ListMessages(ctx, viper.GetString("agent-id"), projectID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 50, "number of messages")
	return cmd
}

func messageReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Mark the acting agent's messages read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				n, err := e.Repo.MarkMessagesRead(ctx, viper.GetString("agent-id"), projectID, time.Now().UTC().Format(time.RFC3339))
				if err != nil {
					return err
				}
				fmt.Printf("read %d message(s)\n", n)
				return nil
			})
		},
	}
}

// --- audit ---

func auditCmd() *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Manage audits and their rules",
		Long:  "Audits watch task transitions. When an enabled rule's trigger matches, its workflow template is instantiated against the task that fired it.",
	}
	audit.AddCommand(auditCreateCmd())
	audit.AddCommand(auditListCmd())
	audit.AddCommand(auditStatusCmd())
	audit.AddCommand(auditRuleCmd())
	return audit
}

func auditCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAudit(ctx, id, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "audit id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "audit name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func auditListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAudits(ctx, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, suspended)")
	return cmd
}

func auditStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Set audit status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAuditStatus(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "set", "", "status (active, suspended)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func auditRuleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage audit rules"}
	rule.AddCommand(auditRuleAddCmd())
	rule.AddCommand(auditRuleListCmd())
	rule.AddCommand(auditRuleEnableCmd())
	rule.AddCommand(auditRuleFireCmd())
	return rule
}

func auditRuleAddCmd() *cobra.Command {
	var auditID, trigger, templateID, assignmentsJSON string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a rule to an audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			var assignments map[int]string
			if assignmentsJSON != "" {
				if err := json.Unmarshal([]byte(assignmentsJSON), &assignments); err != nil {
					return fmt.Errorf("invalid --assignments: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.AddAuditRule(ctx, engine.AuditRuleOptions{
					AuditID:         auditID,
					TriggerType:     trigger,
					TemplateID:      templateID,
					TaskAssignments: assignments,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().StringVar(&auditID, "audit", "", "audit id")
	cmd.Flags().StringVar(&trigger, "trigger", "task_completed", "trigger type (task_completed, task_status_changed)")
	cmd.Flags().StringVar(&templateID, "template", "", "workflow template id")
	cmd.Flags().StringVar(&assignmentsJSON, "assignments", "", `order-to-agent map as JSON, e.g. {"1":"reviewer"}`)
	_ = cmd.MarkFlagRequired("audit")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func auditRuleListCmd() *cobra.Command {
	var auditID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules of an audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAuditRules(ctx, auditID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&auditID, "audit", "", "audit id")
	_ = cmd.MarkFlagRequired("audit")
	return cmd
}

func auditRuleEnableCmd() *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "enable <rule-id>",
		Short: "Enable or disable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetAuditRuleEnabled(ctx, args[0], !disable)
			})
		},
	}
	cmd.Flags().BoolVar(&disable, "disable", false, "disable instead of enable")
	return cmd
}

func auditRuleFireCmd() *cobra.Command {
	var sourceTaskID string
	cmd := &cobra.Command{
		Use:   "fire <rule-id>",
		Short: "Fire a rule by hand against a source task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				source, err := e.Repo.GetTask(ctx, sourceTaskID)
				if err != nil {
					return err
				}
				fired, err := e.FireAuditRule(ctx, args[0], source)
				if err != nil {
					return err
				}
				return printJSONOrTable(fired)
			})
		},
	}
	cmd.Flags().StringVar(&sourceTaskID, "task", "", "source task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// --- template ---

// templateFile is the YAML shape accepted by `al template create --file`.
type templateFile struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Variables []string `yaml:"variables"`
	Tasks     []struct {
		Title            string `yaml:"title"`
		Description      string `yaml:"description"`
		Order            int    `yaml:"order"`
		DependsOnOrders  []int  `yaml:"depends_on_orders"`
		AssigneeRole     string `yaml:"assignee_role"`
		Priority         string `yaml:"priority"`
		EstimatedMinutes int    `yaml:"estimated_minutes"`
	} `yaml:"tasks"`
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage workflow templates",
		Long:  "Templates describe a reusable task graph. Orders index the tasks; dependencies point at earlier orders and are remapped to real task IDs on instantiation.",
	}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateInstantiateCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow template from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var tf templateFile
			if err := yaml.Unmarshal(data, &tf); err != nil {
				return err
			}
			specs := make([]engine.TemplateTaskSpec, 0, len(tf.Tasks))
			for _, tt := range tf.Tasks {
				specs = append(specs, engine.TemplateTaskSpec{
					Title:               tt.Title,
					Description:         tt.Description,
					Order:               tt.Order,
					DependsOnOrders:     tt.DependsOnOrders,
					DefaultAssigneeRole: tt.AssigneeRole,
					DefaultPriority:     tt.Priority,
					EstimatedMinutes:    tt.EstimatedMinutes,
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.SaveTemplate(ctx, tf.ID, tf.Name, tf.Variables, specs)
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to template YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, archived)")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.Repo.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListTemplateTasks(ctx, nil, tpl.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"template": tpl, "tasks": tasks})
			})
		},
	}
}

func templateInstantiateCmd() *cobra.Command {
	var assignee, varsJSON string
	cmd := &cobra.Command{
		Use:   "instantiate <id>",
		Short: "Expand a template into real tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var vars map[string]string
			if varsJSON != "" {
				if err := json.Unmarshal([]byte(varsJSON), &vars); err != nil {
					return fmt.Errorf("invalid --vars: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				ids, err := e.InstantiateTemplate(ctx, args[0], projectID, assignee, vars, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task_ids": ids})
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee for every generated task")
	cmd.Flags().StringVar(&varsJSON, "vars", "", `variable values as JSON, e.g. {"service":"billing"}`)
	return cmd
}

// --- apikey ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var agentID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
					return err
				}
				secret := uuid.New().String()
				k := domain.APIKey{
					ID:        uuid.New().String(),
					AgentID:   agentID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				// The secret is shown once and never stored.
				return printJSONOrTable(map[string]string{"id": k.ID, "agent_id": agentID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := viper.GetString("project")
				events, err := e.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if secret := os.Getenv("AGENTLINE_JWT_SECRET"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("jwt secret required: set auth.jwt_secret in agentline.yml or AGENTLINE_JWT_SECRET")
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              cfg.Auth.JWTSecret,
					AllowLegacyAgentHeader: cfg.Auth.AllowLegacyAgentHeader,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Agentline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, cfg, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
