package engine_test

import (
	"strings"
	"testing"

	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/repo"
)

func saveReviewTemplate(t *testing.T, env *testEnv) domain.WorkflowTemplate {
	t.Helper()
	tpl, err := env.Engine.SaveTemplate(env.Ctx, "", "Review", []string{"service"}, []engine.TemplateTaskSpec{
		{Title: "Inspect {{service}}", Order: 1},
		{Title: "Sign off {{service}}", Order: 2, DependsOnOrders: []int{1}},
	})
	if err != nil {
		t.Fatalf("save template: %v", err)
	}
	return tpl
}

func TestSaveTemplateValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SaveTemplate(env.Ctx, "", "Empty", nil, nil); err == nil {
		t.Fatalf("expected empty template rejection")
	}
	_, err := env.Engine.SaveTemplate(env.Ctx, "", "Dup", nil, []engine.TemplateTaskSpec{
		{Title: "a", Order: 1},
		{Title: "b", Order: 1},
	})
	if err == nil {
		t.Fatalf("expected duplicate order rejection")
	}
	// dependencies may only point at earlier orders
	_, err = env.Engine.SaveTemplate(env.Ctx, "", "Forward", nil, []engine.TemplateTaskSpec{
		{Title: "a", Order: 1, DependsOnOrders: []int{2}},
		{Title: "b", Order: 2},
	})
	if err == nil {
		t.Fatalf("expected forward dependency rejection")
	}
	_, err = env.Engine.SaveTemplate(env.Ctx, "", "Self", nil, []engine.TemplateTaskSpec{
		{Title: "a", Order: 1, DependsOnOrders: []int{1}},
	})
	if err == nil {
		t.Fatalf("expected self dependency rejection")
	}
}

func TestInstantiateTemplate(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	tpl := saveReviewTemplate(t, env)
	ids, err := env.Engine.InstantiateTemplate(env.Ctx, tpl.ID, "proj-1", "worker", map[string]string{"service": "billing"}, "root")
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("created %d tasks, want 2", len(ids))
	}
	first, err := env.Engine.Repo.GetTask(env.Ctx, ids[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	second, err := env.Engine.Repo.GetTask(env.Ctx, ids[1])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if first.Title != "Inspect billing" || second.Title != "Sign off billing" {
		t.Fatalf("titles = %q, %q", first.Title, second.Title)
	}
	if first.Status != engine.StatusBacklog {
		t.Fatalf("generated task status = %s, want backlog", first.Status)
	}
	if second.AssigneeID == nil || *second.AssigneeID != "worker" {
		t.Fatalf("assignee = %v, want worker", second.AssigneeID)
	}
	// order-level dependency remapped onto the generated task ID
	if len(second.Dependencies) != 1 || second.Dependencies[0] != first.ID {
		t.Fatalf("dependencies = %v, want [%s]", second.Dependencies, first.ID)
	}
}

func TestInstantiateTemplateUnknownVariableKept(t *testing.T) {
	env := newTestEnv(t)
	tpl := saveReviewTemplate(t, env)
	ids, err := env.Engine.InstantiateTemplate(env.Ctx, tpl.ID, "proj-1", "", nil, "root")
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	first, err := env.Engine.Repo.GetTask(env.Ctx, ids[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if first.Title != "Inspect {{service}}" {
		t.Fatalf("title = %q, want placeholder kept", first.Title)
	}
	if first.AssigneeID != nil {
		t.Fatalf("expected unassigned task, got %v", *first.AssigneeID)
	}
}

func TestAddAuditRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	audit, err := env.Engine.CreateAudit(env.Ctx, "", "Checks")
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	tpl := saveReviewTemplate(t, env)
	if _, err := env.Engine.AddAuditRule(env.Ctx, engine.AuditRuleOptions{
		AuditID: audit.ID, TriggerType: "task_deleted", TemplateID: tpl.ID,
	}); err == nil {
		t.Fatalf("expected unknown trigger rejection")
	}
	if _, err := env.Engine.AddAuditRule(env.Ctx, engine.AuditRuleOptions{
		AuditID: audit.ID, TriggerType: engine.TriggerTaskCompleted, TemplateID: "missing",
	}); err == nil {
		t.Fatalf("expected missing template rejection")
	}
	if _, err := env.Engine.AddAuditRule(env.Ctx, engine.AuditRuleOptions{
		AuditID: audit.ID, TriggerType: engine.TriggerTaskCompleted, TemplateID: tpl.ID,
		TaskAssignments: map[int]string{1: "ghost"},
	}); err == nil {
		t.Fatalf("expected unknown assignment agent rejection")
	}
	rule, err := env.Engine.AddAuditRule(env.Ctx, engine.AuditRuleOptions{
		AuditID: audit.ID, TriggerType: engine.TriggerTaskCompleted, TemplateID: tpl.ID,
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	if !rule.IsEnabled {
		t.Fatalf("new rule not enabled")
	}
}

func TestAuditRuleFiring(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "reviewer", "ai", "", 1)
	audit, err := env.Engine.CreateAudit(env.Ctx, "", "Release checks")
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	tpl := saveReviewTemplate(t, env)
	rule, err := env.Engine.AddAuditRule(env.Ctx, engine.AuditRuleOptions{
		AuditID:         audit.ID,
		TriggerType:     engine.TriggerTaskCompleted,
		TemplateID:      tpl.ID,
		TaskAssignments: map[int]string{1: "reviewer"},
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	source := env.createTask(t, engine.TaskCreateOptions{Title: "Ship release"})
	fired, err := env.Engine.CheckAuditTriggers(env.Ctx, engine.TriggerTaskCompleted, source)
	if err != nil {
		t.Fatalf("check triggers: %v", err)
	}
	if len(fired) != 1 || fired[0].RuleID != rule.ID || fired[0].RuleError != "" {
		t.Fatalf("fired = %+v", fired)
	}
	if len(fired[0].TaskIDs) != 2 {
		t.Fatalf("rule generated %d tasks, want 2", len(fired[0].TaskIDs))
	}
	first, err := env.Engine.Repo.GetTask(env.Ctx, fired[0].TaskIDs[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	second, err := env.Engine.Repo.GetTask(env.Ctx, fired[0].TaskIDs[1])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !strings.HasSuffix(first.Title, " [Audit: Ship release]") {
		t.Fatalf("title = %q, want audit marker", first.Title)
	}
	if first.AssigneeID == nil || *first.AssigneeID != "reviewer" {
		t.Fatalf("order 1 assignee = %v, want reviewer", first.AssigneeID)
	}
	if second.AssigneeID != nil {
		t.Fatalf("order 2 assignee = %v, want none", *second.AssigneeID)
	}
	if len(second.Dependencies) != 1 || second.Dependencies[0] != first.ID {
		t.Fatalf("dependencies = %v, want [%s]", second.Dependencies, first.ID)
	}
	// the created event ties the generated task back to its provenance
	created, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, "proj-1", "task.created", "task", first.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected one created event for %s, got %d", first.ID, len(created))
	}
	meta := created[0].Metadata
	want := map[string]string{
		"audit_id":       audit.ID,
		"rule_id":        rule.ID,
		"source_task_id": source.ID,
		"template_id":    tpl.ID,
	}
	for k, v := range want {
		if meta[k] != v {
			t.Fatalf("event metadata %s = %q, want %q (meta %v)", k, meta[k], v, meta)
		}
	}
}

func TestAuditTriggersAtLeastOnce(t *testing.T) {
	env := newTestEnv(t)
	audit, err := env.Engine.CreateAudit(env.Ctx, "", "Checks")
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	tpl := saveReviewTemplate(t, env)
	if _, err := env.Engine.AddAuditRule(env.Ctx, engine.AuditRuleOptions{
		AuditID: audit.ID, TriggerType: engine.TriggerTaskCompleted, TemplateID: tpl.ID,
	}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	source := env.createTask(t, engine.TaskCreateOptions{Title: "Done twice"})
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.CheckAuditTriggers(env.Ctx, engine.TriggerTaskCompleted, source); err != nil {
			t.Fatalf("check triggers: %v", err)
		}
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	// source plus two full graphs; firing is not deduplicated
	if len(tasks) != 5 {
		t.Fatalf("task count = %d, want 5", len(tasks))
	}
}

func TestAuditTriggersSkipDisabledAndSuspended(t *testing.T) {
	env := newTestEnv(t)
	audit, err := env.Engine.CreateAudit(env.Ctx, "", "Checks")
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	tpl := saveReviewTemplate(t, env)
	rule, err := env.Engine.AddAuditRule(env.Ctx, engine.AuditRuleOptions{
		AuditID: audit.ID, TriggerType: engine.TriggerTaskCompleted, TemplateID: tpl.ID,
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	source := env.createTask(t, engine.TaskCreateOptions{Title: "Quiet"})

	// wrong trigger type
	fired, err := env.Engine.CheckAuditTriggers(env.Ctx, engine.TriggerTaskStatusChanged, source)
	if err != nil {
		t.Fatalf("check triggers: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("fired %d rules for wrong trigger", len(fired))
	}

	if err := env.Engine.SetAuditRuleEnabled(env.Ctx, rule.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	fired, err = env.Engine.CheckAuditTriggers(env.Ctx, engine.TriggerTaskCompleted, source)
	if err != nil {
		t.Fatalf("check triggers: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("disabled rule fired")
	}

	if err := env.Engine.SetAuditRuleEnabled(env.Ctx, rule.ID, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := env.Engine.SetAuditStatus(env.Ctx, audit.ID, "suspended"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	fired, err = env.Engine.CheckAuditTriggers(env.Ctx, engine.TriggerTaskCompleted, source)
	if err != nil {
		t.Fatalf("check triggers: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("suspended audit fired")
	}
}

func TestFireAuditRuleByHand(t *testing.T) {
	env := newTestEnv(t)
	audit, err := env.Engine.CreateAudit(env.Ctx, "", "Checks")
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	tpl := saveReviewTemplate(t, env)
	rule, err := env.Engine.AddAuditRule(env.Ctx, engine.AuditRuleOptions{
		AuditID: audit.ID, TriggerType: engine.TriggerTaskCompleted, TemplateID: tpl.ID,
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	source := env.createTask(t, engine.TaskCreateOptions{Title: "Manual"})
	f, err := env.Engine.FireAuditRule(env.Ctx, rule.ID, source)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if f.AuditID != audit.ID || len(f.TaskIDs) != 2 {
		t.Fatalf("fired = %+v", f)
	}
}
