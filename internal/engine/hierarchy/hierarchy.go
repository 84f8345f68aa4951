package hierarchy

import (
	"context"
	"fmt"

	"agentline/internal/domain"
	"agentline/internal/repo"
)

// ForbiddenError indicates the acting agent has no authority over the target.
type ForbiddenError struct {
	AgentID  string
	TargetID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("agent %s has no authority over %s", e.AgentID, e.TargetID)
}

// Tree is an immutable snapshot of the agent hierarchy. All predicates walk
// parent_agent_id pointers or the derived child index; nothing here mutates
// agents.
type Tree struct {
	byID     map[string]domain.Agent
	children map[string][]string
}

func NewTree(agents []domain.Agent) Tree {
	t := Tree{
		byID:     make(map[string]domain.Agent, len(agents)),
		children: make(map[string][]string),
	}
	for _, a := range agents {
		t.byID[a.ID] = a
	}
	for _, a := range agents {
		if a.ParentAgentID != nil {
			t.children[*a.ParentAgentID] = append(t.children[*a.ParentAgentID], a.ID)
		}
	}
	return t
}

func (t Tree) Get(id string) (domain.Agent, bool) {
	a, ok := t.byID[id]
	return a, ok
}

// Descendants returns the transitive closure over children of the given
// agent, the agent itself excluded.
func (t Tree) Descendants(id string) []string {
	var res []string
	queue := append([]string(nil), t.children[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		res = append(res, cur)
		queue = append(queue, t.children[cur]...)
	}
	return res
}

// IsAncestorOf reports whether a is a strict ancestor of b. An agent is not
// its own ancestor.
func (t Tree) IsAncestorOf(a, b string) bool {
	cur, ok := t.byID[b]
	if !ok {
		return false
	}
	for cur.ParentAgentID != nil {
		if *cur.ParentAgentID == a {
			return true
		}
		next, ok := t.byID[*cur.ParentAgentID]
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

// CanAccessAgent grants self access and downward visibility only.
func (t Tree) CanAccessAgent(current, target string) bool {
	if current == target {
		return true
	}
	return t.IsAncestorOf(current, target)
}

// Ancestors returns the parent chain of an agent, nearest first.
func (t Tree) Ancestors(id string) []domain.Agent {
	var res []domain.Agent
	cur, ok := t.byID[id]
	if !ok {
		return nil
	}
	for cur.ParentAgentID != nil {
		parent, ok := t.byID[*cur.ParentAgentID]
		if !ok {
			break
		}
		res = append(res, parent)
		cur = parent
	}
	return res
}

// HumanAncestors returns the human-type agents in the parent chain, nearest
// first. These are the approvers for delegation requests.
func (t Tree) HumanAncestors(id string) []domain.Agent {
	var res []domain.Agent
	for _, a := range t.Ancestors(id) {
		if a.Type == "human" {
			res = append(res, a)
		}
	}
	return res
}

// Service loads hierarchy snapshots from storage. Each request rebuilds the
// agent map; fine at current fleet sizes.
type Service struct {
	Repo repo.Repo
}

func (s Service) Load(ctx context.Context) (Tree, error) {
	agents, err := s.Repo.ListAgents(ctx)
	if err != nil {
		return Tree{}, err
	}
	return NewTree(agents), nil
}

// CanChatWithAgent is true for self, shared project assignment, or any
// ancestor/descendant relation in either direction. The grants are
// independent; first match wins.
func (s Service) CanChatWithAgent(ctx context.Context, current, target, projectID string) (bool, error) {
	if current == target {
		return true, nil
	}
	currentAssigned, err := s.Repo.AgentAssignedToProject(ctx, current, projectID)
	if err != nil {
		return false, err
	}
	if currentAssigned {
		targetAssigned, err := s.Repo.AgentAssignedToProject(ctx, target, projectID)
		if err != nil {
			return false, err
		}
		if targetAssigned {
			return true, nil
		}
	}
	tree, err := s.Load(ctx)
	if err != nil {
		return false, err
	}
	if tree.IsAncestorOf(current, target) {
		return true, nil
	}
	return tree.IsAncestorOf(target, current), nil
}
