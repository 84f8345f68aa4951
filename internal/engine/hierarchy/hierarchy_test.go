package hierarchy

import (
	"testing"

	"agentline/internal/domain"
)

func strPtr(s string) *string { return &s }

func sampleTree() Tree {
	// root (human)
	// ├── lead (human)
	// │   ├── worker-a (ai)
	// │   └── worker-b (ai)
	// └── bot (ai)
	return NewTree([]domain.Agent{
		{ID: "root", Type: "human"},
		{ID: "lead", Type: "human", ParentAgentID: strPtr("root")},
		{ID: "worker-a", Type: "ai", ParentAgentID: strPtr("lead")},
		{ID: "worker-b", Type: "ai", ParentAgentID: strPtr("lead")},
		{ID: "bot", Type: "ai", ParentAgentID: strPtr("root")},
	})
}

func TestIsAncestorOf(t *testing.T) {
	tree := sampleTree()
	cases := []struct {
		a, b string
		want bool
	}{
		{"root", "worker-a", true},
		{"lead", "worker-a", true},
		{"root", "lead", true},
		{"worker-a", "lead", false},
		{"lead", "bot", false},
		{"lead", "lead", false}, // not its own ancestor
		{"root", "missing", false},
	}
	for _, c := range cases {
		if got := tree.IsAncestorOf(c.a, c.b); got != c.want {
			t.Errorf("IsAncestorOf(%s,%s)=%v want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestDescendants(t *testing.T) {
	tree := sampleTree()
	got := tree.Descendants("lead")
	if len(got) != 2 {
		t.Fatalf("lead descendants = %v", got)
	}
	all := tree.Descendants("root")
	if len(all) != 4 {
		t.Fatalf("root descendants = %v", all)
	}
	if d := tree.Descendants("worker-a"); len(d) != 0 {
		t.Fatalf("leaf descendants = %v", d)
	}
}

func TestCanAccessAgent(t *testing.T) {
	tree := sampleTree()
	if !tree.CanAccessAgent("worker-a", "worker-a") {
		t.Fatal("self access denied")
	}
	if !tree.CanAccessAgent("lead", "worker-b") {
		t.Fatal("downward access denied")
	}
	if tree.CanAccessAgent("worker-a", "lead") {
		t.Fatal("upward access granted")
	}
	if tree.CanAccessAgent("worker-a", "worker-b") {
		t.Fatal("sibling access granted")
	}
}

func TestHumanAncestors(t *testing.T) {
	tree := sampleTree()
	got := tree.HumanAncestors("worker-a")
	if len(got) != 2 || got[0].ID != "lead" || got[1].ID != "root" {
		t.Fatalf("human ancestors = %v", got)
	}
	if h := tree.HumanAncestors("root"); len(h) != 0 {
		t.Fatalf("root ancestors = %v", h)
	}
}
