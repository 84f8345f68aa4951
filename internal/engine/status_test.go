package engine_test

import (
	"testing"

	"agentline/internal/engine"
)

func TestCanTransitionTable(t *testing.T) {
	allowed := map[[2]string]bool{}
	for _, pair := range [][2]string{
		{engine.StatusBacklog, engine.StatusTodo},
		{engine.StatusBacklog, engine.StatusCancelled},
		{engine.StatusTodo, engine.StatusInProgress},
		{engine.StatusTodo, engine.StatusBacklog},
		{engine.StatusTodo, engine.StatusCancelled},
		{engine.StatusInProgress, engine.StatusInReview},
		{engine.StatusInProgress, engine.StatusBlocked},
		{engine.StatusInProgress, engine.StatusTodo},
		{engine.StatusInReview, engine.StatusDone},
		{engine.StatusInReview, engine.StatusInProgress},
		{engine.StatusBlocked, engine.StatusInProgress},
		{engine.StatusBlocked, engine.StatusCancelled},
	} {
		allowed[pair] = true
	}
	for _, from := range engine.Statuses() {
		for _, to := range engine.Statuses() {
			got := engine.CanTransition(from, to)
			want := allowed[[2]string{from, to}]
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransitionUnknownStatus(t *testing.T) {
	if engine.CanTransition("bogus", engine.StatusTodo) {
		t.Errorf("unknown from-status allowed a transition")
	}
	if engine.CanTransition(engine.StatusBacklog, "bogus") {
		t.Errorf("unknown to-status allowed a transition")
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range engine.Statuses() {
		if !engine.ValidStatus(s) {
			t.Errorf("ValidStatus(%s) = false", s)
		}
	}
	if engine.ValidStatus("review") {
		t.Errorf("ValidStatus(review) = true, want false")
	}
}
