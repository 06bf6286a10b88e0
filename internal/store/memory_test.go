package store

import (
	"context"
	"testing"

	"github.com/arborhq/arbor/internal/models"
)

func TestMemoryStoreGetActiveSessionPicksMostRecentOpenOne(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EndSession(ctx, first); err != nil {
		t.Fatal(err)
	}
	second, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}

	active, err := s.GetActiveSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != second {
		t.Fatalf("expected the still-open session %d, got %d", second, active)
	}
}

func TestMemoryStoreGetActiveSessionNoneOpen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sid, _ := s.CreateSession(ctx)
	if err := s.EndSession(ctx, sid); err != nil {
		t.Fatal(err)
	}
	active, err := s.GetActiveSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != 0 {
		t.Fatalf("expected 0 when no session is active, got %d", active)
	}
}

func TestMemoryStoreInsertRejectsUnknownSession(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Insert(ctx, 999, "agent", models.EventUser, "hi", nil); err == nil {
		t.Fatal("expected an error inserting into a nonexistent session")
	}
}

func TestMemoryStoreLoadRangeIsExclusiveStartInclusiveEnd(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sid, _ := s.CreateSession(ctx)
	s.InsertAgent(ctx, &models.Agent{UUID: "root", SessionID: sid, Status: models.AgentRunning})

	id1, _ := s.Insert(ctx, sid, "root", models.EventUser, "one", nil)
	id2, _ := s.Insert(ctx, sid, "root", models.EventAssistant, "two", nil)
	s.Insert(ctx, sid, "root", models.EventUser, "three", nil)

	out, err := s.LoadRange(ctx, sid, "root", id1, id2)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Content != "two" {
		t.Fatalf("expected only the 'two' event in (id1, id2], got %+v", out)
	}
}

func TestMemoryStoreInsertAgentRejectsUnknownParent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sid, _ := s.CreateSession(ctx)
	missing := "nope"
	err := s.InsertAgent(ctx, &models.Agent{UUID: "child", SessionID: sid, ParentUUID: &missing, Status: models.AgentRunning})
	if err == nil {
		t.Fatal("expected an error inserting an agent whose parent does not exist")
	}
}

func TestMemoryStoreGetAgentReturnsACloneNotTheLiveRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sid, _ := s.CreateSession(ctx)
	s.InsertAgent(ctx, &models.Agent{UUID: "root", SessionID: sid, Status: models.AgentRunning})

	got, err := s.GetAgent(ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	got.Status = models.AgentDead

	again, err := s.GetAgent(ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != models.AgentRunning {
		t.Fatal("mutating a returned agent must not affect the store's internal state")
	}
}
