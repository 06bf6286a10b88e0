package registry

import (
	"context"
	"testing"
	"time"

	"github.com/arborhq/arbor/internal/models"
	"github.com/arborhq/arbor/internal/store"
)

func TestDescendantsOfPostOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sid, _ := st.CreateSession(ctx)
	reg := New(st)

	root := &models.Agent{UUID: "root", SessionID: sid, Status: models.AgentRunning}
	if err := reg.Insert(ctx, root); err != nil {
		t.Fatal(err)
	}
	a := &models.Agent{UUID: "a", SessionID: sid, ParentUUID: ptr("root"), Status: models.AgentRunning, CreatedAt: time.Unix(1, 0)}
	b := &models.Agent{UUID: "b", SessionID: sid, ParentUUID: ptr("root"), Status: models.AgentRunning, CreatedAt: time.Unix(2, 0)}
	c := &models.Agent{UUID: "c", SessionID: sid, ParentUUID: ptr("a"), Status: models.AgentRunning, CreatedAt: time.Unix(3, 0)}
	for _, ag := range []*models.Agent{a, b, c} {
		if err := reg.Insert(ctx, ag); err != nil {
			t.Fatal(err)
		}
	}

	descendants, err := reg.DescendantsOf(ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	if len(descendants) != 3 {
		t.Fatalf("expected 3 descendants, got %d: %+v", len(descendants), descendants)
	}
	// c (a's child) must appear before a itself; b (a sibling, later
	// CreatedAt) must appear after a's whole subtree.
	order := map[string]int{}
	for i, d := range descendants {
		order[d.UUID] = i
	}
	if order["c"] >= order["a"] {
		t.Fatalf("expected c before a, got order %+v", order)
	}
	if order["a"] >= order["b"] {
		t.Fatalf("expected a's subtree before b, got order %+v", order)
	}
}

func TestFindByPrefixAmbiguous(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sid, _ := st.CreateSession(ctx)
	reg := New(st)

	reg.Insert(ctx, &models.Agent{UUID: "abc111", SessionID: sid, Status: models.AgentRunning})
	reg.Insert(ctx, &models.Agent{UUID: "abc222", SessionID: sid, Status: models.AgentRunning})

	if _, err := reg.FindByPrefix(ctx, sid, "abc"); err != ErrAmbiguous {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
}

func TestFindByPrefixIgnoresDeadAgents(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sid, _ := st.CreateSession(ctx)
	reg := New(st)

	reg.Insert(ctx, &models.Agent{UUID: "abc111", SessionID: sid, Status: models.AgentRunning})
	reg.Insert(ctx, &models.Agent{UUID: "abc222", SessionID: sid, Status: models.AgentRunning})
	if err := reg.MarkDead(ctx, "abc222"); err != nil {
		t.Fatal(err)
	}

	got, err := reg.FindByPrefix(ctx, sid, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if got.UUID != "abc111" {
		t.Fatalf("expected abc111, got %s", got.UUID)
	}
}

func ptr(s string) *string { return &s }
