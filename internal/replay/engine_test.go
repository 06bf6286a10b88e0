package replay

import (
	"context"
	"testing"

	"github.com/arborhq/arbor/internal/models"
	"github.com/arborhq/arbor/internal/store"
)

type fakeAgents struct {
	byUUID map[string]*models.Agent
}

func (f *fakeAgents) Get(ctx context.Context, uuid string) (*models.Agent, error) {
	a, ok := f.byUUID[uuid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func setup(t *testing.T) (context.Context, *store.MemoryStore, *fakeAgents) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	return ctx, st, &fakeAgents{byUUID: make(map[string]*models.Agent)}
}

func TestRebuildSimpleLinearHistory(t *testing.T) {
	ctx, st, agents := setup(t)
	sid, _ := st.CreateSession(ctx)

	root := &models.Agent{UUID: "root", SessionID: sid, Status: models.AgentRunning}
	agents.byUUID["root"] = root
	if err := st.InsertAgent(ctx, root); err != nil {
		t.Fatal(err)
	}

	st.Insert(ctx, sid, "root", models.EventSystem, "you are helpful", nil)
	st.Insert(ctx, sid, "root", models.EventUser, "hello", nil)
	st.Insert(ctx, sid, "root", models.EventAssistant, "hi there", nil)

	engine := New(st, agents, nil, nil)
	out, err := engine.Rebuild(ctx, sid, "root")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(out.Messages), out.Messages)
	}
	if out.Messages[0].Kind != models.EventSystem || out.Messages[2].Kind != models.EventAssistant {
		t.Fatalf("unexpected message order: %+v", out.Messages)
	}
}

func TestRebuildForkInheritsAncestorBoundedAtForkPoint(t *testing.T) {
	ctx, st, agents := setup(t)
	sid, _ := st.CreateSession(ctx)

	root := &models.Agent{UUID: "root", SessionID: sid, Status: models.AgentRunning}
	agents.byUUID["root"] = root
	st.InsertAgent(ctx, root)

	st.Insert(ctx, sid, "root", models.EventUser, "first", nil)
	forkID, _ := st.Insert(ctx, sid, "root", models.EventAssistant, "first reply", nil)

	child := &models.Agent{UUID: "child", SessionID: sid, ParentUUID: strPtr("root"), ForkMessageID: forkID, Status: models.AgentRunning}
	agents.byUUID["child"] = child
	st.InsertAgent(ctx, child)

	// Events on root after the fork point must not leak into child's replay.
	st.Insert(ctx, sid, "root", models.EventUser, "root-only second turn", nil)
	st.Insert(ctx, sid, "child", models.EventUser, "child turn", nil)

	engine := New(st, agents, nil, nil)
	out, err := engine.Rebuild(ctx, sid, "child")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("expected 3 messages (2 inherited + 1 own), got %d: %+v", len(out.Messages), out.Messages)
	}
	for _, m := range out.Messages {
		if m.Content == "root-only second turn" {
			t.Fatalf("child replay leaked a post-fork root message: %+v", out.Messages)
		}
	}
}

func TestRebuildMarkAndRewind(t *testing.T) {
	ctx, st, agents := setup(t)
	sid, _ := st.CreateSession(ctx)
	root := &models.Agent{UUID: "root", SessionID: sid, Status: models.AgentRunning}
	agents.byUUID["root"] = root
	st.InsertAgent(ctx, root)

	st.Insert(ctx, sid, "root", models.EventUser, "turn 1", nil)
	markID, _ := st.Insert(ctx, sid, "root", models.EventMark, "", map[string]any{"label": "checkpoint"})
	st.Insert(ctx, sid, "root", models.EventUser, "turn 2", nil)
	st.Insert(ctx, sid, "root", models.EventAssistant, "reply 2", nil)
	st.Insert(ctx, sid, "root", models.EventRewind, "", map[string]any{"target_message_id": markID})

	engine := New(st, agents, nil, nil)
	out, err := engine.Rebuild(ctx, sid, "root")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("expected turn 1 plus the mark and rewind events themselves, got %+v", out.Messages)
	}
	if out.Messages[0].Content != "turn 1" || out.Messages[1].Kind != models.EventMark || out.Messages[2].Kind != models.EventRewind {
		t.Fatalf("expected [turn 1, mark, rewind], got %+v", out.Messages)
	}
	if len(out.MarkStack) != 0 {
		t.Fatalf("expected mark stack empty after rewind past it, got %+v", out.MarkStack)
	}
}

func TestRebuildClearResetsContext(t *testing.T) {
	ctx, st, agents := setup(t)
	sid, _ := st.CreateSession(ctx)
	root := &models.Agent{UUID: "root", SessionID: sid, Status: models.AgentRunning}
	agents.byUUID["root"] = root
	st.InsertAgent(ctx, root)

	st.Insert(ctx, sid, "root", models.EventUser, "before clear", nil)
	st.Insert(ctx, sid, "root", models.EventClear, "", nil)
	st.Insert(ctx, sid, "root", models.EventUser, "after clear", nil)

	engine := New(st, agents, nil, nil)
	out, err := engine.Rebuild(ctx, sid, "root")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Content != "after clear" {
		t.Fatalf("expected only post-clear message, got %+v", out.Messages)
	}
}

func TestRebuildInterruptedDropsTrailingUser(t *testing.T) {
	ctx, st, agents := setup(t)
	sid, _ := st.CreateSession(ctx)
	root := &models.Agent{UUID: "root", SessionID: sid, Status: models.AgentRunning}
	agents.byUUID["root"] = root
	st.InsertAgent(ctx, root)

	st.Insert(ctx, sid, "root", models.EventUser, "completed turn", nil)
	st.Insert(ctx, sid, "root", models.EventAssistant, "completed reply", nil)
	st.Insert(ctx, sid, "root", models.EventUser, "abandoned turn", nil)
	st.Insert(ctx, sid, "root", models.EventInterrupted, "", nil)

	engine := New(st, agents, nil, nil)
	out, err := engine.Rebuild(ctx, sid, "root")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("expected the abandoned user turn dropped, got %+v", out.Messages)
	}
}

func strPtr(s string) *string { return &s }
