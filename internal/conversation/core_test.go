package conversation

import (
	"context"
	"testing"

	"github.com/arborhq/arbor/internal/mailbox"
	"github.com/arborhq/arbor/internal/registry"
	"github.com/arborhq/arbor/internal/replay"
	"github.com/arborhq/arbor/internal/store"
)

func newTestCore(t *testing.T) (context.Context, *Core, int64, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	sid, err := st.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(st)
	mb := mailbox.New(st)
	engine := replay.New(st, reg, nil, nil)
	return ctx, New(st, reg, mb, engine, nil, nil, sid), sid, st
}

func TestSubmitUserRejectedWhenNotIdle(t *testing.T) {
	ctx, core, _, _ := newTestCore(t)
	root, err := core.EnsureRoot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := core.SubmitUser(ctx, root.Agent.UUID, "hi", nil); err != nil {
		t.Fatal(err)
	}
	if err := core.SubmitUser(ctx, root.Agent.UUID, "again", nil); err == nil {
		t.Fatal("expected SubmitUser to reject while WaitingForLLM")
	}
}

func TestForkThenChildInheritsParentHistory(t *testing.T) {
	ctx, core, _, _ := newTestCore(t)
	root, err := core.EnsureRoot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := core.SubmitUser(ctx, root.Agent.UUID, "hi", nil); err != nil {
		t.Fatal(err)
	}
	if err := core.OnAssistantReply(ctx, root.Agent.UUID, "hello back", nil, false); err != nil {
		t.Fatal(err)
	}

	childUUID, err := core.CmdFork(ctx, root.Agent.UUID)
	if err != nil {
		t.Fatal(err)
	}

	child, err := core.Snapshot(ctx, childUUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(child.Messages) != 2 {
		t.Fatalf("expected child to inherit 2 messages, got %d", len(child.Messages))
	}
	if child.State != Idle {
		t.Fatalf("expected new child to start Idle, got %s", child.State)
	}
}

func TestCascadeKillMarksSubtreeDeadAndSparesRoot(t *testing.T) {
	ctx, core, _, _ := newTestCore(t)
	root, err := core.EnsureRoot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	child1UUID, err := core.CmdFork(ctx, root.Agent.UUID)
	if err != nil {
		t.Fatal(err)
	}
	grandchildUUID, err := core.CmdFork(ctx, child1UUID)
	if err != nil {
		t.Fatal(err)
	}

	n, err := core.CmdKill(ctx, root.Agent.UUID, child1UUID, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 agents killed (child + grandchild), got %d", n)
	}

	gc, err := core.Snapshot(ctx, grandchildUUID)
	if err != nil {
		t.Fatal(err)
	}
	if gc.State != Dead {
		t.Fatalf("expected grandchild dead, got %s", gc.State)
	}

	rootSnap, err := core.Snapshot(ctx, root.Agent.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if rootSnap.State == Dead {
		t.Fatal("cascade kill of a subtree must not kill the root")
	}
}

func TestKillRootWithoutCascadeRejected(t *testing.T) {
	ctx, core, _, _ := newTestCore(t)
	root, err := core.EnsureRoot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := core.CmdKill(ctx, root.Agent.UUID, root.Agent.UUID, false); err == nil {
		t.Fatal("expected killing root without --cascade to fail")
	}
}

func TestMarkAndRewind(t *testing.T) {
	ctx, core, _, _ := newTestCore(t)
	root, err := core.EnsureRoot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := core.CmdMark(ctx, root.Agent.UUID, "checkpoint"); err != nil {
		t.Fatal(err)
	}
	if err := core.SubmitUser(ctx, root.Agent.UUID, "hi", nil); err != nil {
		t.Fatal(err)
	}
	if err := core.OnAssistantReply(ctx, root.Agent.UUID, "hello", nil, false); err != nil {
		t.Fatal(err)
	}
	if err := core.CmdRewind(ctx, root.Agent.UUID, "checkpoint"); err != nil {
		t.Fatal(err)
	}
	snap, err := core.Snapshot(ctx, root.Agent.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("expected the mark and rewind events themselves to remain, got %+v", snap.Messages)
	}
}

func TestRewindToMissingMarkFails(t *testing.T) {
	ctx, core, _, _ := newTestCore(t)
	root, err := core.EnsureRoot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := core.CmdRewind(ctx, root.Agent.UUID, "missing"); err != ErrNoSuchMark {
		t.Fatalf("expected ErrNoSuchMark, got %v", err)
	}
}

func TestMailSendAndCheck(t *testing.T) {
	ctx, core, _, _ := newTestCore(t)
	root, err := core.EnsureRoot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	childUUID, err := core.CmdFork(ctx, root.Agent.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := core.CmdSend(ctx, root.Agent.UUID, childUUID, "hello child"); err != nil {
		t.Fatal(err)
	}
	inbox, err := core.CmdCheckMail(ctx, childUUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 || inbox[0].Body != "hello child" {
		t.Fatalf("unexpected inbox: %+v", inbox)
	}
}

func TestModelSwitchRejectedMidTurn(t *testing.T) {
	ctx, core, _, _ := newTestCore(t)
	root, err := core.EnsureRoot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := core.SubmitUser(ctx, root.Agent.UUID, "hi", nil); err != nil {
		t.Fatal(err)
	}
	if err := core.CmdSetModel(ctx, root.Agent.UUID, "anthropic", "claude", ""); err == nil {
		t.Fatal("expected model switch to be rejected while WaitingForLLM")
	}
}
