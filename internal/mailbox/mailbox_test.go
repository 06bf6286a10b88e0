package mailbox

import (
	"context"
	"testing"

	"github.com/arborhq/arbor/internal/models"
	"github.com/arborhq/arbor/internal/store"
)

func setup(t *testing.T) (context.Context, *store.MemoryStore, int64) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	sid, err := st.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, uuid := range []string{"a", "b"} {
		if err := st.InsertAgent(ctx, &models.Agent{UUID: uuid, SessionID: sid, Status: models.AgentRunning}); err != nil {
			t.Fatal(err)
		}
	}
	return ctx, st, sid
}

func TestSendAndInboxOrdering(t *testing.T) {
	ctx, st, sid := setup(t)
	mb := New(st)

	if _, err := mb.Send(ctx, sid, "a", "b", "first"); err != nil {
		t.Fatal(err)
	}
	id2, err := mb.Send(ctx, sid, "a", "b", "second")
	if err != nil {
		t.Fatal(err)
	}
	if err := mb.MarkRead(ctx, id2); err != nil {
		t.Fatal(err)
	}
	if _, err := mb.Send(ctx, sid, "a", "b", "third"); err != nil {
		t.Fatal(err)
	}

	inbox, err := mb.Inbox(ctx, sid, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 3 {
		t.Fatalf("expected 3 items, got %d", len(inbox))
	}
	// Unread items must sort before the one read item, regardless of
	// timestamp.
	if inbox[len(inbox)-1].Body != "second" {
		t.Fatalf("expected the read message last, got order %+v", inbox)
	}
}

func TestSendToDeadRecipientFails(t *testing.T) {
	ctx, st, sid := setup(t)
	mb := New(st)
	if err := st.MarkAgentDead(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := mb.Send(ctx, sid, "a", "b", "hello"); err == nil {
		t.Fatal("expected send to a dead recipient to fail")
	}
}

func TestDeleteByNonOwnerFailsSameAsNotFound(t *testing.T) {
	ctx, st, sid := setup(t)
	mb := New(st)
	id, err := mb.Send(ctx, sid, "a", "b", "hello")
	if err != nil {
		t.Fatal(err)
	}

	errWrongOwner := mb.Delete(ctx, id, "a")
	errNotFound := mb.Delete(ctx, 99999, "a")
	if errWrongOwner == nil || errNotFound == nil {
		t.Fatal("expected both deletes to fail")
	}
	if errWrongOwner.Error() != errNotFound.Error() {
		t.Fatalf("expected authorization-opaque errors to match: %q vs %q", errWrongOwner, errNotFound)
	}
}
