package session

import (
	"context"
	"testing"

	"github.com/arborhq/arbor/internal/store"
)

func TestResumeCreatesWhenNoneActive(t *testing.T) {
	ctx := context.Background()
	mgr := New(store.NewMemoryStore())

	id, resumed, err := mgr.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resumed {
		t.Fatal("expected a fresh session, not a resumed one")
	}
	if id == 0 {
		t.Fatal("expected a nonzero session id")
	}
}

func TestResumeReturnsExistingActiveSession(t *testing.T) {
	ctx := context.Background()
	mgr := New(store.NewMemoryStore())

	first, _, err := mgr.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}

	again, resumed, err := mgr.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !resumed {
		t.Fatal("expected the second call to resume the existing session")
	}
	if again != first {
		t.Fatalf("expected to resume session %d, got %d", first, again)
	}
}

func TestResumeAfterEndCreatesNewSession(t *testing.T) {
	ctx := context.Background()
	mgr := New(store.NewMemoryStore())

	first, _, err := mgr.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.End(ctx, first); err != nil {
		t.Fatal(err)
	}

	second, resumed, err := mgr.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resumed {
		t.Fatal("expected a new session after the prior one ended")
	}
	if second == first {
		t.Fatal("expected a distinct session id after ending the previous one")
	}
}
