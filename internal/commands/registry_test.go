package commands

import (
	"context"
	"testing"
)

func noopHandler(ctx context.Context, inv *Invocation) (*Result, error) {
	return &Result{Text: "ok"}, nil
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	r := New()
	if err := r.Register(&Command{Name: "clear", Handler: noopHandler}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Command{Name: "clear", Handler: noopHandler}); err == nil {
		t.Fatal("expected registering the same command name twice to fail")
	}
}

func TestGetResolvesAliases(t *testing.T) {
	r := New()
	if err := r.Register(&Command{Name: "check-mail", Aliases: []string{"mail", "inbox"}, Handler: noopHandler}); err != nil {
		t.Fatal(err)
	}
	cmd, ok := r.Get("INBOX")
	if !ok || cmd.Name != "check-mail" {
		t.Fatalf("expected alias lookup to resolve to check-mail, got %+v ok=%v", cmd, ok)
	}
}

func TestExecuteRejectsArgsWhenNotAccepted(t *testing.T) {
	r := New()
	if err := r.Register(&Command{Name: "clear", AcceptsArgs: false, Handler: noopHandler}); err != nil {
		t.Fatal(err)
	}
	res, err := r.Execute(context.Background(), &Invocation{Name: "clear", Args: "unexpected"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == "" {
		t.Fatal("expected an error result for a command that does not accept args")
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	r := New()
	if _, err := r.Execute(context.Background(), &Invocation{Name: "nope"}); err == nil {
		t.Fatal("expected executing an unregistered command to fail")
	}
}
