package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/arborhq/arbor/internal/conversation"
	"github.com/arborhq/arbor/internal/models"
	"github.com/arborhq/arbor/internal/registry"
)

// RegisterBuiltins registers the full slash-command surface against reg,
// with every handler closing over the conversation core and agent registry
// it dispatches into. Mail operations are reached through core, which
// already holds the mailbox.
func RegisterBuiltins(reg *Registry, core *conversation.Core, agents *registry.Registry) error {
	cmds := []*Command{
		{Name: "clear", Description: "Reset this agent's context", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			if err := core.CmdClear(ctx, inv.AgentID); err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "context cleared"}, nil
		}},
		{Name: "system", AcceptsArgs: true, Description: "Set the system prompt", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			if err := core.CmdSystem(ctx, inv.AgentID, inv.Args); err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "system prompt set"}, nil
		}},
		{Name: "mark", AcceptsArgs: true, Description: "Push a checkpoint", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			id, err := core.CmdMark(ctx, inv.AgentID, inv.Args)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: fmt.Sprintf("mark %d set", id)}, nil
		}},
		{Name: "rewind", AcceptsArgs: true, Description: "Rewind to a mark, by label (defaults to the most recent mark)", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			label := parseRewindArgs(inv.Args)
			if err := core.CmdRewind(ctx, inv.AgentID, label); err != nil {
				if err == conversation.ErrNoSuchMark {
					return &Result{Text: "no such mark, nothing to rewind"}, nil
				}
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "rewound"}, nil
		}},
		{Name: "fork", Description: "Fork a child agent from this point", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			child, err := core.CmdFork(ctx, inv.AgentID)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "forked " + child}, nil
		}},
		{Name: "kill", AcceptsArgs: true, Description: "Kill an agent (optionally --cascade)", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			prefix, cascade := parseKillArgs(inv.Args)
			target, err := agents.FindByPrefix(ctx, inv.SessionID, prefix)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			n, err := core.CmdKill(ctx, inv.AgentID, target.UUID, cascade)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: fmt.Sprintf("killed %d agent(s)", n)}, nil
		}},
		{Name: "send", AcceptsArgs: true, Description: "Send mail to another agent", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			tokens := SplitArgs(inv.Args)
			if len(tokens) < 2 {
				return &Result{Error: "usage: /send <uuid-prefix> <message>"}, nil
			}
			target, err := agents.FindByPrefix(ctx, inv.SessionID, tokens[0])
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			body := strings.Join(tokens[1:], " ")
			if _, err := core.CmdSend(ctx, inv.AgentID, target.UUID, body); err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "sent"}, nil
		}},
		{Name: "check-mail", Description: "List your inbox", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			inbox, err := core.CmdCheckMail(ctx, inv.AgentID)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: renderInbox(inbox)}, nil
		}},
		{Name: "filter-mail", AcceptsArgs: true, Description: "List inbox from one sender", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			prefix := strings.TrimSpace(inv.Args)
			if tokens := SplitArgs(inv.Args); len(tokens) == 2 && tokens[0] == "--from" {
				prefix = tokens[1]
			}
			from, err := agents.FindByPrefix(ctx, inv.SessionID, prefix)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			inbox, err := core.CmdFilterMail(ctx, inv.AgentID, from.UUID)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: renderInbox(inbox)}, nil
		}},
		{Name: "read-mail", AcceptsArgs: true, Description: "Mark a mail item read", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			id, err := resolveMailIndex(ctx, core, inv.AgentID, inv.Args)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			if err := core.CmdReadMail(ctx, id); err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "marked read"}, nil
		}},
		{Name: "delete-mail", AcceptsArgs: true, Description: "Delete a mail item", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			id, err := resolveMailIndex(ctx, core, inv.AgentID, inv.Args)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			if err := core.CmdDeleteMail(ctx, id, inv.AgentID); err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "deleted"}, nil
		}},
		{Name: "pin", AcceptsArgs: true, Description: "Pin a path into context", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			if inv.Args == "" {
				return &Result{Error: "usage: /pin <path>"}, nil
			}
			if err := core.CmdPin(ctx, inv.AgentID, inv.Args); err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "pinned " + inv.Args}, nil
		}},
		{Name: "unpin", AcceptsArgs: true, Description: "Unpin a path", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			if err := core.CmdUnpin(ctx, inv.AgentID, inv.Args); err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "unpinned " + inv.Args}, nil
		}},
		{Name: "toolset", AcceptsArgs: true, Description: "Restrict available tools", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			names := SplitArgs(inv.Args)
			if err := core.CmdToolset(ctx, inv.AgentID, names); err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "toolset updated"}, nil
		}},
		{Name: "model", AcceptsArgs: true, Description: "Switch provider/model[/thinking-level]", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			provider, model, level, err := parseModelArgs(inv.Args)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			if err := core.CmdSetModel(ctx, inv.AgentID, provider, model, level); err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "model set"}, nil
		}},
		{Name: "agents", Description: "List this agent and its direct children (deeper descendants are not shown)", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			children, err := agents.ChildrenOf(ctx, inv.AgentID)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			var b strings.Builder
			b.WriteString(inv.AgentID + " (self)\n")
			for _, c := range children {
				fmt.Fprintf(&b, "  %s [%s]\n", c.UUID, c.Status)
			}
			return &Result{Text: b.String()}, nil
		}},
		{Name: "exit", Description: "End the session", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{Text: "goodbye"}, nil
		}},
	}

	for _, cmd := range cmds {
		if err := reg.Register(cmd); err != nil {
			return err
		}
	}

	help := &Command{Name: "help", Description: "List available commands", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
		var b strings.Builder
		for _, cmd := range reg.List() {
			if cmd.Hidden {
				continue
			}
			fmt.Fprintf(&b, "/%s - %s\n", cmd.Name, cmd.Description)
		}
		return &Result{Text: b.String()}, nil
	}}
	return reg.Register(help)
}

func renderInbox(inbox []*models.Mail) string {
	var b strings.Builder
	for i, m := range inbox {
		status := "read"
		if !m.Read {
			status = "unread"
		}
		fmt.Fprintf(&b, "%d. [%s] from %s: %s\n", i+1, status, m.FromUUID, m.Body)
	}
	if b.Len() == 0 {
		return "(empty)"
	}
	return b.String()
}

func resolveMailIndex(ctx context.Context, core *conversation.Core, agentID, args string) (int64, error) {
	idx, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil {
		return 0, fmt.Errorf("usage: <index> (see /check-mail)")
	}
	inbox, err := core.CmdCheckMail(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if idx < 1 || idx > len(inbox) {
		return 0, fmt.Errorf("index %d out of range", idx)
	}
	return inbox[idx-1].ID, nil
}

// parseRewindArgs extracts the optional mark label from /rewind's argument
// string. An empty label means "the most recent mark", resolved by
// conversation.Core.CmdRewind against the agent's live mark stack.
func parseRewindArgs(args string) string {
	return strings.TrimSpace(args)
}

func parseKillArgs(args string) (prefix string, cascade bool) {
	tokens := SplitArgs(args)
	for _, t := range tokens {
		if t == "--cascade" {
			cascade = true
			continue
		}
		if prefix == "" {
			prefix = t
		}
	}
	return prefix, cascade
}

func parseModelArgs(args string) (provider, model, level string, err error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "", "", "", fmt.Errorf("usage: /model <provider>/<model>[/<thinking-level>]")
	}
	parts := strings.Split(args, "/")
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("usage: /model <provider>/<model>[/<thinking-level>]")
	}
	provider = parts[0]
	model = parts[1]
	if len(parts) > 2 {
		level = parts[2]
	}
	return provider, model, level, nil
}
