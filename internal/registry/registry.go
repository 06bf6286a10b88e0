// Package registry provides the agent tree: insertion, lookup, cascade-kill
// ordering, and prefix-based lookup, layered over a store.AgentStore.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/arborhq/arbor/internal/models"
	"github.com/arborhq/arbor/internal/store"
)

// ErrAmbiguous is returned by FindByPrefix when more than one running agent
// matches the given prefix.
var ErrAmbiguous = fmt.Errorf("ambiguous agent uuid prefix")

// ErrNotFound is returned by FindByPrefix when no agent matches.
var ErrNotFound = fmt.Errorf("no agent matches uuid prefix")

// Registry is the agent tree built on top of a store.AgentStore.
type Registry struct {
	agents store.AgentStore
}

// New returns a Registry backed by agents.
func New(agents store.AgentStore) *Registry {
	return &Registry{agents: agents}
}

// Insert adds a new agent. The caller is responsible for generating a and
// setting ParentUUID/ForkMessageID before calling Insert.
func (r *Registry) Insert(ctx context.Context, a *models.Agent) error {
	return r.agents.InsertAgent(ctx, a)
}

// Get returns the agent with the given uuid.
func (r *Registry) Get(ctx context.Context, uuid string) (*models.Agent, error) {
	return r.agents.GetAgent(ctx, uuid)
}

// MarkDead transitions the agent to dead. It does not cascade; callers that
// want cascading kill must call DescendantsOf first and mark each in
// post-order themselves (this is what conversation.Core.CmdKill does).
func (r *Registry) MarkDead(ctx context.Context, uuid string) error {
	return r.agents.MarkAgentDead(ctx, uuid)
}

// ChildrenOf returns the direct children of uuid, ordered by ascending
// CreatedAt.
func (r *Registry) ChildrenOf(ctx context.Context, uuid string) ([]*models.Agent, error) {
	return r.agents.ChildrenOf(ctx, uuid)
}

// DescendantsOf returns every descendant of uuid in depth-first post-order:
// all of a child's own descendants appear before that child, and a node's
// children appear before the node itself. Siblings are tie-broken by
// ascending CreatedAt. This is the order a cascading kill must apply marks
// in, so that a child is never left referencing a parent that outlived it
// in the kill sequence (though parent_uuid itself is immutable either way).
func (r *Registry) DescendantsOf(ctx context.Context, uuid string) ([]*models.Agent, error) {
	var out []*models.Agent
	var walk func(parent string) error
	walk = func(parent string) error {
		children, err := r.agents.ChildrenOf(ctx, parent)
		if err != nil {
			return err
		}
		sort.Slice(children, func(i, j int) bool {
			return children[i].CreatedAt.Before(children[j].CreatedAt)
		})
		for _, c := range children {
			if err := walk(c.UUID); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	}
	if err := walk(uuid); err != nil {
		return nil, err
	}
	return out, nil
}

// FindByPrefix resolves a possibly-abbreviated uuid prefix against every
// running agent in the session. It returns ErrAmbiguous if two or more
// running agents share the prefix, ErrNotFound if none do.
func (r *Registry) FindByPrefix(ctx context.Context, sessionID int64, prefix string) (*models.Agent, error) {
	lister, ok := r.agents.(interface {
		ListAgents(ctx context.Context, sessionID int64) ([]*models.Agent, error)
	})
	if !ok {
		return nil, fmt.Errorf("registry: underlying store cannot list agents")
	}
	all, err := lister.ListAgents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var matches []*models.Agent
	for _, a := range all {
		if a.Status != models.AgentRunning {
			continue
		}
		if strings.HasPrefix(a.UUID, prefix) {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguous
	}
}
