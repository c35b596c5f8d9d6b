// Package identity keeps the arena of canonical startup identities and the
// index from every known alias spelling to its canonical id.
package identity

import (
	"fmt"
	"maps"
	"sync"

	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
)

// Registry maps aliases to canonical ids. An alias belongs to exactly one
// canonical id; the canonical id is always its own first alias.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]*model.StartupIdentity
	order      []string
	index      map[model.Alias]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		identities: make(map[string]*model.StartupIdentity),
		index:      make(map[model.Alias]string),
	}
}

// Register adds id or merges it into an existing identity with the same
// canonical id. It fails without side effects when any alias is already
// bound to a different canonical id.
func (r *Registry) Register(id model.StartupIdentity) error {
	if id.CanonicalID == "" {
		return failure.New(failure.KindConfig, "identity.register", "empty canonical id")
	}
	aliases := append([]model.Alias{model.IDAlias(id.CanonicalID)}, id.Aliases...)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range aliases {
		if owner, ok := r.index[a]; ok && owner != id.CanonicalID {
			return failure.Wrap(failure.KindConfig, "identity.register",
				fmt.Errorf("%w: %s is bound to %s, not %s", ErrAliasShared, a, owner, id.CanonicalID))
		}
	}

	cur, ok := r.identities[id.CanonicalID]
	if !ok {
		cur = &model.StartupIdentity{CanonicalID: id.CanonicalID}
		r.identities[id.CanonicalID] = cur
		r.order = append(r.order, id.CanonicalID)
	}
	for _, a := range aliases {
		if _, bound := r.index[a]; bound {
			continue
		}
		r.index[a] = id.CanonicalID
		cur.Aliases = append(cur.Aliases, a)
	}
	if id.DisplayName != "" {
		cur.DisplayName = id.DisplayName
	}
	if len(id.Metadata) > 0 {
		if cur.Metadata == nil {
			cur.Metadata = make(map[string]string, len(id.Metadata))
		}
		maps.Copy(cur.Metadata, id.Metadata)
	}
	return nil
}

// Resolve returns the canonical id for alias.
func (r *Registry) Resolve(alias model.Alias) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.index[alias]
	return id, ok
}

// Canonical resolves a string id, returning id itself when it is unknown.
func (r *Registry) Canonical(id string) string {
	if c, ok := r.Resolve(model.IDAlias(id)); ok {
		return c
	}
	return id
}

// Ensure resolves alias, creating a new identity for an unknown string id
// on first observation. Unknown slots cannot be attributed and fail with
// an unknown-identifier error.
func (r *Registry) Ensure(alias model.Alias) (string, error) {
	if id, ok := r.Resolve(alias); ok {
		return id, nil
	}
	if alias.Kind == model.AliasSlot {
		return "", failure.Wrap(failure.KindUnknownIdentifier, "identity.ensure",
			fmt.Errorf("slot %s is not mapped to a startup", alias))
	}
	if alias.ID == "" {
		return "", failure.New(failure.KindInvalid, "identity.ensure", "empty startup id")
	}
	if err := r.Register(model.StartupIdentity{CanonicalID: alias.ID}); err != nil {
		// Lost a race with a concurrent registration of the same alias.
		if id, ok := r.Resolve(alias); ok {
			return id, nil
		}
		return "", err
	}
	return alias.ID, nil
}

// Identity returns a copy of the identity for a canonical id.
func (r *Registry) Identity(id string) (model.StartupIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.identities[id]
	if !ok {
		return model.StartupIdentity{}, false
	}
	out := *cur
	out.Aliases = append([]model.Alias(nil), cur.Aliases...)
	out.Metadata = maps.Clone(cur.Metadata)
	return out, true
}

// Aliases returns the aliases of a canonical id in registration order.
func (r *Registry) Aliases(id string) []model.Alias {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.identities[id]
	if !ok {
		return nil
	}
	return append([]model.Alias(nil), cur.Aliases...)
}

// Canonicals lists canonical ids in registration order.
func (r *Registry) Canonicals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// StringAliases lists every string-id alias across all identities.
func (r *Registry) StringAliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.index))
	for a := range r.index {
		if a.Kind == model.AliasID {
			out = append(out, a.ID)
		}
	}
	return out
}

// Len returns the number of canonical identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
