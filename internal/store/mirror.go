package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rand/council/internal/council"
)

// Mirror writes through to a primary and a replica store. Reads prefer the
// primary and fall back to the replica when the primary has no record.
// Replica failures are logged and never fail the caller.
type Mirror struct {
	primary Store
	replica Store
}

// NewMirror pairs two stores.
func NewMirror(primary, replica Store) *Mirror {
	return &Mirror{primary: primary, replica: replica}
}

// Create creates the conversation on both stores.
func (m *Mirror) Create(ctx context.Context, id string) (*council.Conversation, error) {
	conv, err := m.primary.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := m.replica.Create(ctx, id); err != nil {
		m.warn("create", id, err)
	}
	return conv, nil
}

// Get reads from the primary, then the replica.
func (m *Mirror) Get(ctx context.Context, id string) (*council.Conversation, error) {
	conv, err := m.primary.Get(ctx, id)
	if err != nil || conv != nil {
		return conv, err
	}
	conv, err = m.replica.Get(ctx, id)
	if err != nil {
		m.warn("get", id, err)
		return nil, nil
	}
	return conv, nil
}

// AppendUserMessage appends to both stores.
func (m *Mirror) AppendUserMessage(ctx context.Context, id, text string) error {
	return m.both("append user message", id, func(s Store) error {
		return s.AppendUserMessage(ctx, id, text)
	})
}

// AppendAssistantTurn appends to both stores.
func (m *Mirror) AppendAssistantTurn(ctx context.Context, id string, turn *council.TurnResult) error {
	return m.both("append assistant turn", id, func(s Store) error {
		return s.AppendAssistantTurn(ctx, id, turn)
	})
}

// UpdateTitle updates both stores.
func (m *Mirror) UpdateTitle(ctx context.Context, id, title string) error {
	return m.both("update title", id, func(s Store) error {
		return s.UpdateTitle(ctx, id, title)
	})
}

// List merges both listings, preferring primary entries.
func (m *Mirror) List(ctx context.Context) ([]council.Summary, error) {
	primary, err := m.primary.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(primary))
	for _, s := range primary {
		seen[s.ID] = true
	}
	replica, err := m.replica.List(ctx)
	if err != nil {
		m.warn("list", "", err)
		return primary, nil
	}
	for _, s := range replica {
		if !seen[s.ID] {
			primary = append(primary, s)
		}
	}
	sortNewestFirst(primary)
	return primary, nil
}

// Delete removes the conversation from both stores. It succeeds if either
// store held it.
func (m *Mirror) Delete(ctx context.Context, id string) error {
	perr := m.primary.Delete(ctx, id)
	rerr := m.replica.Delete(ctx, id)
	if rerr != nil && !errors.Is(rerr, ErrNotFound) {
		m.warn("delete", id, rerr)
	}
	if errors.Is(perr, ErrNotFound) && rerr == nil {
		return nil
	}
	return perr
}

// Close closes both stores.
func (m *Mirror) Close() error {
	return errors.Join(m.primary.Close(), m.replica.Close())
}

// both applies fn to the primary, then the replica. A conversation known
// only to the replica is still writable there.
func (m *Mirror) both(op, id string, fn func(Store) error) error {
	perr := fn(m.primary)
	if perr != nil && !errors.Is(perr, ErrNotFound) {
		return perr
	}
	rerr := fn(m.replica)
	if perr != nil {
		if rerr == nil {
			return nil
		}
		return perr
	}
	if rerr != nil {
		m.warn(op, id, rerr)
	}
	return nil
}

func (m *Mirror) warn(op, id string, err error) {
	slog.Warn("Replica store operation failed", "op", op, "conversation", id, "error", err)
}
