// Package memory is an in-memory RequestStore for tests and
// single-process deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lbds137/tzurot-sub005/internal/domain"
	"github.com/lbds137/tzurot-sub005/internal/storage"
)

// Store is an in-memory implementation of RequestStore.
type Store struct {
	mu   sync.RWMutex
	logs map[domain.RequestID][]domain.Event
}

var _ storage.RequestStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		logs: make(map[domain.RequestID][]domain.Event),
	}
}

// Save stores a copy of the aggregate's event log. The stored log only
// ever grows; saving an aggregate with fewer events than already stored
// is rejected as a replay from a stale copy.
func (s *Store) Save(ctx context.Context, req *domain.Request) error {
	if req == nil || req.ID().IsZero() {
		return fmt.Errorf("cannot save a request without identity")
	}

	events := req.Events()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.logs[req.ID()]; ok && len(events) < len(existing) {
		return fmt.Errorf("request %s: stored log has %d events, refusing to truncate to %d",
			req.ID(), len(existing), len(events))
	}

	s.logs[req.ID()] = events
	return nil
}

// Get replays the stored event log into a live aggregate.
func (s *Store) Get(ctx context.Context, id domain.RequestID) (*domain.Request, error) {
	s.mu.RLock()
	events, ok := s.logs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}

	return domain.Replay(events)
}

// List returns folded snapshots matching opts, newest first.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]domain.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var states []domain.State
	for _, events := range s.logs {
		req, err := domain.Replay(events)
		if err != nil {
			return nil, err
		}
		state := req.State()

		if opts.UserID != "" && state.UserID != opts.UserID {
			continue
		}
		if opts.PersonalityID != "" && state.PersonalityID != opts.PersonalityID {
			continue
		}
		if opts.Status != "" && state.Status != opts.Status {
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.After(states[j].CreatedAt)
	})

	// Simple pagination
	start := opts.Offset
	if start >= len(states) {
		return []domain.State{}, nil
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(states) {
		end = len(states)
	}

	return states[start:end], nil
}

// Delete removes the request and its event log.
func (s *Store) Delete(ctx context.Context, id domain.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[id]; !ok {
		return fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}

	delete(s.logs, id)
	return nil
}

func (s *Store) Close() error {
	return nil
}
