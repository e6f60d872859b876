// Package memory provides an in-memory history.Store for tests and single
// instance deployments. Runs are lost on restart. An optional size bound
// evicts the least recently used run.
package memory

import (
	"container/list"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/history"
)

type entry struct {
	rec      api.RunRecord
	tenantID string
	lruElem  *list.Element
}

// Store is an in-memory history.Store.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	maxSize int        // 0 = unlimited
}

var _ history.Store = (*Store)(nil)

// New creates a store holding at most maxSize runs, or any number when
// maxSize is 0.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// SaveRun stores a copy of rec under the context tenant.
func (s *Store) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[rec.ID]; exists {
		return history.ErrConflict
	}
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	stored := *rec
	stored.Dependencies = slices.Clone(rec.Dependencies)
	s.entries[rec.ID] = &entry{
		rec:      stored,
		tenantID: history.GetTenant(ctx),
		lruElem:  s.lru.PushFront(rec.ID),
	}
	return nil
}

// GetRun returns a copy of the run. Runs of other tenants are reported as
// not found.
func (s *Store) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || !visible(ctx, e) {
		return nil, history.ErrNotFound
	}
	s.lru.MoveToFront(e.lruElem)

	rec := e.rec
	rec.Dependencies = slices.Clone(e.rec.Dependencies)
	return &rec, nil
}

// ListRuns returns a page of the tenant's runs.
func (s *Store) ListRuns(ctx context.Context, opts history.ListOptions) (*api.RunList, error) {
	s.mu.Lock()
	var cursor *api.RunRecord
	if opts.After != "" {
		e, ok := s.entries[opts.After]
		if !ok || !visible(ctx, e) {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", history.ErrUnknownCursor, opts.After)
		}
		rec := e.rec
		cursor = &rec
	}
	var matches []api.RunRecord
	for _, e := range s.entries {
		if !visible(ctx, e) {
			continue
		}
		if opts.Status != "" && e.rec.Status != opts.Status {
			continue
		}
		matches = append(matches, e.rec)
	}
	s.mu.Unlock()

	asc := opts.Order == "asc"
	slices.SortFunc(matches, func(a, b api.RunRecord) int {
		c := compareRuns(a, b)
		if asc {
			return c
		}
		return -c
	})

	if cursor != nil {
		// The cursor itself may be filtered out by status.
		idx := slices.IndexFunc(matches, func(r api.RunRecord) bool {
			c := compareRuns(r, *cursor)
			if asc {
				return c > 0
			}
			return c < 0
		})
		if idx < 0 {
			idx = len(matches)
		}
		matches = matches[idx:]
	}

	limit := opts.EffectiveLimit()
	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	result := &api.RunList{Object: "list", Data: matches, HasMore: hasMore}
	if len(matches) > 0 {
		result.FirstID = matches[0].ID
		result.LastID = matches[len(matches)-1].ID
	}
	if result.Data == nil {
		result.Data = []api.RunRecord{}
	}
	return result, nil
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored runs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func visible(ctx context.Context, e *entry) bool {
	tenantID := history.GetTenant(ctx)
	return tenantID == "" || e.tenantID == tenantID
}

func compareRuns(a, b api.RunRecord) int {
	switch {
	case a.CreatedAt < b.CreatedAt:
		return -1
	case a.CreatedAt > b.CreatedAt:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// evictOldest must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	s.lru.Remove(back)
	delete(s.entries, back.Value.(string))
}
