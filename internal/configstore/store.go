// Package configstore caches the per-event persisted filter document and
// writes to it optimistically.
//
// Writes are two-phase:
//   - Begin applies the patch to the local cache and returns a Tx
//   - Commit adopts the server's merged document as the new cache value
//   - Rollback discards the optimistic value and re-fetches from the backend
//
// Write runs all three phases around one backend call. Callers that need to
// assert on the tentative state use Begin directly.
package configstore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// Backend is the durable side of the store. *client.Client satisfies it.
type Backend interface {
	GetFilterConfig(ctx context.Context, eventID types.EventID) (types.FilterConfig, error)
	PutFilterConfig(ctx context.Context, eventID types.EventID, patch types.FilterConfigPatch) (types.FilterConfig, error)
}

type entry struct {
	cfg     types.FilterConfig
	loaded  bool
	version uint64
}

// Store is safe for concurrent use.
type Store struct {
	backend Backend
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[types.EventID]*entry
}

// New creates a store over backend.
func New(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		entries: make(map[types.EventID]*entry),
	}
}

func (s *Store) entryLocked(eventID types.EventID) *entry {
	e, ok := s.entries[eventID]
	if !ok {
		e = &entry{cfg: types.DefaultFilterConfig()}
		s.entries[eventID] = e
	}
	return e
}

// Read returns the cached document, fetching it on first use.
func (s *Store) Read(ctx context.Context, eventID types.EventID) (types.FilterConfig, error) {
	s.mu.Lock()
	if e, ok := s.entries[eventID]; ok && e.loaded {
		cfg := e.cfg
		s.mu.Unlock()
		return cfg, nil
	}
	s.mu.Unlock()
	return s.Refresh(ctx, eventID)
}

// Refresh re-fetches the document from the backend, replacing the cache.
func (s *Store) Refresh(ctx context.Context, eventID types.EventID) (types.FilterConfig, error) {
	s.mu.Lock()
	startVersion := s.entryLocked(eventID).version
	s.mu.Unlock()

	cfg, err := s.backend.GetFilterConfig(ctx, eventID)
	if err != nil {
		return types.FilterConfig{}, fmt.Errorf("read filter config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(eventID)
	// A write that began while this read was in flight owns the cache.
	if e.version != startVersion {
		return e.cfg, nil
	}
	e.cfg = cfg
	e.loaded = true
	return cfg, nil
}

// Cached returns the local document without network I/O. ok is false until
// the first successful read.
func (s *Store) Cached(eventID types.EventID) (cfg types.FilterConfig, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.entries[eventID]
	if !found {
		return types.DefaultFilterConfig(), false
	}
	return e.cfg, e.loaded
}

// Forget drops the cached document for eventID.
func (s *Store) Forget(eventID types.EventID) {
	s.mu.Lock()
	delete(s.entries, eventID)
	s.mu.Unlock()
}

// Tx is one in-flight optimistic write.
type Tx struct {
	store    *Store
	eventID  types.EventID
	patch    types.FilterConfigPatch
	version  uint64
	done     bool
	previous types.FilterConfig
}

// Begin applies patch to the local cache and returns the pending write.
func (s *Store) Begin(eventID types.EventID, patch types.FilterConfigPatch) *Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(eventID)
	prev := e.cfg
	e.cfg = patch.Apply(e.cfg)
	e.version++
	return &Tx{store: s, eventID: eventID, patch: patch, version: e.version, previous: prev}
}

// Tentative returns the document as the optimistic write sees it.
func (t *Tx) Tentative() types.FilterConfig {
	return t.patch.Apply(t.previous)
}

// Commit adopts the server's merged document. A newer write that began after
// this one keeps its own tentative value.
func (t *Tx) Commit(server types.FilterConfig) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	e := s.entryLocked(t.eventID)
	if e.version == t.version {
		e.cfg = server
	}
	e.loaded = true
}

// Rollback discards the optimistic value and re-fetches the document.
func (t *Tx) Rollback(ctx context.Context) (types.FilterConfig, error) {
	s := t.store
	s.mu.Lock()
	if t.done {
		cfg := s.entryLocked(t.eventID).cfg
		s.mu.Unlock()
		return cfg, nil
	}
	t.done = true
	e := s.entryLocked(t.eventID)
	if e.version == t.version {
		e.cfg = t.previous
		e.version++
	}
	s.mu.Unlock()

	cfg, err := s.Refresh(ctx, t.eventID)
	if err != nil {
		s.logger.Warn("filter config refetch after failed write",
			zap.String("event_id", string(t.eventID)), zap.Error(err))
	}
	return cfg, err
}

// Write merges patch into the event's document: local first, then remote.
// On backend failure the local value is rolled back and re-fetched, and the
// original write error is returned.
func (s *Store) Write(ctx context.Context, eventID types.EventID, patch types.FilterConfigPatch) (types.FilterConfig, error) {
	tx := s.Begin(eventID, patch)
	server, err := s.backend.PutFilterConfig(ctx, eventID, patch)
	if err != nil {
		s.logger.Warn("filter config write failed",
			zap.String("event_id", string(eventID)), zap.Error(err))
		_, _ = tx.Rollback(ctx)
		return types.FilterConfig{}, fmt.Errorf("write filter config: %w", err)
	}
	tx.Commit(server)
	return server, nil
}

// WriteManual persists the manual half of the document after stripping UI
// fields from each filter.
func (s *Store) WriteManual(ctx context.Context, eventID types.EventID, search string, filters []map[string]any) (types.FilterConfig, error) {
	manual := types.ManualFilterState{Search: search, Filters: StripFilters(filters)}
	return s.Write(ctx, eventID, types.FilterConfigPatch{Manual: &manual})
}

// WriteAI persists the AI half of the document.
func (s *Store) WriteAI(ctx context.Context, eventID types.EventID, ai types.AIFilterState) (types.FilterConfig, error) {
	return s.Write(ctx, eventID, types.FilterConfigPatch{AI: &ai})
}

// StripFilters reduces UI filter objects to label, operation and value.
// Entries without a label are dropped.
func StripFilters(filters []map[string]any) []types.MinimalFilter {
	out := make([]types.MinimalFilter, 0, len(filters))
	for _, f := range filters {
		label, _ := f["label"].(string)
		if label == "" {
			continue
		}
		op, _ := f["operation"].(string)
		out = append(out, types.MinimalFilter{Label: label, Operation: op, Value: f["value"]})
	}
	return out
}
