// Package engine is the single authority for "is an AI-generated segment
// active, and what is it" within one event context.
//
// State lives in an immutable Snapshot replaced on every transition
// (Apply, Clear, hydration, saved-segment loads, re-execution). Consumers
// read Snapshot() or Subscribe to receive each new value.
//
// The engine never holds its lock across network I/O. Every asynchronous
// completion is checked against two counters before it may touch state:
//   - epoch, bumped by SetEvent, discards work started for a previous event
//   - token, bumped whenever results are replaced, discards stale re-executions
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// DefaultTitle is shown when no saved title, persisted title or prompt exists.
const DefaultTitle = "AI Filter"

// Executor is the segment execution surface. *client.Client satisfies it.
type Executor interface {
	RunSegment(ctx context.Context, eventID types.EventID, root segment.Root, opts client.RunOptions) (types.SegmentResults, error)
	GenerateSegment(ctx context.Context, eventID types.EventID, prompt string, opts client.GenerateOptions) (client.Generated, error)
	ListSavedSegments(ctx context.Context, eventID types.EventID) ([]types.SavedSegment, error)
	CreateSavedSegment(ctx context.Context, eventID types.EventID, in types.NewSavedSegment) (types.SavedSegment, error)
	UpdateSavedSegment(ctx context.Context, eventID types.EventID, id types.SegmentID, patch types.SavedSegmentPatch) (types.SavedSegment, error)
	SuggestTitle(ctx context.Context, eventID types.EventID, prompt string, ast segment.Root) (string, error)
}

// ConfigStore is the persisted filter document. *configstore.Store satisfies it.
type ConfigStore interface {
	Read(ctx context.Context, eventID types.EventID) (types.FilterConfig, error)
	WriteAI(ctx context.Context, eventID types.EventID, ai types.AIFilterState) (types.FilterConfig, error)
}

// HydrationState is the one-shot startup state machine.
type HydrationState int

const (
	HydrationUninitialized HydrationState = iota
	HydrationHydrating
	HydrationHydrated
)

func (h HydrationState) String() string {
	switch h {
	case HydrationHydrating:
		return "hydrating"
	case HydrationHydrated:
		return "hydrated"
	default:
		return "uninitialized"
	}
}

// Snapshot is one immutable view of engine state. Pointer fields are never
// mutated after publication.
type Snapshot struct {
	EventID        types.EventID         `json:"eventId"`
	Hydration      HydrationState        `json:"-"`
	Results        *types.SegmentResults `json:"results,omitempty"`
	CurrentSavedID *types.SegmentID      `json:"currentSavedId,omitempty"`
	LastPrompt     string                `json:"lastPrompt,omitempty"`
	LastAST        *segment.Root         `json:"lastAst,omitempty"`
	SavedTitle     string                `json:"savedTitle,omitempty"`
	PersistedTitle string                `json:"persistedTitle,omitempty"`
	SavedSegments  []types.SavedSegment  `json:"savedSegments,omitempty"`
	SavedLoaded    bool                  `json:"-"`
	Pagination     types.Pagination      `json:"pagination"`

	// byReference persists the saved segment id without the inline tree.
	byReference bool
}

// UsingAI reports whether AI results are the active data source.
func (s Snapshot) UsingAI() bool {
	return s.Results != nil
}

// AITitle is the display title: saved title, then persisted title, then the
// last prompt, then DefaultTitle.
func (s Snapshot) AITitle() string {
	for _, t := range []string{s.SavedTitle, s.PersistedTitle, s.LastPrompt} {
		if t != "" {
			return t
		}
	}
	return DefaultTitle
}

// HasActiveAI reports whether any AI field is set, results or not.
func (s Snapshot) HasActiveAI() bool {
	return s.Results != nil || s.CurrentSavedID != nil || s.LastAST != nil
}

// DefaultPagination is the table's initial page request.
func DefaultPagination() types.Pagination {
	return types.Pagination{Page: 0, Size: types.DefaultPageSize}
}

// Engine is safe for concurrent use.
type Engine struct {
	exec    Executor
	store   ConfigStore
	surface PromptSurface
	logger  *zap.Logger
	now     func() time.Time

	hydrateGroup singleflight.Group

	mu      sync.Mutex
	state   Snapshot
	epoch   uint64
	token   uint64
	pending *types.Pagination
	// actions counts user applies and clears; hydration adopts its result
	// only if none happened while it ran.
	actions uint64
	subs    map[int]chan Snapshot
	nextSub int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithPromptSurface sets the surface used by OpenPrompt and OpenRefine.
func WithPromptSurface(s PromptSurface) Option {
	return func(e *Engine) { e.surface = s }
}

// WithClock overrides time.Now for lastUsed stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine bound to eventID.
func New(exec Executor, store ConfigStore, eventID types.EventID, opts ...Option) *Engine {
	e := &Engine{
		exec:   exec,
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
		subs:   make(map[int]chan Snapshot),
		state:  Snapshot{EventID: eventID, Pagination: DefaultPagination()},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe returns a channel that always holds the most recent snapshot not
// yet received. Intermediate snapshots may be skipped. Call cancel to close it.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- e.state
	e.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// publishLocked hands the current state to every subscriber. The caller
// holds e.mu and is the only sender, so the send after draining never blocks.
func (e *Engine) publishLocked() {
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- e.state
	}
}

// SetEvent switches to a new event context. All state resets, hydration
// returns to uninitialized and in-flight work for the old event is ignored.
func (e *Engine) SetEvent(eventID types.EventID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch++
	e.token++
	e.pending = nil
	e.state = Snapshot{EventID: eventID, Pagination: e.state.Pagination}
	e.publishLocked()
}

// ApplyInput carries the fields to merge. Nil fields keep their current value.
type ApplyInput struct {
	Results        *types.SegmentResults
	SavedSegmentID *types.SegmentID
	AST            *segment.Root
	Title          *string
	Prompt         *string

	// ByReference persists only the saved segment id, so a reload hydrates
	// from the saved-segments list instead of an inline tree.
	ByReference bool
}

// Apply merges in into the current state and persists the AI block.
// The in-memory merge always happens; a persistence failure is logged and
// returned so the caller can surface it.
func (e *Engine) Apply(ctx context.Context, in ApplyInput) error {
	e.mu.Lock()
	epoch := e.epoch
	e.mu.Unlock()
	return e.apply(ctx, epoch, in)
}

func (e *Engine) apply(ctx context.Context, epoch uint64, in ApplyInput) error {
	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		e.logger.Debug("dropping apply for previous event context")
		return nil
	}
	e.mergeLocked(in)
	eventID := e.state.EventID
	ai := persistedAI(e.state)
	e.publishLocked()
	e.mu.Unlock()

	return e.persist(ctx, eventID, ai)
}

func (e *Engine) mergeLocked(in ApplyInput) {
	e.actions++
	next := e.state
	if in.Results != nil {
		r := *in.Results
		next.Results = &r
		// Newer results supersede any re-execution still in flight.
		e.token++
		e.pending = nil
	}
	if in.SavedSegmentID != nil {
		next.CurrentSavedID = types.SegmentIDPtr(*in.SavedSegmentID)
	}
	if in.AST != nil {
		ast := *in.AST
		next.LastAST = &ast
		next.byReference = false
	}
	if in.ByReference {
		next.byReference = true
	}
	if in.Title != nil {
		next.SavedTitle = *in.Title
		next.PersistedTitle = ""
	}
	if in.Prompt != nil {
		next.LastPrompt = *in.Prompt
	}
	e.state = next
	e.backfillPromptLocked()
}

// persistedAI is the AI block written for s.
func persistedAI(s Snapshot) types.AIFilterState {
	ai := types.AIFilterState{
		Enabled: s.HasActiveAI(),
		Title:   s.SavedTitle,
	}
	if ai.Title == "" {
		ai.Title = s.PersistedTitle
	}
	if s.CurrentSavedID != nil {
		ai.SavedSegmentID = types.SegmentIDPtr(*s.CurrentSavedID)
	}
	if s.LastAST != nil && !(s.byReference && s.CurrentSavedID != nil) {
		ast := *s.LastAST
		ai.AST = &ast
	}
	return ai
}

func (e *Engine) persist(ctx context.Context, eventID types.EventID, ai types.AIFilterState) error {
	if _, err := e.store.WriteAI(ctx, eventID, ai); err != nil {
		e.logger.Warn("persisting ai filter state failed",
			zap.String("event_id", string(eventID)), zap.Error(err))
		return fmt.Errorf("persist ai filter: %w", err)
	}
	return nil
}

// Clear resets all AI fields and persists the explicit empty AI block.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	e.actions++
	e.token++
	e.pending = nil
	prev := e.state
	e.state = Snapshot{
		EventID:       prev.EventID,
		Hydration:     prev.Hydration,
		SavedSegments: prev.SavedSegments,
		SavedLoaded:   prev.SavedLoaded,
		Pagination:    prev.Pagination,
	}
	eventID := prev.EventID
	e.publishLocked()
	e.mu.Unlock()

	return e.persist(ctx, eventID, types.ClearedAIState())
}
