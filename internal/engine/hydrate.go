package engine

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// Hydrate restores AI state from the persisted document once per event
// context. Concurrent calls share one run; calls after completion return nil
// immediately. defaults is the page request used for the restoring execution
// (zero value keeps the current pagination).
//
// Hydration always ends in HydrationHydrated. A failure leaves AI state empty
// and is returned for logging only. If the user applied a segment while
// hydration was in flight, hydration does not overwrite it.
func (e *Engine) Hydrate(ctx context.Context, defaults types.Pagination) error {
	e.mu.Lock()
	if e.state.Hydration != HydrationUninitialized {
		e.mu.Unlock()
		return nil
	}
	key := string(e.state.EventID) + "/" + strconv.FormatUint(e.epoch, 10)
	epoch := e.epoch
	e.mu.Unlock()

	_, err, _ := e.hydrateGroup.Do(key, func() (any, error) {
		return nil, e.runHydration(ctx, epoch, defaults)
	})
	return err
}

func (e *Engine) runHydration(ctx context.Context, epoch uint64, defaults types.Pagination) error {
	e.mu.Lock()
	if e.epoch != epoch || e.state.Hydration != HydrationUninitialized {
		e.mu.Unlock()
		return nil
	}
	e.state.Hydration = HydrationHydrating
	if defaults.Size > 0 {
		e.state.Pagination = defaults
	}
	eventID := e.state.EventID
	page := e.state.Pagination
	actions := e.actions
	e.publishLocked()
	e.mu.Unlock()

	err := e.restore(ctx, epoch, actions, eventID, page)

	e.mu.Lock()
	if e.epoch == epoch {
		e.state.Hydration = HydrationHydrated
		e.publishLocked()
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("hydration failed; falling back to manual filters",
			zap.String("event_id", string(eventID)), zap.Error(err))
	}
	return err
}

// restore reads the persisted AI block and runs it. The result is dropped if
// the user applied or cleared anything since actions was taken.
func (e *Engine) restore(ctx context.Context, epoch, actions uint64, eventID types.EventID, page types.Pagination) error {
	cfg, err := e.store.Read(ctx, eventID)
	if err != nil {
		return fmt.Errorf("read filter config: %w", err)
	}
	ai := cfg.AI
	if !ai.Enabled {
		return nil
	}

	var (
		ast   segment.Root
		saved *types.SavedSegment
	)
	switch {
	case ai.AST != nil:
		ast = *ai.AST
	case ai.SavedSegmentID != nil:
		seg, err := e.savedSegment(ctx, *ai.SavedSegmentID)
		if err != nil {
			return err
		}
		ast = seg.AST
		saved = &seg
	default:
		return nil
	}

	results, err := e.exec.RunSegment(ctx, eventID, ast, client.RunOptions{Pagination: &page})
	if err != nil {
		return fmt.Errorf("run persisted segment: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		return nil
	}
	if e.actions != actions || e.state.HasActiveAI() {
		e.logger.Debug("hydration result superseded by user action",
			zap.String("event_id", string(eventID)))
		return nil
	}

	next := e.state
	next.Results = &results
	next.LastAST = &ast
	next.PersistedTitle = ai.Title
	if ai.SavedSegmentID != nil {
		next.CurrentSavedID = types.SegmentIDPtr(*ai.SavedSegmentID)
	}
	if saved != nil {
		next.byReference = true
		next.LastPrompt = saved.Prompt
		if next.PersistedTitle == "" {
			next.PersistedTitle = saved.Title
		}
	}
	e.token++
	e.pending = nil
	e.state = next
	e.backfillPromptLocked()
	e.publishLocked()
	return nil
}

// savedSegment finds id in the loaded list, loading it first if needed.
func (e *Engine) savedSegment(ctx context.Context, id types.SegmentID) (types.SavedSegment, error) {
	snap := e.Snapshot()
	if seg, ok := findSaved(snap.SavedSegments, id); ok {
		return seg, nil
	}
	if !snap.SavedLoaded {
		list, err := e.LoadSavedSegments(ctx)
		if err != nil {
			return types.SavedSegment{}, err
		}
		if seg, ok := findSaved(list, id); ok {
			return seg, nil
		}
	}
	return types.SavedSegment{}, &types.NotFoundError{Kind: "saved segment", ID: string(id)}
}
