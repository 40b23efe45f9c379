package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// LoadSavedSegments fetches the event's saved segments into the snapshot,
// favorites first, then most recently used.
func (e *Engine) LoadSavedSegments(ctx context.Context) ([]types.SavedSegment, error) {
	e.mu.Lock()
	eventID, epoch := e.state.EventID, e.epoch
	e.mu.Unlock()

	list, err := e.exec.ListSavedSegments(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list saved segments: %w", err)
	}
	list = append([]types.SavedSegment(nil), list...)
	sortSaved(list)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch == epoch {
		e.state.SavedSegments = list
		e.state.SavedLoaded = true
		e.backfillPromptLocked()
		e.publishLocked()
	}
	return list, nil
}

// UseSavedSegment re-runs a saved segment picked from previous requests,
// stamps its lastUsed and applies it by reference.
func (e *Engine) UseSavedSegment(ctx context.Context, id types.SegmentID) error {
	seg, err := e.savedSegment(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	eventID, epoch, page := e.state.EventID, e.epoch, e.state.Pagination
	e.mu.Unlock()

	results, err := e.exec.RunSegment(ctx, eventID, seg.AST, client.RunOptions{Pagination: &page})
	if err != nil {
		return fmt.Errorf("run saved segment: %w", err)
	}

	now := e.now().UTC()
	updated, err := e.exec.UpdateSavedSegment(ctx, eventID, id, types.SavedSegmentPatch{LastUsed: &now})
	if err != nil {
		e.logger.Warn("updating lastUsed failed",
			zap.String("saved_segment_id", string(id)), zap.Error(err))
		updated = seg
		updated.LastUsed = &now
	}
	e.upsertSaved(epoch, updated)

	ast, title, prompt := seg.AST, seg.Title, seg.Prompt
	return e.apply(ctx, epoch, ApplyInput{
		Results:        &results,
		SavedSegmentID: &id,
		AST:            &ast,
		Title:          &title,
		Prompt:         &prompt,
		ByReference:    true,
	})
}

// ToggleFavorite flips the favorite flag of a saved segment.
func (e *Engine) ToggleFavorite(ctx context.Context, id types.SegmentID) (types.SavedSegment, error) {
	seg, err := e.savedSegment(ctx, id)
	if err != nil {
		return types.SavedSegment{}, err
	}
	e.mu.Lock()
	eventID, epoch := e.state.EventID, e.epoch
	e.mu.Unlock()

	fav := !seg.Favorite
	updated, err := e.exec.UpdateSavedSegment(ctx, eventID, id, types.SavedSegmentPatch{Favorite: &fav})
	if err != nil {
		return types.SavedSegment{}, fmt.Errorf("toggle favorite: %w", err)
	}
	e.upsertSaved(epoch, updated)
	return updated, nil
}

func (e *Engine) upsertSaved(epoch uint64, seg types.SavedSegment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		return
	}
	list := make([]types.SavedSegment, 0, len(e.state.SavedSegments)+1)
	replaced := false
	for _, s := range e.state.SavedSegments {
		if s.ID == seg.ID {
			list = append(list, seg)
			replaced = true
			continue
		}
		list = append(list, s)
	}
	if !replaced {
		list = append(list, seg)
	}
	sortSaved(list)
	e.state.SavedSegments = list
	e.backfillPromptLocked()
	e.publishLocked()
}

// backfillPromptLocked fills LastPrompt from the active saved segment when
// it is still empty. No other field changes.
func (e *Engine) backfillPromptLocked() {
	s := &e.state
	if s.CurrentSavedID == nil || s.LastPrompt != "" {
		return
	}
	if seg, ok := findSaved(s.SavedSegments, *s.CurrentSavedID); ok {
		s.LastPrompt = seg.Prompt
	}
}

func findSaved(list []types.SavedSegment, id types.SegmentID) (types.SavedSegment, bool) {
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return types.SavedSegment{}, false
}

func sortSaved(list []types.SavedSegment) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Favorite != b.Favorite {
			return a.Favorite
		}
		switch {
		case a.LastUsed != nil && b.LastUsed != nil:
			if !a.LastUsed.Equal(*b.LastUsed) {
				return a.LastUsed.After(*b.LastUsed)
			}
		case a.LastUsed != nil:
			return true
		case b.LastUsed != nil:
			return false
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}
