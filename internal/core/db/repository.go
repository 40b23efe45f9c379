package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// Repository stores filter configuration documents and saved segments.
// It is safe for concurrent use.
type Repository struct {
	q   *Queries
	now func() time.Time
}

// NewRepository wraps loaded queries.
func NewRepository(q *Queries) *Repository {
	return &Repository{q: q, now: time.Now}
}

type filterConfigRow struct {
	EventID   string    `db:"event_id"`
	ManualDoc []byte    `db:"manual_doc"`
	AIDoc     []byte    `db:"ai_doc"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type savedSegmentRow struct {
	ID        string     `db:"segment_id"`
	EventID   string     `db:"event_id"`
	Title     string     `db:"title"`
	Prompt    string     `db:"prompt"`
	AST       []byte     `db:"ast"`
	Favorite  bool       `db:"favorite"`
	LastUsed  *time.Time `db:"last_used"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

func (r savedSegmentRow) toSavedSegment() types.SavedSegment {
	s := types.SavedSegment{
		ID:        types.SegmentID(r.ID),
		EventID:   types.EventID(r.EventID),
		Title:     r.Title,
		Prompt:    r.Prompt,
		AST:       segment.ParseRoot(r.AST),
		Favorite:  r.Favorite,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.LastUsed != nil {
		t := r.LastUsed.UTC()
		s.LastUsed = &t
	}
	return s
}

// timestamp truncates to the precision both drivers round-trip.
func (r *Repository) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// GetFilterConfig returns the stored document for eventID, or the default
// document when none was ever written.
func (r *Repository) GetFilterConfig(ctx context.Context, eventID types.EventID) (types.FilterConfig, error) {
	var row filterConfigRow
	err := r.q.GetContext(ctx, "get-filter-config", &row, string(eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.DefaultFilterConfig(), nil
	}
	if err != nil {
		return types.FilterConfig{}, fmt.Errorf("get filter config: %w", err)
	}

	cfg := types.DefaultFilterConfig()
	if err := json.Unmarshal(row.ManualDoc, &cfg.Manual); err != nil {
		return types.FilterConfig{}, fmt.Errorf("decode manual filter state: %w", err)
	}
	if err := json.Unmarshal(row.AIDoc, &cfg.AI); err != nil {
		return types.FilterConfig{}, fmt.Errorf("decode ai filter state: %w", err)
	}
	if cfg.Manual.Filters == nil {
		cfg.Manual.Filters = []types.MinimalFilter{}
	}
	return cfg, nil
}

// PutFilterConfig writes each key present in patch and returns the merged
// document. Keys absent from patch keep their stored value.
func (r *Repository) PutFilterConfig(ctx context.Context, eventID types.EventID, patch types.FilterConfigPatch) (types.FilterConfig, error) {
	now := r.timestamp()
	if patch.Manual != nil {
		manual := *patch.Manual
		if manual.Filters == nil {
			manual.Filters = []types.MinimalFilter{}
		}
		doc, err := json.Marshal(manual)
		if err != nil {
			return types.FilterConfig{}, fmt.Errorf("encode manual filter state: %w", err)
		}
		if _, err := r.q.ExecContext(ctx, "upsert-filter-config-manual", string(eventID), string(doc), now, now); err != nil {
			return types.FilterConfig{}, fmt.Errorf("put manual filter state: %w", err)
		}
	}
	if patch.AI != nil {
		doc, err := json.Marshal(*patch.AI)
		if err != nil {
			return types.FilterConfig{}, fmt.Errorf("encode ai filter state: %w", err)
		}
		if _, err := r.q.ExecContext(ctx, "upsert-filter-config-ai", string(eventID), string(doc), now, now); err != nil {
			return types.FilterConfig{}, fmt.Errorf("put ai filter state: %w", err)
		}
	}
	return r.GetFilterConfig(ctx, eventID)
}

// ListSavedSegments returns up to types.MaxSavedSegments saved segments for
// eventID: favorites first, then most recently used, then newest.
func (r *Repository) ListSavedSegments(ctx context.Context, eventID types.EventID) ([]types.SavedSegment, error) {
	var rows []savedSegmentRow
	if err := r.q.SelectContext(ctx, "list-saved-segments", &rows, string(eventID), types.MaxSavedSegments); err != nil {
		return nil, fmt.Errorf("list saved segments: %w", err)
	}
	out := make([]types.SavedSegment, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSavedSegment())
	}
	return out, nil
}

// GetSavedSegment returns one saved segment or a *types.NotFoundError.
func (r *Repository) GetSavedSegment(ctx context.Context, eventID types.EventID, id types.SegmentID) (types.SavedSegment, error) {
	if _, err := types.ParseSegmentID(string(id)); err != nil {
		return types.SavedSegment{}, &types.NotFoundError{Kind: "saved segment", ID: string(id)}
	}
	var row savedSegmentRow
	err := r.q.GetContext(ctx, "get-saved-segment", &row, string(eventID), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.SavedSegment{}, &types.NotFoundError{Kind: "saved segment", ID: string(id)}
	}
	if err != nil {
		return types.SavedSegment{}, fmt.Errorf("get saved segment: %w", err)
	}
	return row.toSavedSegment(), nil
}

// CreateSavedSegment inserts a new saved segment with a fresh UUIDv7 ID.
func (r *Repository) CreateSavedSegment(ctx context.Context, eventID types.EventID, in types.NewSavedSegment) (types.SavedSegment, error) {
	ast, err := json.Marshal(in.AST)
	if err != nil {
		return types.SavedSegment{}, fmt.Errorf("encode segment: %w", err)
	}
	now := r.timestamp()
	row := savedSegmentRow{
		ID:        string(types.NewSegmentID()),
		EventID:   string(eventID),
		Title:     in.Title,
		Prompt:    in.Prompt,
		AST:       ast,
		Favorite:  in.Favorite,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = r.q.ExecContext(ctx, "insert-saved-segment",
		row.ID, row.EventID, row.Title, row.Prompt, string(row.AST), row.Favorite, row.LastUsed, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return types.SavedSegment{}, fmt.Errorf("create saved segment: %w", err)
	}
	return row.toSavedSegment(), nil
}

// UpdateSavedSegment applies the non-nil fields of patch.
func (r *Repository) UpdateSavedSegment(ctx context.Context, eventID types.EventID, id types.SegmentID, patch types.SavedSegmentPatch) (types.SavedSegment, error) {
	current, err := r.GetSavedSegment(ctx, eventID, id)
	if err != nil {
		return types.SavedSegment{}, err
	}
	if patch.IsEmpty() {
		return current, nil
	}

	if patch.Title != nil {
		current.Title = *patch.Title
	}
	if patch.Prompt != nil {
		current.Prompt = *patch.Prompt
	}
	if patch.AST != nil {
		current.AST = *patch.AST
	}
	if patch.Favorite != nil {
		current.Favorite = *patch.Favorite
	}
	if patch.LastUsed != nil {
		t := patch.LastUsed.UTC().Truncate(time.Microsecond)
		current.LastUsed = &t
	}
	current.UpdatedAt = r.timestamp()

	ast, err := json.Marshal(current.AST)
	if err != nil {
		return types.SavedSegment{}, fmt.Errorf("encode segment: %w", err)
	}
	res, err := r.q.ExecContext(ctx, "update-saved-segment",
		current.Title, current.Prompt, string(ast), current.Favorite, current.LastUsed, current.UpdatedAt,
		string(eventID), string(id))
	if err != nil {
		return types.SavedSegment{}, fmt.Errorf("update saved segment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.SavedSegment{}, &types.NotFoundError{Kind: "saved segment", ID: string(id)}
	}
	return current, nil
}
