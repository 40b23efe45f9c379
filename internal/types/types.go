// Package types provides domain models shared across the segmentation components.
//
// Entities here are wire-format definitions: JSON tags match the transport
// contract used between the CRM UI layer, the segment gateway and the upstream
// contact query service. Filter trees are carried as segment.Root, which
// sanitizes itself on decode, so a malformed tree never reaches business logic
// in a half-built state.
package types

import (
	"encoding/json"
	"time"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
)

// EventID identifies the event whose CRM is being segmented.
// String alias enables type safety while maintaining JSON string serialization.
type EventID string

// SegmentID represents a UUIDv7 saved segment identifier.
type SegmentID string

// Row is one contact record returned by segment execution.
// json.RawMessage wrapper preserves the upstream bytes; this subsystem never
// interprets contact fields.
type Row json.RawMessage

// MarshalJSON implements json.Marshaler.
// Delegates to json.RawMessage to preserve original bytes unchanged.
func (r Row) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return json.RawMessage(r).MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
// Delegates to json.RawMessage to capture raw bytes without parsing.
func (r *Row) UnmarshalJSON(data []byte) error {
	return (*json.RawMessage)(r).UnmarshalJSON(data)
}

// Sort orders.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Pagination is the page/size/sort tuple requested by the table.
type Pagination struct {
	Page    int    `json:"page" yaml:"page" validate:"gte=0"`
	Size    int    `json:"size" yaml:"size" validate:"gte=0,lte=500"`
	OrderBy string `json:"orderBy,omitempty" yaml:"orderBy,omitempty" validate:"max=100"`
	Order   string `json:"order,omitempty" yaml:"order,omitempty" validate:"omitempty,oneof=asc desc"`
}

// Equal compares all four components.
func (p Pagination) Equal(o Pagination) bool {
	return p.Page == o.Page && p.Size == o.Size && p.OrderBy == o.OrderBy && p.Order == o.Order
}

// SegmentResults is the outcome of executing a filter.
// Pagination echoes the request that produced the page so callers can tell
// whether a cached page already satisfies a new request.
type SegmentResults struct {
	CRMPersons []Row           `json:"crmPersons"`
	Total      int             `json:"total"`
	Pagination *Pagination     `json:"pagination,omitempty"`
	Debug      json.RawMessage `json:"debug,omitempty"`
}

// SavedSegment is a persisted, re-runnable filter plus the prompt that
// produced it.
type SavedSegment struct {
	ID        SegmentID    `json:"id"`
	EventID   EventID      `json:"eventId"`
	Title     string       `json:"title"`
	Prompt    string       `json:"prompt"`
	AST       segment.Root `json:"ast"`
	Favorite  bool         `json:"favorite"`
	LastUsed  *time.Time   `json:"lastUsed"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// NewSavedSegment is the create payload for a saved segment.
type NewSavedSegment struct {
	Title    string       `json:"title" validate:"max=200"`
	Prompt   string       `json:"prompt" validate:"max=4000"`
	AST      segment.Root `json:"ast"`
	Favorite bool         `json:"favorite"`
}

// SavedSegmentPatch carries the fields to change; nil fields are untouched.
type SavedSegmentPatch struct {
	Title    *string       `json:"title,omitempty" validate:"omitempty,max=200"`
	Prompt   *string       `json:"prompt,omitempty" validate:"omitempty,max=4000"`
	AST      *segment.Root `json:"ast,omitempty"`
	Favorite *bool         `json:"favorite,omitempty"`
	LastUsed *time.Time    `json:"lastUsed,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p SavedSegmentPatch) IsEmpty() bool {
	return p.Title == nil && p.Prompt == nil && p.AST == nil && p.Favorite == nil && p.LastUsed == nil
}

// MinimalFilter is the persisted form of one manual table filter. UI-only
// fields are stripped so the stored document survives column schema drift.
type MinimalFilter struct {
	Label     string `json:"label" validate:"required,max=200"`
	Operation string `json:"operation" validate:"max=100"`
	Value     any    `json:"value"`
}

// ManualFilterState is the manual (non-AI) half of the persisted document.
type ManualFilterState struct {
	Search  string          `json:"search" validate:"max=500"`
	Filters []MinimalFilter `json:"filters" validate:"max=100,dive"`
}

// AIFilterState is the AI half of the persisted document.
// An explicitly cleared state is Enabled=false, SavedSegmentID=nil, AST=nil,
// Title="" (see ClearedAIState).
type AIFilterState struct {
	Enabled        bool          `json:"enabled"`
	SavedSegmentID *SegmentID    `json:"savedSegmentId"`
	AST            *segment.Root `json:"ast"`
	Title          string        `json:"title" validate:"max=200"`
}

// ClearedAIState returns the explicit empty AI block written by clear.
func ClearedAIState() AIFilterState {
	return AIFilterState{}
}

// FilterConfig is the per-event persisted filter document.
type FilterConfig struct {
	Manual ManualFilterState `json:"manual"`
	AI     AIFilterState     `json:"ai"`
}

// DefaultFilterConfig is returned for events that never saved a document.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Manual: ManualFilterState{Filters: []MinimalFilter{}},
		AI:     ClearedAIState(),
	}
}

// FilterConfigPatch is a partial write. Top-level keys are independent:
// a nil key leaves the stored value untouched.
type FilterConfigPatch struct {
	Manual *ManualFilterState `json:"manual,omitempty"`
	AI     *AIFilterState     `json:"ai,omitempty"`
}

// Apply merges the patch into cfg (last write wins per top-level key).
func (p FilterConfigPatch) Apply(cfg FilterConfig) FilterConfig {
	if p.Manual != nil {
		cfg.Manual = *p.Manual
		if cfg.Manual.Filters == nil {
			cfg.Manual.Filters = []MinimalFilter{}
		}
	}
	if p.AI != nil {
		cfg.AI = *p.AI
	}
	return cfg
}

// Resource limits enforced at the gateway boundary.
const (
	// MaxPageSize bounds a single execution page.
	MaxPageSize = 500

	// MaxPromptLength bounds natural-language prompts.
	MaxPromptLength = 4000

	// MaxSavedSegments bounds how many saved segments are listed per event.
	MaxSavedSegments = 200

	// DefaultPageSize is used when a request carries no size.
	DefaultPageSize = 25
)
