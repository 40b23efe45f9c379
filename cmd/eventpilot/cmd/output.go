package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/engine"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// stateView is the printable form of an engine snapshot.
type stateView struct {
	EventID        string           `json:"eventId" yaml:"eventId"`
	Hydration      string           `json:"hydration" yaml:"hydration"`
	UsingAI        bool             `json:"usingAi" yaml:"usingAi"`
	Title          string           `json:"title,omitempty" yaml:"title,omitempty"`
	CurrentSavedID string           `json:"currentSavedId,omitempty" yaml:"currentSavedId,omitempty"`
	LastPrompt     string           `json:"lastPrompt,omitempty" yaml:"lastPrompt,omitempty"`
	Filter         string           `json:"filter,omitempty" yaml:"filter,omitempty"`
	Total          int              `json:"total" yaml:"total"`
	Pagination     types.Pagination `json:"pagination" yaml:"pagination"`
	Rows           []any            `json:"rows,omitempty" yaml:"rows,omitempty"`
}

// savedView is the printable form of a saved segment.
type savedView struct {
	ID       string     `json:"id" yaml:"id"`
	Title    string     `json:"title" yaml:"title"`
	Prompt   string     `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Filter   string     `json:"filter" yaml:"filter"`
	Favorite bool       `json:"favorite" yaml:"favorite"`
	LastUsed *time.Time `json:"lastUsed,omitempty" yaml:"lastUsed,omitempty"`
}

func newStateView(snap engine.Snapshot, rows []types.Row) stateView {
	v := stateView{
		EventID:    string(snap.EventID),
		Hydration:  snap.Hydration.String(),
		UsingAI:    snap.UsingAI(),
		LastPrompt: snap.LastPrompt,
		Pagination: snap.Pagination,
	}
	if snap.HasActiveAI() {
		v.Title = snap.AITitle()
	}
	if snap.CurrentSavedID != nil {
		v.CurrentSavedID = string(*snap.CurrentSavedID)
	}
	if snap.LastAST != nil {
		v.Filter = segment.Describe(*snap.LastAST)
	}
	if snap.Results != nil {
		v.Total = snap.Results.Total
		if snap.Results.Pagination != nil {
			v.Pagination = *snap.Results.Pagination
		}
		if rows == nil {
			rows = snap.Results.CRMPersons
		}
	}
	v.Rows = decodeRows(rows)
	return v
}

func newSavedViews(list []types.SavedSegment) []savedView {
	out := make([]savedView, 0, len(list))
	for _, s := range list {
		out = append(out, newSavedView(s))
	}
	return out
}

func newSavedView(s types.SavedSegment) savedView {
	return savedView{
		ID:       string(s.ID),
		Title:    s.Title,
		Prompt:   s.Prompt,
		Filter:   segment.Describe(s.AST),
		Favorite: s.Favorite,
		LastUsed: s.LastUsed,
	}
}

// decodeRows turns raw contact records into plain values so both encoders
// render them as objects.
func decodeRows(rows []types.Row) []any {
	if len(rows) == 0 {
		return nil
	}
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		var v any
		if err := json.Unmarshal(r, &v); err != nil {
			v = string(r)
		}
		out = append(out, v)
	}
	return out
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (expected yaml or json)", format)
	}
}
