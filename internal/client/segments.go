package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// RunOptions controls a segment execution.
type RunOptions struct {
	Pagination *types.Pagination
	Debug      bool
}

// runRequest shares the root document's "filter" key so the body is itself
// a valid root document.
type runRequest struct {
	Filter     segment.Node      `json:"filter"`
	Pagination *types.Pagination `json:"pagination,omitempty"`
	Debug      bool              `json:"debug,omitempty"`
}

// RunSegment executes a sanitized tree against the backend for eventID.
// The tree is checked against segment limits before sending.
func (c *Client) RunSegment(ctx context.Context, eventID types.EventID, root segment.Root, opts RunOptions) (types.SegmentResults, error) {
	const op = "run segment"
	if err := requireEvent(op, eventID); err != nil {
		return types.SegmentResults{}, err
	}
	if err := segment.Validate(root); err != nil {
		return types.SegmentResults{}, &types.ValidationError{Field: "filter", Err: err}
	}

	var out types.SegmentResults
	req := runRequest{Filter: root.Node(), Pagination: opts.Pagination, Debug: opts.Debug}
	if err := c.do(ctx, op, http.MethodPost, eventPath(eventID, "segments"), req, &out); err != nil {
		return types.SegmentResults{}, err
	}
	return normalizeResults(out, opts.Pagination), nil
}

// GenerateOptions controls prompt-to-segment generation.
type GenerateOptions struct {
	Temperature    *float32
	IncludeContext bool
	Debug          bool
	Pagination     *types.Pagination
}

// Generated is a generated tree plus the results of running it.
type Generated struct {
	Segment segment.Root         `json:"segment"`
	Results types.SegmentResults `json:"results"`
}

type generateRequest struct {
	Prompt         string            `json:"prompt"`
	Temperature    *float32          `json:"temperature,omitempty"`
	IncludeContext bool              `json:"includeContext"`
	Debug          bool              `json:"debug,omitempty"`
	Pagination     *types.Pagination `json:"pagination,omitempty"`
}

// GenerateSegment asks the generative backend for a tree matching prompt.
// Blank prompts fail with *types.EmptyPromptError without network I/O.
func (c *Client) GenerateSegment(ctx context.Context, eventID types.EventID, prompt string, opts GenerateOptions) (Generated, error) {
	const op = "generate segment"
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Generated{}, &types.EmptyPromptError{}
	}
	if err := requireEvent(op, eventID); err != nil {
		return Generated{}, err
	}

	req := generateRequest{
		Prompt:         prompt,
		Temperature:    opts.Temperature,
		IncludeContext: opts.IncludeContext,
		Debug:          opts.Debug,
		Pagination:     opts.Pagination,
	}
	var out Generated
	if err := c.do(ctx, op, http.MethodPost, eventPath(eventID, "segments", "generate"), req, &out); err != nil {
		return Generated{}, err
	}
	out.Results = normalizeResults(out.Results, opts.Pagination)
	return out, nil
}

// normalizeResults guarantees a non-nil row slice and echoes the requested
// pagination when the backend omitted it.
func normalizeResults(r types.SegmentResults, requested *types.Pagination) types.SegmentResults {
	if r.CRMPersons == nil {
		r.CRMPersons = []types.Row{}
	}
	if r.Pagination == nil && requested != nil {
		p := *requested
		r.Pagination = &p
	}
	return r
}

type savedListResponse struct {
	SavedSegments []types.SavedSegment `json:"savedSegments"`
}

type savedResponse struct {
	SavedSegment types.SavedSegment `json:"savedSegment"`
}

// ListSavedSegments returns the event's saved segments, most recent first as
// ordered by the backend.
func (c *Client) ListSavedSegments(ctx context.Context, eventID types.EventID) ([]types.SavedSegment, error) {
	const op = "list saved segments"
	if err := requireEvent(op, eventID); err != nil {
		return nil, err
	}
	var out savedListResponse
	if err := c.do(ctx, op, http.MethodGet, eventPath(eventID, "segments", "saved"), nil, &out); err != nil {
		return nil, err
	}
	if out.SavedSegments == nil {
		out.SavedSegments = []types.SavedSegment{}
	}
	return out.SavedSegments, nil
}

// CreateSavedSegment persists a new saved segment.
func (c *Client) CreateSavedSegment(ctx context.Context, eventID types.EventID, in types.NewSavedSegment) (types.SavedSegment, error) {
	const op = "create saved segment"
	if err := requireEvent(op, eventID); err != nil {
		return types.SavedSegment{}, err
	}
	if err := segment.Validate(in.AST); err != nil {
		return types.SavedSegment{}, &types.ValidationError{Field: "ast", Err: err}
	}
	var out savedResponse
	if err := c.do(ctx, op, http.MethodPost, eventPath(eventID, "segments", "saved"), in, &out); err != nil {
		return types.SavedSegment{}, err
	}
	return out.SavedSegment, nil
}

// UpdateSavedSegment applies patch to saved segment id.
func (c *Client) UpdateSavedSegment(ctx context.Context, eventID types.EventID, id types.SegmentID, patch types.SavedSegmentPatch) (types.SavedSegment, error) {
	const op = "update saved segment"
	if err := requireEvent(op, eventID); err != nil {
		return types.SavedSegment{}, err
	}
	if id == "" {
		return types.SavedSegment{}, &types.ValidationError{Field: "id", Err: types.ErrNoSavedSegment}
	}
	if patch.AST != nil {
		if err := segment.Validate(*patch.AST); err != nil {
			return types.SavedSegment{}, &types.ValidationError{Field: "ast", Err: err}
		}
	}
	var out savedResponse
	if err := c.do(ctx, op, http.MethodPatch, eventPath(eventID, "segments", "saved", string(id)), patch, &out); err != nil {
		return types.SavedSegment{}, err
	}
	return out.SavedSegment, nil
}

type suggestTitleRequest struct {
	Prompt string       `json:"prompt"`
	AST    segment.Root `json:"ast"`
}

type suggestTitleResponse struct {
	Title string `json:"title"`
}

// SuggestTitle asks the backend for a short title describing prompt and ast.
// Callers treat failure as non-fatal.
func (c *Client) SuggestTitle(ctx context.Context, eventID types.EventID, prompt string, ast segment.Root) (string, error) {
	const op = "suggest title"
	if err := requireEvent(op, eventID); err != nil {
		return "", err
	}
	var out suggestTitleResponse
	req := suggestTitleRequest{Prompt: strings.TrimSpace(prompt), AST: ast}
	if err := c.do(ctx, op, http.MethodPost, eventPath(eventID, "segments", "saved", "suggest-title"), req, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Title), nil
}

type filterConfigResponse struct {
	Config json.RawMessage `json:"config"`
}

// GetFilterConfig fetches the persisted filter document, or the default
// document when the event has none.
func (c *Client) GetFilterConfig(ctx context.Context, eventID types.EventID) (types.FilterConfig, error) {
	const op = "get filter config"
	if err := requireEvent(op, eventID); err != nil {
		return types.FilterConfig{}, err
	}
	var out filterConfigResponse
	if err := c.do(ctx, op, http.MethodGet, eventPath(eventID, "filter-config"), nil, &out); err != nil {
		return types.FilterConfig{}, err
	}
	return decodeConfig(out.Config)
}

// PutFilterConfig merges patch into the persisted document and returns the
// merged result.
func (c *Client) PutFilterConfig(ctx context.Context, eventID types.EventID, patch types.FilterConfigPatch) (types.FilterConfig, error) {
	const op = "put filter config"
	if err := requireEvent(op, eventID); err != nil {
		return types.FilterConfig{}, err
	}
	var out filterConfigResponse
	if err := c.do(ctx, op, http.MethodPut, eventPath(eventID, "filter-config"), patch, &out); err != nil {
		return types.FilterConfig{}, err
	}
	return decodeConfig(out.Config)
}

func decodeConfig(raw json.RawMessage) (types.FilterConfig, error) {
	cfg := types.DefaultFilterConfig()
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return types.FilterConfig{}, &types.RequestError{Op: "decode filter config", Message: "invalid filter config", Err: err}
	}
	if cfg.Manual.Filters == nil {
		cfg.Manual.Filters = []types.MinimalFilter{}
	}
	return cfg, nil
}
