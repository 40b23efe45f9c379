package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// PromptMode tells the surface which dialog to show.
type PromptMode string

const (
	PromptGenerate PromptMode = "generate"
	PromptRefine   PromptMode = "refine"
)

// PromptRequest is what the surface is opened with.
type PromptRequest struct {
	Mode   PromptMode
	Prompt string
	Title  string
}

// PromptResult is what the surface collected. An empty Title on a generate
// asks for a suggested one.
type PromptResult struct {
	Prompt         string
	Title          string
	Temperature    *float32
	IncludeContext bool
	Debug          bool
}

// PromptSurface collects a prompt from the user. Return
// types.ErrPromptCancelled when the user dismisses it.
type PromptSurface interface {
	Collect(ctx context.Context, req PromptRequest) (PromptResult, error)
}

// ErrNoPromptSurface is returned by OpenPrompt and OpenRefine when the engine
// was built without WithPromptSurface.
var ErrNoPromptSurface = errors.New("no prompt surface configured")

// CanonicalPrompt is the form prompts are sent, stored and compared in:
// NFC normalized, trimmed, internal whitespace runs collapsed to one space.
func CanonicalPrompt(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// SamePrompt compares two prompts in canonical form.
func SamePrompt(a, b string) bool {
	return CanonicalPrompt(a) == CanonicalPrompt(b)
}

// OpenPrompt opens the surface for a new generation and runs it on completion.
func (e *Engine) OpenPrompt(ctx context.Context, defaults PromptRequest) error {
	if e.surface == nil {
		return ErrNoPromptSurface
	}
	defaults.Mode = PromptGenerate
	res, err := e.surface.Collect(ctx, defaults)
	if err != nil {
		return err
	}
	return e.Generate(ctx, res)
}

// OpenRefine opens the surface prefilled with the active prompt and title.
func (e *Engine) OpenRefine(ctx context.Context) error {
	if e.surface == nil {
		return ErrNoPromptSurface
	}
	snap := e.Snapshot()
	title := snap.SavedTitle
	if title == "" {
		title = snap.PersistedTitle
	}
	res, err := e.surface.Collect(ctx, PromptRequest{Mode: PromptRefine, Prompt: snap.LastPrompt, Title: title})
	if err != nil {
		return err
	}
	return e.Refine(ctx, res)
}

// Generate produces a new segment from a prompt, saves it and applies it.
// Any execution failure aborts before state changes. Title suggestion
// failure is logged and the segment is saved untitled.
func (e *Engine) Generate(ctx context.Context, req PromptResult) error {
	e.mu.Lock()
	epoch := e.epoch
	e.mu.Unlock()
	return e.generate(ctx, epoch, req, nil)
}

// Refine re-runs the active segment with an edited prompt. When the prompt
// is unchanged in canonical form only the saved segment's title is updated;
// nothing is generated or executed.
func (e *Engine) Refine(ctx context.Context, req PromptResult) error {
	e.mu.Lock()
	snap, epoch := e.state, e.epoch
	e.mu.Unlock()

	if !SamePrompt(req.Prompt, snap.LastPrompt) {
		return e.generate(ctx, epoch, req, snap.CurrentSavedID)
	}

	if snap.CurrentSavedID == nil {
		return types.ErrNoSavedSegment
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return &types.ValidationError{Field: "title", Err: errors.New("title is required")}
	}
	id := *snap.CurrentSavedID
	updated, err := e.exec.UpdateSavedSegment(ctx, snap.EventID, id, types.SavedSegmentPatch{Title: &title})
	if err != nil {
		return fmt.Errorf("rename saved segment: %w", err)
	}
	e.upsertSaved(epoch, updated)
	return e.apply(ctx, epoch, ApplyInput{Title: &title})
}

// generate runs the generate flow. A non-nil existing updates that saved
// segment instead of creating a new one.
func (e *Engine) generate(ctx context.Context, epoch uint64, req PromptResult, existing *types.SegmentID) error {
	prompt := CanonicalPrompt(req.Prompt)
	if prompt == "" {
		return &types.EmptyPromptError{}
	}

	e.mu.Lock()
	eventID, page := e.state.EventID, e.state.Pagination
	e.mu.Unlock()

	gen, err := e.exec.GenerateSegment(ctx, eventID, prompt, client.GenerateOptions{
		Temperature:    req.Temperature,
		IncludeContext: req.IncludeContext,
		Debug:          req.Debug,
		Pagination:     &page,
	})
	if err != nil {
		return fmt.Errorf("generate segment: %w", err)
	}
	ast := gen.Segment

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = e.suggestTitle(ctx, eventID, prompt, gen)
	}

	var saved types.SavedSegment
	if existing != nil {
		patch := types.SavedSegmentPatch{Prompt: &prompt, AST: &ast}
		if title != "" {
			patch.Title = &title
		}
		saved, err = e.exec.UpdateSavedSegment(ctx, eventID, *existing, patch)
	} else {
		saved, err = e.exec.CreateSavedSegment(ctx, eventID, types.NewSavedSegment{Title: title, Prompt: prompt, AST: ast})
	}
	if err != nil {
		return fmt.Errorf("save segment: %w", err)
	}
	e.upsertSaved(epoch, saved)

	if title == "" {
		title = saved.Title
	}
	results := gen.Results
	id := saved.ID
	return e.apply(ctx, epoch, ApplyInput{
		Results:        &results,
		SavedSegmentID: &id,
		AST:            &ast,
		Title:          &title,
		Prompt:         &prompt,
	})
}

func (e *Engine) suggestTitle(ctx context.Context, eventID types.EventID, prompt string, gen client.Generated) string {
	title, err := e.exec.SuggestTitle(ctx, eventID, prompt, gen.Segment)
	if err != nil {
		e.logger.Warn("title suggestion failed", zap.String("event_id", string(eventID)), zap.Error(err))
		return ""
	}
	return title
}
