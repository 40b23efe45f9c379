package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/generate"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// contextSegments bounds how many saved titles are offered to the model.
const contextSegments = 20

// runRequest is itself a root document: "filter" holds the node.
type runRequest struct {
	Filter     json.RawMessage   `json:"filter"`
	Pagination *types.Pagination `json:"pagination,omitempty"`
	Debug      bool              `json:"debug,omitempty"`
}

// runSegment sanitizes and validates the filter, then forwards it upstream.
func (s *Service) runSegment(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSONBody(r, s.maxBody, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	root := segment.ParseRoot(req.Filter)
	if err := checkFilter("filter", root); err != nil {
		s.writeError(w, r, err)
		return
	}

	results, err := s.execute(r.Context(), eventIDParam(r), root, client.RunOptions{Pagination: req.Pagination, Debug: req.Debug})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Service) execute(ctx context.Context, eventID types.EventID, root segment.Root, opts client.RunOptions) (types.SegmentResults, error) {
	if s.upstream == nil {
		return types.SegmentResults{}, fmt.Errorf("segment execution: %w", errNotConfigured)
	}
	if opts.Pagination == nil {
		opts.Pagination = &types.Pagination{Size: types.DefaultPageSize}
	}
	start := time.Now()
	results, err := s.upstream.RunSegment(ctx, eventID, root, opts)
	s.metrics.upstreamLatency.Observe(time.Since(start).Seconds())
	return results, err
}

type generateRequest struct {
	Prompt         string            `json:"prompt" validate:"max=4000"`
	Temperature    *float32          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	IncludeContext bool              `json:"includeContext"`
	Debug          bool              `json:"debug,omitempty"`
	Pagination     *types.Pagination `json:"pagination,omitempty"`
}

type generateResponse struct {
	Segment segment.Root         `json:"segment"`
	Results types.SegmentResults `json:"results"`
}

// generateSegment turns a prompt into a filter and runs it. Nothing is
// persisted here; saving is the caller's decision.
func (s *Service) generateSegment(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSONBody(r, s.maxBody, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		s.writeError(w, r, &types.EmptyPromptError{})
		return
	}
	if err := s.check(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.gen == nil {
		s.writeError(w, r, fmt.Errorf("segment generation: %w", errNotConfigured))
		return
	}

	ctx := r.Context()
	eventID := eventIDParam(r)
	genReq := generate.Request{Prompt: req.Prompt, Temperature: req.Temperature}
	if req.IncludeContext {
		genReq.Context = s.generationContext(ctx, eventID)
	}

	root, err := s.gen.Generate(ctx, genReq)
	if err != nil {
		s.metrics.generations.WithLabelValues("model_error").Inc()
		s.writeError(w, r, err)
		return
	}

	results, err := s.execute(ctx, eventID, root, client.RunOptions{Pagination: req.Pagination, Debug: req.Debug})
	if err != nil {
		s.metrics.generations.WithLabelValues("run_error").Inc()
		s.writeError(w, r, err)
		return
	}
	s.metrics.generations.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, generateResponse{Segment: root, Results: results})
}

// generationContext gives the model today's date and the event's saved
// segment titles. Failures only shrink the context.
func (s *Service) generationContext(ctx context.Context, eventID types.EventID) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s.", s.now().UTC().Format("2006-01-02"))

	saved, err := s.repo.ListSavedSegments(ctx, eventID)
	if err != nil {
		s.logger.Warn("saved segments unavailable for generation context", zap.String("event_id", string(eventID)), zap.Error(err))
		return b.String()
	}
	n := 0
	for _, seg := range saved {
		if seg.Title == "" {
			continue
		}
		if n == 0 {
			b.WriteString("\nExisting saved segments:")
		}
		fmt.Fprintf(&b, "\n- %s: %s", seg.Title, segment.Describe(seg.AST))
		n++
		if n == contextSegments {
			break
		}
	}
	return b.String()
}
