package api

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// maxFallbackTitle bounds described titles.
const maxFallbackTitle = 80

type savedListResponse struct {
	SavedSegments []types.SavedSegment `json:"savedSegments"`
}

type savedResponse struct {
	SavedSegment types.SavedSegment `json:"savedSegment"`
}

func (s *Service) listSavedSegments(w http.ResponseWriter, r *http.Request) {
	list, err := s.repo.ListSavedSegments(r.Context(), eventIDParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []types.SavedSegment{}
	}
	writeJSON(w, http.StatusOK, savedListResponse{SavedSegments: list})
}

func (s *Service) createSavedSegment(w http.ResponseWriter, r *http.Request) {
	var in types.NewSavedSegment
	if err := decodeJSONBody(r, s.maxBody, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Prompt = strings.TrimSpace(in.Prompt)
	if err := s.check(in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := checkFilter("ast", in.AST); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.repo.CreateSavedSegment(r.Context(), eventIDParam(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, savedResponse{SavedSegment: created})
}

func (s *Service) updateSavedSegment(w http.ResponseWriter, r *http.Request) {
	var patch types.SavedSegmentPatch
	if err := decodeJSONBody(r, s.maxBody, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if patch.Title != nil {
		t := strings.TrimSpace(*patch.Title)
		patch.Title = &t
	}
	if err := s.check(patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if patch.AST != nil {
		if err := checkFilter("ast", *patch.AST); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	id := types.SegmentID(chi.URLParam(r, "segmentID"))
	updated, err := s.repo.UpdateSavedSegment(r.Context(), eventIDParam(r), id, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, savedResponse{SavedSegment: updated})
}

type suggestTitleRequest struct {
	Prompt string       `json:"prompt" validate:"max=4000"`
	AST    segment.Root `json:"ast"`
}

type suggestTitleResponse struct {
	Title string `json:"title"`
}

// suggestTitle asks the model for a title and falls back to a described
// title when the model is unavailable or fails.
func (s *Service) suggestTitle(w http.ResponseWriter, r *http.Request) {
	var req suggestTitleRequest
	if err := decodeJSONBody(r, s.maxBody, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := checkFilter("ast", req.AST); err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.gen != nil {
		title, err := s.gen.SuggestTitle(r.Context(), strings.TrimSpace(req.Prompt), req.AST)
		if err == nil && title != "" {
			writeJSON(w, http.StatusOK, suggestTitleResponse{Title: title})
			return
		}
		s.logger.Warn("title suggestion failed, describing instead", zap.Error(err))
	}
	s.metrics.titleFallbacks.Inc()
	writeJSON(w, http.StatusOK, suggestTitleResponse{Title: describedTitle(req.AST)})
}

func describedTitle(root segment.Root) string {
	title := segment.Describe(root)
	if utf8.RuneCountInString(title) > maxFallbackTitle {
		title = strings.TrimSpace(string([]rune(title)[:maxFallbackTitle-1])) + "…"
	}
	return title
}
