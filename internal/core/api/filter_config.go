package api

import (
	"net/http"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

type filterConfigResponse struct {
	Config types.FilterConfig `json:"config"`
}

// getFilterConfig returns the stored document or the default document.
func (s *Service) getFilterConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.repo.GetFilterConfig(r.Context(), eventIDParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, filterConfigResponse{Config: cfg})
}

// putFilterConfig merges the present top-level keys and returns the merged
// document. manual and ai are written independently.
func (s *Service) putFilterConfig(w http.ResponseWriter, r *http.Request) {
	var patch types.FilterConfigPatch
	if err := decodeJSONBody(r, s.maxBody, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if ai := patch.AI; ai != nil {
		if ai.AST != nil {
			if err := checkFilter("ai.ast", *ai.AST); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		if ai.SavedSegmentID != nil {
			if _, err := types.ParseSegmentID(string(*ai.SavedSegmentID)); err != nil {
				s.writeError(w, r, &types.ValidationError{Field: "ai.savedSegmentId", Err: err})
				return
			}
		}
	}

	cfg, err := s.repo.PutFilterConfig(r.Context(), eventIDParam(r), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, filterConfigResponse{Config: cfg})
}
