package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/generate"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// Error mapping:
// Malformed bodies map to 400, as do blank prompts.
// Validation errors (payload or filter limits) map to 422.
// Missing saved segments map to 404.
// Upstream 4xx responses pass through, other upstream failures map to 502.
// Model output that fails validation maps to 502.
// Unconfigured collaborators map to 503.

var errNotConfigured = errors.New("not configured")

type errorBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}

// writeError maps err onto a status and a {"message"} body.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeMessage(w, status, msg)
}

func errorStatus(err error) (int, string) {
	var (
		badBody    *bodyError
		validation *types.ValidationError
		empty      *types.EmptyPromptError
		notFound   *types.NotFoundError
		upstream   *types.RequestError
	)
	switch {
	case errors.As(err, &badBody):
		return http.StatusBadRequest, badBody.Error()
	case errors.As(err, &empty):
		return http.StatusBadRequest, empty.Error()
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, validation.Error()
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	case errors.As(err, &upstream):
		if upstream.StatusCode >= 400 && upstream.StatusCode < 500 {
			return upstream.StatusCode, upstream.Message
		}
		return http.StatusBadGateway, upstream.Message
	case errors.Is(err, generate.ErrMalformedSegment), errors.Is(err, generate.ErrEmptyCompletion):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, errNotConfigured):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// bodyError is a request body that could not be read or decoded.
type bodyError struct {
	msg string
}

func (e *bodyError) Error() string { return e.msg }

// decodeJSONBody reads at most maxBytes and decodes exactly one JSON value
// into out, rejecting unknown top-level fields.
func decodeJSONBody(r *http.Request, maxBytes int64, out any) error {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return &bodyError{msg: fmt.Sprintf("read body: %v", err)}
	}
	if int64(len(data)) > maxBytes {
		return &bodyError{msg: "request body too large"}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &bodyError{msg: fmt.Sprintf("invalid json: %v", err)}
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return &bodyError{msg: "invalid json: multiple JSON values"}
	}
	return nil
}

// check runs struct tag validation and reports the first failing field.
func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		f := fields[0]
		rule := f.Tag()
		if f.Param() != "" {
			rule += "=" + f.Param()
		}
		// drop the top-level struct name
		field := f.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		return &types.ValidationError{Field: field, Err: fmt.Errorf("must satisfy %s", rule)}
	}
	return &types.ValidationError{Err: err}
}

// checkFilter applies segment limits to a sanitized root.
func checkFilter(field string, root segment.Root) error {
	if err := segment.Validate(root); err != nil {
		return &types.ValidationError{Field: field, Err: err}
	}
	return nil
}
