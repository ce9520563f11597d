package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/query"
	"github.com/ritzau/mindmap/pkg/reclaim"
)

// badRequestError marks malformed request bodies
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return "bad request: " + e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &badRequestError{err: err}
}

// apiError is the JSON body of every error response
type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`

	// Set for the error kinds that carry them
	Position *int     `json:"position,omitempty"`
	Option   string   `json:"option,omitempty"`
	Edge     string   `json:"edge,omitempty"`
	Missing  []string `json:"missing,omitempty"`
}

// statusOf maps the error taxonomy onto HTTP status codes
func statusOf(err error) (int, apiError) {
	body := apiError{Type: "internal", Message: err.Error()}

	status := http.StatusInternalServerError
	var (
		syntaxErr  *query.SyntaxError
		optionsErr *model.InvalidOptionsError
		refErr     *model.ReferentialIntegrityError
		formatErr  *model.PersistenceFormatError
		badReq     *badRequestError
		tooLarge   *http.MaxBytesError
		chunkErr   *reclaim.ChunkError
	)
	switch {
	case errors.As(err, &syntaxErr):
		status, body.Type = http.StatusBadRequest, "syntax"
		pos := syntaxErr.Pos
		body.Position = &pos
	case errors.As(err, &optionsErr):
		status, body.Type = http.StatusBadRequest, "invalid_options"
		body.Option = optionsErr.Option
	case errors.As(err, &tooLarge):
		status, body.Type = http.StatusRequestEntityTooLarge, "too_large"
	case errors.As(err, &badReq):
		status, body.Type = http.StatusBadRequest, "bad_request"
	case errors.Is(err, model.ErrNotFound):
		status, body.Type = http.StatusNotFound, "not_found"
	case errors.As(err, &refErr):
		status, body.Type = http.StatusConflict, "referential_integrity"
		body.Edge = refErr.Edge.String()
		body.Missing = refErr.Missing
	case errors.Is(err, model.ErrInvalidEntity):
		status, body.Type = http.StatusUnprocessableEntity, "invalid_entity"
	case errors.As(err, &formatErr):
		status, body.Type = http.StatusUnprocessableEntity, "persistence_format"
	case errors.Is(err, reclaim.ErrNoMaterializer):
		status, body.Type = http.StatusNotImplemented, "no_materializer"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, body.Type = http.StatusServiceUnavailable, "canceled"
	case errors.As(err, &chunkErr):
		body.Type = "chunk_failed"
	}
	return status, body
}

func errorBody(err error) apiError {
	_, body := statusOf(err)
	return body
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusOf(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	} else {
		logging.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "type", body.Type, "error", err)
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("failed to write response", "error", err)
	}
}

// decodeBody decodes a JSON request body into v
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return badRequest(errors.New("empty body"))
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return badRequest(fmt.Errorf("decode body: %w", err))
	}
	return nil
}
