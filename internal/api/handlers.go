package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/listsync/internal/form"
	"github.com/foxzi/listsync/internal/outbox"
	"github.com/foxzi/listsync/internal/page"
	"github.com/foxzi/listsync/internal/submission"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
	Outbox  *outbox.Stats `json:"outbox,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// ValidationResponse is the response for a form that failed validation
type ValidationResponse struct {
	Error  string      `json:"error"`
	Errors form.Errors `json:"errors"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	if s.outbox != nil {
		stats, err := s.outbox.Stats(r.Context())
		if err != nil {
			s.logger.Error("failed to get outbox stats", "error", err)
			resp.Status = "degraded"
		} else {
			resp.Outbox = stats
		}
	}

	sendJSON(w, http.StatusOK, resp)
}

// loadPage returns the page named by the {id} URL parameter or writes a 404
func (s *Server) loadPage(w http.ResponseWriter, r *http.Request) (*page.Page, bool) {
	id := chi.URLParam(r, "id")
	pg, err := s.pages.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get page", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get page")
		return nil, false
	}
	if pg == nil {
		sendError(w, http.StatusNotFound, "Page not found")
		return nil, false
	}
	return pg, true
}

// handleGetForm handles GET /pages/{id}
func (s *Server) handleGetForm(w http.ResponseWriter, r *http.Request) {
	pg, ok := s.loadPage(w, r)
	if !ok {
		return
	}

	schema, err := s.submissions.Schema(r.Context(), pg)
	if err != nil {
		s.sendSchemaError(w, pg, err)
		return
	}

	sendJSON(w, http.StatusOK, schema)
}

// handleSubmit handles POST /pages/{id}/submissions
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	pg, ok := s.loadPage(w, r)
	if !ok {
		return
	}

	values, err := parseValues(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !s.allowSubmission(w, r, pg) {
		return
	}

	result, err := s.submissions.Submit(r.Context(), pg, values)
	if err != nil {
		s.sendSchemaError(w, pg, err)
		return
	}

	if !result.Valid() {
		sendJSON(w, http.StatusUnprocessableEntity, ValidationResponse{
			Error:  "Invalid form data",
			Errors: result.Errors,
		})
		return
	}

	sendJSON(w, http.StatusOK, result)
}

func (s *Server) sendSchemaError(w http.ResponseWriter, pg *page.Page, err error) {
	if errors.Is(err, submission.ErrNoForm) {
		sendError(w, http.StatusNotFound, "Page not found")
		return
	}
	s.logger.Error("failed to process page form", "page_id", pg.ID, "error", err)
	sendError(w, http.StatusInternalServerError, "Failed to process form")
}

// parseValues reads submitted values from a JSON object or a form body.
// JSON arrays become repeated values and objects become "<name>-<key>"
// inputs, the way address parts are posted by HTML forms.
func parseValues(r *http.Request) (form.Values, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, err
		}
		return valuesFromJSON(raw), nil

	case "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return nil, err
		}
		return form.Values(r.PostForm), nil

	default:
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return form.Values(r.PostForm), nil
	}
}

func valuesFromJSON(raw map[string]any) form.Values {
	values := make(form.Values, len(raw))
	for key, v := range raw {
		switch x := v.(type) {
		case nil:
		case []any:
			for _, item := range x {
				if s, ok := scalarString(item); ok {
					values[key] = append(values[key], s)
				}
			}
			if values[key] == nil {
				values[key] = []string{}
			}
		case map[string]any:
			for part, pv := range x {
				if s, ok := scalarString(pv); ok {
					values[key+"-"+part] = []string{s}
				}
			}
		default:
			if s, ok := scalarString(x); ok {
				values[key] = []string{s}
			}
		}
	}
	return values
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}

// queryInt parses a bounded non-negative integer query parameter
func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func notFoundf(w http.ResponseWriter, format string, args ...any) {
	sendError(w, http.StatusNotFound, fmt.Sprintf(format, args...))
}
