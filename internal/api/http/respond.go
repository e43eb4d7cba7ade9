package http

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	auth "github.com/mind-engage/mindengage-cbt/internal/auth/middleware"
	"github.com/mind-engage/mindengage-cbt/internal/exam"
	"github.com/mind-engage/mindengage-cbt/internal/rbac"
)

type errorBody struct {
	Error  string            `json:"error"`
	Fields []exam.FieldError `json:"fields,omitempty"`
	Extra  map[string]any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps the engine's error taxonomy onto HTTP.
func statusOf(err error) int {
	var (
		ve *exam.ValidationError
		ae *exam.AuthorizationError
		pe *exam.PreconditionError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		return http.StatusForbidden
	case exam.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &pe):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWith(w, r, err, nil)
}

func writeErrorWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	status := statusOf(err)
	body := errorBody{Error: err.Error(), Extra: extra}
	var ve *exam.ValidationError
	if errors.As(err, &ve) {
		body.Fields = ve.Fields
	}
	if status == http.StatusInternalServerError {
		glog.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "bad json")
		return false
	}
	return true
}

// actorOf builds the caller from the identity JWTMiddleware put on the context.
func actorOf(r *http.Request) exam.Actor {
	return exam.Actor{
		ID:   auth.SubjectFromContext(r.Context()),
		Role: exam.Role(rbac.RoleFromContext(r.Context())),
	}
}
