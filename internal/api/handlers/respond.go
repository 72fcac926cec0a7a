package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/markdave123-py/docbot/internal/apperr"
	middleware "github.com/markdave123-py/docbot/internal/api/middlewares"
	"github.com/markdave123-py/docbot/pkg/logger"
)

var log = logger.NewLogger("http")

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode response failed", "error", err)
	}
}

// writeError maps an error's kind onto a status code. Internal errors are
// logged and replaced by a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if kind == apperr.Internal || kind == apperr.Upstream {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if d := apperr.RetryAfterOf(err); d > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}
	code := apperr.CodeOf(err)
	if code == "" {
		code = kind.String()
	}
	writeJSON(w, status, errorBody{Error: apperr.PublicMessage(err), Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Validationf("invalid request body")
	}
	return nil
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"})
	}
	return id, ok
}
