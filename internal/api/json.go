package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps the error taxonomy to a status. Anything unmapped is
// logged and reported as an internal error.
func writeError(w http.ResponseWriter, op string, err error) {
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody(ve.Error()))
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody("already exists"))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrTxConflict):
		writeJSON(w, http.StatusConflict, errorBody("transaction conflict, try again"))
	case errors.Is(err, apperr.ErrIndexLocked):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorBody("index is being rebuilt"))
	case errors.Is(err, apperr.ErrSchemaMismatch):
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// rebuildFailure is the body of a rebuild that aborted after clearing the
// index. Report holds what the run got through.
type rebuildFailure struct {
	Error  string                `json:"error"`
	Report *models.RebuildReport `json:"report"`
}

// writeRebuildError reports an aborted rebuild together with its partial
// report. Failures before any work started go through writeError.
func writeRebuildError(w http.ResponseWriter, rep *models.RebuildReport, err error) {
	if rep == nil {
		writeError(w, "rebuild", err)
		return
	}
	slog.Error("rebuild aborted", slog.String("run_id", rep.RunID), slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, rebuildFailure{Error: err.Error(), Report: rep})
}
