package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/notesync/internal/conflict"
	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
)

// ConflictsResponse is returned by GET /api/conflicts.
type ConflictsResponse struct {
	Conflicts []conflict.Pending `json:"conflicts"`
}

// DecideRequest is the body of POST /api/conflicts/{id}.
type DecideRequest struct {
	Resolution string `json:"resolution"`
}

func (a *api) handleListConflicts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ConflictsResponse{Conflicts: a.conflicts.List()})
}

// handleDecideConflict records a decision and queues a cycle to apply
// it. It answers 202 since the note only changes once that cycle runs.
func (a *api) handleDecideConflict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req DecideRequest

	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := models.ParseResolution(req.Resolution)
	if err == nil && res == models.ResolutionNone {
		err = errors.New("resolution must be keep_local, keep_remote or merge")
	}

	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := a.conflicts.Decide(id, res); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, syncerr.ErrNoPendingConflict) {
			code = http.StatusNotFound
		}

		writeJSON(w, code, errorResponse{Error: err.Error()})

		return
	}

	a.logger.Info("conflict decided",
		slog.String("note_id", id),
		slog.String("resolution", res.String()),
	)

	a.engine.Trigger()
	w.WriteHeader(http.StatusAccepted)
}
