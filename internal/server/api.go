package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
)

// maxBodyBytes caps request bodies. The API only accepts tiny JSON.
const maxBodyBytes = 4 << 10

type api struct {
	engine    Syncer
	conflicts Conflicts
	logger    *slog.Logger
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status     models.SyncStatus        `json:"status"`
	Provider   models.Provider          `json:"provider"`
	Settings   models.CloudSyncSettings `json:"settings"`
	LastError  string                   `json:"last_error,omitempty"`
	LastResult *models.SyncResult       `json:"last_result,omitempty"`
}

// ConnectRequest is the optional body of POST /api/connect.
type ConnectRequest struct {
	Provider string `json:"provider,omitempty"`
}

// ConnectResponse is returned by POST /api/connect.
type ConnectResponse struct {
	Connected bool              `json:"connected"`
	Provider  models.Provider   `json:"provider"`
	Status    models.SyncStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) statusSnapshot() StatusResponse {
	resp := StatusResponse{
		Status:     a.engine.Status(),
		Provider:   a.engine.Provider(),
		Settings:   a.engine.Settings(),
		LastResult: a.engine.LastResult(),
	}

	if resp.Status == models.StatusError {
		if err := a.engine.LastError(); err != nil {
			resp.LastError = err.Error()
		}
	}

	return resp
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.statusSnapshot())
}

// handleSync runs a cycle and returns its result. With ?wait=false the
// cycle is only queued on the run loop and 202 is returned. The cycle is
// detached from the request so a dropped client does not abort it.
func (a *api) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "false" {
		a.engine.Trigger()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	result := a.engine.Sync(context.WithoutCancel(r.Context()))

	status := http.StatusOK
	if result.SessionID == "" {
		status = rejectionStatus(result.ErrorMessage)
	}

	writeJSON(w, status, result)
}

func rejectionStatus(msg string) int {
	switch msg {
	case syncerr.ErrSyncInProgress.Error():
		return http.StatusConflict
	case syncerr.ErrNotConnected.Error(), syncerr.ErrSyncDisabled.Error():
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest

	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	provider := a.engine.Settings().Provider
	if req.Provider != "" {
		p, err := models.ParseProvider(req.Provider)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		provider = p
	}

	if provider == "" || provider == models.ProviderNone {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no provider configured"})
		return
	}

	ok := a.engine.Connect(context.WithoutCancel(r.Context()), provider)

	resp := ConnectResponse{Connected: ok, Provider: provider, Status: a.engine.Status()}
	code := http.StatusOK

	if !ok {
		switch resp.Status {
		case models.StatusConnecting, models.StatusSyncing:
			code = http.StatusConflict
			resp.Error = syncerr.ErrConnectInProgress.Error()
		default:
			code = http.StatusBadGateway
			resp.Error = syncerr.ErrAuthentication.Error()

			if err := a.engine.LastError(); err != nil {
				resp.Error = err.Error()
			}
		}
	}

	a.logger.Info("connect requested",
		slog.String("provider", string(provider)),
		slog.Bool("connected", ok),
	)

	writeJSON(w, code, resp)
}

func (a *api) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	a.engine.Disconnect(r.Context())
	a.logger.Info("disconnect requested")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
