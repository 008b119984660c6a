package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/notesync/internal/auth"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventBuffer is how many events may queue for one client before it is
// dropped as too slow.
const eventBuffer = 64

const writeTimeout = 10 * time.Second

// Event is one message on the /api/events stream. Exactly one of
// Progress and Status is set, matching Type.
type Event struct {
	Type     string               `json:"type"`
	Progress *models.SyncProgress `json:"progress,omitempty"`
	Status   *models.SyncStatus   `json:"status,omitempty"`
}

// handleEvents streams progress and status changes over a websocket.
// The first message is the current status. A client that falls
// eventBuffer events behind is disconnected so it cannot stall a cycle.
func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	logger := a.logger.With(
		slog.String("user", auth.RequestUserID(r.Context())),
		slog.String("remote_addr", auth.RequestRemoteIP(r.Context())),
	)

	// Read side only handles control frames; ctx ends when the peer goes.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var slow atomic.Bool

	events := make(chan Event, eventBuffer)
	push := func(ev Event) {
		select {
		case events <- ev:
		default:
			slow.Store(true)
			cancel()
		}
	}

	unsubStatus := a.engine.OnStatusChange(func(s models.SyncStatus) {
		push(Event{Type: "status", Status: &s})
	})
	defer unsubStatus()

	unsubProgress := a.engine.OnProgress(func(p models.SyncProgress) {
		push(Event{Type: "progress", Progress: &p})
	})
	defer unsubProgress()

	logger.Debug("event stream opened")

	status := a.engine.Status()
	if err := a.write(ctx, conn, Event{Type: "status", Status: &status}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			if slow.Load() {
				logger.Warn("dropping slow event client")
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
			}

			logger.Debug("event stream closed")

			return
		case ev := <-events:
			if err := a.write(ctx, conn, ev); err != nil {
				logger.Debug("event write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (a *api) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, ev)
}
