package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// DefaultStreamInterval is how often the job stream pushes a status snapshot.
const DefaultStreamInterval = time.Second

const streamWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// NewJobStreamHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/stream.
// It upgrades to a websocket and pushes the status view every interval until
// the job reaches a terminal status, then closes normally. Visibility is
// checked before the upgrade so an unknown job is a plain 404.
func NewJobStreamHandler(svc JobService, interval time.Duration) http.HandlerFunc {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorOrReject(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		view, err := svc.Status(r.Context(), actor, jobID)
		if err != nil {
			writeJobError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			slog.Warn("job stream upgrade failed", "job_id", jobID, "error", err)
			return
		}
		defer conn.Close()

		// Drain client frames so close and ping control messages are handled.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(toStatusResponse(view)); err != nil {
				slog.Debug("job stream client went away", "job_id", jobID, "error", err)
				return
			}
			if models.IsTerminalStatus(view.Status) {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, view.Status)
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
				return
			}

			select {
			case <-r.Context().Done():
				return
			case <-gone:
				return
			case <-ticker.C:
			}

			view, err = svc.Status(r.Context(), actor, jobID)
			if err != nil {
				slog.Warn("job stream status failed", "job_id", jobID, "error", err)
				msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "status unavailable")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
				return
			}
		}
	}
}
