package sessionHandler

import (
	"context"
	"errors"
	"time"

	"PersonDetection/internal/api/session"
	contextPkg "PersonDetection/pkg/context"
	"PersonDetection/pkg/response"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// StatusStream pushes a status snapshot on every change of the session and
// closes once it reaches a terminal state or is deleted.
func (h *SessionHandler) StatusStream(c *websocket.Conn) {
	sessionID := c.Params("session_id")
	requestID, _ := c.Locals("X-Request-ID").(string)
	ctx := contextPkg.WithSessionID(contextPkg.WithRequestID(context.Background(), requestID), sessionID)

	entry := h.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"session_id": sessionID,
	})

	updates, cancel, err := h.sessionService.Subscribe(ctx, sessionID)
	if err != nil {
		body := map[string]string{"error": err.Error()}
		var respErr *response.Error
		if errors.As(err, &respErr) {
			body["code"] = respErr.Slug
		}
		_ = c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = c.WriteJSON(body)
		h.closeStream(c, websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer cancel()

	entry.Debug("Status stream opened")
	defer entry.Debug("Status stream closed")

	// The reader only drains control frames and notices the client leaving.
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				h.closeStream(c, websocket.CloseNormalClosure, "session deleted")
				return
			}
			if err := c.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			if err := c.WriteJSON(session.NewStatusResponse(snapshot, false)); err != nil {
				entry.WithField("error", err.Error()).Debug("Failed to write status update")
				return
			}
			if snapshot.State.IsTerminal() {
				h.closeStream(c, websocket.CloseNormalClosure, string(snapshot.State))
				return
			}
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *SessionHandler) closeStream(c *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
