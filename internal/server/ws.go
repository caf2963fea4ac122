package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	councillog "github.com/rand/council/internal/log"
	"github.com/rand/council/internal/pipeline"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 4096
	wsWriteTimeout    = 10 * time.Second
	wsRequestTimeout  = 30 * time.Second
)

func (s *Server) upgradeWebSocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, s.config.AllowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

// handleWebSocket runs one turn per connection: the client sends a message
// request, the server streams every event and closes after the terminal one.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := s.upgradeWebSocket(w, r)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "conversation", id, "error", err)
		return
	}
	defer conn.Close()

	var body messageRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestTimeout))
	if err := conn.ReadJSON(&body); err != nil {
		s.closeWS(conn, http.StatusBadRequest, "invalid message request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, apiErr := toRequest(id, body)
	if apiErr != nil {
		s.closeWS(conn, apiErr.Status, apiErr.Message)
		return
	}
	if _, apiErr := s.loadConversation(r); apiErr != nil {
		s.closeWS(conn, apiErr.Status, apiErr.Message)
		return
	}

	// The reader notices the client going away and stops delivery.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer councillog.RecoverPanic("websocket reader", cancel)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for event := range s.orch.Stream(ctx, req) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			s.logger.Debug("Websocket client gone", "conversation", id, "error", err)
			cancel()
			continue
		}
		if event.Type.Terminal() {
			closeCode := websocket.CloseNormalClosure
			if event.Type == pipeline.EventError {
				closeCode = websocket.CloseInternalServerErr
			}
			deadline := time.Now().Add(wsWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, string(event.Type)), deadline)
		}
	}
}

// closeWS sends an error event and a close frame for a request that never
// started a turn.
func (s *Server) closeWS(conn *websocket.Conn, status int, message string) {
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(pipeline.Event{Type: pipeline.EventError, Message: message})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCodeForStatus(status), truncateCloseReason(message)), deadline)
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

func truncateCloseReason(reason string) string {
	const maxReasonBytes = 123
	if len(reason) <= maxReasonBytes {
		return reason
	}
	return reason[:maxReasonBytes]
}
