package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

const sseHeartbeatInterval = 15 * time.Second

var errSSENoFlusher = errors.New("sse response writer does not support flushing")

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

func startSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errSSENoFlusher
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", cacheControlNoStore)
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher.Flush()
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (writer *sseWriter) WriteComment(comment string) error {
	if _, err := io.WriteString(writer.writer, ": "+strings.TrimSpace(comment)+"\n\n"); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

// WriteEvent writes payload as one unnamed `data:` frame.
func (writer *sseWriter) WriteEvent(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := writeSSEData(writer.writer, data); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

func writeSSEData(writer io.Writer, data []byte) error {
	if len(data) == 0 {
		_, err := io.WriteString(writer, "data:\n\n")
		return err
	}

	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := io.WriteString(writer, "data: "); err != nil {
			return err
		}
		if _, err := writer.Write(line); err != nil {
			return err
		}
		if _, err := io.WriteString(writer, "\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(writer, "\n")
	return err
}

// handleStreamMessage validates the request up front so a missing
// conversation or empty message is an HTTP error, then streams the turn.
// Returning cancels the request context, which stops event delivery; the
// turn itself still finishes.
func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	var body messageRequest
	if apiErr := decodeJSON(w, r, &body); apiErr != nil {
		writeJSONError(w, apiErr)
		return
	}
	req, apiErr := toRequest(r.PathValue("id"), body)
	if apiErr != nil {
		writeJSONError(w, apiErr)
		return
	}
	if _, apiErr := s.loadConversation(r); apiErr != nil {
		writeJSONError(w, apiErr)
		return
	}

	writer, err := startSSEWriter(w)
	if err != nil {
		writeJSONError(w, s.internalError("start event stream", err))
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	events := s.orch.Stream(r.Context(), req)
	for {
		select {
		case <-heartbeat.C:
			if err := writer.WriteComment("ping"); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteEvent(event); err != nil {
				s.logger.Debug("Event stream client gone", "conversation", req.ConversationID, "error", err)
				return
			}
		}
	}
}
