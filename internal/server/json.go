package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, err *apiError) {
	if err == nil {
		return
	}
	code := err.Code
	if code == "" {
		code = errorCodeForStatus(err.Status)
	}
	writeJSON(w, err.Status, errorResponse{
		Message: err.Message,
		Error:   err.Message,
		Code:    code,
	})
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) *apiError {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return &apiError{Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
		case errors.Is(err, io.EOF):
			return &apiError{Status: http.StatusBadRequest, Message: "request body required"}
		default:
			return &apiError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid request body: %v", err)}
		}
	}
	return nil
}
