package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rand/council/internal/budget"
	"github.com/rand/council/internal/council"
	"github.com/rand/council/internal/pipeline"
	"github.com/rand/council/internal/store"
	"github.com/zeebo/xxh3"
)

type healthResponse struct {
	Status       string         `json:"status"`
	Members      int            `json:"members"`
	OpenCircuits int            `json:"open_circuits"`
	Budget       *budget.Report `json:"budget,omitempty"`
}

// llmConfig is a caller supplied binding applied to every call of a turn.
type llmConfig struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
}

type messageRequest struct {
	Content     string               `json:"content"`
	CustomRoles []council.CustomRole `json:"custom_roles,omitempty"`
	LLMConfig   *llmConfig           `json:"llm_config,omitempty"`
}

type deleteResponse struct {
	Deleted string `json:"deleted"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	resp := healthResponse{Status: "ok", Members: len(s.orch.Roster().Members)}
	if s.breakers != nil {
		resp.OpenCircuits = s.breakers.Open()
	}
	if s.budget != nil {
		report := budget.NewReport(s.budget)
		resp.Budget = &report
		if budget.HasHardViolation(s.budget.CheckLimits()) {
			resp.Status = "budget_exhausted"
		}
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) *apiError {
	summaries, err := s.store.List(r.Context())
	if err != nil {
		return s.internalError("list conversations", err)
	}
	writeJSON(w, http.StatusOK, summaries)
	return nil
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) *apiError {
	conv, err := s.store.Create(r.Context(), store.NewID())
	if err != nil {
		return s.internalError("create conversation", err)
	}
	writeJSON(w, http.StatusOK, conv)
	return nil
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) *apiError {
	conv, apiErr := s.loadConversation(r)
	if apiErr != nil {
		return apiErr
	}

	body, err := json.Marshal(conv)
	if err != nil {
		return s.internalError("encode conversation", err)
	}
	etag := fmt.Sprintf(`"%016x"`, xxh3.Hash(body))
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(body, '\n'))
	return nil
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) *apiError {
	id := r.PathValue("id")
	if err := store.ValidateID(id); err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &apiError{Status: http.StatusNotFound, Message: "conversation not found"}
		}
		return s.internalError("delete conversation", err)
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: id})
	return nil
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) *apiError {
	var body messageRequest
	if apiErr := decodeJSON(w, r, &body); apiErr != nil {
		return apiErr
	}
	req, apiErr := toRequest(r.PathValue("id"), body)
	if apiErr != nil {
		return apiErr
	}

	turn, err := s.orch.Run(r.Context(), req)
	if err != nil {
		return s.turnError(err)
	}
	writeJSON(w, http.StatusOK, turn)
	return nil
}

// loadConversation resolves the {id} path value to an existing conversation.
func (s *Server) loadConversation(r *http.Request) (*council.Conversation, *apiError) {
	id := r.PathValue("id")
	if err := store.ValidateID(id); err != nil {
		return nil, &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	conv, err := s.store.Get(r.Context(), id)
	if err != nil {
		return nil, s.internalError("load conversation", err)
	}
	if conv == nil {
		return nil, &apiError{Status: http.StatusNotFound, Message: "conversation not found"}
	}
	return conv, nil
}

// toRequest validates a message body before a turn starts.
func toRequest(id string, body messageRequest) (pipeline.Request, *apiError) {
	if strings.TrimSpace(body.Content) == "" {
		return pipeline.Request{}, &apiError{Status: http.StatusBadRequest, Message: "message content required"}
	}
	req := pipeline.Request{
		ConversationID: id,
		Content:        body.Content,
		CustomRoles:    body.CustomRoles,
	}
	if body.LLMConfig != nil {
		kind, err := council.ParseProviderKind(body.LLMConfig.Provider)
		if err != nil {
			return pipeline.Request{}, &apiError{Status: http.StatusBadRequest, Message: err.Error()}
		}
		req.Override = &council.Binding{
			Provider:   kind,
			Model:      body.LLMConfig.Model,
			APIKey:     body.LLMConfig.APIKey,
			BaseURL:    body.LLMConfig.BaseURL,
			APIVersion: body.LLMConfig.APIVersion,
		}
		if err := req.Override.Validate(); err != nil {
			return pipeline.Request{}, &apiError{Status: http.StatusBadRequest, Message: err.Error()}
		}
	}
	return req, nil
}

func (s *Server) turnError(err error) *apiError {
	switch {
	case errors.Is(err, pipeline.ErrConversationNotFound):
		return &apiError{Status: http.StatusNotFound, Message: "conversation not found"}
	case errors.Is(err, pipeline.ErrEmptyMessage), errors.Is(err, pipeline.ErrInvalidRequest):
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	default:
		return s.internalError("council turn", err)
	}
}

func (s *Server) internalError(op string, err error) *apiError {
	s.logger.Error("Request failed", "op", op, "error", err)
	return &apiError{Status: http.StatusInternalServerError, Message: op + " failed"}
}
