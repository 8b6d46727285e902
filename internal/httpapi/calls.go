package httpapi

import (
	"net/http"
	"strings"
)

type createCallRequest struct {
	AgentID  string         `json:"agentId"`
	Metadata map[string]any `json:"metadata"`
}

type createCallResponse struct {
	CallID      string `json:"callId"`
	AccessToken string `json:"accessToken"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.AgentID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "agentId is required")
		return
	}
	call, err := s.relay.Provision(r.Context(), req.AgentID, req.Metadata)
	if err != nil {
		respondError(w, http.StatusBadGateway, "provider_error", "failed to create call")
		return
	}
	respondJSON(w, http.StatusOK, createCallResponse{CallID: call.CallID, AccessToken: call.AccessToken})
}

// webCallRequest carries an apiKey from older widget builds. It is accepted
// and ignored; upstream calls always use the server credential.
type webCallRequest struct {
	AgentID string `json:"agentId"`
	APIKey  string `json:"apiKey"`
}

type webCallResponse struct {
	AccessToken string `json:"accessToken"`
}

func (s *Server) handleCreateWebCall(w http.ResponseWriter, r *http.Request) {
	var req webCallRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.AgentID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "agentId is required")
		return
	}
	if req.APIKey != "" {
		s.log.Debug().Str("agent_id", req.AgentID).Msg("ignoring client supplied api key")
	}
	call, err := s.relay.Provision(r.Context(), req.AgentID, nil)
	if err != nil {
		respondError(w, http.StatusBadGateway, "provider_error", "failed to create web call")
		return
	}
	respondJSON(w, http.StatusOK, webCallResponse{AccessToken: call.AccessToken})
}
