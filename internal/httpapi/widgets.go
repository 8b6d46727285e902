package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/voicewidget/internal/widget"
)

func (s *Server) handleCreateWidgetConfig(w http.ResponseWriter, r *http.Request) {
	var req widget.CreateParams
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid config data")
		return
	}
	cfg, err := s.widgets.Create(r.Context(), req)
	if err != nil {
		s.respondWidgetError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleGetWidgetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.widgets.GetByAPIKey(r.Context(), chi.URLParam(r, "apiKey"))
	if err != nil {
		s.respondWidgetError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

type demoConfigResponse struct {
	AgentID      string            `json:"agentId"`
	Position     widget.Position   `json:"position"`
	PrimaryColor string            `json:"primaryColor"`
	ButtonSize   widget.ButtonSize `json:"buttonSize"`
}

// handleDemoConfig returns public widget defaults. The provider credential
// stays on the server.
func (s *Server) handleDemoConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, demoConfigResponse{
		AgentID:      s.cfg.RetellAgentID,
		Position:     widget.Position(s.cfg.WidgetPosition),
		PrimaryColor: s.cfg.WidgetPrimaryColor,
		ButtonSize:   widget.ButtonSize(s.cfg.WidgetButtonSize),
	})
}

func (s *Server) respondWidgetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, widget.ErrNotFound):
		respondError(w, http.StatusNotFound, "config_not_found", "widget config not found")
	case errors.Is(err, widget.ErrAPIKeyRequired),
		errors.Is(err, widget.ErrAgentIDRequired),
		errors.Is(err, widget.ErrInvalidPosition),
		errors.Is(err, widget.ErrInvalidSize):
		respondError(w, http.StatusBadRequest, "invalid_config", err.Error())
	default:
		s.log.Error().Err(err).Msg("widget store failure")
		respondError(w, http.StatusInternalServerError, "internal", "widget store unavailable")
	}
}
