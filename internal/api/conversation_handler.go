package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/salesagent/internal/store"
)

type pauseRequest struct {
	// Indefinite leaves pausedAt empty so the resume sweep never lifts the pause
	Indefinite bool `json:"indefinite"`
}

// pauseConversation lets an operator take over. A running job notices at its pause guard.
func (s *Server) pauseConversation(c echo.Context) error {
	id := c.Param("id")
	var req pauseRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
		}
	}

	resp := map[string]any{"status": "paused", "indefinite": req.Indefinite}
	var err error
	if req.Indefinite {
		err = s.deps.Store.PauseConversation(c.Request().Context(), id, nil)
	} else {
		now := s.now()
		err = s.deps.Store.PauseConversation(c.Request().Context(), id, &now)
		resp["pausedAt"] = now
	}
	if err != nil {
		return s.conversationError(id, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) resumeConversation(c echo.Context) error {
	id := c.Param("id")
	if err := s.deps.Store.ResumeConversation(c.Request().Context(), id); err != nil {
		return s.conversationError(id, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) conversationError(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	s.logger.Error().Err(err).Str("conversation_id", id).Msg("conversation update failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "conversation update failed")
}
