package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/salesagent/internal/coordination"
	"github.com/salesagent/internal/media"
	"github.com/salesagent/internal/store"
	"github.com/salesagent/pkg/models"
)

// InboundWebhook is the body the channel bridge posts for every customer message
type InboundWebhook struct {
	Message        models.InboundMessage `json:"message"`
	AgentID        string                `json:"agentId"`
	ConversationID string                `json:"conversationId"`
	OrganizationID string                `json:"organizationId"`
}

func (w InboundWebhook) validate() error {
	switch {
	case w.ConversationID == "":
		return errors.New("conversationId is required")
	case w.OrganizationID == "":
		return errors.New("organizationId is required")
	case w.AgentID == "":
		return errors.New("agentId is required")
	case w.Message.InstanceID == "" || w.Message.RemoteAddress == "":
		return errors.New("message.instanceId and message.remoteAddress are required")
	case strings.ContainsAny(w.Message.MessageID, `/\`) || strings.Contains(w.Message.MessageID, ".."):
		// the channel message id becomes part of the media object key
		return errors.New("message.messageId contains path characters")
	}
	switch w.Message.Type {
	case models.MessageTypeText:
		if strings.TrimSpace(w.Message.Text) == "" {
			return errors.New("text message without text")
		}
	case models.MessageTypeAudio, models.MessageTypeImage, models.MessageTypeDocument:
	default:
		return errors.New("unsupported message type: " + string(w.Message.Type))
	}
	return nil
}

// storedContent is what the user message reads as until preprocessing rewrites it
func storedContent(msg models.InboundMessage) string {
	switch msg.Type {
	case models.MessageTypeAudio:
		return media.AudioPlaceholder
	case models.MessageTypeImage, models.MessageTypeDocument:
		return media.Describe(msg)
	default:
		return strings.TrimSpace(msg.Text)
	}
}

// receiveMessage stores the customer message, stamps a fresh debounce token and schedules
// the job after the debounce window. Only the newest job of a burst gets past admission.
func (s *Server) receiveMessage(c echo.Context) error {
	ctx := c.Request().Context()

	var req InboundWebhook
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := req.validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	conv, err := s.deps.Store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && (conv.OrganizationID != req.OrganizationID || conv.AgentID != req.AgentID)) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", req.ConversationID).Msg("failed to load conversation")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load conversation")
	}

	now := s.now()
	meta := map[string]any{
		"channelMessageId": req.Message.MessageID,
		"type":             string(req.Message.Type),
	}
	if req.Message.Media != nil {
		meta["media"] = req.Message.Media
	}
	stored := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        storedContent(req.Message),
		Metadata:       meta,
		CreatedAt:      now,
	}
	if err := s.deps.Store.CreateMessage(ctx, stored); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to store inbound message")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store message")
	}

	if conv.AIPaused {
		return c.JSON(http.StatusAccepted, map[string]any{
			"status":    "stored",
			"reason":    "ai_paused",
			"messageId": stored.ID,
		})
	}

	token := coordination.NewToken(now)
	if err := s.deps.Tokens.SetToken(ctx, conv.ID, token); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("debounce token not stored, job will not be coalesced")
	}

	req.Message.StoredMessageID = stored.ID
	job := models.MessageJob{
		Message:        req.Message,
		AgentID:        req.AgentID,
		ConversationID: conv.ID,
		OrganizationID: req.OrganizationID,
		DebounceToken:  token,
	}
	jobID, err := s.deps.Queue.EnqueueMessage(ctx, job, now.Add(s.deps.DebounceWindow))
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to enqueue message job")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue message")
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"jobId":     jobID,
		"messageId": stored.ID,
	})
}
