package capabilities

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/salesagent/pkg/models"
)

// handOff pauses the AI indefinitely; only a person can resume the conversation
type handOff struct {
	crm CRM
	ec  ExecContext
}

type handOffArgs struct {
	Reason string `json:"reason"`
}

func (c *handOff) Name() string { return NameHandOff }

func (c *handOff) Tool() llms.Tool {
	return functionTool(NameHandOff,
		"Transfer the conversation to a human salesperson. Use when the customer asks for a person or the request is outside what you can handle.",
		map[string]any{
			"reason": stringProp("Why a human is needed."),
		},
		[]string{"reason"})
}

func (c *handOff) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args handOffArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail("Invalid arguments for hand_off_to_human: %v", err)
	}
	reason := strings.TrimSpace(args.Reason)
	if reason == "" {
		reason = "not specified"
	}

	activity := &models.Activity{
		OrganizationID: c.ec.OrganizationID,
		ContactID:      strPtr(c.ec.ContactID),
		DealID:         c.ec.DealID,
		Type:           "ai_handoff",
		Description:    "AI agent handed the conversation to a human: " + reason,
		Metadata: map[string]any{
			"reason":         reason,
			"agentId":        c.ec.AgentID,
			"conversationId": c.ec.ConversationID,
		},
	}
	if err := c.crm.HandOff(ctx, c.ec.ConversationID, activity); err != nil {
		return fail("Could not hand off the conversation: %v", err)
	}
	return Result{Success: true, Message: "The conversation was handed to a human salesperson."}
}
