package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"net/mail"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/salesagent/internal/store"
	"github.com/salesagent/pkg/models"
)

type updateContact struct {
	crm CRM
	ec  ExecContext
}

type updateContactArgs struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
	Role  *string `json:"role"`
}

func (c *updateContact) Name() string { return NameUpdateContact }

func (c *updateContact) Tool() llms.Tool {
	return functionTool(NameUpdateContact,
		"Save details the customer shared about themselves. Only pass the fields that changed.",
		map[string]any{
			"name":  stringProp("Full name of the customer."),
			"email": stringProp("Email address."),
			"phone": stringProp("Phone number."),
			"role":  stringProp("Job title or role at their company."),
		},
		nil)
}

func (c *updateContact) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args updateContactArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail("Invalid arguments for update_contact: %v", err)
	}

	u := store.ContactUpdate{
		Name:  trimmed(args.Name),
		Email: trimmed(args.Email),
		Phone: trimmed(args.Phone),
		Role:  trimmed(args.Role),
	}
	if u.Empty() {
		return fail("No contact fields were provided.")
	}
	if u.Email != nil {
		if _, err := mail.ParseAddress(*u.Email); err != nil {
			return fail("%q is not a valid email address.", *u.Email)
		}
	}

	contact, err := c.crm.GetContact(ctx, c.ec.ContactID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && contact.OrganizationID != c.ec.OrganizationID) {
		return fail("The contact for this conversation was not found.")
	}
	if err != nil {
		return fail("Could not load the contact: %v", err)
	}

	fields := u.Fields()
	activity := &models.Activity{
		OrganizationID: c.ec.OrganizationID,
		ContactID:      strPtr(contact.ID),
		DealID:         c.ec.DealID,
		Type:           "contact_updated",
		Description:    "AI agent updated contact fields: " + strings.Join(fields, ", "),
		Metadata: map[string]any{
			"fields":         fields,
			"agentId":        c.ec.AgentID,
			"conversationId": c.ec.ConversationID,
		},
	}
	if err := c.crm.UpdateContact(ctx, contact.ID, u, activity); err != nil {
		return fail("Could not update the contact: %v", err)
	}

	return Result{
		Success: true,
		Message: "Contact updated: " + strings.Join(fields, ", ") + ".",
		Data:    map[string]any{"fields": fields},
	}
}

// trimmed drops blank values so they do not count as updates
func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
