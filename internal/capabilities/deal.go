package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/salesagent/internal/store"
	"github.com/salesagent/pkg/models"
)

type moveDeal struct {
	crm CRM
	ec  ExecContext
}

type moveDealArgs struct {
	DealID  string `json:"dealId"`
	StageID string `json:"stageId"`
}

func (c *moveDeal) Name() string { return NameMoveDeal }

func (c *moveDeal) Tool() llms.Tool {
	return functionTool(NameMoveDeal,
		"Move a deal to another stage of its pipeline when the conversation shows the customer has progressed.",
		map[string]any{
			"dealId":  stringProp("ID of the deal to move. Defaults to the deal linked to this conversation."),
			"stageId": stringProp("ID of the target stage. Must belong to the deal's pipeline."),
		},
		[]string{"stageId"})
}

func (c *moveDeal) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args moveDealArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail("Invalid arguments for move_deal: %v", err)
	}
	if args.DealID == "" && c.ec.DealID != nil {
		args.DealID = *c.ec.DealID
	}
	if args.DealID == "" || args.StageID == "" {
		return fail("Both dealId and stageId are required.")
	}

	deal, err := c.crm.GetDeal(ctx, args.DealID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && deal.OrganizationID != c.ec.OrganizationID) {
		return fail("Deal %s was not found.", args.DealID)
	}
	if err != nil {
		return fail("Could not load the deal: %v", err)
	}
	if !slices.Contains(c.ec.PipelineIDs, deal.PipelineID) {
		return fail("Deal %s is in a pipeline this agent is not allowed to manage.", deal.ID)
	}

	stage, err := c.crm.GetStage(ctx, args.StageID)
	if errors.Is(err, store.ErrNotFound) {
		return fail("Stage %s was not found.", args.StageID)
	}
	if err != nil {
		return fail("Could not load the stage: %v", err)
	}
	if stage.PipelineID != deal.PipelineID {
		return fail("Stage %s does not belong to the pipeline of deal %s.", stage.Name, deal.ID)
	}

	if deal.StageID == stage.ID {
		return Result{Success: true, Message: "The deal is already in stage " + stage.Name + "."}
	}

	status := deal.Status
	if status == models.DealStatusOpen {
		status = models.DealStatusInProgress
	}

	activity := &models.Activity{
		OrganizationID: c.ec.OrganizationID,
		DealID:         strPtr(deal.ID),
		ContactID:      strPtr(c.ec.ContactID),
		Type:           "deal_stage_changed",
		Description:    "AI agent moved the deal to stage " + stage.Name,
		Metadata: map[string]any{
			"fromStageId":    deal.StageID,
			"toStageId":      stage.ID,
			"agentId":        c.ec.AgentID,
			"conversationId": c.ec.ConversationID,
		},
	}
	if err := c.crm.MoveDeal(ctx, deal.ID, stage.ID, status, activity); err != nil {
		return fail("Could not move the deal: %v", err)
	}

	return Result{
		Success: true,
		Message: "Deal moved to stage " + stage.Name + ".",
		Data:    map[string]any{"dealId": deal.ID, "stageId": stage.ID, "status": string(status)},
	}
}

type createTask struct {
	crm CRM
	ec  ExecContext
	now func() time.Time
}

type createTaskArgs struct {
	Title   string `json:"title"`
	DueDate string `json:"dueDate"`
}

var dueDateLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"}

func (c *createTask) Name() string { return NameCreateTask }

func (c *createTask) Tool() llms.Tool {
	return functionTool(NameCreateTask,
		"Create a follow-up task for the salesperson who owns the deal linked to this conversation.",
		map[string]any{
			"title":   stringProp("Short description of what needs to be done."),
			"dueDate": stringProp("Due date in ISO 8601, for example 2026-03-14 or 2026-03-14T15:00:00-03:00."),
		},
		[]string{"title", "dueDate"})
}

func (c *createTask) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args createTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail("Invalid arguments for create_task: %v", err)
	}
	if c.ec.DealID == nil || *c.ec.DealID == "" {
		return fail("This conversation has no linked deal, so a task cannot be created.")
	}
	title := strings.TrimSpace(args.Title)
	if title == "" {
		return fail("A task title is required.")
	}
	due, ok := parseDueDate(args.DueDate)
	if !ok {
		return fail("The due date %q is not a valid date.", args.DueDate)
	}

	deal, err := c.crm.GetDeal(ctx, *c.ec.DealID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && deal.OrganizationID != c.ec.OrganizationID) {
		return fail("The linked deal was not found.")
	}
	if err != nil {
		return fail("Could not load the linked deal: %v", err)
	}

	task := &models.Task{
		OrganizationID: c.ec.OrganizationID,
		DealID:         deal.ID,
		AssigneeID:     deal.OwnerID,
		Title:          title,
		DueDate:        due,
		CreatedAt:      c.now(),
	}
	activity := &models.Activity{
		OrganizationID: c.ec.OrganizationID,
		DealID:         strPtr(deal.ID),
		ContactID:      strPtr(c.ec.ContactID),
		Type:           "task_created",
		Description:    "AI agent created task: " + title,
		Metadata: map[string]any{
			"dueDate":        due.Format(time.RFC3339),
			"assigneeId":     deal.OwnerID,
			"agentId":        c.ec.AgentID,
			"conversationId": c.ec.ConversationID,
		},
	}
	if err := c.crm.CreateTask(ctx, task, activity); err != nil {
		return fail("Could not create the task: %v", err)
	}

	return Result{
		Success: true,
		Message: "Task created for " + due.Format("2006-01-02") + ".",
		Data:    map[string]any{"taskId": task.ID},
	}
}

func parseDueDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
