// Package capabilities holds the CRM actions the model may request during a reply.
package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/salesagent/internal/store"
	"github.com/salesagent/pkg/models"
)

// Capability names as stored in an agent's enabled list
const (
	NameMoveDeal        = "move_deal"
	NameUpdateContact   = "update_contact"
	NameCreateTask      = "create_task"
	NameHandOff         = "hand_off_to_human"
	NameSearchKnowledge = "search_knowledge"
)

// ExecContext binds a registry to one conversation
type ExecContext struct {
	OrganizationID string
	AgentID        string
	ConversationID string
	ContactID      string
	DealID         *string
	PipelineIDs    []string
}

// Result is returned to the model as the tool response
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// JSON renders the result for a tool response message
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"message":%q}`, err.Error())
	}
	return string(b)
}

func fail(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// CRM is the record access the mutating capabilities need
type CRM interface {
	GetDeal(ctx context.Context, id string) (*models.Deal, error)
	GetStage(ctx context.Context, id string) (*models.Stage, error)
	MoveDeal(ctx context.Context, dealID, stageID string, status models.DealStatus, activity *models.Activity) error
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	UpdateContact(ctx context.Context, id string, u store.ContactUpdate, activity *models.Activity) error
	CreateTask(ctx context.Context, task *models.Task, activity *models.Activity) error
	HandOff(ctx context.Context, conversationID string, activity *models.Activity) error
}

// Searcher is the knowledge retrieval function
type Searcher interface {
	Search(ctx context.Context, agentID, query string, topK int, minSimilarity float64) ([]models.KnowledgeMatch, error)
}

// Deps are shared by every registry built for a job
type Deps struct {
	CRM                 CRM
	Knowledge           Searcher
	SearchTopK          int
	SearchMinSimilarity float64
	Now                 func() time.Time
}

// Capability is one variant of the closed capability set
type Capability interface {
	Name() string
	Tool() llms.Tool
	Execute(ctx context.Context, args json.RawMessage) Result
}

// Registry is the set of capabilities enabled for one job
type Registry struct {
	caps    []Capability
	byName  map[string]Capability
	unknown []string
}

// NewRegistry builds the capabilities named in enabled, in that order. Unknown names are skipped.
func NewRegistry(enabled []string, deps Deps, ec ExecContext) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := &Registry{byName: make(map[string]Capability)}
	for _, name := range enabled {
		if _, dup := r.byName[name]; dup {
			continue
		}
		var c Capability
		switch name {
		case NameMoveDeal:
			c = &moveDeal{crm: deps.CRM, ec: ec}
		case NameUpdateContact:
			c = &updateContact{crm: deps.CRM, ec: ec}
		case NameCreateTask:
			c = &createTask{crm: deps.CRM, ec: ec, now: deps.Now}
		case NameHandOff:
			c = &handOff{crm: deps.CRM, ec: ec}
		case NameSearchKnowledge:
			if deps.Knowledge == nil {
				r.unknown = append(r.unknown, name)
				continue
			}
			c = &searchKnowledge{knowledge: deps.Knowledge, ec: ec, topK: deps.SearchTopK, minSimilarity: deps.SearchMinSimilarity}
		default:
			r.unknown = append(r.unknown, name)
			continue
		}
		r.caps = append(r.caps, c)
		r.byName[name] = c
	}
	return r
}

// Names lists the enabled capabilities
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c.Name())
	}
	return out
}

// Unknown lists enabled names that could not be built
func (r *Registry) Unknown() []string {
	return r.unknown
}

// Tools returns the tool definitions offered to the model
func (r *Registry) Tools() []llms.Tool {
	out := make([]llms.Tool, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c.Tool())
	}
	return out
}

// Execute runs a capability and converts every failure, panics included, into a Result
func (r *Registry) Execute(ctx context.Context, name, rawArgs string) (res Result) {
	c, ok := r.byName[name]
	if !ok {
		return fail("Capability %q is not available.", name)
	}

	defer func() {
		if p := recover(); p != nil {
			zerolog.Ctx(ctx).Error().Str("capability", name).Interface("panic", p).Msg("capability panicked")
			res = fail("The %s action failed unexpectedly.", name)
		}
	}()

	if rawArgs == "" {
		rawArgs = "{}"
	}
	if !json.Valid([]byte(rawArgs)) {
		return fail("The arguments for %s were not valid JSON.", name)
	}
	return c.Execute(ctx, json.RawMessage(rawArgs))
}

func functionTool(name, description string, properties map[string]any, required []string) llms.Tool {
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func strPtr(s string) *string { return &s }
