// Package pipeline turns one inbound message job into at most one outbound reply.
//
// Stages run in order: admission, usage gate, load, media, capabilities, context,
// generation, pause guard, persistence, billing, delivery and memory compression.
// Any stage may end the job early with a skipped Outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/salesagent/internal/capabilities"
	"github.com/salesagent/internal/channel"
	"github.com/salesagent/internal/coordination"
	"github.com/salesagent/internal/llm"
	"github.com/salesagent/internal/logging"
	"github.com/salesagent/internal/media"
	"github.com/salesagent/internal/memory"
	"github.com/salesagent/internal/prompts"
	"github.com/salesagent/internal/store"
	"github.com/salesagent/internal/usage"
	"github.com/salesagent/pkg/models"
)

// Stage names used in logs and stage errors
const (
	StageAdmission    = "admission"
	StageUsage        = "usage"
	StageLoad         = "load"
	StageMedia        = "media"
	StagePresence     = "presence"
	StageCapabilities = "capabilities"
	StageContext      = "context"
	StageGeneration   = "generation"
	StageGuard        = "guard"
	StagePersist      = "persist"
	StageBilling      = "billing"
	StageDelivery     = "delivery"
	StageMemory       = "memory"
)

// Records is the read and write access the processor needs outside of capabilities
type Records interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	IsAIPaused(ctx context.Context, conversationID string) (bool, error)
	CreateMessage(ctx context.Context, m *models.Message) error
}

type Budget interface {
	Check(ctx context.Context, organizationID, instanceID, remoteAddress string) (usage.Check, error)
	Debit(ctx context.Context, organizationID string) error
}

type Preparer interface {
	Prepare(ctx context.Context, job models.MessageJob) (media.Prepared, error)
}

type ContextAssembler interface {
	Build(ctx context.Context, in prompts.Input) (*prompts.ModelContext, error)
}

type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Reply, error)
}

type MemoryCompressor interface {
	Compress(ctx context.Context, conversationID string) (memory.Result, error)
}

// Channel is the outbound side of the messaging provider
type Channel interface {
	SendMessage(ctx context.Context, instanceID, remoteAddress, text string) error
	SendPresence(ctx context.Context, instanceID, remoteAddress, presence string) error
}

// Dependencies are the collaborators of a Processor
type Dependencies struct {
	Tokens    coordination.TokenStore
	Budget    Budget
	Records   Records
	CRM       capabilities.CRM
	Knowledge capabilities.Searcher
	Media     Preparer
	Context   ContextAssembler
	Generator Generator
	Memory    MemoryCompressor
	Channel   Channel
}

type Config struct {
	DefaultModel        string
	SearchTopK          int
	SearchMinSimilarity float64
	PresenceTimeout     time.Duration
}

type Processor struct {
	deps       Dependencies
	config     Config
	logger     zerolog.Logger
	now        func() time.Time
	background sync.WaitGroup
}

func NewProcessor(deps Dependencies, config Config) *Processor {
	if config.PresenceTimeout <= 0 {
		config.PresenceTimeout = 10 * time.Second
	}
	return &Processor{deps: deps, config: config, logger: log.Logger, now: time.Now}
}

// WithLogger sets the base logger job loggers derive from
func (p *Processor) WithLogger(logger zerolog.Logger) *Processor {
	p.logger = logger
	return p
}

// WithClock replaces the time source, for tests
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Wait blocks until fire-and-forget work such as typing indicators has finished
func (p *Processor) Wait() {
	p.background.Wait()
}

// loaded holds the records one job runs against
type loaded struct {
	agent        *models.Agent
	organization *models.Organization
	conversation *models.Conversation
	contact      *models.Contact
}

// Process runs the job. Skips are returned as an Outcome with a nil error;
// only fatal stage failures produce an error.
func (p *Processor) Process(ctx context.Context, jobID int64, job models.MessageJob) (Outcome, error) {
	jl := logging.StartJobLoggingWith(p.logger, logging.JobFields{
		JobID:          jobID,
		ConversationID: job.ConversationID,
		OrganizationID: job.OrganizationID,
		AgentID:        job.AgentID,
		MessageID:      job.Message.MessageID,
	})
	ctx = jl.Logger().WithContext(ctx)

	outcome, err := p.run(ctx, jl, job)
	if err != nil {
		stage := StageOf(err)
		jl.Error(stage, err, "job failed")
		jl.Finish("failed", stage)
		return Outcome{}, err
	}
	if outcome.Skipped {
		jl.Finish("skipped", string(outcome.Reason))
	} else {
		jl.Finish("success", "")
	}
	return outcome, nil
}

func (p *Processor) run(ctx context.Context, jl *logging.JobLogger, job models.MessageJob) (Outcome, error) {
	msg := job.Message

	done := jl.Stage(StageAdmission)
	admission := coordination.Admit(ctx, p.deps.Tokens, job.ConversationID, job.DebounceToken)
	done()
	if admission.Degraded {
		p.degrade(jl, NonFatal(StageAdmission, admission.Err), "coordination store unreachable, admitting job")
	}
	if !admission.Admitted {
		return skipped(ReasonDebounce), nil
	}

	done = jl.Stage(StageUsage)
	check, err := p.deps.Budget.Check(ctx, job.OrganizationID, msg.InstanceID, msg.RemoteAddress)
	done()
	if err != nil {
		return Outcome{}, Fatal(StageUsage, err)
	}
	if !check.Allowed {
		p.degrade(jl, NonFatal(StageUsage, check.NoticeErr), "out-of-credits notice not delivered")
		return skipped(ReasonNoCredits), nil
	}

	done = jl.Stage(StageLoad)
	rec, err := p.load(ctx, job)
	done()
	if err != nil {
		return Outcome{}, Fatal(StageLoad, err)
	}

	done = jl.Stage(StageMedia)
	prepared, err := p.deps.Media.Prepare(ctx, job)
	done()
	p.degrade(jl, NonFatal(StageMedia, err), "media preprocessing degraded")

	p.sendPresence(ctx, msg)

	registry := capabilities.NewRegistry(rec.agent.EnabledTools, capabilities.Deps{
		CRM:                 p.deps.CRM,
		Knowledge:           p.deps.Knowledge,
		SearchTopK:          p.config.SearchTopK,
		SearchMinSimilarity: p.config.SearchMinSimilarity,
		Now:                 p.now,
	}, capabilities.ExecContext{
		OrganizationID: job.OrganizationID,
		AgentID:        rec.agent.ID,
		ConversationID: rec.conversation.ID,
		ContactID:      rec.conversation.ContactID,
		DealID:         rec.conversation.DealID,
		PipelineIDs:    rec.agent.PipelineIDs,
	})
	if unknown := registry.Unknown(); len(unknown) > 0 {
		jl.Logger().Warn().Str("stage", StageCapabilities).Strs("names", unknown).Msg("ignoring unknown capabilities")
	}

	done = jl.Stage(StageContext)
	mc, err := p.deps.Context.Build(ctx, prompts.Input{
		Agent:           rec.agent,
		Organization:    rec.organization,
		Conversation:    rec.conversation,
		Contact:         rec.contact,
		InboundText:     prepared.Text,
		StoredMessageID: msg.StoredMessageID,
		Capabilities:    registry.Names(),
	})
	done()
	if err != nil {
		return Outcome{}, Fatal(StageContext, err)
	}
	for _, w := range mc.Warnings {
		p.degrade(jl, NonFatal(StageContext, w), "context section skipped")
	}

	done = jl.Stage(StageGeneration)
	started := p.now()
	reply, err := p.deps.Generator.Generate(ctx, llm.Request{
		Model:    rec.agent.Model,
		Messages: mc.Messages,
		Tools:    registry,
	})
	elapsed := p.now().Sub(started)
	done()
	if err != nil {
		return Outcome{}, Fatal(StageGeneration, err)
	}
	if strings.TrimSpace(reply.Text) == "" {
		return skipped(ReasonEmptyResponse), nil
	}

	// generation can take seconds; a human may have taken over meanwhile
	paused, err := p.deps.Records.IsAIPaused(ctx, rec.conversation.ID)
	if err != nil {
		return Outcome{}, Fatal(StageGuard, err)
	}

	metadata := p.replyMetadata(rec.agent, reply, mc, elapsed)
	if paused {
		metadata["skippedReason"] = string(ReasonPausedDuringGeneration)
		stored, err := p.persist(ctx, rec.conversation.ID, reply.Text, metadata)
		if err != nil {
			return Outcome{}, Fatal(StagePersist, err)
		}
		out := skipped(ReasonPausedDuringGeneration)
		out.MessageID = stored.ID
		return out, nil
	}

	done = jl.Stage(StagePersist)
	stored, err := p.persist(ctx, rec.conversation.ID, reply.Text, metadata)
	done()
	if err != nil {
		return Outcome{}, Fatal(StagePersist, err)
	}

	if err := p.deps.Budget.Debit(ctx, job.OrganizationID); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			p.degrade(jl, NonFatal(StageBilling, err), "balance drained by a concurrent job, reply not billed")
		} else {
			p.degrade(jl, NonFatal(StageBilling, err), "debit failed, reply not billed")
		}
	}

	done = jl.Stage(StageDelivery)
	err = p.deps.Channel.SendMessage(ctx, msg.InstanceID, msg.RemoteAddress, reply.Text)
	done()
	if err != nil {
		return Outcome{}, Fatal(StageDelivery, err)
	}

	done = jl.Stage(StageMemory)
	_, err = p.deps.Memory.Compress(ctx, rec.conversation.ID)
	done()
	p.degrade(jl, NonFatal(StageMemory, err), "memory compression failed")

	return delivered(stored.ID), nil
}

func (p *Processor) load(ctx context.Context, job models.MessageJob) (*loaded, error) {
	agent, err := p.deps.Records.GetAgent(ctx, job.AgentID)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", job.AgentID, err)
	}
	org, err := p.deps.Records.GetOrganization(ctx, job.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("organization %s: %w", job.OrganizationID, err)
	}
	conv, err := p.deps.Records.GetConversation(ctx, job.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", job.ConversationID, err)
	}
	if agent.OrganizationID != job.OrganizationID || conv.OrganizationID != job.OrganizationID || conv.AgentID != agent.ID {
		return nil, fmt.Errorf("conversation %s, agent %s and organization %s do not belong together: %w",
			job.ConversationID, job.AgentID, job.OrganizationID, ErrTenantMismatch)
	}
	contact, err := p.deps.Records.GetContact(ctx, conv.ContactID)
	if err != nil {
		return nil, fmt.Errorf("contact %s: %w", conv.ContactID, err)
	}
	return &loaded{agent: agent, organization: org, conversation: conv, contact: contact}, nil
}

func (p *Processor) persist(ctx context.Context, conversationID, text string, metadata map[string]any) (*models.Message, error) {
	m := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        text,
		Metadata:       metadata,
		CreatedAt:      p.now(),
	}
	if err := p.deps.Records.CreateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("store reply: %w", err)
	}
	return m, nil
}

func (p *Processor) replyMetadata(agent *models.Agent, reply *llm.Reply, mc *prompts.ModelContext, elapsed time.Duration) map[string]any {
	model := agent.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	meta := map[string]any{
		"model":                  model,
		"steps":                  reply.Steps,
		"usage":                  reply.Usage,
		"generationMs":           elapsed.Milliseconds(),
		"estimatedContextTokens": mc.EstimatedTokens,
		"knowledgeHits":          len(mc.Knowledge),
	}
	if len(reply.ToolCalls) > 0 {
		meta["toolCalls"] = reply.ToolCalls
	}
	return meta
}

// sendPresence shows the typing indicator without blocking the job
func (p *Processor) sendPresence(ctx context.Context, msg models.InboundMessage) {
	logger := zerolog.Ctx(ctx)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.PresenceTimeout)
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		defer cancel()
		if err := p.deps.Channel.SendPresence(pctx, msg.InstanceID, msg.RemoteAddress, channel.PresenceComposing); err != nil {
			logger.Warn().Err(err).Str("stage", StagePresence).Msg("typing indicator failed")
		}
	}()
}

// degrade logs a non-fatal stage error. Fatal errors are never passed here.
func (p *Processor) degrade(jl *logging.JobLogger, err error, msg string) {
	if err == nil {
		return
	}
	jl.Warn(StageOf(err), err, msg)
}
