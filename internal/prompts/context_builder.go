package prompts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/salesagent/internal/capabilities"
	"github.com/salesagent/internal/store"
	"github.com/salesagent/pkg/models"
)

type HistoryReader interface {
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

type DealReader interface {
	GetDeal(ctx context.Context, id string) (*models.Deal, error)
	ListStages(ctx context.Context, pipelineID string) ([]models.Stage, error)
}

type KnowledgeSearcher interface {
	HasKnowledge(ctx context.Context, agentID string) (bool, error)
	Search(ctx context.Context, agentID, query string, topK int, minSimilarity float64) ([]models.KnowledgeMatch, error)
}

// BuilderConfig holds the retrieval and history limits
type BuilderConfig struct {
	HistoryLimit     int
	RAGTopK          int
	RAGMinSimilarity float64
}

// Input is everything the pipeline already loaded for the job
type Input struct {
	Agent        *models.Agent
	Organization *models.Organization
	Conversation *models.Conversation
	Contact      *models.Contact
	// InboundText is the preprocessed text of the message being answered
	InboundText     string
	StoredMessageID string
	Capabilities    []string
}

// ModelContext is the assembled model input
type ModelContext struct {
	SystemPrompt    string
	Messages        []llms.MessageContent
	Knowledge       []models.KnowledgeMatch
	EstimatedTokens int
	// Warnings lists best-effort sections that could not be built
	Warnings []error
}

type ContextBuilder struct {
	history   HistoryReader
	deals     DealReader
	knowledge KnowledgeSearcher
	config    BuilderConfig
	now       func() time.Time
}

func NewContextBuilder(history HistoryReader, deals DealReader, knowledge KnowledgeSearcher, config BuilderConfig) *ContextBuilder {
	return &ContextBuilder{history: history, deals: deals, knowledge: knowledge, config: config, now: time.Now}
}

// WithClock replaces the time source, for tests
func (b *ContextBuilder) WithClock(now func() time.Time) *ContextBuilder {
	b.now = now
	return b
}

// Build assembles the system prompt, the stored summary and the recent history.
// Only a history read failure is returned as an error.
func (b *ContextBuilder) Build(ctx context.Context, in Input) (*ModelContext, error) {
	out := &ModelContext{}

	timezone, locale := "UTC", ""
	if in.Organization != nil {
		timezone, locale = in.Organization.Timezone, in.Organization.Locale
	}

	dealSection := ""
	if in.Conversation.DealID != nil && slices.Contains(in.Capabilities, capabilities.NameMoveDeal) {
		s, err := b.dealSection(ctx, *in.Conversation.DealID)
		if err != nil {
			out.Warnings = append(out.Warnings, err)
		}
		dealSection = s
	}

	knowledgeSection := ""
	if strings.TrimSpace(in.InboundText) != "" && b.knowledge != nil {
		matches, err := b.retrieve(ctx, in.Agent.ID, in.InboundText)
		if err != nil {
			out.Warnings = append(out.Warnings, err)
		}
		out.Knowledge = matches
		knowledgeSection = BuildKnowledgeSection(matches)
	}

	out.SystemPrompt = joinSections(
		in.Agent.Persona,
		BuildTimeSection(b.now(), timezone, locale),
		BuildContactSection(in.Contact),
		BuildProcessSection(in.Agent.Steps, in.Conversation.CurrentStepOrder),
		dealSection,
		knowledgeSection,
		BuildActionsSection(in.Capabilities),
	)

	out.Messages = append(out.Messages, llms.TextParts(llms.ChatMessageTypeSystem, out.SystemPrompt))
	tokenText := out.SystemPrompt

	if in.Conversation.Summary != nil && strings.TrimSpace(*in.Conversation.Summary) != "" {
		summary := PreviousSummaryPrefix + *in.Conversation.Summary
		out.Messages = append(out.Messages, llms.TextParts(llms.ChatMessageTypeSystem, summary))
		tokenText += summary
	}

	history, err := b.history.ListRecentMessages(ctx, in.Conversation.ID, b.config.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}

	inboundSeen := false
	for _, m := range history {
		if Undelivered(m) {
			continue
		}
		content := m.Content
		if in.StoredMessageID != "" && m.ID == in.StoredMessageID {
			content = in.InboundText
			inboundSeen = true
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		out.Messages = append(out.Messages, llms.TextParts(messageType(m.Role), content))
		tokenText += content
	}
	if !inboundSeen && strings.TrimSpace(in.InboundText) != "" && !endsWithUser(history, in.InboundText) {
		out.Messages = append(out.Messages, llms.TextParts(llms.ChatMessageTypeHuman, in.InboundText))
		tokenText += in.InboundText
	}

	out.EstimatedTokens = EstimateTokens(tokenText)
	return out, nil
}

func (b *ContextBuilder) retrieve(ctx context.Context, agentID, query string) ([]models.KnowledgeMatch, error) {
	has, err := b.knowledge.HasKnowledge(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("knowledge lookup: %w", err)
	}
	if !has {
		return nil, nil
	}
	matches, err := b.knowledge.Search(ctx, agentID, query, b.config.RAGTopK, b.config.RAGMinSimilarity)
	if err != nil {
		return nil, fmt.Errorf("knowledge retrieval: %w", err)
	}
	return matches, nil
}

func (b *ContextBuilder) dealSection(ctx context.Context, dealID string) (string, error) {
	deal, err := b.deals.GetDeal(ctx, dealID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("deal lookup: %w", err)
	}
	stages, err := b.deals.ListStages(ctx, deal.PipelineID)
	if err != nil {
		return BuildDealSection(deal, nil), fmt.Errorf("stage lookup: %w", err)
	}
	return BuildDealSection(deal, stages), nil
}

func messageType(role models.Role) llms.ChatMessageType {
	switch role {
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	default:
		return llms.ChatMessageTypeHuman
	}
}

func endsWithUser(history []models.Message, text string) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	return last.Role == models.RoleUser && last.Content == text
}
