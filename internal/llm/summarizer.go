package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/salesagent/internal/prompts"
)

// Summarizer condenses old conversation turns with a cheaper fixed model
type Summarizer struct {
	model     llms.Model
	modelName string
	maxTokens int
}

func NewSummarizer(model llms.Model, modelName string, maxTokens int) *Summarizer {
	return &Summarizer{model: model, modelName: modelName, maxTokens: maxTokens}
}

// Summarize returns the trimmed summary text, which may be empty
func (s *Summarizer) Summarize(ctx context.Context, previousSummary, transcript string) (string, error) {
	var user strings.Builder
	if strings.TrimSpace(previousSummary) != "" {
		user.WriteString("Previous summary:\n")
		user.WriteString(previousSummary)
		user.WriteString("\n\n")
	}
	user.WriteString("Transcript:\n")
	user.WriteString(transcript)

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, prompts.SummaryWriterRole+"\n\n"+prompts.SummaryInstructions),
		llms.TextParts(llms.ChatMessageTypeHuman, user.String()),
	}

	opts := []llms.CallOption{llms.WithTemperature(0.2)}
	if s.modelName != "" {
		opts = append(opts, llms.WithModel(s.modelName))
	}
	if s.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(s.maxTokens))
	}

	resp, err := s.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("summary model returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
