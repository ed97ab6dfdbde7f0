package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/salesagent/internal/retry"
)

// ResilientModel wraps an llms.Model with per-call timeouts and backoff retries on transient errors.
// Each retry repeats a single request; tool execution happens outside and is never retried.
type ResilientModel struct {
	model       llms.Model
	retryConfig retry.RetryConfig
	callTimeout time.Duration
}

// NewResilientModel creates the wrapper; a zero callTimeout disables the per-call deadline
func NewResilientModel(model llms.Model, config retry.RetryConfig, callTimeout time.Duration) *ResilientModel {
	return &ResilientModel{model: model, retryConfig: config, callTimeout: callTimeout}
}

func (m *ResilientModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var resp *llms.ContentResponse
	logger := *zerolog.Ctx(ctx)

	result := retry.Do(ctx, m.retryConfig, logger, func(ctx context.Context) error {
		callCtx := ctx
		if m.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, m.callTimeout)
			defer cancel()
		}
		r, err := m.model.GenerateContent(callCtx, messages, options...)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	if !result.Success {
		return nil, fmt.Errorf("model call failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	if result.Attempts > 1 {
		logger.Info().Int("attempts", result.Attempts).Dur("duration", result.TotalDuration).Msg("model call recovered after retry")
	}
	return resp, nil
}

func (m *ResilientModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// NewOpenAIModel creates a langchaingo chat model over an OpenAI-compatible endpoint
func NewOpenAIModel(apiKey, baseURL, model string) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return llm, nil
}
