// Package llm drives the language model: the bounded tool-calling loop, summaries and call resilience.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/salesagent/internal/capabilities"
)

// ToolExecutor is the capability set offered to the model
type ToolExecutor interface {
	Tools() []llms.Tool
	Execute(ctx context.Context, name, rawArgs string) capabilities.Result
}

// Usage is the token consumption summed over every step
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ToolInvocation records one capability call made during a reply
type ToolInvocation struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Request struct {
	// Model overrides the client's default model when set
	Model    string
	Messages []llms.MessageContent
	Tools    ToolExecutor
}

type Reply struct {
	Text      string
	Steps     int
	ToolCalls []ToolInvocation
	Usage     Usage
}

type Orchestrator struct {
	model     llms.Model
	maxSteps  int
	maxTokens int
}

func NewOrchestrator(model llms.Model, maxSteps, maxTokens int) *Orchestrator {
	if maxSteps < 1 {
		maxSteps = 1
	}
	return &Orchestrator{model: model, maxSteps: maxSteps, maxTokens: maxTokens}
}

// Generate runs up to maxSteps model calls. Tool calls of a step are executed and their results fed
// back; the loop ends at the first step without tool calls or at the step cap. Reply.Text is the
// text of the last step and may be empty.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Reply, error) {
	logger := zerolog.Ctx(ctx)
	messages := append([]llms.MessageContent(nil), req.Messages...)

	opts := []llms.CallOption{}
	if o.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(o.maxTokens))
	}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.Tools != nil {
		if tools := req.Tools.Tools(); len(tools) > 0 {
			opts = append(opts, llms.WithTools(tools))
		}
	}

	reply := &Reply{}
	for step := 1; step <= o.maxSteps; step++ {
		reply.Steps = step

		resp, err := o.model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return nil, fmt.Errorf("model step %d: %w", step, err)
		}
		if resp == nil || len(resp.Choices) == 0 {
			return nil, errors.New("model returned no choices")
		}
		choice := resp.Choices[0]
		addUsage(&reply.Usage, choice.GenerationInfo)
		reply.Text = strings.TrimSpace(choice.Content)

		if len(choice.ToolCalls) == 0 || req.Tools == nil {
			return reply, nil
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, tc)
		}
		messages = append(messages, assistant)

		for _, tc := range choice.ToolCalls {
			var name string
			var res capabilities.Result
			if tc.FunctionCall == nil {
				// every call id in the assistant turn needs a response or the next step is rejected
				res = capabilities.Result{Success: false, Message: "The tool call did not name a function."}
			} else {
				name = tc.FunctionCall.Name
				args, stats, err := RepairToolArguments(tc.FunctionCall.Arguments)
				if stats.WasRepaired {
					logger.Debug().Str("capability", name).Strs("strategies", stats.Strategies).Msg("repaired tool arguments")
				}
				if err != nil {
					res = capabilities.Result{Success: false, Message: "The arguments could not be parsed as JSON."}
				} else {
					res = req.Tools.Execute(ctx, name, args)
				}
			}
			logger.Info().Str("capability", name).Bool("success", res.Success).Int("step", step).Msg("capability executed")

			reply.ToolCalls = append(reply.ToolCalls, ToolInvocation{Name: name, Success: res.Success, Message: res.Message})
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       name,
					Content:    res.JSON(),
				}},
			})
		}
	}
	return reply, nil
}

func addUsage(u *Usage, info map[string]any) {
	u.PromptTokens += intValue(info["PromptTokens"])
	u.CompletionTokens += intValue(info["CompletionTokens"])
	u.TotalTokens += intValue(info["TotalTokens"])
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
