package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/salesagent/internal/capabilities"
	"github.com/salesagent/internal/retry"
)

// scriptedModel returns queued responses in order and records every request
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llms.ContentResponse
	errs      []error
	calls     [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]llms.MessageContent(nil), messages...))
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func textResponse(text string, prompt, completion int) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content: text,
		GenerationInfo: map[string]any{
			"PromptTokens":     prompt,
			"CompletionTokens": completion,
			"TotalTokens":      prompt + completion,
		},
	}}}
}

func toolResponse(id, name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:           id,
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
		}},
		GenerationInfo: map[string]any{"PromptTokens": 100, "CompletionTokens": 10, "TotalTokens": 110},
	}}}
}

type fakeTools struct {
	executed []string
	args     []string
}

func (f *fakeTools) Tools() []llms.Tool {
	return []llms.Tool{{Type: "function", Function: &llms.FunctionDefinition{Name: capabilities.NameSearchKnowledge}}}
}

func (f *fakeTools) Execute(ctx context.Context, name, rawArgs string) capabilities.Result {
	f.executed = append(f.executed, name)
	f.args = append(f.args, rawArgs)
	return capabilities.Result{Success: true, Message: "found 1 result"}
}

func baseMessages() []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, "You are a sales assistant."),
		llms.TextParts(llms.ChatMessageTypeHuman, "How much is premium?"),
	}
}

func TestGenerate_PlainText(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{textResponse("  It is $99/month.  ", 50, 8)}}
	o := NewOrchestrator(model, 3, 512)

	reply, err := o.Generate(context.Background(), Request{Messages: baseMessages(), Tools: &fakeTools{}})
	require.NoError(t, err)
	assert.Equal(t, "It is $99/month.", reply.Text)
	assert.Equal(t, 1, reply.Steps)
	assert.Equal(t, Usage{PromptTokens: 50, CompletionTokens: 8, TotalTokens: 58}, reply.Usage)
	assert.Empty(t, reply.ToolCalls)
}

func TestGenerate_ToolCallThenText(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolResponse("call_1", capabilities.NameSearchKnowledge, `{"query": "premium",}`),
		textResponse("Premium is $99/month.", 200, 12),
	}}
	tools := &fakeTools{}
	o := NewOrchestrator(model, 3, 512)

	reply, err := o.Generate(context.Background(), Request{Messages: baseMessages(), Tools: tools})
	require.NoError(t, err)
	assert.Equal(t, "Premium is $99/month.", reply.Text)
	assert.Equal(t, 2, reply.Steps)
	assert.Equal(t, []string{capabilities.NameSearchKnowledge}, tools.executed)
	assert.Equal(t, []string{`{"query": "premium"}`}, tools.args)
	assert.Equal(t, 300, reply.Usage.PromptTokens)
	assert.Equal(t, 322, reply.Usage.TotalTokens)
	require.Len(t, reply.ToolCalls, 1)
	assert.True(t, reply.ToolCalls[0].Success)

	// second request carries the assistant tool call and the tool result
	second := model.calls[1]
	require.Len(t, second, 4)
	assert.Equal(t, llms.ChatMessageTypeAI, second[2].Role)
	assert.Equal(t, llms.ChatMessageTypeTool, second[3].Role)
	resp, ok := second[3].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, "call_1", resp.ToolCallID)
	assert.Contains(t, resp.Content, `"success":true`)
}

func TestGenerate_StopsAtStepCap(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolResponse("c1", capabilities.NameSearchKnowledge, `{}`),
		toolResponse("c2", capabilities.NameSearchKnowledge, `{}`),
		toolResponse("c3", capabilities.NameSearchKnowledge, `{}`),
		textResponse("never requested", 1, 1),
	}}
	tools := &fakeTools{}
	o := NewOrchestrator(model, 3, 512)

	reply, err := o.Generate(context.Background(), Request{Messages: baseMessages(), Tools: tools})
	require.NoError(t, err)
	assert.Equal(t, 3, reply.Steps)
	assert.Len(t, model.calls, 3)
	assert.Empty(t, reply.Text)
	assert.Len(t, tools.executed, 3)
}

func TestGenerate_UnparseableArgumentsReportFailureToModel(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolResponse("c1", capabilities.NameSearchKnowledge, `[1, 2`),
		textResponse("Sorry, let me check that again later.", 1, 1),
	}}
	tools := &fakeTools{}
	o := NewOrchestrator(model, 3, 512)

	reply, err := o.Generate(context.Background(), Request{Messages: baseMessages(), Tools: tools})
	require.NoError(t, err)
	assert.Empty(t, tools.executed)
	require.Len(t, reply.ToolCalls, 1)
	assert.False(t, reply.ToolCalls[0].Success)
}

func TestGenerate_CallWithoutFunctionStillGetsAResponse(t *testing.T) {
	first := toolResponse("c1", capabilities.NameSearchKnowledge, `{"query": "premium"}`)
	first.Choices[0].ToolCalls = append(first.Choices[0].ToolCalls, llms.ToolCall{ID: "c2", Type: "function"})
	model := &scriptedModel{responses: []*llms.ContentResponse{
		first,
		textResponse("Premium is $99/month.", 1, 1),
	}}
	tools := &fakeTools{}
	o := NewOrchestrator(model, 3, 512)

	reply, err := o.Generate(context.Background(), Request{Messages: baseMessages(), Tools: tools})
	require.NoError(t, err)
	assert.Equal(t, "Premium is $99/month.", reply.Text)
	assert.Equal(t, []string{capabilities.NameSearchKnowledge}, tools.executed)

	second := model.calls[1]
	require.Len(t, second, 5)
	var answered []string
	for _, m := range second[3:] {
		resp, ok := m.Parts[0].(llms.ToolCallResponse)
		require.True(t, ok)
		answered = append(answered, resp.ToolCallID)
		if resp.ToolCallID == "c2" {
			assert.Contains(t, resp.Content, `"success":false`)
		}
	}
	assert.Equal(t, []string{"c1", "c2"}, answered)
}

func TestGenerate_ModelErrorIsReturned(t *testing.T) {
	model := &scriptedModel{errs: []error{errors.New("invalid api key")}}
	o := NewOrchestrator(model, 3, 512)

	_, err := o.Generate(context.Background(), Request{Messages: baseMessages()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestResilientModel_RetriesTransientFailures(t *testing.T) {
	model := &scriptedModel{
		errs:      []error{errors.New("503 service unavailable"), nil},
		responses: []*llms.ContentResponse{textResponse("ok", 1, 1)},
	}
	cfg := retry.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	rm := NewResilientModel(model, cfg, time.Second)

	resp, err := rm.GenerateContent(context.Background(), baseMessages())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Content)
	assert.Len(t, model.calls, 2)
}

func TestResilientModel_DoesNotRetryPermanentFailures(t *testing.T) {
	model := &scriptedModel{errs: []error{errors.New("invalid api key")}}
	cfg := retry.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	rm := NewResilientModel(model, cfg, 0)

	_, err := rm.GenerateContent(context.Background(), baseMessages())
	require.Error(t, err)
	assert.Len(t, model.calls, 1)
}

func TestSummarizer(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{textResponse("  Ana wants premium.  ", 1, 1)}}
	s := NewSummarizer(model, "gpt-4o-mini", 400)

	out, err := s.Summarize(context.Background(), "Ana runs a bakery.", "[user]: hi\n[assistant]: hello")
	require.NoError(t, err)
	assert.Equal(t, "Ana wants premium.", out)

	require.Len(t, model.calls, 1)
	user := model.calls[0][1].Parts[0].(llms.TextContent).Text
	assert.Contains(t, user, "Previous summary:\nAna runs a bakery.")
	assert.Contains(t, user, "[user]: hi")
}
