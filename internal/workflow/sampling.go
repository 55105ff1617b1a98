package workflow

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/internal/kernelerr"
)

// SamplingRequest is one LLM completion submitted by a sampling step.
type SamplingRequest struct {
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// SamplingResult carries the completion text and measured token usage.
type SamplingResult struct {
	Model      string `json:"model"`
	Text       string `json:"text"`
	TokensUsed int64  `json:"tokens_used"`
}

// Sampler is the LLM collaborator sampling steps run through.
type Sampler interface {
	Complete(ctx context.Context, req SamplingRequest) (*SamplingResult, error)
}

// OpenAISampler completes sampling requests against the OpenAI chat API.
type OpenAISampler struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAISampler creates a sampler. model overrides the default
// completion model for requests that do not name one.
func NewOpenAISampler(apiKey, model string) *OpenAISampler {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAISampler{
		client:       openai.NewClient(apiKey),
		defaultModel: model,
	}
}

func (s *OpenAISampler) Complete(ctx context.Context, req SamplingRequest) (*SamplingResult, error) {
	if req.Prompt == "" {
		return nil, kernelerr.Validation("sampling prompt is required",
			kernelerr.FieldError{Path: "prompt", Message: "required"})
	}
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeUpstreamFailure, "sampling request failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, kernelerr.New(kernelerr.CodeUpstreamFailure, "sampling returned no choices")
	}
	return &SamplingResult{
		Model:      resp.Model,
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: int64(resp.Usage.TotalTokens),
	}, nil
}

// modelRates maps model names to credits per token for cost accounting.
// Unknown models cost zero; the usage row still records tokens.
var modelRates = map[string]float64{
	"gpt-4o":      0.00001,
	"gpt-4o-mini": 0.0000006,
	"gpt-4.1":     0.000008,
}

// costFor converts token usage into credits for a known model.
func costFor(model string, tokens int64) float64 {
	rate, ok := modelRates[model]
	if !ok {
		return 0
	}
	return float64(tokens) * rate
}

// estimateTokens approximates token usage from rendered output size when the
// upstream reports none. Four bytes per token is the usual rough cut.
func estimateTokens(output any) int64 {
	s := stringify(output)
	if s == "" {
		return 0
	}
	n := int64(len(s) / 4)
	if n == 0 {
		n = 1
	}
	return n
}
