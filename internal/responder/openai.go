package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	maxReplyTokens = 300
	maxReplyRunes  = 3500
	systemPrompt   = "You are BETRIX, a friendly sports assistant in a Telegram chat. " +
		"Keep answers short. Never promise winnings and remind users to gamble responsibly."
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIResponder answers with an OpenAI-compatible chat completion.
type OpenAIResponder struct {
	client chatClient
	model  string
}

// NewOpenAIResponder builds a responder for apiKey. baseURL may be empty.
func NewOpenAIResponder(apiKey, baseURL, model string) *OpenAIResponder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIResponder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Respond implements Responder.
func (r *OpenAIResponder) Respond(ctx context.Context, _ int64, text string) (string, error) {
	if r == nil || r.client == nil {
		return "", errors.New("openai responder is not initialized")
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     r.model,
		MaxTokens: maxReplyTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: no choices returned")
	}

	return truncate(strings.TrimSpace(resp.Choices[0].Message.Content), maxReplyRunes), nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
