package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

type LanguageModel interface {
	Complete(ctx context.Context, req *ChatCompletionRequest) (string, error)
}

type OpenAILanguageModel struct {
	client *openai.Client
}

func NewOpenAILanguageModel(apiKey string) *OpenAILanguageModel {
	return &OpenAILanguageModel{
		client: openai.NewClient(apiKey),
	}
}

type ChatCompletionRequest struct {
	SystemPrompt string
	UserMessages []string
	MaxTokens    int
	Temperature  float32
}

func (r *ChatCompletionRequest) WithUserMessage(
	message string,
) *ChatCompletionRequest {
	r.UserMessages = append(r.UserMessages, message)
	return r
}

func (r *ChatCompletionRequest) messages() []openai.ChatCompletionMessage {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: r.SystemPrompt,
		},
	}
	for _, userMessage := range r.UserMessages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: userMessage,
		})
	}
	return messages
}

// Complete returns the whole model output in one call.
func (o *OpenAILanguageModel) Complete(
	ctx context.Context,
	req *ChatCompletionRequest,
) (string, error) {
	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       openai.GPT4o,
			Messages:    req.messages(),
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		},
	)
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
