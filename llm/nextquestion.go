// Package llm generates the interviewer's side of the conversation with a
// language model.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"ivy/gateway"
)

const interviewerPrompt = `You are a technical interviewer conducting a mock
interview about machine learning. Given the question you just asked and the
candidate's answer, ask one concise follow-up question. The question should:
- Build on the candidate's answer
- Cover ML concepts (algorithms, evaluation metrics, deep learning, etc.)
- Be suitable for a mid-level ML engineer interview
- Be open-ended to encourage discussion
- Not require coding implementations
Return only the question, nothing else.`

// Interviewer asks the next question based on the candidate's answer. It is
// stateless and never retries.
type Interviewer struct {
	model  LanguageModel
	logger *log.Logger
}

func NewInterviewer(model LanguageModel, logger *log.Logger) *Interviewer {
	return &Interviewer{model: model, logger: logger}
}

func (i *Interviewer) NextQuestion(
	ctx context.Context,
	currentQuestion, answer string,
) (string, error) {
	if strings.TrimSpace(answer) == "" {
		return "", gateway.Invalid("no answer provided")
	}

	ctx, cancel := context.WithTimeout(ctx, gateway.TextTimeout)
	defer cancel()

	req := &ChatCompletionRequest{
		SystemPrompt: interviewerPrompt,
		MaxTokens:    200,
		Temperature:  0.7,
	}
	req.WithUserMessage(fmt.Sprintf(
		"Question asked: %s\n\nCandidate's answer: %s",
		currentQuestion, answer,
	))

	content, err := i.model.Complete(ctx, req)
	if err != nil {
		return "", gateway.Translate(fmt.Errorf("next question: %w", err))
	}

	question := strings.TrimSpace(content)
	if question == "" {
		// The upstream model sometimes returns blank output; the caller
		// substitutes fallback content.
		return "", gateway.Wrap(
			gateway.ErrUpstream,
			fmt.Errorf("model returned empty question"),
		)
	}

	i.logger.Info("mind", "question", question)
	return question, nil
}
