package main

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
)

// demoCollaborators holds the optional downstream clients the ai_processing
// and slack_response boundaries wrap. Both are nil-safe: when a boundary
// type's client was never configured (no API key/token given at startup),
// its op returns a plain error and the boundary's own fallback/degradation
// path takes over, exactly as it would for a real outage.
type demoCollaborators struct {
	slackClient *slack.Client
	llmModel    llms.Model
}

func newDemoCollaborators(slackToken, anthropicKey, anthropicModel string) *demoCollaborators {
	c := &demoCollaborators{}
	if slackToken != "" {
		c.slackClient = slack.New(slackToken)
	}
	if anthropicKey != "" {
		model, err := anthropic.New(anthropic.WithToken(anthropicKey), anthropic.WithModel(anthropicModel))
		if err == nil {
			c.llmModel = model
		}
	}
	return c
}

// slackPostOp posts text to channel through the slack_response boundary's
// wrapped operation. slack_response is not a context-preserving boundary
// type, so a failed post is not snapshotted by boundary.Execute.
func (c *demoCollaborators) slackPostOp(channel, text string) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		if c.slackClient == nil {
			return nil, fmt.Errorf("slack client not configured")
		}
		_, ts, err := c.slackClient.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
		if err != nil {
			return nil, fmt.Errorf("slack post message: %w", err)
		}
		return ts, nil
	}
}

// llmCompletionOp runs prompt through the configured model for the
// ai_processing boundary's wrapped operation.
func (c *demoCollaborators) llmCompletionOp(prompt string) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		if c.llmModel == nil {
			return nil, fmt.Errorf("llm model not configured")
		}
		completion, err := llms.GenerateFromSinglePrompt(ctx, c.llmModel, prompt)
		if err != nil {
			return nil, fmt.Errorf("llm completion: %w", err)
		}
		return completion, nil
	}
}
