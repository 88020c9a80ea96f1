package collaborator

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/saleskingacademy/agentpool/internal/config"
)

type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropic(cfg config.CollaboratorConfig, opts ...option.RequestOption) *Anthropic {
	opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
	}
}

func (a *Anthropic) Generate(ctx context.Context, p Prompt) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.Content)),
		},
	}
	if p.Persona != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.Persona}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropic(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", &Error{Kind: KindMalformed, Message: "empty response"}
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", &Error{Kind: KindMalformed, Message: "response has no text content"}
	}
	return text.String(), nil
}

func classifyAnthropic(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{Kind: KindStatus, Status: apiErr.StatusCode, Message: apiErr.Error(), Err: err}
	}
	return &Error{Kind: KindTransport, Message: err.Error(), Err: err}
}
