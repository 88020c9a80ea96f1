package collaborator

import (
	"context"
	"fmt"
	"strings"
)

// Mock produces a deterministic result from the prompt without any network
// access.
type Mock struct{}

func NewMock() *Mock {
	return &Mock{}
}

var _ Collaborator = (*Mock)(nil)

func (m *Mock) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify(err)
	}
	first, _, _ := strings.Cut(strings.TrimSpace(p.Content), "\n")
	if first == "" {
		return "", &Error{Kind: KindMalformed, Message: "empty prompt"}
	}
	return fmt.Sprintf("[mock] completed: %s", first), nil
}
