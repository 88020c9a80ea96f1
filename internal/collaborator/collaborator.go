// Package collaborator wraps the text-generation service that produces task
// results. Callers see a narrow prompt-in, text-out contract.
package collaborator

import (
	"context"
	"errors"
	"fmt"

	"github.com/saleskingacademy/agentpool/internal/config"
)

type Prompt struct {
	// Persona is the system context for the agent doing the work.
	Persona string
	Content string
}

type Collaborator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Func adapts a plain function to Collaborator.
type Func func(ctx context.Context, p Prompt) (string, error)

func (f Func) Generate(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindStatus    ErrorKind = "status"
	KindMalformed ErrorKind = "malformed"
	KindTransport ErrorKind = "transport"
)

// Error is a classified collaborator failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("collaborator %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("collaborator %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify turns any error from Generate into an *Error.
func Classify(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindTransport, Message: err.Error(), Err: err}
}

// New builds the collaborator selected by cfg.Provider.
func New(cfg config.CollaboratorConfig) (Collaborator, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropic(cfg), nil
	case config.ProviderMock:
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown collaborator provider %q", cfg.Provider)
	}
}
