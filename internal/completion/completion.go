// Package completion defines the text-completion contract shared by the
// dialogue, detection and answer-checking components, and classifies the
// failures providers return.
package completion

import (
	"context"
	"encoding/json"

	"socratic-tutor/internal/domain"
)

// Request is a provider-agnostic completion request.
type Request struct {
	SystemPrompt string
	Messages     []domain.ChatMessage
	Temperature  float64
	MaxTokens    int
	// JSONMode asks for a single JSON object. Schema, when set, also
	// constrains its shape on providers that support it.
	JSONMode bool
	Schema   *Schema
}

// Schema is a named JSON schema document for structured responses.
type Schema struct {
	Name        string
	Description string
	Definition  json.RawMessage
}

// Completer returns the text of a single completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
