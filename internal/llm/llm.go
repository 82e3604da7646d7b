// Package llm defines the language model collaborator and its providers.
package llm

import "context"

// Purposes tag a generation request so providers can route or account for it.
const (
	PurposeCourseChat = "course_chat"
)

// Options tune a single generation request.
type Options struct {
	Temperature float64
	MaxTokens   int
	// JSONMode asks providers that support it to return structured output.
	JSONMode bool
}

// Result is a completed generation.
type Result struct {
	Content string
	// Structured holds a JSON payload returned directly by the provider, if any.
	Structured []byte
	TokensUsed int64
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt, purpose string, opts Options) (*Result, error)
}
