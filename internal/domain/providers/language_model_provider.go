package providers

import (
	"context"
)

// CompletionRequest is a single structured-output call to a language model
type CompletionRequest struct {
	Model           string
	SystemPrompt    string
	UserPrompt      string
	Temperature     float64
	MaxOutputTokens int
	// JSONOutput asks for any JSON object; Schema, when set, constrains it further.
	JSONOutput bool
	Schema     *JSONSchema
}

// JSONSchema names a response schema for structured output.
type JSONSchema struct {
	Name   string
	Strict bool
	Schema map[string]interface{}
}

// CompletionResponse is the raw model answer
type CompletionResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// LanguageModelProvider runs completions against an external language model
type LanguageModelProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}
