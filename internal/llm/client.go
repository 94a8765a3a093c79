// Package llm defines the AI provider contract the agent and auto-fix
// paths depend on, plus the Gemini-backed implementation. Only the
// request/response shape matters to the core; swapping providers means
// implementing Client.
package llm

import "context"

// Client is the AI provider interface.
type Client interface {
	// Complete sends a system and user prompt and returns the text reply.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
