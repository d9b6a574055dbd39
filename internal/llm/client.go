// Package llm provides LLM client implementations.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Complete sends a system+user prompt pair and returns the model's
	// text response.
	Complete(ctx context.Context, model, system, user string) (string, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
