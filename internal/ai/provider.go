package ai

import "context"

type Message struct {
	Role    string
	Content string
}

// Completion is a finished, non-streamed reply.
type Completion struct {
	Content string
	// Tokens is the provider-reported total (prompt + completion); 0 if unknown.
	Tokens int
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (Completion, error)
}
