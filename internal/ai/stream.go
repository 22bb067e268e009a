package ai

import "context"

// StreamResult is sent exactly once, after the chunk channel is closed.
// Err is set when the stream ended early; Tokens holds whatever usage the
// provider reported.
type StreamResult struct {
	Tokens int
	Err    error
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan StreamResult)
}

// startStream runs produce in its own goroutine and wires it to the channel
// pair StreamChat returns. emit reports false once ctx is done, at which point
// produce should stop.
func startStream(ctx context.Context, produce func(emit func(string) bool) (int, error)) (<-chan string, <-chan StreamResult) {
	chunks := make(chan string, 16)
	results := make(chan StreamResult, 1)

	go func() {
		var res StreamResult
		defer func() {
			close(chunks)
			results <- res
			close(results)
		}()

		emit := func(s string) bool {
			select {
			case chunks <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		res.Tokens, res.Err = produce(emit)
		if res.Err == nil && ctx.Err() != nil {
			res.Err = ctx.Err()
		}
	}()

	return chunks, results
}
