// Package llm talks to OpenAI-compatible chat-completion backends.
package llm

import (
	"context"
	"fmt"

	"github.com/bdobrica/feelix/internal/feelix/dialog"
)

// Params are the sampling parameters of one completion.
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Completer produces the next assistant message for a conversation.
type Completer interface {
	Complete(ctx context.Context, msgs []dialog.Message, p Params) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, msgs []dialog.Message, p Params) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, msgs []dialog.Message, p Params) (string, error) {
	return f(ctx, msgs, p)
}

// UpstreamError is returned when the backend answers with a non-2xx status
// or an error body. Status is 0 when the backend reported an error inside a
// 2xx response.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return "llm: upstream error: " + e.Message
	}
	return fmt.Sprintf("llm: upstream error (HTTP %d): %s", e.Status, e.Message)
}
