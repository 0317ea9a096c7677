// Package memory gives the model a best-effort recall of a user's earlier
// messages: turns are embedded and stored per user, and the closest past
// messages are offered as extra System context on later turns.
package memory

import "context"

// Embedder produces vector embeddings for text.
type Embedder interface {
	// Embed returns nil with no error when embedding is not available.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NoopEmbedder disables recall.
type NoopEmbedder struct{}

// Embed always returns nil.
func (NoopEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, nil }

var _ Embedder = NoopEmbedder{}
