package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/internal/feelix/dialog"
)

// RecallConfig configures a Recall.
type RecallConfig struct {
	// TopK is the number of past messages offered per turn. Defaults to 3.
	TopK int
	// MinScore drops weak matches.
	MinScore float64
	// Prefix is prepended to each recalled message.
	Prefix string
	// Timeout bounds one Augment or Remember call. Defaults to 5 s.
	Timeout time.Duration
}

// Recall ties an Embedder to a VectorStore. Its methods never fail the
// caller: errors are logged and the turn continues without recall.
type Recall struct {
	embedder Embedder
	vectors  *VectorStore
	cfg      RecallConfig
	clock    clock.Clock
	logger   *slog.Logger
}

// NewRecall creates a Recall.
func NewRecall(embedder Embedder, vectors *VectorStore, cfg RecallConfig, clk clock.Clock, logger *slog.Logger) *Recall {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "Something the user said earlier: "
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recall{embedder: embedder, vectors: vectors, cfg: cfg, clock: clock.OrSystem(clk), logger: logger}
}

// Augment returns System messages carrying the user's past messages most
// similar to text, or nil.
func (r *Recall) Augment(ctx context.Context, userID int64, text string) []dialog.Message {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	emb, err := r.embedder.Embed(ctx, text)
	if err != nil {
		r.logger.Warn("memory: recall embedding failed", "user", redact.UserTag(userID), "err", err)
		return nil
	}
	if len(emb) == 0 {
		return nil
	}
	hits, err := r.vectors.Search(ctx, userID, emb, r.cfg.TopK, r.cfg.MinScore)
	if err != nil {
		r.logger.Warn("memory: recall search failed", "user", redact.UserTag(userID), "err", err)
		return nil
	}
	now := r.clock.Now()
	out := make([]dialog.Message, 0, len(hits))
	for _, h := range hits {
		out = append(out, dialog.Message{Role: dialog.System, Content: r.cfg.Prefix + h.Content, Timestamp: now})
	}
	return out
}

// Remember embeds and stores text for later recall.
func (r *Recall) Remember(ctx context.Context, userID int64, text string) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	emb, err := r.embedder.Embed(ctx, text)
	if err != nil {
		r.logger.Warn("memory: remember embedding failed", "user", redact.UserTag(userID), "err", err)
		return
	}
	if len(emb) == 0 {
		return
	}
	if err := r.vectors.Add(ctx, Entry{UserID: userID, Content: text, Embedding: emb, CreatedAt: r.clock.Now()}); err != nil {
		r.logger.Warn("memory: remember failed", "user", redact.UserTag(userID), "err", err)
	}
}

// Wipe forgets everything remembered for a user.
func (r *Recall) Wipe(ctx context.Context, userID int64) error {
	return r.vectors.Wipe(ctx, userID)
}
