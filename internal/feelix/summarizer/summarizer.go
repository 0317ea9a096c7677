// Package summarizer condenses a conversation ledger into a short
// third-person retelling using the chat model.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/internal/feelix/dialog"
	"github.com/bdobrica/feelix/internal/feelix/llm"
)

// Config holds the prompts and failure texts of a Summarizer.
type Config struct {
	Instruction     string
	Continuation    string
	FailureUpstream string
	FailureUnknown  string
	Params          llm.Params
}

// SummarizationError reports why a summary could not be produced. The
// accompanying text returned by Summarize is the fallback failure string.
type SummarizationError struct {
	UserID int64
	Err    error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarizer: user %s: %v", redact.UserTag(e.UserID), e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// Upstream reports whether the model backend rejected the request.
func (e *SummarizationError) Upstream() bool {
	var ue *llm.UpstreamError
	return errors.As(e.Err, &ue)
}

// Summarizer builds summarization requests for a Completer.
type Summarizer struct {
	model  llm.Completer
	cfg    Config
	logger *slog.Logger
}

// New creates a Summarizer.
func New(model llm.Completer, cfg Config, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{model: model, cfg: cfg, logger: logger}
}

// Summarize returns a summary of msgs. On failure it returns the configured
// failure text together with a *SummarizationError; the text is always
// usable as a summary.
func (s *Summarizer) Summarize(ctx context.Context, userID int64, msgs []dialog.Message) (string, error) {
	req := s.Request(msgs)
	summary, err := s.model.Complete(ctx, req, s.cfg.Params)
	if err == nil {
		summary = strings.TrimSpace(summary)
		if summary == "" {
			err = errors.New("empty summary")
		}
	}
	if err != nil {
		serr := &SummarizationError{UserID: userID, Err: err}
		text := s.cfg.FailureUnknown
		if serr.Upstream() {
			text = s.cfg.FailureUpstream
		}
		s.logger.Error("summarizer: failed", "user", redact.UserTag(userID), "upstream", serr.Upstream(), "err", err)
		return text, serr
	}
	s.logger.Info("summarizer: summary produced", "user", redact.UserTag(userID),
		"input_chars", dialog.TotalLen(msgs), "summary_chars", len([]rune(summary)))
	return summary, nil
}

// Request builds the three-message summarization request: the instruction,
// the transcript as a System message and the continuation cue.
func (s *Summarizer) Request(msgs []dialog.Message) []dialog.Message {
	return []dialog.Message{
		{Role: dialog.User, Content: s.cfg.Instruction},
		{Role: dialog.System, Content: Transcript(msgs)},
		{Role: dialog.User, Content: s.cfg.Continuation},
	}
}

// Transcript renders msgs as "role: content" lines.
func Transcript(msgs []dialog.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}
