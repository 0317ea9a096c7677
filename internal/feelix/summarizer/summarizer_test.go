package summarizer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bdobrica/feelix/internal/feelix/dialog"
	"github.com/bdobrica/feelix/internal/feelix/llm"
	"github.com/bdobrica/feelix/internal/feelix/summarizer"
)

var cfg = summarizer.Config{
	Instruction:     "Retell the conversation.",
	Continuation:    "Please start.",
	FailureUpstream: "server error",
	FailureUnknown:  "unknown error",
	Params:          llm.Params{Temperature: 0.5, TopP: 1},
}

var history = []dialog.Message{
	{Role: dialog.System, Content: "persona"},
	{Role: dialog.User, Content: "I am tired"},
	{Role: dialog.Assistant, Content: "Tell me more"},
}

func TestSummarize_BuildsThreeMessageRequest(t *testing.T) {
	var (
		gotMsgs   []dialog.Message
		gotParams llm.Params
	)
	model := llm.CompleterFunc(func(_ context.Context, msgs []dialog.Message, p llm.Params) (string, error) {
		gotMsgs, gotParams = msgs, p
		return "  They are tired.  ", nil
	})
	s := summarizer.New(model, cfg, nil)

	text, err := s.Summarize(context.Background(), 1, history)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if text != "They are tired." {
		t.Errorf("text: got %q", text)
	}
	if gotParams != cfg.Params {
		t.Errorf("params: got %+v, want %+v", gotParams, cfg.Params)
	}
	if len(gotMsgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(gotMsgs))
	}
	if gotMsgs[0].Role != dialog.User || gotMsgs[0].Content != cfg.Instruction {
		t.Errorf("instruction: got %+v", gotMsgs[0])
	}
	wantTranscript := "system: persona\nuser: I am tired\nassistant: Tell me more"
	if gotMsgs[1].Role != dialog.System || gotMsgs[1].Content != wantTranscript {
		t.Errorf("transcript: got %+v", gotMsgs[1])
	}
	if gotMsgs[2].Role != dialog.User || gotMsgs[2].Content != cfg.Continuation {
		t.Errorf("continuation: got %+v", gotMsgs[2])
	}
}

func TestSummarize_FailureTexts(t *testing.T) {
	tests := []struct {
		name         string
		reply        string
		err          error
		wantText     string
		wantUpstream bool
	}{
		{"upstream", "", &llm.UpstreamError{Status: 503, Message: "down"}, "server error", true},
		{"network", "", errors.New("connection reset"), "unknown error", false},
		{"empty reply", "   ", nil, "unknown error", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			model := llm.CompleterFunc(func(context.Context, []dialog.Message, llm.Params) (string, error) {
				return tc.reply, tc.err
			})
			text, err := summarizer.New(model, cfg, nil).Summarize(context.Background(), 1, history)
			if text != tc.wantText {
				t.Errorf("text: got %q, want %q", text, tc.wantText)
			}
			var serr *summarizer.SummarizationError
			if !errors.As(err, &serr) {
				t.Fatalf("got %v, want *SummarizationError", err)
			}
			if serr.Upstream() != tc.wantUpstream {
				t.Errorf("Upstream: got %v, want %v", serr.Upstream(), tc.wantUpstream)
			}
		})
	}
}
