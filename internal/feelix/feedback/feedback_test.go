package feedback_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/internal/feelix/feedback"
	"github.com/bdobrica/feelix/internal/feelix/store/storetest"
)

func TestStore_AddListExport(t *testing.T) {
	db := storetest.New(t)
	clk := clock.NewManual(time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC))
	s := feedback.NewStore(db.DB(), clk, nil)
	ctx := context.Background()

	out, err := s.Export(ctx)
	if err != nil || out != nil {
		t.Fatalf("empty export: got %q err=%v", out, err)
	}

	if _, err := s.Add(ctx, 1, "alice", "  great bot  "); err != nil {
		t.Fatalf("Add: %v", err)
	}
	clk.Advance(time.Hour)
	if _, err := s.Add(ctx, 2, "", "needs dark mode"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, 3, "bob", "   "); !errors.Is(err, feedback.ErrEmpty) {
		t.Errorf("blank feedback: got %v, want ErrEmpty", err)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].Text != "great bot" {
		t.Fatalf("List: got %+v", all)
	}

	out, err = s.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	want := "[01/05/26 09:30] User 1 (alice): great bot\n" +
		"[01/05/26 10:30] User 2 (unknown_user): needs dark mode\n"
	if string(out) != want {
		t.Errorf("Export:\ngot  %q\nwant %q", out, want)
	}
}
