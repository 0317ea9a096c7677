package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/crypto"
	"github.com/bdobrica/feelix/internal/feelix/dialog"
	"github.com/bdobrica/feelix/internal/feelix/memory"
	"github.com/bdobrica/feelix/internal/feelix/store/storetest"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestVectorStore_SearchRanksPerUser(t *testing.T) {
	db := storetest.New(t)
	vs := memory.NewVectorStore(db.DB(), nil, 0, nil)
	ctx := context.Background()

	entries := []memory.Entry{
		{UserID: 1, Content: "exams", Embedding: []float32{1, 0}, CreatedAt: epoch},
		{UserID: 1, Content: "sleep", Embedding: []float32{0, 1}, CreatedAt: epoch.Add(time.Minute)},
		{UserID: 1, Content: "exam stress", Embedding: []float32{0.9, 0.1}, CreatedAt: epoch.Add(2 * time.Minute)},
		{UserID: 2, Content: "other user", Embedding: []float32{1, 0}, CreatedAt: epoch},
	}
	for _, e := range entries {
		if err := vs.Add(ctx, e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	hits, err := vs.Search(ctx, 1, []float32{1, 0}, 2, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2: %+v", len(hits), hits)
	}
	if hits[0].Content != "exams" || hits[1].Content != "exam stress" {
		t.Errorf("order: got %q, %q", hits[0].Content, hits[1].Content)
	}
	for _, h := range hits {
		if h.UserID != 1 {
			t.Errorf("hit from user %d leaked into user 1 search", h.UserID)
		}
	}

	if err := vs.Wipe(ctx, 1); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	hits, _ = vs.Search(ctx, 1, []float32{1, 0}, 2, 0)
	if len(hits) != 0 {
		t.Errorf("after wipe: got %d hits", len(hits))
	}
}

func TestVectorStore_Sealed(t *testing.T) {
	db := storetest.New(t)
	sealer, err := crypto.NewSealer(make([]byte, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	vs := memory.NewVectorStore(db.DB(), sealer, 0, nil)
	ctx := context.Background()
	if err := vs.Add(ctx, memory.Entry{UserID: 1, Content: "private", Embedding: []float32{1}, CreatedAt: epoch}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	var raw []byte
	if err := db.DB().QueryRowContext(ctx, `SELECT content FROM memory_vectors`).Scan(&raw); err != nil {
		t.Fatalf("select: %v", err)
	}
	if strings.Contains(string(raw), "private") {
		t.Error("content stored in plaintext")
	}
	hits, err := vs.Search(ctx, 1, []float32{1}, 1, 0)
	if err != nil || len(hits) != 1 || hits[0].Content != "private" {
		t.Errorf("got %+v err=%v", hits, err)
	}
}

type fakeEmbedder map[string][]float32

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "boom" {
		return nil, errors.New("embedder down")
	}
	return f[text], nil
}

func TestRecall_AugmentAndRemember(t *testing.T) {
	db := storetest.New(t)
	emb := fakeEmbedder{
		"I failed my exam":    {1, 0},
		"I love my cat":       {0, 1},
		"the exam went badly": {0.95, 0.05},
		"boom":                nil,
	}
	r := memory.NewRecall(emb, memory.NewVectorStore(db.DB(), nil, 0, nil),
		memory.RecallConfig{TopK: 1, Prefix: "Earlier: "}, clock.NewManual(epoch), nil)
	ctx := context.Background()

	r.Remember(ctx, 1, "I failed my exam")
	r.Remember(ctx, 1, "I love my cat")
	r.Remember(ctx, 1, "boom")

	got := r.Augment(ctx, 1, "the exam went badly")
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Role != dialog.System || got[0].Content != "Earlier: I failed my exam" {
		t.Errorf("got %+v", got[0])
	}

	if got := r.Augment(ctx, 1, "boom"); got != nil {
		t.Errorf("failing embedder should yield no recall, got %+v", got)
	}
	if got := r.Augment(ctx, 1, "unknown text"); got != nil {
		t.Errorf("empty embedding should yield no recall, got %+v", got)
	}
}

func TestRecall_NoopEmbedder(t *testing.T) {
	db := storetest.New(t)
	r := memory.NewRecall(memory.NoopEmbedder{}, memory.NewVectorStore(db.DB(), nil, 0, nil), memory.RecallConfig{}, nil, nil)
	ctx := context.Background()
	r.Remember(ctx, 1, "hello")
	if got := r.Augment(ctx, 1, "hello"); got != nil {
		t.Errorf("noop embedder: got %+v", got)
	}
}
