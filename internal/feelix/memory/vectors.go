package memory

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/feelix/common/crypto"
	"github.com/bdobrica/feelix/internal/feelix/store"
)

const defaultMaxCandidates = 500

// Entry is one remembered message.
type Entry struct {
	ID        string
	UserID    int64
	Content   string
	Embedding []float32
	CreatedAt time.Time
}

// Hit is a search result.
type Hit struct {
	Entry
	Score float64
}

// VectorStore keeps embeddings in the memory_vectors table and ranks them
// with cosine similarity computed in Go.
type VectorStore struct {
	db            *sql.DB
	sealer        *crypto.Sealer
	maxCandidates int
	logger        *slog.Logger
}

// NewVectorStore creates a VectorStore. sealer may be nil. Search scores at
// most maxCandidates of the user's newest entries; zero means 500.
func NewVectorStore(db *sql.DB, sealer *crypto.Sealer, maxCandidates int, logger *slog.Logger) *VectorStore {
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorStore{db: db, sealer: sealer, maxCandidates: maxCandidates, logger: logger}
}

// Add stores e, assigning an id when empty.
func (s *VectorStore) Add(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	emb, err := json.Marshal(e.Embedding)
	if err != nil {
		return fmt.Errorf("memory: marshal embedding: %w", err)
	}
	content := []byte(e.Content)
	if s.sealer != nil {
		if content, err = s.sealer.Seal(content, contentAD(e.UserID)); err != nil {
			return store.Wrap("seal memory", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_vectors (id, user_id, content, sealed, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, content, s.sealer != nil, string(emb), e.CreatedAt.UnixMilli())
	if err != nil {
		return store.Wrap("add memory", err)
	}
	return nil
}

// Search returns up to topK entries of the user ranked by similarity to
// query, keeping only those scoring at least minScore.
func (s *VectorStore) Search(ctx context.Context, userID int64, query []float32, topK int, minScore float64) ([]Hit, error) {
	if topK <= 0 || len(query) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, sealed, embedding, created_at
		FROM memory_vectors
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, s.maxCandidates)
	if err != nil {
		return nil, store.Wrap("search memory", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h       Hit
			content []byte
			sealed  bool
			emb     string
			created int64
		)
		if err := rows.Scan(&h.ID, &content, &sealed, &emb, &created); err != nil {
			return nil, store.Wrap("search memory", err)
		}
		if err := json.Unmarshal([]byte(emb), &h.Embedding); err != nil {
			s.logger.Warn("memory: skip malformed embedding", "id", h.ID, "err", err)
			continue
		}
		h.Score = cosineSimilarity(query, h.Embedding)
		if h.Score < minScore {
			continue
		}
		if sealed {
			if s.sealer == nil {
				continue
			}
			if content, err = s.sealer.Open(content, contentAD(userID)); err != nil {
				s.logger.Warn("memory: skip unreadable entry", "id", h.ID, "err", err)
				continue
			}
		}
		h.UserID = userID
		h.Content = string(content)
		h.CreatedAt = store.UnixMillis(created)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("search memory", err)
	}

	slices.SortStableFunc(hits, func(a, b Hit) int { return cmp.Compare(b.Score, a.Score) })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Wipe deletes every entry of a user.
func (s *VectorStore) Wipe(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_vectors WHERE user_id = ?`, userID); err != nil {
		return store.Wrap("wipe memory", err)
	}
	return nil
}

func contentAD(userID int64) []byte {
	return []byte("memory:" + strconv.FormatInt(userID, 10))
}

// cosineSimilarity returns 0 for vectors of different length or zero
// magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
