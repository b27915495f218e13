package rag

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oslerlabs/medrouter/internal/store"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func vec(v []float32) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestRankOrdersBySimilarity(t *testing.T) {
	recs := []store.EmbeddingRecord{
		{DocumentID: "d1", ChunkIndex: 0, ChunkText: "orthogonal", Vector: vec([]float32{0, 1})},
		{DocumentID: "d1", ChunkIndex: 1, ChunkText: "aligned", Vector: vec([]float32{1, 0})},
		{DocumentID: "d1", ChunkIndex: 2, ChunkText: "opposite", Vector: vec([]float32{-1, 0})},
	}
	got := Rank([]float32{1, 0}, recs, 2, discard())
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Text != "aligned" || got[0].Score < 0.99 {
		t.Errorf("head = %+v", got[0])
	}
	if got[1].Text != "orthogonal" {
		t.Errorf("second = %+v", got[1])
	}
}

func TestRankSkipsSentinelAndBadRows(t *testing.T) {
	recs := []store.EmbeddingRecord{
		{DocumentID: "d1", ChunkIndex: store.SentinelChunkIndex, ChunkText: "summary", Vector: vec([]float32{1, 0})},
		{DocumentID: "d1", ChunkIndex: 0, ChunkText: "wrong dims", Vector: vec([]float32{1, 0, 0})},
		{DocumentID: "d1", ChunkIndex: 1, ChunkText: "not json", Vector: "garbage"},
		{DocumentID: "d1", ChunkIndex: 2, ChunkText: "zero vector", Vector: vec([]float32{0, 0})},
		{DocumentID: "d1", ChunkIndex: 3, ChunkText: "good", Vector: vec([]float32{0.6, 0.8})},
	}
	got := Rank([]float32{0.6, 0.8}, recs, 10, discard())
	if len(got) != 1 || got[0].Text != "good" {
		t.Errorf("got %+v", got)
	}
}

type fixedEmbedder struct {
	vec   []float32
	calls int
}

func (f *fixedEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = f.vec
	}
	return out, nil
}

func newSearchStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestRetrieve(t *testing.T) {
	s := newSearchStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = s.CreateUser(ctx, store.UserRecord{ID: "u1", Email: "u1@example.edu", Plan: store.PlanFree, CreatedAt: now, UpdatedAt: now})
	_ = s.InsertDocument(ctx, store.DocumentRecord{ID: "d1", UserID: "u1", Filename: "cardio.pdf", FileType: "pdf", BlobPath: "x", ProcessingStatus: store.DocCompleted, CreatedAt: now})
	_ = s.InsertDocument(ctx, store.DocumentRecord{ID: "d2", UserID: "u1", Filename: "pending.pdf", FileType: "pdf", BlobPath: "y", ProcessingStatus: store.DocPending, CreatedAt: now})
	_ = s.InsertEmbeddings(ctx, []store.EmbeddingRecord{
		{DocumentID: "d1", ChunkIndex: 0, ChunkText: "relevant chunk", Vector: vec([]float32{1, 0})},
		{DocumentID: "d1", ChunkIndex: 1, ChunkText: "irrelevant chunk", Vector: vec([]float32{0, 1})},
		{DocumentID: "d2", ChunkIndex: 0, ChunkText: "unprocessed chunk", Vector: vec([]float32{1, 0})},
	})

	emb := &fixedEmbedder{vec: []float32{1, 0}}
	searcher := NewSearcher(s, emb, discard())

	chunks, err := searcher.Retrieve(ctx, "u1", "tell me about the heart", 1, "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "relevant chunk" {
		t.Errorf("chunks = %+v", chunks)
	}
	if chunks[0].DocumentFilename != "cardio.pdf" {
		t.Errorf("filename = %q", chunks[0].DocumentFilename)
	}
}

func TestRetrieveNarrowsToDocument(t *testing.T) {
	s := newSearchStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = s.CreateUser(ctx, store.UserRecord{ID: "u1", Email: "u1@example.edu", Plan: store.PlanFree, CreatedAt: now, UpdatedAt: now})
	_ = s.InsertDocument(ctx, store.DocumentRecord{ID: "d1", UserID: "u1", Filename: "cardio.pdf", FileType: "pdf", BlobPath: "x", ProcessingStatus: store.DocCompleted, CreatedAt: now})
	_ = s.InsertDocument(ctx, store.DocumentRecord{ID: "d2", UserID: "u1", Filename: "renal.pdf", FileType: "pdf", BlobPath: "y", ProcessingStatus: store.DocCompleted, CreatedAt: now})
	_ = s.InsertEmbeddings(ctx, []store.EmbeddingRecord{
		{DocumentID: "d1", ChunkIndex: 0, ChunkText: "cardio chunk", Vector: vec([]float32{1, 0})},
		{DocumentID: "d2", ChunkIndex: 0, ChunkText: "renal chunk", Vector: vec([]float32{1, 0})},
	})

	emb := &fixedEmbedder{vec: []float32{1, 0}}
	searcher := NewSearcher(s, emb, discard())

	chunks, err := searcher.Retrieve(ctx, "u1", "filtration", 5, "d2")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 1 || chunks[0].DocumentID != "d2" || chunks[0].DocumentFilename != "renal.pdf" {
		t.Errorf("chunks = %+v", chunks)
	}

	// A document the user does not own retrieves nothing, silently.
	chunks, err = searcher.Retrieve(ctx, "u1", "filtration", 5, "someone-elses-doc")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if chunks != nil {
		t.Errorf("chunks = %+v", chunks)
	}
	if emb.calls != 1 {
		t.Errorf("embed calls = %d", emb.calls)
	}
}

func TestRetrieveNoDocumentsSkipsEmbedding(t *testing.T) {
	s := newSearchStore(t)
	emb := &fixedEmbedder{vec: []float32{1, 0}}
	searcher := NewSearcher(s, emb, discard())

	chunks, err := searcher.Retrieve(context.Background(), "u-nobody", "query", 3, "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if chunks != nil {
		t.Errorf("chunks = %+v", chunks)
	}
	if emb.calls != 0 {
		t.Error("embedding should not be called without documents")
	}
}
