// Package rag retrieves document chunks relevant to a query by cosine
// similarity over stored embeddings.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/oslerlabs/medrouter/internal/store"
)

// DefaultTopK is how many chunks a chat turn cites.
const DefaultTopK = 3

// Embedder produces query vectors. Satisfied by the router engine.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Chunk is one scored retrieval hit.
type Chunk struct {
	DocumentID       string  `json:"document_id"`
	DocumentFilename string  `json:"document_filename,omitempty"`
	ChunkIndex       int     `json:"chunk_index"`
	Text             string  `json:"text"`
	Score            float64 `json:"score"`
}

// cosine returns similarity in [-1, 1], or NaN for unusable pairs.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.NaN()
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank scores stored embeddings against the query vector and returns the
// topK best chunks. Rows with undecodable or dimension-mismatched vectors
// are skipped; a few bad rows must not break retrieval.
func Rank(query []float32, recs []store.EmbeddingRecord, topK int, logger *slog.Logger) []Chunk {
	if topK <= 0 {
		topK = DefaultTopK
	}
	scored := make([]Chunk, 0, len(recs))
	for _, rec := range recs {
		if rec.ChunkIndex == store.SentinelChunkIndex {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(rec.Vector), &vec); err != nil {
			logger.Warn("undecodable embedding vector, skipping",
				slog.String("document_id", rec.DocumentID),
				slog.Int("chunk_index", rec.ChunkIndex))
			continue
		}
		score := cosine(query, vec)
		if math.IsNaN(score) {
			logger.Warn("embedding dimension mismatch, skipping",
				slog.String("document_id", rec.DocumentID),
				slog.Int("chunk_index", rec.ChunkIndex))
			continue
		}
		scored = append(scored, Chunk{
			DocumentID: rec.DocumentID,
			ChunkIndex: rec.ChunkIndex,
			Text:       rec.ChunkText,
			Score:      score,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// Searcher retrieves chunks from a user's completed documents.
type Searcher struct {
	store    store.Store
	embedder Embedder
	logger   *slog.Logger
}

func NewSearcher(s store.Store, e Embedder, logger *slog.Logger) *Searcher {
	return &Searcher{store: s, embedder: e, logger: logger}
}

// Retrieve embeds the query and ranks it against every chunk of the user's
// completed documents. A non-empty documentID narrows retrieval to that one
// document; an ID the user does not own retrieves nothing. A user with no
// completed documents retrieves nothing, without an upstream embedding call.
func (s *Searcher) Retrieve(ctx context.Context, userID, query string, topK int, documentID string) ([]Chunk, error) {
	docs, err := s.store.ListDocumentsByStatus(ctx, userID, store.DocCompleted)
	if err != nil {
		return nil, fmt.Errorf("rag: list documents: %w", err)
	}
	var ids []string
	names := make(map[string]string, len(docs))
	for _, d := range docs {
		if documentID != "" && d.ID != documentID {
			continue
		}
		ids = append(ids, d.ID)
		names[d.ID] = d.Filename
	}
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := s.store.EmbeddingsForDocuments(ctx, ids, false)
	if err != nil {
		return nil, fmt.Errorf("rag: load embeddings: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	chunks := Rank(vecs[0], recs, topK, s.logger)
	for i := range chunks {
		chunks[i].DocumentFilename = names[chunks[i].DocumentID]
	}
	return chunks, nil
}
