// Package ingest processes uploaded documents in the background: PDF text
// extraction, chunking, embedding, whole-document summaries, and image
// interpretation. Work is queued in-process with a bounded buffer and a
// fixed worker pool.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/oslerlabs/medrouter/internal/blob"
	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/provider"
	"github.com/oslerlabs/medrouter/internal/router"
	"github.com/oslerlabs/medrouter/internal/store"
)

// ErrQueueFull is returned when the ingestion queue cannot accept more work.
var ErrQueueFull = errors.New("ingest: queue full")

// embedBatch is how many chunks are embedded per upstream call.
const embedBatch = 32

// summaryInputWords caps how much document text feeds the summary prompt.
const summaryInputWords = 4000

// AIClient is the slice of the router the pipeline needs.
type AIClient interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Route(ctx context.Context, user *store.UserRecord, providerHint string, req provider.Request) (*router.RouteResult, error)
}

// Config sizes the pipeline.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns the production sizing.
func DefaultConfig() Config {
	return Config{Workers: 2, QueueSize: 64}
}

// Pipeline owns the document processing queue and workers.
type Pipeline struct {
	store   store.Store
	blobs   *blob.Store
	ai      AIClient
	metrics *metrics.Registry
	logger  *slog.Logger

	queue   chan string
	workers int
	cancel  context.CancelFunc
	group   *errgroup.Group

	// extractPDF is swappable in tests.
	extractPDF func(path string) (string, error)
}

func NewPipeline(cfg Config, s store.Store, blobs *blob.Store, ai AIClient, m *metrics.Registry, logger *slog.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Pipeline{
		store:      s,
		blobs:      blobs,
		ai:         ai,
		metrics:    m,
		logger:     logger,
		queue:      make(chan string, cfg.QueueSize),
		workers:    cfg.Workers,
		extractPDF: extractPDFText,
	}
}

// Start launches the worker pool. workers <= 0 uses the configured count.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = p.workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case docID := <-p.queue:
					p.metrics.IngestQueueDepth.Set(float64(len(p.queue)))
					p.Process(ctx, docID)
				}
			}
		})
	}
}

// Stop cancels the workers and waits for in-flight documents to finish.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
		_ = p.group.Wait()
	}
}

// Enqueue schedules a document for processing without blocking the upload
// request. A full queue is reported to the caller, not silently dropped.
func (p *Pipeline) Enqueue(docID string) error {
	select {
	case p.queue <- docID:
		p.metrics.IngestQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Process runs the full pipeline for one document. Exported for synchronous
// use in tests and the CLI.
func (p *Pipeline) Process(ctx context.Context, docID string) {
	doc, err := p.store.GetDocument(ctx, docID)
	if err != nil {
		p.logger.Error("ingest: document vanished", slog.String("document_id", docID))
		return
	}
	if err := p.store.UpdateDocumentStatus(ctx, docID, store.DocProcessing, ""); err != nil {
		p.logger.Error("ingest: mark processing", slog.String("error", err.Error()))
		return
	}

	var perr error
	switch doc.FileType {
	case "pdf":
		perr = p.processPDF(ctx, doc)
	case "image":
		perr = p.processImage(ctx, doc)
	default:
		perr = fmt.Errorf("unsupported file type %q", doc.FileType)
	}

	if perr != nil {
		p.logger.Warn("ingest: processing failed",
			slog.String("document_id", docID),
			slog.String("error", perr.Error()))
		if err := p.store.UpdateDocumentStatus(ctx, docID, store.DocFailed, perr.Error()); err != nil {
			p.logger.Error("ingest: mark failed", slog.String("error", err.Error()))
		}
		return
	}
	if err := p.store.UpdateDocumentStatus(ctx, docID, store.DocCompleted, ""); err != nil {
		p.logger.Error("ingest: mark completed", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) processPDF(ctx context.Context, doc *store.DocumentRecord) error {
	path, err := p.blobs.Path(doc.BlobPath)
	if err != nil {
		return err
	}
	text, err := p.extractPDF(path)
	if err != nil {
		return err
	}
	chunks := ChunkText(text)
	if len(chunks) == 0 {
		return errors.New("no extractable text")
	}

	// Embed and persist chunk batches.
	for start := 0; start < len(chunks); start += embedBatch {
		end := start + embedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		vecs, err := p.ai.Embed(ctx, batch)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		recs := make([]store.EmbeddingRecord, len(batch))
		for i, chunk := range batch {
			raw, _ := json.Marshal(vecs[i])
			recs[i] = store.EmbeddingRecord{
				DocumentID: doc.ID,
				ChunkText:  chunk,
				ChunkIndex: start + i,
				Vector:     string(raw),
			}
		}
		if err := p.store.InsertEmbeddings(ctx, recs); err != nil {
			return fmt.Errorf("store embeddings: %w", err)
		}
	}

	// Whole-document summary, stored as the sentinel row. Summary failure
	// does not fail the document; chunks are already searchable.
	if err := p.storeSummary(ctx, doc, text); err != nil {
		p.logger.Warn("ingest: summary failed",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()))
	}
	return nil
}

func (p *Pipeline) storeSummary(ctx context.Context, doc *store.DocumentRecord, text string) error {
	owner, err := p.store.GetUser(ctx, doc.UserID)
	if err != nil {
		return fmt.Errorf("load owner: %w", err)
	}
	words := strings.Fields(text)
	if len(words) > summaryInputWords {
		words = words[:summaryInputWords]
	}
	res, err := p.ai.Route(ctx, owner, "", provider.Request{
		Feature: "document_upload",
		Messages: []provider.Message{
			{Role: "system", Content: "You summarize study material for medical students. Reply with a concise summary under 200 words."},
			{Role: "user", Content: "Summarize this document:\n\n" + strings.Join(words, " ")},
		},
	})
	if err != nil {
		return err
	}
	return p.storeSentinel(ctx, doc.ID, res.Content)
}

func (p *Pipeline) processImage(ctx context.Context, doc *store.DocumentRecord) error {
	r, err := p.blobs.Open(doc.BlobPath)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	owner, err := p.store.GetUser(ctx, doc.UserID)
	if err != nil {
		return fmt.Errorf("load owner: %w", err)
	}

	uri := "data:" + imageMIME(doc.Filename) + ";base64," + base64.StdEncoding.EncodeToString(data)
	res, err := p.ai.Route(ctx, owner, "", provider.Request{
		Feature: "image",
		Messages: []provider.Message{
			{
				Role:         "user",
				Content:      "Describe this medical image in detail: modality, anatomy shown, and notable findings.",
				ImageDataURI: uri,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("interpret image: %w", err)
	}
	return p.storeSentinel(ctx, doc.ID, res.Content)
}

// storeSentinel embeds the text and writes it as the document's sentinel row.
func (p *Pipeline) storeSentinel(ctx context.Context, docID, text string) error {
	vecs, err := p.ai.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed sentinel: %w", err)
	}
	raw, _ := json.Marshal(vecs[0])
	return p.store.InsertEmbeddings(ctx, []store.EmbeddingRecord{{
		DocumentID: docID,
		ChunkText:  text,
		ChunkIndex: store.SentinelChunkIndex,
		Vector:     string(raw),
	}})
}

func imageMIME(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
