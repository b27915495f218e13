package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oslerlabs/medrouter/internal/features"
	"github.com/oslerlabs/medrouter/internal/ingest"
	"github.com/oslerlabs/medrouter/internal/store"
)

// maxUploadBytes caps one document upload (20 MB).
const maxUploadBytes = 20 << 20

// fileTypeFor classifies an upload by extension. Empty means unsupported.
func fileTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "pdf"
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return "image"
	default:
		return ""
	}
}

func DocumentUploadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			jsonError(w, http.StatusRequestEntityTooLarge, codeBadRequest, "upload too large or malformed")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "file field required")
			return
		}
		defer func() { _ = file.Close() }()

		fileType := fileTypeFor(header.Filename)
		if fileType == "" {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "only pdf and image uploads are supported")
			return
		}
		feature := features.FeatureDocumentUpload
		if fileType == "image" {
			feature = features.FeatureImage
		}
		if !checkFeature(d, w, r, user, feature) {
			return
		}

		docID := uuid.NewString()
		key, size, err := d.Blobs.Save(user.ID, docID, filepath.Ext(header.Filename), file)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "store upload failed")
			return
		}
		doc := store.DocumentRecord{
			ID:               docID,
			UserID:           user.ID,
			Filename:         header.Filename,
			FileType:         fileType,
			SizeBytes:        size,
			BlobPath:         key,
			ProcessingStatus: store.DocPending,
			CreatedAt:        time.Now().UTC(),
		}
		if err := d.Store.InsertDocument(r.Context(), doc); err != nil {
			_ = d.Blobs.Delete(key)
			jsonError(w, http.StatusInternalServerError, codeInternal, "persist document failed")
			return
		}
		if err := d.Pipeline.Enqueue(docID); err != nil {
			if derr := d.Store.DeleteDocument(r.Context(), docID); derr != nil {
				d.Logger.Error("rollback document failed", slog.String("error", derr.Error()))
			}
			_ = d.Blobs.Delete(key)
			if errors.Is(err, ingest.ErrQueueFull) {
				w.Header().Set("Retry-After", "30")
				jsonError(w, http.StatusServiceUnavailable, codeInternal, "ingestion queue full, retry later")
				return
			}
			jsonError(w, http.StatusInternalServerError, codeInternal, "enqueue failed")
			return
		}
		d.Quota.Record(r.Context(), user.ID, feature, 0)

		writeJSON(w, http.StatusAccepted, map[string]any{"document": doc})
	}
}

func DocumentsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := d.Store.ListDocuments(r.Context(), userFrom(r).ID)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "list documents failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	}
}

// ownedDocument loads a document and verifies ownership. Unknown and foreign
// documents are indistinguishable to the caller.
func (d Dependencies) ownedDocument(w http.ResponseWriter, r *http.Request) (*store.DocumentRecord, bool) {
	doc, err := d.Store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil || doc.UserID != userFrom(r).ID {
		jsonError(w, http.StatusNotFound, codeNotFound, "document not found")
		return nil, false
	}
	return doc, true
}

func DocumentGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := d.ownedDocument(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": doc})
	}
}

func DocumentDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := d.ownedDocument(w, r)
		if !ok {
			return
		}
		if err := d.Store.DeleteDocument(r.Context(), doc.ID); err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "delete document failed")
			return
		}
		if err := d.Blobs.Delete(doc.BlobPath); err != nil {
			d.Logger.Warn("blob delete failed",
				slog.String("document_id", doc.ID),
				slog.String("error", err.Error()))
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func UsageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.Quota.Usage(r.Context(), userFrom(r))
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "load usage failed")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}
