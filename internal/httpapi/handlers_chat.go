package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oslerlabs/medrouter/internal/features"
	"github.com/oslerlabs/medrouter/internal/provider"
	"github.com/oslerlabs/medrouter/internal/rag"
	"github.com/oslerlabs/medrouter/internal/router"
	"github.com/oslerlabs/medrouter/internal/store"
)

// historyLimit bounds how many prior messages feed the model.
const historyLimit = 20

// titleLen bounds the auto-generated session title.
const titleLen = 60

const chatSystemPrompt = "You are a tutor for medical students. Answer precisely, " +
	"cite provided study material when it is relevant, and say so when you are unsure."

// ChatRequest is the JSON body for POST /api/chat. DocumentID narrows
// retrieval to one document. Stream switches the response to server-sent
// events.
type ChatRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
}

// ChatResponse is the reply envelope. Citations list the retrieved chunks
// that grounded the answer, empty when none were used. UsedUserKey reports
// whether the student's own credential served the request.
type ChatResponse struct {
	SessionID   string      `json:"session_id"`
	MessageID   string      `json:"message_id"`
	Content     string      `json:"content"`
	TokensUsed  int64       `json:"tokens_used"`
	UsedUserKey bool        `json:"used_user_key"`
	Attempts    int         `json:"attempts"`
	Citations   []rag.Chunk `json:"citations,omitempty"`
}

func ChatHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "bad json")
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "message required")
			return
		}
		if !checkFeature(d, w, r, user, features.FeatureChat) {
			return
		}

		sess, ok := d.resolveSession(w, r, user, req)
		if !ok {
			return
		}

		// Retrieval is best-effort: a broken index degrades to plain chat.
		chunks, err := d.Search.Retrieve(r.Context(), user.ID, req.Message, rag.DefaultTopK, req.DocumentID)
		if err != nil {
			d.Logger.Warn("retrieval failed, answering without context",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()))
			chunks = nil
		}

		history, err := d.Store.ListMessages(r.Context(), sess.ID, historyLimit)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "load history failed")
			return
		}

		messages := buildChatMessages(history, chunks, req.Message)
		userMsg := store.MessageRecord{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Role:      "user",
			Content:   req.Message,
			CreatedAt: time.Now().UTC(),
		}
		if err := d.Store.InsertMessage(r.Context(), userMsg); err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "persist message failed")
			return
		}

		if req.Stream {
			d.streamChat(w, r, user, sess, chunks, messages, req)
			return
		}

		res, err := d.Engine.Route(r.Context(), user, req.Provider, provider.Request{
			Feature:  features.FeatureChat,
			Messages: messages,
		})
		if err != nil {
			writeRouteError(d, w, r, err)
			return
		}

		assistantMsg := d.persistAssistantTurn(r, user, sess, res, chunks)
		writeJSON(w, http.StatusOK, ChatResponse{
			SessionID:   sess.ID,
			MessageID:   assistantMsg.ID,
			Content:     res.Content,
			TokensUsed:  res.TokensUsed,
			UsedUserKey: res.UsedUserKey,
			Attempts:    res.Attempts,
			Citations:   chunks,
		})
	}
}

// streamChat delivers the assistant turn as server-sent events: one "delta"
// event per content chunk, then a terminal "done" event with the same
// attribution as the JSON response. Failures arrive as a terminal "error"
// event because the status line is committed before routing starts.
func (d Dependencies) streamChat(w http.ResponseWriter, r *http.Request, user *store.UserRecord, sess *store.ChatSessionRecord, chunks []rag.Chunk, messages []provider.Message, req ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(v any) {
		raw, _ := json.Marshal(v)
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(raw)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	res, err := d.Engine.RouteStream(r.Context(), user, req.Provider, provider.Request{
		Feature:  features.FeatureChat,
		Messages: messages,
	}, func(delta string) error {
		writeEvent(map[string]string{"delta": delta})
		return nil
	})
	if err != nil {
		code, msg := codeInternal, "upstream request failed"
		if provider.IsTokenLimitError(err) {
			code, msg = codeTokenLimit, "request exceeds the model context window"
		}
		writeEvent(map[string]any{"error": map[string]string{"code": code, "message": msg}})
		return
	}

	assistantMsg := d.persistAssistantTurn(r, user, sess, res, chunks)
	writeEvent(map[string]any{
		"done":          true,
		"session_id":    sess.ID,
		"message_id":    assistantMsg.ID,
		"tokens_used":   res.TokensUsed,
		"used_user_key": res.UsedUserKey,
		"attempts":      res.Attempts,
		"citations":     chunks,
	})
}

// persistAssistantTurn stores the assistant message and records quota usage.
// Persistence failures are logged; the answer the student already has is not
// taken back.
func (d Dependencies) persistAssistantTurn(r *http.Request, user *store.UserRecord, sess *store.ChatSessionRecord, res *router.RouteResult, chunks []rag.Chunk) store.MessageRecord {
	var citations string
	if len(chunks) > 0 {
		raw, _ := json.Marshal(chunks)
		citations = string(raw)
	}
	assistantMsg := store.MessageRecord{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		Role:       "assistant",
		Content:    res.Content,
		TokensUsed: &res.TokensUsed,
		Citations:  citations,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.Store.InsertMessage(r.Context(), assistantMsg); err != nil {
		d.Logger.Error("persist assistant message failed", slog.String("error", err.Error()))
	}
	d.Quota.Record(r.Context(), user.ID, features.FeatureChat, res.TokensUsed)
	return assistantMsg
}

// resolveSession loads the named session, verifying ownership, or creates one
// titled from the first message. Returns false after writing the error.
func (d Dependencies) resolveSession(w http.ResponseWriter, r *http.Request, user *store.UserRecord, req ChatRequest) (*store.ChatSessionRecord, bool) {
	if req.SessionID != "" {
		sess, err := d.Store.GetChatSession(r.Context(), req.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				jsonError(w, http.StatusNotFound, codeNotFound, "session not found")
				return nil, false
			}
			jsonError(w, http.StatusInternalServerError, codeInternal, "load session failed")
			return nil, false
		}
		if sess.UserID != user.ID {
			jsonError(w, http.StatusNotFound, codeNotFound, "session not found")
			return nil, false
		}
		return sess, true
	}

	title := strings.TrimSpace(req.Message)
	if len(title) > titleLen {
		title = title[:titleLen]
	}
	now := time.Now().UTC()
	sess := store.ChatSessionRecord{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.Store.CreateChatSession(r.Context(), sess); err != nil {
		jsonError(w, http.StatusInternalServerError, codeInternal, "create session failed")
		return nil, false
	}
	return &sess, true
}

// buildChatMessages assembles the model conversation: system prompt, any
// retrieved study material, prior turns, then the new user message.
func buildChatMessages(history []store.MessageRecord, chunks []rag.Chunk, userMessage string) []provider.Message {
	messages := []provider.Message{{Role: "system", Content: chatSystemPrompt}}
	if len(chunks) > 0 {
		var b strings.Builder
		b.WriteString("Relevant excerpts from the student's study material:\n")
		for i, c := range chunks {
			b.WriteString("\n[")
			b.WriteString(strconv.Itoa(i + 1))
			b.WriteString("] ")
			b.WriteString(c.Text)
			b.WriteString("\n")
		}
		messages = append(messages, provider.Message{Role: "system", Content: b.String()})
	}
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	return append(messages, provider.Message{Role: "user", Content: userMessage})
}

func SessionsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := d.Store.ListChatSessions(r.Context(), userFrom(r).ID, 100)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "list sessions failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	}
}

func MessagesListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := d.Store.GetChatSession(r.Context(), chi.URLParam(r, "id"))
		if err != nil || sess.UserID != userFrom(r).ID {
			jsonError(w, http.StatusNotFound, codeNotFound, "session not found")
			return
		}
		msgs, err := d.Store.ListMessages(r.Context(), sess.ID, 200)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, codeInternal, "list messages failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess, "messages": msgs})
	}
}
