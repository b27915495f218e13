package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallChatCompletion(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)
		_, _ = w.Write([]byte(`{
			"model": "google/gemini-2.5-flash",
			"choices": [{"message": {"content": "The heart has four chambers."}}],
			"usage": {"total_tokens": 42}
		}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, NewModelTable())
	res, err := g.Call(context.Background(), "sk-test-key", Request{
		Feature:  "chat",
		Messages: []Message{{Role: "user", Content: "How many chambers does the heart have?"}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Content != "The heart has four chambers." {
		t.Errorf("content = %q", res.Content)
	}
	if res.TokensUsed != 42 {
		t.Errorf("tokens = %d", res.TokensUsed)
	}
	if res.ModelID != "google/gemini-2.5-flash" {
		t.Errorf("model = %q", res.ModelID)
	}
	if gotAuth != "Bearer sk-test-key" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotPayload["model"] != "google/gemini-2.5-flash" {
		t.Errorf("payload model = %v", gotPayload["model"])
	}
}

func TestCallVisionMessage(t *testing.T) {
	var gotPayload struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"A chest X-ray."}}],"usage":{"total_tokens":10}}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, NewModelTable())
	_, err := g.Call(context.Background(), "k", Request{
		Feature: "image",
		Messages: []Message{{
			Role:         "user",
			Content:      "Describe this radiograph.",
			ImageDataURI: "data:image/png;base64,iVBORw0KGgo=",
		}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(gotPayload.Messages) != 1 {
		t.Fatalf("messages = %d", len(gotPayload.Messages))
	}
	// Image turns are encoded as content parts, not a plain string.
	var parts []map[string]any
	if err := json.Unmarshal(gotPayload.Messages[0].Content, &parts); err != nil {
		t.Fatalf("expected multimodal content parts: %v", err)
	}
	if len(parts) != 2 || parts[1]["type"] != "image_url" {
		t.Errorf("parts = %+v", parts)
	}
}

func TestCallStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, NewModelTable())
	_, err := g.Call(context.Background(), "k", Request{Feature: "chat", Messages: []Message{{Role: "user", Content: "hi"}}})
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if se.StatusCode != 429 {
		t.Errorf("status = %d", se.StatusCode)
	}
	if se.RetryAfter.Seconds() != 30 {
		t.Errorf("retry-after = %v", se.RetryAfter)
	}
}

func TestCallStreamAssemblesDeltas(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"model\":\"google/gemini-2.5-flash\",\"choices\":[{\"delta\":{\"content\":\"The heart \"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"has four chambers.\"}}]}\n\n" +
				"data: {\"choices\":[],\"usage\":{\"total_tokens\":42}}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, NewModelTable())
	var deltas []string
	res, err := g.CallStream(context.Background(), "k", Request{
		Feature:  "chat",
		Messages: []Message{{Role: "user", Content: "How many chambers does the heart have?"}},
	}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("CallStream: %v", err)
	}
	if res.Content != "The heart has four chambers." {
		t.Errorf("content = %q", res.Content)
	}
	if res.TokensUsed != 42 {
		t.Errorf("tokens = %d", res.TokensUsed)
	}
	if res.ModelID != "google/gemini-2.5-flash" {
		t.Errorf("model = %q", res.ModelID)
	}
	if len(deltas) != 2 || deltas[0] != "The heart " {
		t.Errorf("deltas = %v", deltas)
	}
	if gotPayload["stream"] != true {
		t.Errorf("payload stream = %v", gotPayload["stream"])
	}
}

func TestCallStreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, NewModelTable())
	_, err := g.CallStream(context.Background(), "k",
		Request{Feature: "chat", Messages: []Message{{Role: "user", Content: "hi"}}},
		func(string) error { return nil })
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if se.StatusCode != 401 {
		t.Errorf("status = %d", se.StatusCode)
	}
}

func TestEmbedOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		// Return vectors out of order; Embed must restore input order.
		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0.3,0.4]},
			{"index":0,"embedding":[0.1,0.2]}
		]}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, NewModelTable())
	vecs, err := g.Embed(context.Background(), "k", []string{"first chunk", "second chunk"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.3 {
		t.Errorf("vectors = %v", vecs)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.1]}]}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, NewModelTable())
	if _, err := g.Embed(context.Background(), "k", []string{"a", "b"}); err == nil {
		t.Error("expected mismatch error")
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"pong"}}],"usage":{"total_tokens":2}}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, NewModelTable())
	latency, err := g.Probe(context.Background(), "k")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if latency <= 0 {
		t.Error("expected positive latency")
	}
}

func TestModelTableFallback(t *testing.T) {
	tbl := NewModelTable()
	if tbl.Model("unknown_feature") != tbl.Model("chat") {
		t.Error("unknown feature should fall back to the chat model")
	}
	tbl.Set("chat", "custom/model")
	if tbl.Model("chat") != "custom/model" {
		t.Error("Set should override")
	}
}
