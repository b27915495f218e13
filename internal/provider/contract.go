// Package provider speaks the OpenAI-compatible wire protocol to upstream
// AI gateways. Every configured provider (openrouter, gemini, ...) is
// dispatched through the same chat-completions surface; the provider tag on
// a credential is an operator label, not a protocol switch.
package provider

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StatusError captures a non-200 HTTP response from a provider.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value (delta-seconds form).
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
}

// tokenLimitMarkers are substrings providers use to signal that the prompt
// exceeded the model's context window.
var tokenLimitMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"token limit",
	"prompt is too long",
	"input is too large",
}

// IsTokenLimitError reports whether err indicates the request blew the
// model's context window. Such errors are not credential failures.
func IsTokenLimitError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.StatusCode == 413 {
		return true
	}
	body := strings.ToLower(se.Body)
	for _, marker := range tokenLimitMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// IsAuthError reports whether err indicates the credential itself was
// rejected (invalid or revoked key).
func IsAuthError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == 401 || se.StatusCode == 403
}

// Message is one turn of a conversation. ImageDataURI, when set, attaches an
// image to the turn for vision-capable models.
type Message struct {
	Role         string
	Content      string
	ImageDataURI string
}

// Request is a routed AI call. Feature selects the model via the model table.
type Request struct {
	Feature     string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Result is a completed AI call.
type Result struct {
	Content    string
	TokensUsed int64
	ModelID    string
}
