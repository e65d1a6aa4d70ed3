package main

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestRelaySSEErrorMidStreamEmitsRetryThenErrorEvent covers the
// streaming-error-after-headers scenario: a RESOURCE_EXHAUSTED error chunk
// mid-stream produces a `retry:` field ahead of the error event, and the
// relay stops after it.
func TestRelaySSEErrorMidStreamEmitsRetryThenErrorEvent(t *testing.T) {
	upstream := "data: {\"type\":\"content_block_delta\"}\n\n" +
		"data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"RESOURCE_EXHAUSTED, reset after 2m0s\"}}\n\n"

	rec := httptest.NewRecorder()
	var chunks int
	var sawError *ClassifiedError
	err := RelaySSE(rec, io.NopCloser(strings.NewReader(upstream)), func(raw []byte) {
		chunks++
	}, func(c *ClassifiedError) {
		sawError = c
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks != 1 {
		t.Fatalf("expected exactly one successfully framed chunk before the error, got %d", chunks)
	}
	if sawError == nil || sawError.Taxonomy != TaxonomyOverloaded {
		t.Fatalf("expected onError to fire with overloaded_error, got %+v", sawError)
	}
	if sawError.RetryAfterSeconds != 120 {
		t.Fatalf("expected a 120s retry-after, got %d", sawError.RetryAfterSeconds)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "retry: 120000\n") {
		t.Fatalf("expected a retry: 120000 line, got body %q", body)
	}
	if !strings.Contains(body, "event: error\ndata:") {
		t.Fatalf("expected an error event, got body %q", body)
	}
}

func TestRelaySSERelaysOrdinaryChunksVerbatim(t *testing.T) {
	upstream := "data: {\"type\":\"message_start\"}\n\n" +
		"data: {\"type\":\"content_block_delta\"}\n\n"

	rec := httptest.NewRecorder()
	var chunks int
	err := RelaySSE(rec, io.NopCloser(strings.NewReader(upstream)), func(raw []byte) {
		chunks++
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks != 2 {
		t.Fatalf("expected 2 relayed chunks, got %d", chunks)
	}
	if !strings.Contains(rec.Body.String(), "event: message_start") {
		t.Fatalf("expected the event name to derive from the chunk's type")
	}
}
