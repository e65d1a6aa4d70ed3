package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestApp(t *testing.T, upstreamURL string, accounts []*Account) *App {
	t.Helper()
	pool := NewAccountPool(accounts, defaultPoolSettings(), nil, false)
	tokens := NewTokenResolver(nil, http.DefaultClient)
	upstream := NewUpstreamClient(UpstreamConfig{
		BaseURL:        upstreamURL,
		RequestTimeout: 5 * time.Second,
		StreamTimeout:  5 * time.Second,
	}, http.DefaultTransport)
	flows := NewFlowMonitor(t.TempDir(), 50)
	cfg := ConfigFile{CooldownDurationMs: DefaultCooldownMs}
	return NewApp(cfg, "", pool, nil, tokens, upstream, nil, flows)
}

func manualAccount(email string) *Account {
	return &Account{Email: email, Source: SourceManual, ManualKey: "key-" + email, ProjectID: "proj-" + email}
}

func TestRunMessagesPipelineHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"hello back"}],"stop_reason":"end_turn","usage":{"input_tokens":4,"output_tokens":2}}`))
	}))
	defer server.Close()

	app := newTestApp(t, server.URL, []*Account{manualAccount("a")})
	req := &InternalRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: []ContentPart{{Type: ContentText, Text: "hi"}}}},
	}

	rec := httptest.NewRecorder()
	outcome, err := app.runMessagesPipeline(context.Background(), rec, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Streamed {
		t.Fatalf("expected a buffered (non-streaming) outcome")
	}
	if outcome.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", outcome.StatusCode)
	}

	acc := app.pool.Find("a")
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.Stats.SuccessCount != 1 {
		t.Fatalf("expected RecordSuccess to have run, got stats %+v", acc.Stats)
	}
}

func TestRunMessagesPipelineUpstream429MarksRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`RESOURCE_EXHAUSTED, reset after 30s`))
	}))
	defer server.Close()

	app := newTestApp(t, server.URL, []*Account{manualAccount("a")})
	req := &InternalRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: []ContentPart{{Type: ContentText, Text: "hi"}}}},
	}

	rec := httptest.NewRecorder()
	_, err := app.runMessagesPipeline(context.Background(), rec, req)
	if err == nil {
		t.Fatalf("expected a pipeline error for a 429 upstream response")
	}
	pe, ok := err.(*pipelineError)
	if !ok || pe.classified.Taxonomy != TaxonomyOverloaded {
		t.Fatalf("expected a classified overloaded_error, got %v", err)
	}

	acc := app.pool.Find("a")
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if !acc.IsRateLimited {
		t.Fatalf("expected the account to be marked rate limited")
	}
}

func TestRunMessagesPipelineAuthFailureInvalidatesAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`UNAUTHENTICATED: token expired`))
	}))
	defer server.Close()

	app := newTestApp(t, server.URL, []*Account{manualAccount("a")})
	req := &InternalRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: []ContentPart{{Type: ContentText, Text: "hi"}}}},
	}

	rec := httptest.NewRecorder()
	_, err := app.runMessagesPipeline(context.Background(), rec, req)
	if err == nil {
		t.Fatalf("expected a pipeline error for a 401 upstream response")
	}

	acc := app.pool.Find("a")
	acc.mu.Lock()
	defer acc.mu.Unlock()
	// A manual-key account's forced refresh is a no-op success (the key is
	// returned verbatim), so the account is not invalidated on this path.
	if acc.IsInvalid {
		t.Fatalf("expected a manual-key account to survive the forced refresh, got invalid=%v reason=%q", acc.IsInvalid, acc.InvalidReason)
	}
}

func TestRunMessagesPipelineNoAccountsReturnsError(t *testing.T) {
	app := newTestApp(t, "http://unused.invalid", nil)
	req := &InternalRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: []ContentPart{{Type: ContentText, Text: "hi"}}}},
	}

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := app.runMessagesPipeline(ctx, rec, req)
	if err == nil {
		t.Fatalf("expected an error when the pool has zero accounts")
	}
	pe, ok := err.(*pipelineError)
	if !ok || pe.classified.Taxonomy != TaxonomyAuthentication {
		t.Fatalf("expected a classified authentication_error for an empty pool, got %v", err)
	}
}

func TestRunMessagesPipelineAllCoolingReturnsOverloaded(t *testing.T) {
	app := newTestApp(t, "http://unused.invalid", nil)
	acc := newTestAccount("a")
	acc.IsRateLimited = true
	acc.RateLimitResetTime = time.Now().Add(time.Hour)
	app.pool = NewAccountPool([]*Account{acc}, defaultPoolSettings(), nil, false)
	req := &InternalRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: []ContentPart{{Type: ContentText, Text: "hi"}}}},
	}

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := app.runMessagesPipeline(ctx, rec, req)
	if err == nil {
		t.Fatalf("expected an error when every account is cooling")
	}
	if err == context.DeadlineExceeded {
		return
	}
	pe, ok := err.(*pipelineError)
	if !ok || pe.classified.Taxonomy != TaxonomyOverloaded {
		t.Fatalf("expected a classified overloaded_error for an all-cooling pool, got %v", err)
	}
}

func TestRunChatCompletionsPipelineEchoesOriginalModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn"}`))
	}))
	defer server.Close()

	app := newTestApp(t, server.URL, []*Account{manualAccount("a")})
	req := &InternalRequest{
		Model:         "claude-sonnet-4-5",
		OriginalModel: "claude-sonnet-4-5",
		Messages:      []Message{{Role: "user", Content: []ContentPart{{Type: ContentText, Text: "hi"}}}},
	}

	body, err := app.runChatCompletionsPipeline(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Model != "claude-sonnet-4-5" {
		t.Fatalf("expected echoed model, got %q", resp.Model)
	}
}
