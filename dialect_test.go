package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseChatCompletionsRequestSplitsSystemMessage(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"messages": [
			{"role": "system", "content": "You are terse."},
			{"role": "user", "content": "Hello there."}
		]
	}`)
	req, err := ParseChatCompletionsRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.System != "You are terse." {
		t.Fatalf("expected system prompt to be extracted, got %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("expected exactly one user message, got %+v", req.Messages)
	}
}

func TestParseChatCompletionsRequestRejectsEmptyMessages(t *testing.T) {
	if _, err := ParseChatCompletionsRequest([]byte(`{"model":"m","messages":[]}`)); err == nil {
		t.Fatalf("expected an error for an empty messages array")
	}
}

func TestParseChatCompletionsRequestDefaultsMaxTokens(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	req, err := ParseChatCompletionsRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.MaxTokens != 4096 {
		t.Fatalf("expected default max_tokens 4096, got %d", req.MaxTokens)
	}
}

func TestChatContentToPartsArrayOfTypedBlocks(t *testing.T) {
	raw := json.RawMessage(`[{"type":"text","text":"part one"},{"type":"tool_result","tool_call_id":"call_1","text":"42"}]`)
	parts, err := chatContentToParts(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 2 || parts[0].Type != ContentText || parts[1].Type != ContentToolResult || parts[1].ToolUseID != "call_1" {
		t.Fatalf("unexpected parts: %+v", parts)
	}
}

func TestChatContentToPartsImageURLBecomesTextPlaceholder(t *testing.T) {
	raw := json.RawMessage(`[{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}]`)
	parts, err := chatContentToParts(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 1 || parts[0].Type != ContentText {
		t.Fatalf("expected a single text placeholder part, got %+v", parts)
	}
	if !strings.Contains(parts[0].Text, "https://example.com/cat.png") {
		t.Fatalf("expected the placeholder to reference the URL, got %q", parts[0].Text)
	}
}

func TestChatCompletionsImageMessageEncodesWithoutError(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}]}]}`)
	req, err := ParseChatCompletionsRequest(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := EncodeMessagesRequest(req); err != nil {
		t.Fatalf("expected an image-bearing request to encode cleanly, got %v", err)
	}
}

func TestExtractUpstreamResultFromContentBlocks(t *testing.T) {
	body := []byte(`{"content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)
	res, err := ExtractUpstreamResult(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello" || res.StopReason != "end_turn" || res.InputTokens != 10 || res.OutputTokens != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

// TestChatCompletionsRoundTripPreservesIdentityAndText covers the
// Chat-Completions -> internal Messages -> Chat-Completions round trip for a
// single-block response: id, role, and concatenated text all survive.
func TestChatCompletionsRoundTripPreservesIdentityAndText(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"Say hi."}]}`)
	req, err := ParseChatCompletionsRequest(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	upstreamBody := []byte(`{"content":[{"type":"text","text":"hi there"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`)
	result, err := ExtractUpstreamResult(upstreamBody)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	respBody, err := BuildChatCompletionResponse(result, req.OriginalModel, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("expected id to carry the chatcmpl- prefix, got %q", resp.ID)
	}
	if resp.Model != "claude-sonnet-4-5" {
		t.Fatalf("expected response to echo the client-declared model, got %q", resp.Model)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Role != "assistant" || resp.Choices[0].Message.Content != "hi there" {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}
}
