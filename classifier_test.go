package main

import "testing"

func TestNormalizeModelRewritesDatedAlias(t *testing.T) {
	if got := NormalizeModel("claude-sonnet-4-5-20250929"); got != "claude-sonnet-4-5-thinking" {
		t.Fatalf("expected canonical thinking variant, got %q", got)
	}
}

func TestNormalizeModelPassesThroughUnknown(t *testing.T) {
	if got := NormalizeModel("some-other-model"); got != "some-other-model" {
		t.Fatalf("expected unknown model to pass through unchanged, got %q", got)
	}
}

func TestClassifyRequestDowngradesBackgroundTitleRequest(t *testing.T) {
	req := &InternalRequest{
		Model:  "claude-sonnet-4-5",
		System: "You summarize conversation titles.",
		Messages: []Message{
			{Role: "user", Content: []ContentPart{{Type: ContentText, Text: "Title this chat."}}},
		},
	}
	if got := ClassifyRequest(req); got != FreeModelForBackground {
		t.Fatalf("expected downgrade to %q, got %q", FreeModelForBackground, got)
	}
}

func TestClassifyRequestNoDowngradeWithTools(t *testing.T) {
	req := &InternalRequest{
		Model:  "claude-sonnet-4-5",
		System: "You summarize conversation titles.",
		Messages: []Message{
			{Role: "user", Content: []ContentPart{{Type: ContentText, Text: "Title this chat."}}},
		},
		Tools: []ToolSpec{{Name: "lookup"}},
	}
	if got := ClassifyRequest(req); got == FreeModelForBackground {
		t.Fatalf("expected no downgrade when the request carries a tool")
	}
}

func TestClassifyRequestNoDowngradeWithThinking(t *testing.T) {
	req := &InternalRequest{
		Model:    "claude-sonnet-4-5",
		System:   "You summarize conversation titles.",
		Thinking: true,
	}
	if got := ClassifyRequest(req); got == FreeModelForBackground {
		t.Fatalf("expected no downgrade when extended thinking is requested")
	}
}

func TestClassifyRequestOrdinaryConversationUnaffected(t *testing.T) {
	req := &InternalRequest{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: "user", Content: []ContentPart{{Type: ContentText, Text: "What's the weather like on Mars?"}}},
		},
	}
	if got := ClassifyRequest(req); got != "claude-sonnet-4-5-thinking" {
		t.Fatalf("expected the normalized model with no downgrade, got %q", got)
	}
}
