package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// chatCompletionsRequest is the wire shape of POST /v1/chat/completions.
type chatCompletionsRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Tools       []ToolSpec      `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatContentPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ImageURL   json.RawMessage `json:"image_url,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ID         string          `json:"id,omitempty"`
}

// ParseChatCompletionsRequest translates a Chat-Completions request into the
// gateway's internal Messages shape. Streaming is rejected by the caller
// (HTTP surface), not here, since the dialect layer is a pure translator.
func ParseChatCompletionsRequest(body []byte) (*InternalRequest, error) {
	var wire chatCompletionsRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse chat completions request: %w", err)
	}
	if len(wire.Messages) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty ordered sequence")
	}

	req := &InternalRequest{
		Model:         wire.Model,
		OriginalModel: wire.Model,
		MaxTokens:     wire.MaxTokens,
		Stream:        wire.Stream,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		Tools:         wire.Tools,
		ToolChoice:    wire.ToolChoice,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	var systemParts []string
	for _, m := range wire.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, chatContentToPlainText(m.Content))
			continue
		}
		parts, err := chatContentToParts(m.Content)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, Message{Role: m.Role, Content: parts})
	}
	req.System = strings.Join(systemParts, "\n")

	return req, nil
}

func chatContentToPlainText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	parts, err := chatContentToParts(raw)
	if err != nil {
		return ""
	}
	return flattenContentText(parts)
}

// chatContentToParts normalizes Chat-Completions content: a bare string
// passes through as a single text block; an array of typed parts is mapped
// part-by-part (text verbatim, image to a textual placeholder referencing
// the URL, tool-result rewritten to carry a tool_use_id).
func chatContentToParts(raw json.RawMessage) ([]ContentPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []ContentPart{{Type: ContentText, Text: s}}, nil
	}

	var wireParts []chatContentPart
	if err := json.Unmarshal(raw, &wireParts); err != nil {
		return nil, fmt.Errorf("parse chat content: %w", err)
	}

	out := make([]ContentPart, 0, len(wireParts))
	for _, wp := range wireParts {
		switch wp.Type {
		case "text":
			out = append(out, ContentPart{Type: ContentText, Text: wp.Text})
		case "image_url":
			out = append(out, ContentPart{Type: ContentText, Text: fmt.Sprintf("[image: %s]", extractImageURL(wp.ImageURL))})
		case "tool_result":
			toolUseID := wp.ToolCallID
			if toolUseID == "" {
				toolUseID = wp.ID
			}
			if toolUseID == "" {
				toolUseID = "tool"
			}
			out = append(out, ContentPart{Type: ContentToolResult, ToolUseID: toolUseID, Text: wp.Text})
		default:
			out = append(out, ContentPart{Type: ContentText, Text: wp.Text})
		}
	}
	return out, nil
}

// extractImageURL pulls the URL out of a Chat-Completions image_url part,
// which may be a bare string or an {"url": "..."} object.
func extractImageURL(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.URL
	}
	return string(raw)
}

// chatCompletionChoice and chatCompletionResponse mirror the Chat-Completions
// response envelope.
type chatCompletionChoice struct {
	Index        int        `json:"index"`
	Message      chatAssist `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type chatAssist struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   chatCompletionUsage    `json:"usage"`
}

// UpstreamResult is the normalized shape of a non-streaming upstream reply,
// extracted from whichever of the Messages response's alternative layouts
// the upstream actually used.
type UpstreamResult struct {
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// ExtractUpstreamResult pulls text, stop reason, and usage out of a raw
// upstream Messages-dialect response body, trying each known response
// layout: a content array of blocks, a flat output string, or a nested
// choices array.
func ExtractUpstreamResult(body []byte) (*UpstreamResult, error) {
	var generic struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Output     string `json:"output"`
		StopReason string `json:"stop_reason"`
		Stop       string `json:"stop"`
		Choices    []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, fmt.Errorf("parse upstream response: %w", err)
	}

	res := &UpstreamResult{
		InputTokens:  generic.Usage.InputTokens,
		OutputTokens: generic.Usage.OutputTokens,
	}

	switch {
	case len(generic.Content) > 0:
		var sb strings.Builder
		for i, block := range generic.Content {
			if block.Type != "" && block.Type != "text" {
				continue
			}
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(block.Text)
		}
		res.Text = sb.String()
	case generic.Output != "":
		res.Text = generic.Output
	case len(generic.Choices) > 0:
		res.Text = generic.Choices[0].Message.Content
	}

	res.StopReason = generic.StopReason
	if res.StopReason == "" {
		res.StopReason = generic.Stop
	}
	if res.StopReason == "" && len(generic.Choices) > 0 {
		res.StopReason = generic.Choices[0].FinishReason
	}
	return res, nil
}

// BuildChatCompletionResponse assembles the Chat-Completions envelope from
// an upstream result, echoing the client's originally declared model rather
// than any internally downgraded one.
func BuildChatCompletionResponse(result *UpstreamResult, originalModel string, now time.Time) ([]byte, error) {
	finishReason := result.StopReason
	if finishReason == "" {
		finishReason = "stop"
	}

	resp := chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   originalModel,
		Choices: []chatCompletionChoice{
			{
				Index:        0,
				Message:      chatAssist{Role: "assistant", Content: result.Text},
				FinishReason: finishReason,
			},
		},
		Usage: chatCompletionUsage{
			PromptTokens:     result.InputTokens,
			CompletionTokens: result.OutputTokens,
			TotalTokens:      result.InputTokens + result.OutputTokens,
		},
	}
	return json.Marshal(resp)
}
