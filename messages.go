package main

import (
	"encoding/json"
	"fmt"
)

// ContentPartType tags the variant carried by a ContentPart.
type ContentPartType string

const (
	ContentText       ContentPartType = "text"
	ContentImage      ContentPartType = "image"
	ContentToolResult ContentPartType = "tool_result"
)

// ContentPart is a tagged-variant content block, used instead of an
// untyped map so translation code can switch on Type directly.
type ContentPart struct {
	Type ContentPartType

	// Text carries the block's text for ContentText, and the rendered
	// textual content for ContentToolResult.
	Text string

	// ImageURL carries the source URL for ContentImage.
	ImageURL string

	// ToolUseID identifies which tool call a ContentToolResult answers.
	ToolUseID string
}

// Message is one turn in the internal Messages-dialect conversation.
type Message struct {
	Role    string
	Content []ContentPart
}

// ToolSpec is passed through to the upstream largely unexamined; the
// gateway only needs to know whether any tools are present.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// InternalRequest is the gateway's dialect-agnostic representation of a
// chat request, produced by normalizing either wire dialect.
type InternalRequest struct {
	Model         string
	OriginalModel string
	Messages      []Message
	System        string
	MaxTokens     int
	Stream        bool
	Temperature   *float64
	TopP          *float64
	TopK          *int
	Tools         []ToolSpec
	ToolChoice    json.RawMessage
	Thinking      bool
	ClientIP      string
}

// wireMessagesRequest mirrors the Messages dialect's wire shape.
type wireMessagesRequest struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	System      json.RawMessage `json:"system,omitempty"`
	Tools       []ToolSpec      `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Thinking    json.RawMessage `json:"thinking,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	TopK        *int            `json:"top_k,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireContentPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	Source     json.RawMessage `json:"source,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	ID         string          `json:"id,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ParseMessagesRequest decodes a raw /v1/messages body into InternalRequest.
func ParseMessagesRequest(body []byte) (*InternalRequest, error) {
	var wire wireMessagesRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse messages request: %w", err)
	}
	if len(wire.Messages) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty ordered sequence")
	}

	req := &InternalRequest{
		Model:       wire.Model,
		MaxTokens:   wire.MaxTokens,
		Stream:      wire.Stream,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		TopK:        wire.TopK,
		Tools:       wire.Tools,
		ToolChoice:  wire.ToolChoice,
	}
	req.OriginalModel = req.Model
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}
	if len(wire.Thinking) > 0 && string(wire.Thinking) != "null" {
		req.Thinking = true
	}
	if len(wire.System) > 0 {
		req.System = rawToPlainText(wire.System)
	}

	for _, m := range wire.Messages {
		parts, err := parseContentRaw(m.Content)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, Message{Role: m.Role, Content: parts})
	}
	return req, nil
}

// rawToPlainText accepts either a JSON string or an array of text blocks
// (the Messages dialect allows both shapes for `system`).
func rawToPlainText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireContentPart
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			out += b.Text
		}
		return out
	}
	return ""
}

func parseContentRaw(raw json.RawMessage) ([]ContentPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []ContentPart{{Type: ContentText, Text: s}}, nil
	}

	var wireParts []wireContentPart
	if err := json.Unmarshal(raw, &wireParts); err != nil {
		return nil, fmt.Errorf("parse message content: %w", err)
	}

	out := make([]ContentPart, 0, len(wireParts))
	for _, wp := range wireParts {
		switch wp.Type {
		case "text":
			out = append(out, ContentPart{Type: ContentText, Text: wp.Text})
		case "image":
			out = append(out, ContentPart{Type: ContentImage, ImageURL: string(wp.Source)})
		case "tool_result":
			toolUseID := wp.ToolUseID
			if toolUseID == "" {
				toolUseID = wp.ID
			}
			if toolUseID == "" {
				toolUseID = "tool"
			}
			out = append(out, ContentPart{
				Type:      ContentToolResult,
				ToolUseID: toolUseID,
				Text:      rawToPlainText(wp.Content),
			})
		default:
			out = append(out, ContentPart{Type: ContentText, Text: wp.Text})
		}
	}
	return out, nil
}

// EncodeMessagesRequest serializes an InternalRequest back to the wire shape
// expected by the opaque upstream adapter (the adapter itself performs the
// deeper Messages→upstream reshape; the gateway only needs to hand it a
// well-formed Messages payload).
func EncodeMessagesRequest(req *InternalRequest) ([]byte, error) {
	wire := wireMessagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
	}
	if req.System != "" {
		encoded, err := json.Marshal(req.System)
		if err != nil {
			return nil, err
		}
		wire.System = encoded
	}
	for _, m := range req.Messages {
		content, err := encodeContentParts(m.Content)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, wireMessage{Role: m.Role, Content: content})
	}
	return json.Marshal(wire)
}

func encodeContentParts(parts []ContentPart) (json.RawMessage, error) {
	wireParts := make([]wireContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case ContentText:
			wireParts = append(wireParts, wireContentPart{Type: "text", Text: p.Text})
		case ContentImage:
			wireParts = append(wireParts, wireContentPart{Type: "image", Source: json.RawMessage(p.ImageURL)})
		case ContentToolResult:
			content, _ := json.Marshal(p.Text)
			wireParts = append(wireParts, wireContentPart{Type: "tool_result", ToolUseID: p.ToolUseID, Content: content})
		}
	}
	return json.Marshal(wireParts)
}
