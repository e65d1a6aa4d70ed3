package main

import "strings"

// FreeModelForBackground is the cheap model substituted for requests the
// classifier judges to be background tasks.
const FreeModelForBackground = "claude-haiku-4-5"

// BackgroundTaskPatterns are lowercase substrings whose presence in the
// first few messages or the system prompt marks a request as a background
// task eligible for downgrade.
var BackgroundTaskPatterns = []string{
	"summarize this conversation",
	"generate a concise title",
	"title this chat",
	"you summarize conversation titles",
	"generate a short title",
	"classify the following",
	"extract keywords",
}

// modelAliases rewrites dated or aliased model identifiers to their
// canonical thinking-enabled variant before account selection.
var modelAliases = map[string]string{
	"claude-opus-4-5-20251101":   "claude-opus-4-5-thinking",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4-5-thinking",
	"claude-opus-4-5":            "claude-opus-4-5-thinking",
	"claude-sonnet-4-5":          "claude-sonnet-4-5-thinking",
}

// NormalizeModel maps a dated or aliased model id to its canonical form. A
// model with no known alias passes through unchanged.
func NormalizeModel(model string) string {
	if canonical, ok := modelAliases[model]; ok {
		return canonical
	}
	return model
}

// ClassifyRequest decides the effective model for req, downgrading to
// FreeModelForBackground when the request matches the background-task
// heuristic: one of the first three messages or the system prompt contains a
// BackgroundTaskPatterns substring, and the request has no tools and no
// extended-thinking flag. The client-declared model is never mutated in the
// returned struct's OriginalModel field, so the dialect layer can still echo
// it back to the caller.
func ClassifyRequest(req *InternalRequest) string {
	original := NormalizeModel(req.Model)

	if len(req.Tools) > 0 || req.Thinking {
		return original
	}
	if !modelSupportsDowngrade(original) {
		return original
	}

	haystack := strings.ToLower(req.System)
	for i, m := range req.Messages {
		if i >= 3 {
			break
		}
		haystack += " " + strings.ToLower(flattenContentText(m.Content))
	}

	for _, pattern := range BackgroundTaskPatterns {
		if strings.Contains(haystack, pattern) {
			return FreeModelForBackground
		}
	}
	return original
}

// modelSupportsDowngrade excludes models that already point at the free
// tier from being rewritten again.
func modelSupportsDowngrade(model string) bool {
	return model != FreeModelForBackground
}

// flattenContentText concatenates the text of every Text content part,
// ignoring image and tool-result parts, which carry no classifiable prose.
func flattenContentText(parts []ContentPart) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == ContentText {
			sb.WriteString(p.Text)
			sb.WriteString(" ")
		}
	}
	return sb.String()
}
