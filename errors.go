package main

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorTaxonomy is the closed set of client-visible error types the
// classifier ever produces.
type ErrorTaxonomy string

const (
	TaxonomyAuthentication ErrorTaxonomy = "authentication_error"
	TaxonomyOverloaded     ErrorTaxonomy = "overloaded_error"
	TaxonomyInvalidRequest ErrorTaxonomy = "invalid_request_error"
	TaxonomyPermission     ErrorTaxonomy = "permission_error"
	TaxonomyAPI            ErrorTaxonomy = "api_error"
)

// ClassifiedError is the outcome of running an opaque upstream error message
// through the taxonomy: a status code, a client-visible message, and
// (for overloaded_error) a Retry-After in seconds.
type ClassifiedError struct {
	Taxonomy          ErrorTaxonomy
	Status            int
	Message           string
	RetryAfterSeconds int64
}

const defaultRetryAfterSeconds = 60

var cooldownPattern = regexp.MustCompile(`after\s+((?:\d+h)?(?:\d+m)?(?:\d+s)?)`)

// ParseCooldownDuration extracts a duration from strings like
// "quota will reset after 1h2m3s" or "...after 45s". An unparseable or
// absent match yields 0, false.
func ParseCooldownDuration(message string) (time.Duration, bool) {
	m := cooldownPattern.FindStringSubmatch(strings.ToLower(message))
	if m == nil || m[1] == "" {
		return 0, false
	}
	d, err := time.ParseDuration(m[1])
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// ClassifyUpstreamError maps an opaque upstream error string to the closed
// taxonomy, computing a Retry-After for overloaded_error responses.
func ClassifyUpstreamError(message string) *ClassifiedError {
	upper := strings.ToUpper(message)

	switch {
	case strings.Contains(message, "401") || strings.Contains(upper, "UNAUTHENTICATED"):
		return &ClassifiedError{
			Taxonomy: TaxonomyAuthentication,
			Status:   401,
			Message:  "Authentication failed upstream; this credential may need to be re-enrolled.",
		}

	case strings.Contains(message, "429") || strings.Contains(upper, "RESOURCE_EXHAUSTED") || strings.Contains(upper, "QUOTA_EXHAUSTED"):
		retryAfter := int64(defaultRetryAfterSeconds)
		if d, ok := ParseCooldownDuration(message); ok {
			retryAfter = int64(d.Seconds())
		}
		return &ClassifiedError{
			Taxonomy:          TaxonomyOverloaded,
			Status:            503,
			Message:           message,
			RetryAfterSeconds: retryAfter,
		}

	case strings.Contains(message, "invalid_request_error") || strings.Contains(upper, "INVALID_ARGUMENT"):
		return &ClassifiedError{
			Taxonomy: TaxonomyInvalidRequest,
			Status:   400,
			Message:  extractQuotedMessage(message, message),
		}

	case strings.Contains(message, "All endpoints failed"):
		return &ClassifiedError{
			Taxonomy: TaxonomyAPI,
			Status:   503,
			Message:  "Upstream unreachable.",
		}

	case strings.Contains(upper, "PERMISSION_DENIED"):
		return &ClassifiedError{
			Taxonomy: TaxonomyPermission,
			Status:   403,
			Message:  message,
		}

	default:
		return &ClassifiedError{
			Taxonomy: TaxonomyAPI,
			Status:   500,
			Message:  message,
		}
	}
}

var quotedMessagePattern = regexp.MustCompile(`"message"\s*:\s*"([^"]*)"`)

func extractQuotedMessage(raw, fallback string) string {
	m := quotedMessagePattern.FindStringSubmatch(raw)
	if m == nil {
		return fallback
	}
	return m[1]
}

// RetryAfterHeaderValue formats RetryAfterSeconds for the HTTP Retry-After
// header.
func (c *ClassifiedError) RetryAfterHeaderValue() string {
	return strconv.FormatInt(c.RetryAfterSeconds, 10)
}
