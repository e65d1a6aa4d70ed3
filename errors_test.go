package main

import "testing"

func TestParseCooldownDurationHoursMinutesSeconds(t *testing.T) {
	d, ok := ParseCooldownDuration("quota will reset after 1h2m3s")
	if !ok {
		t.Fatalf("expected a match")
	}
	if got := int64(d.Seconds()); got != 3723 {
		t.Fatalf("expected 3723 seconds, got %d", got)
	}
}

func TestParseCooldownDurationSecondsOnly(t *testing.T) {
	d, ok := ParseCooldownDuration("RESOURCE_EXHAUSTED, reset after 45s")
	if !ok {
		t.Fatalf("expected a match")
	}
	if got := int64(d.Seconds()); got != 45 {
		t.Fatalf("expected 45 seconds, got %d", got)
	}
}

func TestParseCooldownDurationUnparseable(t *testing.T) {
	if _, ok := ParseCooldownDuration("no duration mentioned here"); ok {
		t.Fatalf("expected no match for a message without a duration")
	}
}

func TestClassifyUpstreamErrorAuthentication(t *testing.T) {
	c := ClassifyUpstreamError("401 UNAUTHENTICATED: token expired")
	if c.Taxonomy != TaxonomyAuthentication || c.Status != 401 {
		t.Fatalf("expected authentication_error/401, got %+v", c)
	}
}

func TestClassifyUpstreamErrorOverloadedDefaultsRetryAfter(t *testing.T) {
	c := ClassifyUpstreamError("RESOURCE_EXHAUSTED: try again later")
	if c.Taxonomy != TaxonomyOverloaded || c.RetryAfterSeconds != defaultRetryAfterSeconds {
		t.Fatalf("expected overloaded_error with default retry-after, got %+v", c)
	}
}

func TestClassifyUpstreamErrorOverloadedParsesCooldown(t *testing.T) {
	c := ClassifyUpstreamError("RESOURCE_EXHAUSTED, reset after 2m0s")
	if c.Taxonomy != TaxonomyOverloaded || c.RetryAfterSeconds != 120 {
		t.Fatalf("expected overloaded_error with 120s retry-after, got %+v", c)
	}
}

func TestClassifyUpstreamErrorPermission(t *testing.T) {
	c := ClassifyUpstreamError("PERMISSION_DENIED: account lacks access")
	if c.Taxonomy != TaxonomyPermission || c.Status != 403 {
		t.Fatalf("expected permission_error/403, got %+v", c)
	}
}

func TestClassifyUpstreamErrorFallsBackToAPIError(t *testing.T) {
	c := ClassifyUpstreamError("something unexpected happened")
	if c.Taxonomy != TaxonomyAPI || c.Status != 500 {
		t.Fatalf("expected api_error/500 fallback, got %+v", c)
	}
}

func TestRetryAfterHeaderValueFormatsSeconds(t *testing.T) {
	c := &ClassifiedError{RetryAfterSeconds: 3723}
	if c.RetryAfterHeaderValue() != "3723" {
		t.Fatalf("expected \"3723\", got %q", c.RetryAfterHeaderValue())
	}
}
