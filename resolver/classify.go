package resolver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"sourceflow/models"
)

// Body substrings that mean the provider throttled us even when the status
// code says otherwise. Several aggregators return 200 with an error payload.
var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"too many requests",
	"throttled",
	"request limit",
	"50011",
}

// Body substrings that mean the provider refused us for where we are rather
// than who we are.
var geoMarkers = []string{
	"restricted location",
	"unavailable in your region",
	"not available in your country",
	"service unavailable from a restricted location",
	"cloudfront",
}

// classifyResponse maps an HTTP response onto an outcome class. Body is the
// already-read payload, possibly truncated.
func classifyResponse(status int, body []byte) models.Classification {
	lower := strings.ToLower(string(body))

	switch {
	case status == http.StatusTooManyRequests:
		return models.ClassRateLimited
	case status == http.StatusUnavailableForLegalReasons:
		return models.ClassGeoBlocked
	case status == http.StatusForbidden:
		for _, marker := range geoMarkers {
			if strings.Contains(lower, marker) {
				return models.ClassGeoBlocked
			}
		}
		return models.ClassServerError
	case status >= 200 && status < 300:
		for _, marker := range rateLimitMarkers {
			if strings.Contains(lower, marker) {
				return models.ClassRateLimited
			}
		}
		return models.ClassSuccess
	default:
		for _, marker := range rateLimitMarkers {
			if strings.Contains(lower, marker) {
				return models.ClassRateLimited
			}
		}
		return models.ClassServerError
	}
}

// classifyError maps a transport-level failure. DNS resolution failures are
// treated as geo blocking since regional blackholing is how several providers
// implement it.
func classifyError(err error) models.Classification {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ClassTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return models.ClassGeoBlocked
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ClassTimeout
	}

	return models.ClassServerError
}

// blocking reports whether a class should sideline the mirror that produced
// it.
func blocking(class models.Classification) bool {
	return class == models.ClassGeoBlocked
}
