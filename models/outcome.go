package models

import (
	"encoding/json"
	"time"
)

// Status classifies a resource's runtime health.
type Status string

const (
	StatusAvailable Status = "available"
	StatusDegraded  Status = "degraded"
	StatusCooldown  Status = "cooldown"
	// StatusFailed is administrative only; the tracker never enters it on
	// its own and never leaves it without an operator reinstate.
	StatusFailed Status = "failed"
)

// Classification is the outcome class of a single fetch attempt.
type Classification string

const (
	ClassSuccess     Classification = "success"
	ClassRateLimited Classification = "rate_limited"
	ClassGeoBlocked  Classification = "geo_blocked"
	ClassServerError Classification = "server_error"
	ClassTimeout     Classification = "timeout"
	ClassMalformed   Classification = "malformed_response"
	// ClassMissingCredential marks a resource skipped because its key was
	// not present in the environment. It is not a network failure and must
	// not move the health state machine.
	ClassMissingCredential Classification = "missing_credential"
)

// Failure reports whether the classification counts against a resource's
// health. Credential skips do not: an unset environment variable says nothing
// about the provider.
func (c Classification) Failure() bool {
	switch c {
	case ClassSuccess, ClassMissingCredential:
		return false
	}
	return true
}

// Outcome is what the orchestrator records into the health tracker after
// each attempt.
type Outcome struct {
	Class      Classification
	StatusCode int
	Latency    time.Duration
	Err        error
}

// CategoryResult is the normalized result returned to callers. It is the only
// object crossing the engine boundary.
type CategoryResult struct {
	Category  Category        `json:"category"`
	Value     json.RawMessage `json:"value"`
	ServedBy  string          `json:"served_by"`
	LatencyMs int64           `json:"latency_ms"`
	Attempts  int             `json:"attempt_count"`
	RequestID string          `json:"request_id"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// ResourceHealth is the per-resource entry inside a health snapshot.
type ResourceHealth struct {
	ID            string  `json:"id"`
	Status        Status  `json:"status"`
	SuccessRate   float64 `json:"success_rate"`
	LastLatencyMs int64   `json:"last_latency_ms"`
}

// HealthSnapshot aggregates tracker state for external monitoring.
type HealthSnapshot struct {
	Total     int              `json:"total"`
	Available int              `json:"available"`
	Degraded  int              `json:"degraded"`
	Cooldown  int              `json:"cooldown"`
	Failed    int              `json:"failed"`
	Resources []ResourceHealth `json:"per_resource"`
}
