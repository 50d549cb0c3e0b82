package models

import (
	"fmt"
	"net/url"
	"strings"
)

// Category identifies the logical kind of data a resource serves. The set is
// closed: the selection engine only builds chains for known categories.
type Category string

const (
	CategoryMarketPrice   Category = "market_price"
	CategoryOHLCV         Category = "ohlcv"
	CategoryNews          Category = "news"
	CategorySentiment     Category = "sentiment"
	CategoryOnChain       Category = "on_chain"
	CategoryWhaleTracking Category = "whale_tracking"
	CategoryRPCNode       Category = "rpc_node"
	CategoryExplorer      Category = "explorer"
	CategoryAIModel       Category = "ai_model"
	CategoryCORSProxy     Category = "cors_proxy"
)

// Categories lists every known category in a stable order.
var Categories = []Category{
	CategoryMarketPrice,
	CategoryOHLCV,
	CategoryNews,
	CategorySentiment,
	CategoryOnChain,
	CategoryWhaleTracking,
	CategoryRPCNode,
	CategoryExplorer,
	CategoryAIModel,
	CategoryCORSProxy,
}

// ParseCategory maps a config string onto a known category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

func (c Category) String() string { return string(c) }

// Valid reports whether the category belongs to the closed set.
func (c Category) Valid() bool {
	_, err := ParseCategory(string(c))
	return err == nil
}

// Tier is the coarse priority bucket used to order fallback attempts.
// Lower values are attempted first.
type Tier int

const (
	TierCritical Tier = iota
	TierHigh
	TierStandard
	TierLow
	TierEmergency
	tierCount
)

var tierNames = [...]string{"critical", "high", "standard", "low", "emergency"}

// Tiers lists every tier from highest to lowest priority.
var Tiers = []Tier{TierCritical, TierHigh, TierStandard, TierLow, TierEmergency}

// ParseTier maps a config string onto a priority tier.
func ParseTier(s string) (Tier, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range tierNames {
		if name == n {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority tier %q", s)
}

func (t Tier) String() string {
	if t < 0 || t >= tierCount {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// AuthKind describes how a resource expects its credential to be attached.
type AuthKind string

const (
	AuthNone      AuthKind = "none"
	AuthQueryKey  AuthKind = "query_key"
	AuthHeaderKey AuthKind = "header_key"
	AuthPathKey   AuthKind = "path_key"
)

// Auth describes a resource's credential requirement. The secret itself is
// never stored in the descriptor: EnvVar names the environment variable it is
// resolved from at call time.
type Auth struct {
	Kind   AuthKind `yaml:"kind" json:"kind"`
	Name   string   `yaml:"name,omitempty" json:"name,omitempty"`
	EnvVar string   `yaml:"env,omitempty" json:"env,omitempty"`
}

// Required reports whether the resource cannot be called without a credential.
func (a Auth) Required() bool {
	return a.Kind != "" && a.Kind != AuthNone
}

// Resource is a single addressable provider endpoint. Descriptors are
// immutable after registry load; runtime health lives in the health tracker.
type Resource struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Category         Category `json:"category"`
	Tier             Tier     `json:"priority_tier"`
	BaseURL          string   `json:"base_url"`
	EndpointTemplate string   `json:"endpoint_template"`
	Auth             Auth     `json:"auth"`
	RateLimitHint    int      `json:"rate_limit_hint,omitempty"`
	ValuePath        string   `json:"value_path,omitempty"`
	Mirrors          []string `json:"mirrors,omitempty"`
}

// HasMirrors reports whether the provider registered alternate endpoints.
func (r *Resource) HasMirrors() bool { return len(r.Mirrors) > 0 }

// Endpoint expands the endpoint template against the given base URL and
// request parameters. Placeholders use {name} syntax; parameter values are
// query-escaped. Unresolved placeholders are an error so a typo in a template
// surfaces at call time instead of reaching the provider.
func (r *Resource) Endpoint(base string, params map[string]string) (string, error) {
	path := r.EndpointTemplate
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", url.QueryEscape(v))
	}
	if i := strings.Index(path, "{"); i >= 0 {
		if j := strings.Index(path[i:], "}"); j >= 0 {
			return "", fmt.Errorf("resource %s: unresolved template parameter %s", r.ID, path[i:i+j+1])
		}
	}
	base = strings.TrimRight(base, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path, nil
}
