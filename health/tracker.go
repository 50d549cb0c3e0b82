package health

import (
	"sync"
	"time"

	"sourceflow/internal/metrics"
	"sourceflow/logger"
	"sourceflow/models"
)

// Config tunes the circuit-breaker state machine.
type Config struct {
	// FailureThreshold is the number of consecutive failures that move a
	// degraded resource into cooldown.
	FailureThreshold int
	// FailureCooldown is how long a resource sits out after crossing the
	// failure threshold.
	FailureCooldown time.Duration
	// RateLimitCooldown applies on an explicit rate-limit signal. It must
	// be longer than FailureCooldown: a 429 is a hard server-side refusal,
	// transient failures may clear quickly.
	RateLimitCooldown time.Duration
	// SuccessRateAlpha is the EWMA weight for the rolling success rate.
	SuccessRateAlpha float64
}

// DefaultConfig returns the tracker defaults used when no configuration is
// supplied.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		FailureCooldown:   5 * time.Minute,
		RateLimitCooldown: 60 * time.Minute,
		SuccessRateAlpha:  0.3,
	}
}

// State is a point-in-time copy of a resource's runtime health.
type State struct {
	Status               models.Status
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	CooldownUntil        time.Time
	LastLatency          time.Duration
	SuccessRate          float64
}

// resourceState is the mutable per-resource companion. Each resource carries
// its own mutex so concurrent outcomes on different resources never contend.
type resourceState struct {
	mu                   sync.Mutex
	status               models.Status
	consecutiveFailures  int
	consecutiveSuccesses int
	cooldownUntil        time.Time
	lastLatency          time.Duration
	successRate          float64
	observed             bool
}

// Tracker owns all per-resource health state. State is created lazily on
// first use and lives only for the process lifetime.
type Tracker struct {
	cfg   Config
	clock Clock
	log   *logger.Log

	mu     sync.RWMutex
	states map[string]*resourceState
}

// NewTracker creates a tracker with the given configuration and clock.
func NewTracker(cfg Config, clock Clock) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = 5 * time.Minute
	}
	if cfg.RateLimitCooldown <= cfg.FailureCooldown {
		cfg.RateLimitCooldown = 12 * cfg.FailureCooldown
	}
	if cfg.SuccessRateAlpha <= 0 || cfg.SuccessRateAlpha > 1 {
		cfg.SuccessRateAlpha = 0.3
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Tracker{
		cfg:    cfg,
		clock:  clock,
		log:    logger.GetLogger(),
		states: make(map[string]*resourceState),
	}
}

func (t *Tracker) state(id string) *resourceState {
	t.mu.RLock()
	s, ok := t.states[id]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.states[id]; ok {
		return s
	}
	s = &resourceState{status: models.StatusAvailable, successRate: 1.0}
	t.states[id] = s
	return s
}

// Record is the sole mutator of health state. It applies a single attempt
// outcome to the resource's state machine. Credential skips are ignored: an
// unset environment variable is not evidence about the provider.
func (t *Tracker) Record(id string, out models.Outcome) {
	if out.Class == models.ClassMissingCredential {
		return
	}

	s := t.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if out.Latency > 0 {
		s.lastLatency = out.Latency
	}

	if out.Class == models.ClassSuccess {
		s.consecutiveFailures = 0
		s.consecutiveSuccesses++
		s.observeLocked(t.cfg.SuccessRateAlpha, 1.0)
		// Failed is administrative; a stray success must not clear it.
		if s.status != models.StatusFailed {
			s.status = models.StatusAvailable
			s.cooldownUntil = time.Time{}
		}
		return
	}

	s.consecutiveSuccesses = 0
	s.consecutiveFailures++
	s.observeLocked(t.cfg.SuccessRateAlpha, 0.0)

	if s.status == models.StatusFailed {
		return
	}

	now := t.clock.Now()
	switch {
	case out.Class == models.ClassRateLimited:
		// Rate limits cool down immediately and for longer.
		s.status = models.StatusCooldown
		s.cooldownUntil = now.Add(t.cfg.RateLimitCooldown)
		t.logCooldown(id, out, s.cooldownUntil)
	case s.consecutiveFailures >= t.cfg.FailureThreshold:
		s.status = models.StatusCooldown
		s.cooldownUntil = now.Add(t.cfg.FailureCooldown)
		t.logCooldown(id, out, s.cooldownUntil)
	default:
		s.status = models.StatusDegraded
	}
}

func (t *Tracker) logCooldown(id string, out models.Outcome, until time.Time) {
	metrics.IncrementCooldown(id, string(out.Class))
	logger.IncrementCooldown()
	t.log.WithComponent("health").WithFields(logger.Fields{
		"resource":       id,
		"classification": string(out.Class),
		"cooldown_until": until.Format(time.RFC3339),
	}).Warn("resource entered cooldown")
}

// observeLocked folds an observation into the rolling success rate. The first
// observation seeds the rate directly.
func (s *resourceState) observeLocked(alpha, value float64) {
	if !s.observed {
		s.successRate = value
		s.observed = true
		return
	}
	s.successRate = alpha*value + (1-alpha)*s.successRate
}

// Eligible reports whether a resource may be placed in a fallback chain at
// the given instant. Cooldown recovery is lazy: it happens here, on the next
// selection after expiry, not via a background timer.
func (t *Tracker) Eligible(id string, now time.Time) bool {
	s := t.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case models.StatusFailed:
		return false
	case models.StatusCooldown:
		if now.Before(s.cooldownUntil) {
			return false
		}
		s.status = models.StatusAvailable
		s.consecutiveFailures = 0
		s.cooldownUntil = time.Time{}
		return true
	default:
		return true
	}
}

// SuccessRate returns the rolling success rate for weighting, 1.0 for
// resources that were never observed.
func (t *Tracker) SuccessRate(id string) float64 {
	s := t.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successRate
}

// State returns a copy of the resource's current health state.
func (t *Tracker) State(id string) State {
	s := t.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Status:               s.status,
		ConsecutiveFailures:  s.consecutiveFailures,
		ConsecutiveSuccesses: s.consecutiveSuccesses,
		CooldownUntil:        s.cooldownUntil,
		LastLatency:          s.lastLatency,
		SuccessRate:          s.successRate,
	}
}

// Fail administratively removes a resource from selection until Reinstate.
func (t *Tracker) Fail(id string) {
	s := t.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = models.StatusFailed
	s.cooldownUntil = time.Time{}
}

// Reinstate clears an administrative Failed mark.
func (t *Tracker) Reinstate(id string) {
	s := t.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == models.StatusFailed {
		s.status = models.StatusAvailable
		s.consecutiveFailures = 0
	}
}

// Snapshot aggregates tracker state for the given resource ids.
func (t *Tracker) Snapshot(ids []string) models.HealthSnapshot {
	snap := models.HealthSnapshot{Resources: make([]models.ResourceHealth, 0, len(ids))}
	for _, id := range ids {
		st := t.State(id)
		snap.Total++
		switch st.Status {
		case models.StatusAvailable:
			snap.Available++
		case models.StatusDegraded:
			snap.Degraded++
		case models.StatusCooldown:
			snap.Cooldown++
		case models.StatusFailed:
			snap.Failed++
		}
		snap.Resources = append(snap.Resources, models.ResourceHealth{
			ID:            id,
			Status:        st.Status,
			SuccessRate:   st.SuccessRate,
			LastLatencyMs: st.LastLatency.Milliseconds(),
		})
	}
	return snap
}
