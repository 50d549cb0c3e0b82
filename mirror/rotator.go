package mirror

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sourceflow/health"
	"sourceflow/internal/metrics"
	"sourceflow/logger"
)

// ErrNoEndpoint reports that every mirror of a provider is currently marked
// unhealthy. The orchestrator treats the whole provider as failed for that
// attempt.
var ErrNoEndpoint = errors.New("mirror: no healthy endpoint")

// Config tunes mirror health handling.
type Config struct {
	// UnhealthyWindow is how long a mirror sits out after a
	// blocking-class error. Mirrors are cheaper to retry than whole
	// providers, so the window is short and fixed.
	UnhealthyWindow time.Duration
	// ProbeTimeout bounds the websocket dial used to re-admit ws/wss
	// mirrors.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the rotator defaults.
func DefaultConfig() Config {
	return Config{
		UnhealthyWindow: 90 * time.Second,
		ProbeTimeout:    3 * time.Second,
	}
}

type endpoint struct {
	url     string
	healthy bool
	probing bool
	retryAt time.Time
}

type pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	next      int
}

// Rotator owns mirror-health state for providers registered with multiple
// endpoints. Mirror health is a boolean with a retry window, not the full
// provider state machine.
type Rotator struct {
	cfg   Config
	clock health.Clock
	log   *logger.Log
	dial  func(rawURL string, timeout time.Duration) error

	mu    sync.RWMutex
	pools map[string]*pool
}

// NewRotator creates a rotator using the given clock.
func NewRotator(cfg Config, clock health.Clock) *Rotator {
	if cfg.UnhealthyWindow <= 0 {
		cfg.UnhealthyWindow = 90 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if clock == nil {
		clock = health.SystemClock()
	}
	return &Rotator{
		cfg:   cfg,
		clock: clock,
		log:   logger.GetLogger(),
		dial:  dialWebsocket,
		pools: make(map[string]*pool),
	}
}

func dialWebsocket(rawURL string, timeout time.Duration) error {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(rawURL, nil)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Register installs the mirror pool for a provider. Registering again
// replaces the pool, which resets mirror health; registry reloads accept
// that.
func (r *Rotator) Register(id string, urls []string) {
	if len(urls) == 0 {
		return
	}
	endpoints := make([]*endpoint, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		endpoints = append(endpoints, &endpoint{url: u, healthy: true})
	}
	if len(endpoints) == 0 {
		return
	}

	r.mu.Lock()
	r.pools[id] = &pool{endpoints: endpoints}
	r.mu.Unlock()
}

// Has reports whether the provider registered a mirror pool.
func (r *Rotator) Has(id string) bool {
	r.mu.RLock()
	_, ok := r.pools[id]
	r.mu.RUnlock()
	return ok
}

// Pick returns the next healthy mirror for a provider, round-robin. A mirror
// whose unhealthy window has lapsed is re-admitted here: ws/wss mirrors only
// after a successful websocket dial, http mirrors optimistically since the
// next real request decides.
func (r *Rotator) Pick(id string) (string, error) {
	r.mu.RLock()
	p, ok := r.pools[id]
	r.mu.RUnlock()
	if !ok {
		return "", ErrNoEndpoint
	}

	r.readmit(id, p, r.clock.Now())

	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		ep := p.endpoints[(p.next+i)%n]
		if ep.healthy {
			p.next = (p.next + i + 1) % n
			return ep.url, nil
		}
	}
	return "", ErrNoEndpoint
}

// readmit returns lapsed mirrors to service. The websocket dial happens
// outside the pool lock so a slow probe cannot stall concurrent picks; the
// probing flag keeps one dial in flight per endpoint.
func (r *Rotator) readmit(id string, p *pool, now time.Time) {
	var probes []*endpoint
	p.mu.Lock()
	for _, ep := range p.endpoints {
		if ep.healthy || ep.probing || now.Before(ep.retryAt) {
			continue
		}
		if isWebsocketURL(ep.url) {
			ep.probing = true
			probes = append(probes, ep)
			continue
		}
		ep.healthy = true
	}
	p.mu.Unlock()

	for _, ep := range probes {
		err := r.dial(ep.url, r.cfg.ProbeTimeout)

		p.mu.Lock()
		ep.probing = false
		if err != nil {
			ep.retryAt = r.clock.Now().Add(r.cfg.UnhealthyWindow)
		} else {
			ep.healthy = true
		}
		p.mu.Unlock()

		if err != nil {
			r.log.WithComponent("mirror").WithFields(logger.Fields{
				"resource": id,
				"endpoint": ep.url,
			}).WithError(err).Debug("websocket probe failed")
		}
	}
}

// MarkBlocked marks a mirror unhealthy for the configured window after a
// blocking-class error (HTTP 451, DNS failure).
func (r *Rotator) MarkBlocked(id, rawURL string) {
	r.mu.RLock()
	p, ok := r.pools[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	now := r.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.url == rawURL {
			ep.healthy = false
			ep.retryAt = now.Add(r.cfg.UnhealthyWindow)
			metrics.IncrementMirrorBlocked(id)
			r.log.WithComponent("mirror").WithFields(logger.Fields{
				"resource": id,
				"endpoint": rawURL,
				"retry_at": ep.retryAt.Format(time.RFC3339),
			}).Warn("mirror marked unhealthy")
			return
		}
	}
}

// Healthy reports how many mirrors of a provider are currently usable.
func (r *Rotator) Healthy(id string) int {
	r.mu.RLock()
	p, ok := r.pools[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, ep := range p.endpoints {
		if ep.healthy {
			count++
		}
	}
	return count
}

func isWebsocketURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "ws" || u.Scheme == "wss"
}
