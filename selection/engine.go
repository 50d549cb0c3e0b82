package selection

import (
	"fmt"
	"math/rand"
	"sync"

	"sourceflow/health"
	"sourceflow/logger"
	"sourceflow/models"
	"sourceflow/registry"
)

// EmptyChainError reports that a category has no eligible resource at all,
// distinct from a chain that existed but whose attempts all failed.
type EmptyChainError struct {
	Category models.Category
}

func (e *EmptyChainError) Error() string {
	return fmt.Sprintf("selection: no eligible resource for category %s", e.Category)
}

// Config tunes chain construction.
type Config struct {
	// Explore is the probability, per chain slot, of picking uniformly
	// from the remaining candidates instead of by weight. Keeps rarely
	// used providers from starving on stale success rates.
	Explore float64
	// MaxChainLength caps the chain. Zero means no cap.
	MaxChainLength int
}

// Engine builds ordered fallback chains for a category. Ordering is tier
// first, then weighted by rolling success rate within a tier, with a small
// exploration chance per slot.
type Engine struct {
	cfg     Config
	reg     *registry.Registry
	tracker *health.Tracker
	clock   health.Clock
	log     *logger.Log

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates a selection engine. Seed fixes the random source for
// tests; pass 0 for a time-seeded source.
func NewEngine(cfg Config, reg *registry.Registry, tracker *health.Tracker, clock health.Clock, seed int64) *Engine {
	if cfg.Explore < 0 || cfg.Explore >= 1 {
		cfg.Explore = 0.2
	}
	if clock == nil {
		clock = health.SystemClock()
	}
	src := rand.NewSource(seed)
	if seed == 0 {
		src = rand.NewSource(clock.Now().UnixNano())
	}
	return &Engine{
		cfg:     cfg,
		reg:     reg,
		tracker: tracker,
		clock:   clock,
		log:     logger.GetLogger(),
		rng:     rand.New(src),
	}
}

// BuildChain returns the ordered attempt chain for a category. Resources in
// cooldown or administratively failed are excluded up front; eligibility is
// checked against the current clock so lapsed cooldowns re-enter here.
// maxLen caps the chain for latency-sensitive callers; zero falls back to
// the configured cap, which may itself be unlimited.
func (e *Engine) BuildChain(category models.Category, maxLen int) ([]*models.Resource, error) {
	all := e.reg.ResourcesFor(category)
	now := e.clock.Now()

	eligible := make([]*models.Resource, 0, len(all))
	for _, res := range all {
		if e.tracker.Eligible(res.ID, now) {
			eligible = append(eligible, res)
		}
	}
	if len(eligible) == 0 {
		return nil, &EmptyChainError{Category: category}
	}

	chain := make([]*models.Resource, 0, len(eligible))
	for _, bucket := range tierBuckets(eligible) {
		chain = append(chain, e.orderBucket(bucket)...)
	}

	if maxLen <= 0 {
		maxLen = e.cfg.MaxChainLength
	}
	if maxLen > 0 && len(chain) > maxLen {
		chain = chain[:maxLen]
	}
	return chain, nil
}

// tierBuckets partitions resources by tier, preserving the registry's
// tier-sorted order.
func tierBuckets(resources []*models.Resource) [][]*models.Resource {
	var buckets [][]*models.Resource
	for _, res := range resources {
		if n := len(buckets); n > 0 && buckets[n-1][0].Tier == res.Tier {
			buckets[n-1] = append(buckets[n-1], res)
			continue
		}
		buckets = append(buckets, []*models.Resource{res})
	}
	return buckets
}

// orderBucket orders one tier by weighted sampling without replacement.
// Weight is the rolling success rate floored so a cold or struggling
// resource still gets drawn eventually.
func (e *Engine) orderBucket(bucket []*models.Resource) []*models.Resource {
	if len(bucket) == 1 {
		return bucket
	}

	remaining := make([]*models.Resource, len(bucket))
	copy(remaining, bucket)
	ordered := make([]*models.Resource, 0, len(bucket))

	e.mu.Lock()
	defer e.mu.Unlock()

	for len(remaining) > 0 {
		var idx int
		if e.rng.Float64() < e.cfg.Explore {
			idx = e.rng.Intn(len(remaining))
		} else {
			idx = e.weightedIndex(remaining)
		}
		ordered = append(ordered, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return ordered
}

const minWeight = 0.05

func (e *Engine) weightedIndex(candidates []*models.Resource) int {
	total := 0.0
	weights := make([]float64, len(candidates))
	for i, res := range candidates {
		w := e.tracker.SuccessRate(res.ID)
		if w < minWeight {
			w = minWeight
		}
		weights[i] = w
		total += w
	}

	target := e.rng.Float64() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return i
		}
	}
	return len(candidates) - 1
}
