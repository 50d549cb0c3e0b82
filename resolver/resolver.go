package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sourceflow/config"
	"sourceflow/health"
	"sourceflow/internal/metrics"
	"sourceflow/internal/ratelimit"
	"sourceflow/logger"
	"sourceflow/mirror"
	"sourceflow/models"
	"sourceflow/registry"
	"sourceflow/selection"
)

// maxBodyBytes caps how much of a provider response is read. Payloads for
// these categories are small; anything bigger is a provider misbehaving.
const maxBodyBytes = 4 << 20

// ResolutionFailedError reports that every attempt in the fallback chain
// failed. LastClass and LastErr describe the final attempt.
type ResolutionFailedError struct {
	Category  models.Category
	Attempts  int
	LastClass models.Classification
	LastErr   error
}

func (e *ResolutionFailedError) Error() string {
	return fmt.Sprintf("resolver: category %s failed after %d attempts (last: %s)",
		e.Category, e.Attempts, e.LastClass)
}

func (e *ResolutionFailedError) Unwrap() error { return e.LastErr }

// Resolver orchestrates a category resolution across the fallback chain. It
// owns the outbound HTTP client; routing and health state live in the
// components it composes.
type Resolver struct {
	cfg      config.ResolverConfig
	reg      *registry.Registry
	tracker  *health.Tracker
	rotator  *mirror.Rotator
	selector *selection.Engine
	advisor  *ratelimit.Advisor
	client   *http.Client
	clock    health.Clock
	log      *logger.Log
}

// New assembles a resolver over the given components.
func New(cfg config.ResolverConfig, reg *registry.Registry, tracker *health.Tracker,
	rotator *mirror.Rotator, selector *selection.Engine, advisor *ratelimit.Advisor,
	clock health.Clock) *Resolver {

	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if clock == nil {
		clock = health.SystemClock()
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}

	r := &Resolver{
		cfg:      cfg,
		reg:      reg,
		tracker:  tracker,
		rotator:  rotator,
		selector: selector,
		advisor:  advisor,
		client:   &http.Client{Transport: transport},
		clock:    clock,
		log:      logger.GetLogger(),
	}

	r.log.WithComponent("resolver").WithFields(logger.Fields{
		"default_timeout":    cfg.DefaultTimeout,
		"max_attempts":       cfg.MaxAttempts,
		"max_idle_conns":     cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
	}).Info("resolver initialized")

	return r
}

// Resolve walks the fallback chain for a category until one attempt yields a
// usable value. Every attempt outcome feeds the health tracker; resources in
// cooldown never appear in the chain. Context cancellation aborts without
// penalizing the in-flight resource.
func (r *Resolver) Resolve(ctx context.Context, category models.Category, params map[string]string) (*models.CategoryResult, error) {
	return r.ResolveWithLimit(ctx, category, params, 0)
}

// ResolveWithLimit is Resolve with a per-call attempt cap for
// latency-sensitive callers. Zero falls back to the configured cap.
func (r *Resolver) ResolveWithLimit(ctx context.Context, category models.Category, params map[string]string, maxAttempts int) (*models.CategoryResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxAttempts
	}
	requestID := uuid.NewString()
	log := r.log.WithComponent("resolver").WithFields(logger.Fields{
		"category":   string(category),
		"request_id": requestID,
	})

	chain, err := r.selector.BuildChain(category, 0)
	if err != nil {
		metrics.IncrementResolution(string(category), "empty_chain")
		logger.IncrementResolveFailure(string(category))
		log.WithError(err).Error("no eligible resource")
		return nil, err
	}

	timeout := r.cfg.TimeoutFor(string(category))
	attempts := 0
	var lastClass models.Classification
	var lastErr error

	for _, res := range chain {
		if maxAttempts > 0 && attempts >= maxAttempts {
			break
		}
		attempts++
		logger.IncrementAttempt(string(category))

		secret, err := credential(res)
		if err != nil {
			metrics.IncrementAttempt(res.ID, string(models.ClassMissingCredential))
			logger.IncrementCredentialSkip()
			log.WithFields(logger.Fields{
				"resource": res.ID,
				"env_var":  res.Auth.EnvVar,
			}).Warn("credential not set, skipping resource")
			lastClass = models.ClassMissingCredential
			lastErr = err
			continue
		}

		if err := r.advisor.Wait(ctx, res); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The local budget refused the attempt before the
			// provider saw anything; skip without penalizing it.
			metrics.IncrementAttempt(res.ID, string(models.ClassRateLimited))
			log.WithFields(logger.Fields{
				"resource": res.ID,
			}).WithError(err).Warn("local rate budget exhausted, skipping resource")
			lastClass = models.ClassRateLimited
			lastErr = err
			continue
		}

		result, out, err := r.attempt(ctx, res, secret, params, timeout, requestID, attempts)
		if err != nil {
			// Parent cancellation: abort without recording.
			return nil, err
		}

		r.tracker.Record(res.ID, out)
		metrics.IncrementAttempt(res.ID, string(out.Class))

		if out.Class == models.ClassSuccess {
			metrics.IncrementResolution(string(category), "success")
			metrics.ObserveFallbackDepth(string(category), attempts)
			logger.IncrementResolveSuccess(string(category))
			log.WithFields(logger.Fields{
				"resource":   res.ID,
				"attempts":   attempts,
				"latency_ms": out.Latency.Milliseconds(),
			}).Info("category resolved")
			return result, nil
		}

		lastClass = out.Class
		lastErr = out.Err
		log.WithFields(logger.Fields{
			"resource": res.ID,
			"class":    string(out.Class),
			"status":   out.StatusCode,
		}).WithError(out.Err).Warn("attempt failed, falling back")
	}

	metrics.IncrementResolution(string(category), "failure")
	logger.IncrementResolveFailure(string(category))
	failed := &ResolutionFailedError{
		Category:  category,
		Attempts:  attempts,
		LastClass: lastClass,
		LastErr:   lastErr,
	}
	log.WithError(failed).Error("all fallback attempts exhausted")
	return nil, failed
}

// attempt performs one fetch against one resource. A non-nil error means the
// caller's context ended and the attempt must not be scored.
func (r *Resolver) attempt(ctx context.Context, res *models.Resource, secret string,
	params map[string]string, timeout time.Duration, requestID string, attempts int) (*models.CategoryResult, models.Outcome, error) {

	base := res.BaseURL
	viaMirror := false
	if res.HasMirrors() && r.rotator.Has(res.ID) {
		picked, err := r.rotator.Pick(res.ID)
		if err != nil {
			return nil, models.Outcome{Class: models.ClassGeoBlocked, Err: err}, nil
		}
		base = picked
		viaMirror = true
	}

	endpoint, err := buildRequestURL(res, base, secret, params)
	if err != nil {
		return nil, models.Outcome{Class: models.ClassMalformed, Err: err}, nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, models.Outcome{Class: models.ClassMalformed, Err: err}, nil
	}
	attachHeaders(req, res, secret, r.cfg.UserAgent)

	start := r.clock.Now()
	resp, err := r.client.Do(req)
	latency := r.clock.Now().Sub(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, models.Outcome{}, ctx.Err()
		}
		class := classifyError(err)
		if viaMirror && blocking(class) {
			r.rotator.MarkBlocked(res.ID, base)
		}
		return nil, models.Outcome{Class: class, Latency: latency, Err: err}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.Outcome{}, ctx.Err()
		}
		return nil, models.Outcome{Class: classifyError(err), StatusCode: resp.StatusCode, Latency: latency, Err: err}, nil
	}

	class := classifyResponse(resp.StatusCode, body)
	if viaMirror && blocking(class) {
		r.rotator.MarkBlocked(res.ID, base)
	}
	if class != models.ClassSuccess {
		return nil, models.Outcome{
			Class:      class,
			StatusCode: resp.StatusCode,
			Latency:    latency,
			Err:        fmt.Errorf("resource %s: status %d", res.ID, resp.StatusCode),
		}, nil
	}

	value, err := normalize(res, body)
	if err != nil {
		return nil, models.Outcome{
			Class:      models.ClassMalformed,
			StatusCode: resp.StatusCode,
			Latency:    latency,
			Err:        err,
		}, nil
	}

	result := &models.CategoryResult{
		Category:  res.Category,
		Value:     value,
		ServedBy:  res.ID,
		LatencyMs: latency.Milliseconds(),
		Attempts:  attempts,
		RequestID: requestID,
		FetchedAt: r.clock.Now().UTC(),
	}
	return result, models.Outcome{Class: models.ClassSuccess, StatusCode: resp.StatusCode, Latency: latency}, nil
}

// HealthSnapshot aggregates tracker state, optionally restricted to one
// category. An empty category covers the whole catalog.
func (r *Resolver) HealthSnapshot(category models.Category) models.HealthSnapshot {
	ids := r.reg.IDs()
	if category != "" {
		ids = r.reg.IDsFor(category)
	}
	return r.tracker.Snapshot(ids)
}

// Fail administratively removes a resource from rotation until Reinstate.
func (r *Resolver) Fail(id string) error {
	if _, ok := r.reg.Lookup(id); !ok {
		return fmt.Errorf("resolver: unknown resource %s", id)
	}
	r.tracker.Fail(id)
	return nil
}

// Reinstate returns an administratively failed resource to rotation.
func (r *Resolver) Reinstate(id string) error {
	if _, ok := r.reg.Lookup(id); !ok {
		return fmt.Errorf("resolver: unknown resource %s", id)
	}
	r.tracker.Reinstate(id)
	return nil
}

// IsEmptyChain reports whether err is the no-eligible-resource case, which
// callers often handle differently from an exhausted chain.
func IsEmptyChain(err error) bool {
	var empty *selection.EmptyChainError
	return errors.As(err, &empty)
}
