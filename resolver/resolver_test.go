package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sourceflow/config"
	"sourceflow/health"
	"sourceflow/internal/ratelimit"
	"sourceflow/mirror"
	"sourceflow/models"
	"sourceflow/registry"
	"sourceflow/selection"
)

type fixture struct {
	resolver *Resolver
	tracker  *health.Tracker
	rotator  *mirror.Rotator
	clock    *health.FakeClock
}

func newFixture(t *testing.T, entries []config.ResourceEntry) *fixture {
	t.Helper()
	reg, err := registry.FromEntries(entries)
	if err != nil {
		t.Fatalf("FromEntries: %v", err)
	}
	clock := &health.FakeClock{Current: time.Now()}
	tracker := health.NewTracker(health.DefaultConfig(), clock)
	rotator := mirror.NewRotator(mirror.DefaultConfig(), clock)
	for _, e := range entries {
		if len(e.Mirrors) > 0 {
			rotator.Register(e.ID, e.Mirrors)
		}
	}
	selector := selection.NewEngine(selection.Config{Explore: 0.1}, reg, tracker, clock, 1)
	advisor := ratelimit.NewAdvisor(false)
	cfg := config.ResolverConfig{
		DefaultTimeout: 2 * time.Second,
		UserAgent:      "sourceflow-test/1.0",
	}
	return &fixture{
		resolver: New(cfg, reg, tracker, rotator, selector, advisor, clock),
		tracker:  tracker,
		rotator:  rotator,
		clock:    clock,
	}
}

func priceEntry(id, tier, baseURL string) config.ResourceEntry {
	return config.ResourceEntry{
		ID:               id,
		Name:             id,
		Category:         "market_price",
		PriorityTier:     tier,
		BaseURL:          baseURL,
		EndpointTemplate: "/price?symbol={symbol}",
	}
}

func TestResolveFirstAttemptSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol param = %q", got)
		}
		w.Write([]byte(`{"price":"67345.10"}`))
	}))
	defer srv.Close()

	entry := priceEntry("binance_price", "critical", srv.URL)
	entry.ValuePath = "price"
	f := newFixture(t, []config.ResourceEntry{entry})

	result, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "BTCUSDT"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.ServedBy != "binance_price" {
		t.Errorf("ServedBy = %s", result.ServedBy)
	}
	if string(result.Value) != `"67345.10"` {
		t.Errorf("Value = %s", result.Value)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if result.RequestID == "" {
		t.Error("RequestID not set")
	}
	if rate := f.tracker.SuccessRate("binance_price"); rate <= 0.9 {
		t.Errorf("success rate = %f after clean success", rate)
	}
}

func TestResolveFallsBackOnServerError(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price":"1.23"}`))
	}))
	defer good.Close()

	f := newFixture(t, []config.ResourceEntry{
		priceEntry("primary", "critical", bad.URL),
		priceEntry("secondary", "high", good.URL),
	})

	result, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "ETHUSDT"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.ServedBy != "secondary" {
		t.Errorf("ServedBy = %s, want secondary", result.ServedBy)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if f.tracker.State("primary").Status != models.StatusDegraded {
		t.Errorf("primary status = %s, want degraded", f.tracker.State("primary").Status)
	}
}

func TestResolveRateLimitTripsImmediateCooldown(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price":"9.99"}`))
	}))
	defer good.Close()

	f := newFixture(t, []config.ResourceEntry{
		priceEntry("primary", "critical", limited.URL),
		priceEntry("secondary", "high", good.URL),
	})

	if _, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.tracker.State("primary").Status != models.StatusCooldown {
		t.Fatalf("primary status = %s, want cooldown", f.tracker.State("primary").Status)
	}

	// Second resolution must not touch the limited provider at all.
	result, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if result.Attempts != 1 || result.ServedBy != "secondary" {
		t.Errorf("second resolve: attempts=%d served_by=%s", result.Attempts, result.ServedBy)
	}
}

func TestResolveSkipsMissingCredentialWithoutPenalty(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price":"5"}`))
	}))
	defer good.Close()

	keyed := priceEntry("keyed", "critical", "https://keyed.invalid")
	keyed.Auth = config.AuthEntry{Kind: "header_key", Name: "X-Api-Key", Env: "SOURCEFLOW_TEST_UNSET_KEY"}
	f := newFixture(t, []config.ResourceEntry{
		keyed,
		priceEntry("open", "high", good.URL),
	})

	result, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.ServedBy != "open" {
		t.Errorf("ServedBy = %s, want open", result.ServedBy)
	}
	// Skips still count as attempts.
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if f.tracker.State("keyed").Status != models.StatusAvailable {
		t.Errorf("keyed status = %s, skip must not penalize", f.tracker.State("keyed").Status)
	}
}

func TestResolveHeaderKeyAttached(t *testing.T) {
	t.Setenv("SOURCEFLOW_TEST_CMC_KEY", "s3cret")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-CMC_PRO_API_KEY"); got != "s3cret" {
			t.Errorf("credential header = %q", got)
		}
		w.Write([]byte(`{"price":"1"}`))
	}))
	defer srv.Close()

	entry := priceEntry("cmc", "critical", srv.URL)
	entry.Auth = config.AuthEntry{Kind: "header_key", Name: "X-CMC_PRO_API_KEY", Env: "SOURCEFLOW_TEST_CMC_KEY"}
	f := newFixture(t, []config.ResourceEntry{entry})

	if _, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestResolveAllAttemptsFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	f := newFixture(t, []config.ResourceEntry{
		priceEntry("a", "critical", bad.URL),
		priceEntry("b", "high", bad.URL),
	})

	_, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"})
	var failed *ResolutionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ResolutionFailedError, got %v", err)
	}
	if failed.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", failed.Attempts)
	}
	if failed.LastClass != models.ClassServerError {
		t.Errorf("LastClass = %s", failed.LastClass)
	}
}

// A drained local rate budget must skip to the next provider, not abort the
// whole resolution with a limiter error.
func TestResolveSkipsThrottledResource(t *testing.T) {
	var limitedHits int32
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&limitedHits, 1)
		w.Write([]byte(`{"price":"1"}`))
	}))
	defer limited.Close()
	open := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price":"2"}`))
	}))
	defer open.Close()

	limitedEntry := priceEntry("limited", "critical", limited.URL)
	limitedEntry.RateLimitHint = 1
	entries := []config.ResourceEntry{
		limitedEntry,
		priceEntry("open", "low", open.URL),
	}

	reg, err := registry.FromEntries(entries)
	if err != nil {
		t.Fatalf("FromEntries: %v", err)
	}
	clock := &health.FakeClock{Current: time.Now()}
	tracker := health.NewTracker(health.DefaultConfig(), clock)
	selector := selection.NewEngine(selection.Config{Explore: 0.1}, reg, tracker, clock, 1)
	res := New(
		config.ResolverConfig{DefaultTimeout: 2 * time.Second},
		reg, tracker, mirror.NewRotator(mirror.DefaultConfig(), clock),
		selector, ratelimit.NewAdvisor(true), clock,
	)

	// First resolve consumes the limited provider's whole minute budget.
	first, err := res.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"})
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if first.ServedBy != "limited" {
		t.Fatalf("first ServedBy = %s, want limited", first.ServedBy)
	}

	// The deadline makes the limiter refuse immediately instead of
	// queueing; the chain must continue to the unthrottled provider.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	second, err := res.Resolve(ctx, models.CategoryMarketPrice, map[string]string{"symbol": "X"})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second.ServedBy != "open" {
		t.Errorf("second ServedBy = %s, want open", second.ServedBy)
	}
	if second.Attempts != 2 {
		t.Errorf("second Attempts = %d, want 2", second.Attempts)
	}
	if atomic.LoadInt32(&limitedHits) != 1 {
		t.Errorf("limited provider contacted %d times, want 1", limitedHits)
	}
	if tracker.State("limited").Status != models.StatusAvailable {
		t.Errorf("limited status = %s, local throttling must not penalize", tracker.State("limited").Status)
	}
}

func TestResolveWithLimitCapsAttempts(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	f := newFixture(t, []config.ResourceEntry{
		priceEntry("a", "critical", bad.URL),
		priceEntry("b", "high", bad.URL),
		priceEntry("c", "low", bad.URL),
	})

	_, err := f.resolver.ResolveWithLimit(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"}, 2)
	var failed *ResolutionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ResolutionFailedError, got %v", err)
	}
	if failed.Attempts != 2 {
		t.Errorf("Attempts = %d, want per-call cap of 2", failed.Attempts)
	}
}

func TestResolveEmptyChain(t *testing.T) {
	f := newFixture(t, []config.ResourceEntry{
		priceEntry("only", "critical", "https://only.invalid"),
	})
	f.tracker.Fail("only")

	_, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"})
	if !IsEmptyChain(err) {
		t.Fatalf("expected empty chain error, got %v", err)
	}
}

func TestResolveMalformedResponse(t *testing.T) {
	notJSON := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer notJSON.Close()
	missingPath := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))
	defer missingPath.Close()

	withPath := priceEntry("missing_path", "high", missingPath.URL)
	withPath.ValuePath = "data.value"
	f := newFixture(t, []config.ResourceEntry{
		priceEntry("not_json", "critical", notJSON.URL),
		withPath,
	})

	_, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"})
	var failed *ResolutionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ResolutionFailedError, got %v", err)
	}
	if failed.LastClass != models.ClassMalformed {
		t.Errorf("LastClass = %s, want malformed_response", failed.LastClass)
	}
	if f.tracker.State("not_json").Status != models.StatusDegraded {
		t.Errorf("not_json status = %s, want degraded", f.tracker.State("not_json").Status)
	}
}

func TestResolveCancellationDoesNotPenalize(t *testing.T) {
	started := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer slow.Close()

	f := newFixture(t, []config.ResourceEntry{
		priceEntry("slow", "critical", slow.URL),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := f.resolver.Resolve(ctx, models.CategoryMarketPrice, map[string]string{"symbol": "X"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.tracker.State("slow").Status != models.StatusAvailable {
		t.Errorf("slow status = %s, cancellation must not penalize", f.tracker.State("slow").Status)
	}
}

func TestResolveGeoBlockedMirrorSidelined(t *testing.T) {
	blocked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnavailableForLegalReasons)
	}))
	defer blocked.Close()
	open := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price":"2"}`))
	}))
	defer open.Close()

	entry := priceEntry("mirrored", "critical", blocked.URL)
	entry.Mirrors = []string{blocked.URL, open.URL}
	f := newFixture(t, []config.ResourceEntry{entry})

	// First resolve hits the blocked mirror, records the failure, and
	// sidelines it. The second must come back through the open mirror.
	if _, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"}); err == nil {
		t.Fatal("expected first resolve to fail on the blocked mirror")
	}
	if n := f.rotator.Healthy("mirrored"); n != 1 {
		t.Fatalf("healthy mirrors = %d, want 1", n)
	}

	result, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if result.ServedBy != "mirrored" {
		t.Errorf("ServedBy = %s", result.ServedBy)
	}
}

// A healthy high-tier resource wins in one attempt; a cooled-down peer in the
// same tier is never contacted even though it outranks the low-tier fallback.
func TestResolveSkipsCooldownPeerEntirely(t *testing.T) {
	var hitsA, hitsB, hitsC int32
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hitsA, 1)
		w.Write([]byte(`{"price":"1"}`))
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hitsB, 1)
		w.Write([]byte(`{"price":"2"}`))
	}))
	defer srvB.Close()
	srvC := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hitsC, 1)
		w.Write([]byte(`{"price":"3"}`))
	}))
	defer srvC.Close()

	f := newFixture(t, []config.ResourceEntry{
		priceEntry("a", "high", srvA.URL),
		priceEntry("b", "high", srvB.URL),
		priceEntry("c", "low", srvC.URL),
	})

	// Push b into cooldown before resolving.
	for i := 0; i < 3; i++ {
		f.tracker.Record("b", models.Outcome{Class: models.ClassServerError})
	}
	// Bias a above b's tier-mate slot by giving it a perfect track record.
	f.tracker.Record("a", models.Outcome{Class: models.ClassSuccess})

	for i := 0; i < 20; i++ {
		result, err := f.resolver.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if result.ServedBy != "a" {
			t.Fatalf("ServedBy = %s, want a", result.ServedBy)
		}
		if result.Attempts != 1 {
			t.Fatalf("Attempts = %d, want 1", result.Attempts)
		}
	}
	if atomic.LoadInt32(&hitsB) != 0 {
		t.Errorf("cooled-down resource was contacted %d times", hitsB)
	}
	if atomic.LoadInt32(&hitsC) != 0 {
		t.Errorf("low-tier resource was contacted %d times", hitsC)
	}
}

func TestResolveTimeoutClassified(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"price":"1"}`))
	}))
	defer slow.Close()

	reg, err := registry.FromEntries([]config.ResourceEntry{priceEntry("slow", "critical", slow.URL)})
	if err != nil {
		t.Fatalf("FromEntries: %v", err)
	}
	clock := &health.FakeClock{Current: time.Now()}
	tracker := health.NewTracker(health.DefaultConfig(), clock)
	selector := selection.NewEngine(selection.Config{Explore: 0.1}, reg, tracker, clock, 1)
	cfg := config.ResolverConfig{DefaultTimeout: 50 * time.Millisecond}
	res := New(cfg, reg, tracker, mirror.NewRotator(mirror.DefaultConfig(), clock), selector, ratelimit.NewAdvisor(false), clock)

	_, err = res.Resolve(context.Background(), models.CategoryMarketPrice, map[string]string{"symbol": "X"})
	var failed *ResolutionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ResolutionFailedError, got %v", err)
	}
	if failed.LastClass != models.ClassTimeout {
		t.Errorf("LastClass = %s, want timeout", failed.LastClass)
	}
	if tracker.State("slow").Status != models.StatusDegraded {
		t.Errorf("slow status = %s, timeouts must count against health", tracker.State("slow").Status)
	}
}

func TestHealthSnapshot(t *testing.T) {
	f := newFixture(t, []config.ResourceEntry{
		priceEntry("a", "critical", "https://a.invalid"),
		priceEntry("b", "high", "https://b.invalid"),
		{
			ID: "news_src", Name: "news_src", Category: "news", PriorityTier: "high",
			BaseURL: "https://n.invalid", EndpointTemplate: "/v1/posts",
		},
	})
	f.tracker.Fail("b")

	all := f.resolver.HealthSnapshot("")
	if all.Total != 3 || all.Failed != 1 || all.Available != 2 {
		t.Errorf("snapshot = %+v", all)
	}

	prices := f.resolver.HealthSnapshot(models.CategoryMarketPrice)
	if prices.Total != 2 {
		t.Errorf("category snapshot total = %d, want 2", prices.Total)
	}
}

func TestAdminFailReinstate(t *testing.T) {
	f := newFixture(t, []config.ResourceEntry{
		priceEntry("a", "critical", "https://a.invalid"),
	})

	if err := f.resolver.Fail("missing"); err == nil {
		t.Error("Fail on unknown resource should error")
	}
	if err := f.resolver.Fail("a"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if f.tracker.State("a").Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", f.tracker.State("a").Status)
	}
	if err := f.resolver.Reinstate("a"); err != nil {
		t.Fatalf("Reinstate: %v", err)
	}
	if f.tracker.State("a").Status != models.StatusAvailable {
		t.Errorf("status = %s, want available", f.tracker.State("a").Status)
	}
}
