package health

import (
	"sync"
	"testing"
	"time"

	"sourceflow/models"
)

func newTestTracker() (*Tracker, *FakeClock) {
	clock := &FakeClock{Current: time.Unix(1700000000, 0)}
	return NewTracker(DefaultConfig(), clock), clock
}

func failure(class models.Classification) models.Outcome {
	return models.Outcome{Class: class, Latency: 20 * time.Millisecond}
}

func TestSingleFailureDegrades(t *testing.T) {
	tr, _ := newTestTracker()

	tr.Record("a", failure(models.ClassServerError))

	st := tr.State("a")
	if st.Status != models.StatusDegraded {
		t.Fatalf("status = %s, want degraded", st.Status)
	}
	if st.ConsecutiveFailures != 1 {
		t.Fatalf("consecutive failures = %d, want 1", st.ConsecutiveFailures)
	}
	if !tr.Eligible("a", tr.clock.Now()) {
		t.Fatalf("degraded resource must stay selectable")
	}
}

func TestThresholdFailuresCooldown(t *testing.T) {
	tr, clock := newTestTracker()

	for i := 0; i < 3; i++ {
		tr.Record("a", failure(models.ClassServerError))
	}

	st := tr.State("a")
	if st.Status != models.StatusCooldown {
		t.Fatalf("status = %s, want cooldown", st.Status)
	}
	want := clock.Now().Add(5 * time.Minute)
	if !st.CooldownUntil.Equal(want) {
		t.Fatalf("cooldown until = %s, want %s", st.CooldownUntil, want)
	}
	if tr.Eligible("a", clock.Now()) {
		t.Fatalf("cooldown resource must not be eligible")
	}
}

func TestRateLimitImmediateAndLongerCooldown(t *testing.T) {
	tr, clock := newTestTracker()

	// Generic failures need the threshold; a rate limit cools down on the
	// first hit.
	tr.Record("rl", failure(models.ClassRateLimited))
	st := tr.State("rl")
	if st.Status != models.StatusCooldown {
		t.Fatalf("status = %s, want cooldown after single rate limit", st.Status)
	}

	for i := 0; i < 3; i++ {
		tr.Record("srv", failure(models.ClassServerError))
	}
	srv := tr.State("srv")

	if !st.CooldownUntil.After(srv.CooldownUntil) {
		t.Fatalf("rate limit cooldown (%s) must exceed generic cooldown (%s)",
			st.CooldownUntil.Sub(clock.Now()), srv.CooldownUntil.Sub(clock.Now()))
	}
}

func TestLazyCooldownRecovery(t *testing.T) {
	tr, clock := newTestTracker()

	for i := 0; i < 3; i++ {
		tr.Record("a", failure(models.ClassServerError))
	}
	if tr.Eligible("a", clock.Now()) {
		t.Fatalf("must not be eligible during cooldown")
	}

	clock.Advance(5*time.Minute - time.Second)
	if tr.Eligible("a", clock.Now()) {
		t.Fatalf("must not be eligible one second before expiry")
	}

	clock.Advance(2 * time.Second)
	if !tr.Eligible("a", clock.Now()) {
		t.Fatalf("must be eligible after expiry")
	}

	st := tr.State("a")
	if st.Status != models.StatusAvailable {
		t.Fatalf("status = %s, want available after lazy recovery", st.Status)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d, want reset to 0", st.ConsecutiveFailures)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	tr, _ := newTestTracker()

	tr.Record("a", failure(models.ClassServerError))
	tr.Record("a", failure(models.ClassTimeout))
	tr.Record("a", models.Outcome{Class: models.ClassSuccess, Latency: 15 * time.Millisecond})

	st := tr.State("a")
	if st.Status != models.StatusAvailable {
		t.Fatalf("status = %s, want available after success", st.Status)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d, want 0", st.ConsecutiveFailures)
	}
	if st.LastLatency != 15*time.Millisecond {
		t.Fatalf("last latency = %s, want 15ms", st.LastLatency)
	}
}

func TestMissingCredentialIsNotAFailure(t *testing.T) {
	tr, _ := newTestTracker()

	tr.Record("a", models.Outcome{Class: models.ClassMissingCredential})

	st := tr.State("a")
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("credential skip must not count as failure: %d", st.ConsecutiveFailures)
	}
	if st.Status != models.StatusAvailable {
		t.Fatalf("status = %s, want available", st.Status)
	}
}

func TestSuccessRateEWMA(t *testing.T) {
	tr, _ := newTestTracker()

	tr.Record("a", models.Outcome{Class: models.ClassSuccess})
	if rate := tr.SuccessRate("a"); rate != 1.0 {
		t.Fatalf("rate after first success = %f, want 1.0", rate)
	}

	tr.Record("a", failure(models.ClassServerError))
	rate := tr.SuccessRate("a")
	if rate >= 1.0 || rate <= 0.0 {
		t.Fatalf("rate after mixed outcomes = %f, want in (0,1)", rate)
	}
}

func TestAdministrativeFail(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Fail("a")
	if tr.Eligible("a", clock.Now()) {
		t.Fatalf("failed resource must not be eligible")
	}

	// Automatic outcomes never clear an administrative mark.
	tr.Record("a", models.Outcome{Class: models.ClassSuccess})
	if tr.State("a").Status != models.StatusFailed {
		t.Fatalf("success must not clear administrative failed")
	}

	tr.Reinstate("a")
	if !tr.Eligible("a", clock.Now()) {
		t.Fatalf("reinstated resource must be eligible")
	}
}

func TestConcurrentRecordNoLostUpdates(t *testing.T) {
	tr, _ := newTestTracker()

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				tr.Record("a", failure(models.ClassServerError))
			}
		}()
	}
	wg.Wait()

	if got := tr.State("a").ConsecutiveFailures; got != workers*perWorker {
		t.Fatalf("consecutive failures = %d, want %d", got, workers*perWorker)
	}
}

func TestSnapshotCounts(t *testing.T) {
	tr, _ := newTestTracker()

	tr.Record("ok", models.Outcome{Class: models.ClassSuccess})
	tr.Record("deg", failure(models.ClassServerError))
	tr.Record("cool", failure(models.ClassRateLimited))
	tr.Fail("dead")

	snap := tr.Snapshot([]string{"ok", "deg", "cool", "dead"})
	if snap.Total != 4 {
		t.Fatalf("total = %d, want 4", snap.Total)
	}
	if snap.Available != 1 || snap.Degraded != 1 || snap.Cooldown != 1 || snap.Failed != 1 {
		t.Fatalf("unexpected snapshot counts: %+v", snap)
	}
	if len(snap.Resources) != 4 {
		t.Fatalf("per-resource entries = %d, want 4", len(snap.Resources))
	}
}
