package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reportanalyzer/billing/internal/entitlement"
)

func sequence(views ...entitlement.View) (CheckFunc, *int) {
	calls := 0
	return func(context.Context) (entitlement.View, error) {
		v := views[len(views)-1]
		if calls < len(views) {
			v = views[calls]
		}
		calls++
		return v, nil
	}, &calls
}

func TestRunStopsWhenUpgraded(t *testing.T) {
	free := entitlement.View{Tier: entitlement.TierFree}
	pro := entitlement.View{Tier: entitlement.TierPro, JustUpgraded: true}
	check, calls := sequence(free, free, pro)

	res, err := New(time.Millisecond, 10).Run(context.Background(), check)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeUpgraded || res.Attempts != 3 || *calls != 3 {
		t.Fatalf("result = %+v, calls = %d", res, *calls)
	}
	if !res.View.JustUpgraded {
		t.Fatal("final view should be returned")
	}
}

func TestRunUnconfirmedAfterMaxAttempts(t *testing.T) {
	check, calls := sequence(entitlement.View{Tier: entitlement.TierFree})

	res, err := New(time.Millisecond, 4).Run(context.Background(), check)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeUnconfirmed || res.Attempts != 4 || *calls != 4 {
		t.Fatalf("result = %+v, calls = %d", res, *calls)
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	check := func(context.Context) (entitlement.View, error) {
		cancel()
		return entitlement.View{Tier: entitlement.TierFree}, nil
	}

	start := time.Now()
	res, err := New(time.Hour, 5).Run(ctx, check)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeCanceled || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation should end the wait immediately")
	}
}

func TestRunCountsFailedChecks(t *testing.T) {
	boom := errors.New("store unavailable")
	var seen []error
	p := New(time.Millisecond, 3)
	p.OnAttempt = func(_ int, _ entitlement.View, err error) { seen = append(seen, err) }

	res, err := p.Run(context.Background(), func(context.Context) (entitlement.View, error) {
		return entitlement.View{}, boom
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeUnconfirmed || res.Attempts != 3 || !errors.Is(res.LastErr, boom) {
		t.Fatalf("result = %+v", res)
	}
	if len(seen) != 3 {
		t.Fatalf("OnAttempt calls = %d, want 3", len(seen))
	}
}

func TestRunRequiresCheck(t *testing.T) {
	if _, err := New(0, 0).Run(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil check")
	}
}

func TestRunStopsForAdmin(t *testing.T) {
	check, calls := sequence(entitlement.View{Tier: entitlement.TierAdmin, Unlimited: true})

	res, err := New(time.Millisecond, 10).Run(context.Background(), check)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeUnlimited || *calls != 1 {
		t.Fatalf("result = %+v, calls = %d", res, *calls)
	}
}
