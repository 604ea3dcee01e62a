package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLimiter(t *testing.T) *RedisLimiter {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisLimiter(rdb)
}

// TestParsePolicy covers the "<quota>;w=<window>;u=<unit>" format.
func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"100;w=60;u=requests", Policy{MaxCount: 100, WindowSeconds: 60, Unit: UnitRequests}, false},
		{"5;w=1", Policy{MaxCount: 5, WindowSeconds: 1, Unit: UnitRequests}, false},
		{"", DefaultPolicy, false},
		{"100", Policy{MaxCount: 100, WindowSeconds: 60, Unit: UnitRequests}, false},
		{"0;w=60", Policy{}, true},
		{"abc;w=60", Policy{}, true},
		{"100;w=0", Policy{}, true},
		{"100;w=60;u=cents", Policy{}, true},
		{"100;bogus", Policy{}, true},
	}

	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePolicy(%q): expected error, got %+v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePolicy(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

// TestPolicyRoundTrip verifies the header rendering parses back to itself.
func TestPolicyRoundTrip(t *testing.T) {
	p := Policy{MaxCount: 100, WindowSeconds: 60, Unit: UnitRequests}
	got, err := ParsePolicy(p.String())
	if err != nil {
		t.Fatalf("ParsePolicy(%q): %v", p.String(), err)
	}
	if got != p {
		t.Fatalf("round trip = %+v, want %+v", got, p)
	}
}

// TestRedisQuotaExhaustion verifies that exactly MaxCount checks are admitted
// within a window and the next one is rejected with Remaining 0.
func TestRedisQuotaExhaustion(t *testing.T) {
	l := newTestRedisLimiter(t)
	ctx := context.Background()
	p := Policy{MaxCount: 100, WindowSeconds: 60, Unit: UnitRequests}

	for i := 0; i < 100; i++ {
		d, err := l.Check(ctx, "org-1", p)
		if err != nil {
			t.Fatalf("Check %d: %v", i+1, err)
		}
		if d.Limited {
			t.Fatalf("check %d was limited, want admitted", i+1)
		}
		if want := 100 - (i + 1); d.Remaining != want {
			t.Fatalf("check %d: Remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}

	d, err := l.Check(ctx, "org-1", p)
	if err != nil {
		t.Fatalf("Check 101: %v", err)
	}
	if !d.Limited {
		t.Fatal("check 101 admitted, want limited")
	}
	if d.Remaining != 0 {
		t.Fatalf("check 101: Remaining = %d, want 0", d.Remaining)
	}
	if d.Limit != 100 {
		t.Fatalf("check 101: Limit = %d, want 100", d.Limit)
	}
	if d.Reset <= 0 {
		t.Fatalf("check 101: Reset = %d, want > 0", d.Reset)
	}
}

// TestRedisScopesAreIndependent verifies that one organization exhausting its
// quota does not affect another.
func TestRedisScopesAreIndependent(t *testing.T) {
	l := newTestRedisLimiter(t)
	ctx := context.Background()
	p := Policy{MaxCount: 2, WindowSeconds: 60, Unit: UnitRequests}

	for i := 0; i < 3; i++ {
		_, _ = l.Check(ctx, "org-a", p)
	}

	d, err := l.Check(ctx, "org-b", p)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Limited {
		t.Fatal("org-b limited by org-a's traffic")
	}
}

// TestRedisGracefulDegradation verifies that requests are admitted when Redis
// is unreachable instead of failing closed, and that the failure is surfaced
// so callers can log and count it.
func TestRedisGracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	l := NewRedisLimiter(rdb)

	mr.Close()

	d, err := l.Check(context.Background(), "org-1", DefaultPolicy)
	if err == nil {
		t.Fatal("expected an error while Redis is down")
	}
	if d.Limited {
		t.Fatal("request limited while Redis is down, want admitted")
	}
	if d.Remaining != DefaultPolicy.MaxCount {
		t.Fatalf("degraded decision should report a full window, got %d", d.Remaining)
	}
}

// TestMemorySlidingWindow verifies that admissions outside the window no
// longer count against the quota.
func TestMemorySlidingWindow(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	p := Policy{MaxCount: 2, WindowSeconds: 1, Unit: UnitRequests}

	for i := 0; i < 2; i++ {
		if d, _ := l.Check(ctx, "org-1", p); d.Limited {
			t.Fatalf("check %d limited, want admitted", i+1)
		}
	}
	if d, _ := l.Check(ctx, "org-1", p); !d.Limited {
		t.Fatal("check 3 admitted inside the window, want limited")
	}

	// Wait for the window to slide past the first two admissions.
	time.Sleep(1100 * time.Millisecond)

	if d, _ := l.Check(ctx, "org-1", p); d.Limited {
		t.Fatal("check after window slide limited, want admitted")
	}
}

// TestMemoryQuotaExhaustion mirrors the Redis exhaustion test on the
// in-process backend.
func TestMemoryQuotaExhaustion(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	p := Policy{MaxCount: 5, WindowSeconds: 60, Unit: UnitRequests}

	for i := 0; i < 5; i++ {
		d, _ := l.Check(ctx, "org-1", p)
		if d.Limited {
			t.Fatalf("check %d limited, want admitted", i+1)
		}
	}

	d, _ := l.Check(ctx, "org-1", p)
	if !d.Limited || d.Remaining != 0 {
		t.Fatalf("check 6: Limited=%v Remaining=%d, want limited with 0 remaining", d.Limited, d.Remaining)
	}
}
