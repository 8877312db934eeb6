package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	sw := New(time.Minute, 3, time.Hour)
	defer sw.Stop()

	for i := 0; i < 3; i++ {
		r := sw.Allow("client-a")
		if !r.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
	r := sw.Allow("client-a")
	if r.Allowed {
		t.Fatal("expected 4th request to be denied")
	}
	if r.RetryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %v", r.RetryAfter)
	}
}

func TestAllowIsPerIdentifier(t *testing.T) {
	sw := New(time.Minute, 1, time.Hour)
	defer sw.Stop()

	if !sw.Allow("client-a").Allowed {
		t.Fatal("expected first request from client-a to be allowed")
	}
	if !sw.Allow("client-b").Allowed {
		t.Fatal("expected first request from client-b to be allowed")
	}
	if sw.Allow("client-a").Allowed {
		t.Fatal("expected second request from client-a to be denied")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	sw := New(50*time.Millisecond, 1, time.Hour)
	defer sw.Stop()

	if !sw.Allow("client-a").Allowed {
		t.Fatal("expected first request to be allowed")
	}
	time.Sleep(80 * time.Millisecond)
	if !sw.Allow("client-a").Allowed {
		t.Fatal("expected request after window to be allowed again")
	}
}
