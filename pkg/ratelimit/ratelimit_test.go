package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterFixedWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(3, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "10.0.0.1")
		if err != nil || !ok {
			t.Fatalf("request %d should pass (ok=%v err=%v)", i+1, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "10.0.0.1")
	if err != nil || ok {
		t.Fatalf("fourth request in the window should be limited")
	}

	// Keys are independent.
	ok, _ = l.Allow(ctx, "10.0.0.2")
	if !ok {
		t.Fatalf("another key must not share the window")
	}

	// A new window opens after reset; the window does not slide.
	now = now.Add(61 * time.Second)
	ok, _ = l.Allow(ctx, "10.0.0.1")
	if !ok {
		t.Fatalf("window never reset")
	}
}
