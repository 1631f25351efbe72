package stream

import (
	"testing"
	"time"
)

func TestSendLimiterAllowsWithinWindow(t *testing.T) {
	l := NewSendLimiter(3, time.Second)
	now := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		if d := l.Wait(now); d != 0 {
			t.Fatalf("send %d delayed %v", i, d)
		}
	}
	if d := l.Wait(now); d <= 0 {
		t.Fatal("fourth send in window should be delayed")
	}
}

func TestSendLimiterResetsOnNewWindow(t *testing.T) {
	l := NewSendLimiter(1, time.Second)
	now := time.Unix(1700000000, 0)
	if d := l.Wait(now); d != 0 {
		t.Fatalf("first send delayed %v", d)
	}
	if d := l.Wait(now.Add(100 * time.Millisecond)); d <= 0 {
		t.Fatal("second send in same window should be delayed")
	}
	if d := l.Wait(now.Add(time.Second)); d != 0 {
		t.Fatalf("send in next window delayed %v", d)
	}
}
