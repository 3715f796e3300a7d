package progress

import (
	"testing"
	"time"
)

func TestMeter_RateAndPercent(t *testing.T) {
	clock := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	m := NewMeterWithNow(now)

	m.Start(1000)

	clock = clock.Add(time.Second)
	m.Add(500)

	s := m.Snapshot()
	if s.BytesDone != 500 {
		t.Errorf("BytesDone = %d, want 500", s.BytesDone)
	}
	if s.Percent != 50 {
		t.Errorf("Percent = %v, want 50", s.Percent)
	}
	// First sample seeds the rate directly: 500 bytes over 1s.
	if s.RateBps != 500 {
		t.Errorf("RateBps = %v, want 500", s.RateBps)
	}
	if s.Elapsed != time.Second {
		t.Errorf("Elapsed = %v, want 1s", s.Elapsed)
	}
}

func TestMeter_SmoothedRate(t *testing.T) {
	clock := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return clock })

	m.Start(0)
	clock = clock.Add(time.Second)
	m.Add(1000) // seeds rate at 1000 B/s
	clock = clock.Add(time.Second)
	m.Add(2000) // instantaneous 2000 B/s, smoothed with alpha 0.2

	want := 0.2*2000 + 0.8*1000
	if got := m.Snapshot().RateBps; got != want {
		t.Errorf("RateBps = %v, want %v", got, want)
	}
}

func TestMeter_ZeroTotalNoPercent(t *testing.T) {
	m := NewMeter()
	m.Start(0)
	m.Add(100)
	if p := m.Snapshot().Percent; p != 0 {
		t.Errorf("Percent = %v, want 0 for unknown total", p)
	}
}

func TestMeter_StartResets(t *testing.T) {
	clock := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return clock })

	m.Start(100)
	clock = clock.Add(time.Second)
	m.Add(100)

	m.Start(200)
	s := m.Snapshot()
	if s.BytesDone != 0 || s.RateBps != 0 || s.Total != 200 {
		t.Errorf("Start did not reset: %+v", s)
	}
}
