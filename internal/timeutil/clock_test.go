package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, clock.Since(now.Add(-time.Second)), time.Second)

	ticker := clock.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestMockClock_AdvanceFiresTickers(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(10 * time.Millisecond)

	clock.Advance(5 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(5 * time.Millisecond)
	select {
	case got := <-ticker.C():
		assert.Equal(t, start.Add(10*time.Millisecond), got)
	default:
		t.Fatal("ticker did not fire at its deadline")
	}
	assert.Equal(t, 10*time.Millisecond, clock.Since(start))
}

func TestMockClock_StoppedTickerIsSilent(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Millisecond)
	assert.Equal(t, 1, clock.ActiveTickers())

	ticker.Stop()
	assert.Equal(t, 0, clock.ActiveTickers())
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
	assert.Equal(t, time.Millisecond, ticker.(*MockTicker).Interval())
}

func TestMockClock_DropsTicksWhenFull(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Millisecond)

	clock.Advance(time.Millisecond)
	clock.Advance(time.Millisecond)
	<-ticker.C()
	select {
	case <-ticker.C():
		t.Fatal("ticker buffered more than one tick")
	default:
	}
}
