package httpx

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/internal/config"
)

func newTestState(t *testing.T) *RateLimitState {
	t.Helper()
	return NewRateLimitState(config.NetworkConfig{
		BackoffFloor:   time.Second,
		BackoffCeiling: 60 * time.Second,
		CleanToHalve:   10,
		JitterFraction: 0.2,
	}, zap.NewNop())
}

func TestRateLimit_InactiveUntilThrottled(t *testing.T) {
	s := newTestState(t)

	for i := 0; i < 50; i++ {
		s.Observe("a.example", http.StatusOK)
	}
	assert.False(t, s.Active("a.example"))
	assert.Zero(t, s.Delay("a.example"))
}

func TestRateLimit_DoublesToCeiling(t *testing.T) {
	s := newTestState(t)
	host := "a.example"

	s.Observe(host, http.StatusTooManyRequests)
	require.True(t, s.Active(host))

	want := time.Second
	var prev time.Duration
	for i := 0; i < 10; i++ {
		s.mu.Lock()
		cur := s.hosts[host].delay
		s.mu.Unlock()

		assert.Equal(t, want, cur)
		assert.GreaterOrEqual(t, cur, prev, "delay must never decrease across throttles")
		prev = cur

		s.Observe(host, http.StatusServiceUnavailable)
		want *= 2
		if want > 60*time.Second {
			want = 60 * time.Second
		}
	}
}

func TestRateLimit_CleanRunHalvesAndDeactivates(t *testing.T) {
	s := newTestState(t)
	host := "a.example"

	// Drive the delay to 4s: activate at 1s, then double twice.
	s.Observe(host, http.StatusTooManyRequests)
	s.Observe(host, http.StatusTooManyRequests)
	s.Observe(host, http.StatusTooManyRequests)
	s.mu.Lock()
	assert.Equal(t, 4*time.Second, s.hosts[host].delay)
	s.mu.Unlock()

	clean := func(n int) {
		for i := 0; i < n; i++ {
			s.Observe(host, http.StatusOK)
		}
	}

	clean(9)
	assert.True(t, s.Active(host), "nine clean responses are not enough")
	clean(1)
	s.mu.Lock()
	assert.Equal(t, 2*time.Second, s.hosts[host].delay)
	s.mu.Unlock()

	clean(10) // 2s -> 1s, at floor: deactivate
	assert.False(t, s.Active(host))
	assert.Zero(t, s.Delay(host))
}

func TestRateLimit_ThrottleResetsCleanCount(t *testing.T) {
	s := newTestState(t)
	host := "a.example"

	s.Observe(host, http.StatusTooManyRequests)
	for i := 0; i < 9; i++ {
		s.Observe(host, http.StatusOK)
	}
	s.Observe(host, http.StatusTooManyRequests)
	for i := 0; i < 9; i++ {
		s.Observe(host, http.StatusOK)
	}
	// Neither run reached ten, so the delay only ever doubled.
	s.mu.Lock()
	assert.Equal(t, 2*time.Second, s.hosts[host].delay)
	s.mu.Unlock()
}

func TestRateLimit_DelayJitterBounds(t *testing.T) {
	s := newTestState(t)
	host := "a.example"
	s.Prime(host, 10*time.Second)

	for i := 0; i < 200; i++ {
		d := s.Delay(host)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestRateLimit_TempoSurvivesCleanRuns(t *testing.T) {
	s := newTestState(t)
	host := "a.example"
	s.Prime(host, 500*time.Millisecond)

	// A long clean run must not erode the fingerprinted tempo.
	for i := 0; i < 50; i++ {
		s.Observe(host, http.StatusOK)
	}
	assert.False(t, s.Active(host))
	d := s.Delay(host)
	assert.GreaterOrEqual(t, d, 400*time.Millisecond)
	assert.LessOrEqual(t, d, 600*time.Millisecond)
}

func TestRateLimit_ThrottleOnPrimedHostLayersBackoff(t *testing.T) {
	s := newTestState(t)
	host := "a.example"
	s.Prime(host, 500*time.Millisecond)

	s.Observe(host, http.StatusTooManyRequests)
	require.True(t, s.Active(host))
	// Tempo 500ms plus the 1s backoff floor, jittered +-20%.
	d := s.Delay(host)
	assert.GreaterOrEqual(t, d, 1200*time.Millisecond)
	assert.LessOrEqual(t, d, 1800*time.Millisecond)

	// Recovery clears the adaptive part only; the tempo stays.
	for i := 0; i < 10; i++ {
		s.Observe(host, http.StatusOK)
	}
	assert.False(t, s.Active(host))
	d = s.Delay(host)
	assert.GreaterOrEqual(t, d, 400*time.Millisecond)
	assert.LessOrEqual(t, d, 600*time.Millisecond)
}

func TestRateLimit_HostsIsolated(t *testing.T) {
	s := newTestState(t)

	s.Observe("slow.example", http.StatusTooManyRequests)
	assert.True(t, s.Active("slow.example"))
	assert.False(t, s.Active("fast.example"))
	assert.Zero(t, s.Delay("fast.example"))
}

func TestRateLimit_WaitHonorsContext(t *testing.T) {
	s := newTestState(t)
	s.Prime("a.example", 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Wait(ctx, "a.example")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
