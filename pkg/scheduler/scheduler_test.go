package scheduler

import (
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"

	"github.com/poblysh/pollen/pkg/database"
	"github.com/poblysh/pollen/pkg/models"
)

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestScheduler(cfg Config) *Scheduler {
	s := NewScheduler(nil, nil, nil, nil, nil, cfg, silentLogger())
	s.rng = func() float64 { return 0 }
	return s
}

func connWithInterval(overrideSeconds int, lastRun *time.Time) *models.Connection {
	return &models.Connection{
		ProviderName: models.ProviderGitHub,
		Metadata: database.JSONB[models.ConnectionMetadata]{
			Data: models.ConnectionMetadata{
				Sync: models.SyncMetadata{
					IntervalSeconds: overrideSeconds,
					LastRunAt:       lastRun,
				},
			},
		},
	}
}

func TestConfigBounds(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want time.Duration
	}{
		{"zero defaults", Config{}, DefaultTickInterval},
		{"below floor", Config{TickInterval: time.Second}, MinTickInterval},
		{"above ceiling", Config{TickInterval: time.Hour}, MaxTickInterval},
		{"in range", Config{TickInterval: 45 * time.Second}, 45 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(tt.in)
			assert.Equal(t, tt.want, s.config.TickInterval)
		})
	}
}

func TestEffectiveInterval(t *testing.T) {
	s := newTestScheduler(Config{SyncInterval: 2 * time.Minute, MaxSyncInterval: 10 * time.Minute})

	tests := []struct {
		name     string
		override int
		want     time.Duration
	}{
		{"no override uses default", 0, 2 * time.Minute},
		{"override respected", 300, 5 * time.Minute},
		{"override floored", 10, MinSyncInterval},
		{"override capped", 7200, 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.effectiveInterval(connWithInterval(tt.override, nil))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDue(t *testing.T) {
	s := newTestScheduler(Config{SyncInterval: time.Minute})
	now := time.Now()

	t.Run("never run is immediately due", func(t *testing.T) {
		assert.True(t, s.due(connWithInterval(0, nil), now))
	})

	t.Run("recent run is not due", func(t *testing.T) {
		last := now.Add(-30 * time.Second)
		assert.False(t, s.due(connWithInterval(0, &last), now))
	})

	t.Run("stale run is due", func(t *testing.T) {
		last := now.Add(-2 * time.Minute)
		assert.True(t, s.due(connWithInterval(0, &last), now))
	})

	t.Run("boundary is due", func(t *testing.T) {
		last := now.Add(-time.Minute)
		assert.True(t, s.due(connWithInterval(0, &last), now))
	})

	t.Run("jitter delays the boundary", func(t *testing.T) {
		jittered := newTestScheduler(Config{SyncInterval: time.Minute, JitterFraction: 0.2})
		jittered.rng = func() float64 { return 1 }

		last := now.Add(-65 * time.Second)
		assert.False(t, jittered.due(connWithInterval(0, &last), now))

		last = now.Add(-73 * time.Second)
		assert.True(t, jittered.due(connWithInterval(0, &last), now))
	})
}
