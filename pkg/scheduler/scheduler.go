// Package scheduler runs the periodic tick loop that turns due connections
// into queued incremental sync jobs.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/poblysh/pollen/pkg/backoff"
	appctx "github.com/poblysh/pollen/pkg/context"
	"github.com/poblysh/pollen/pkg/metrics"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/redis"
	"github.com/poblysh/pollen/pkg/tracing"
)

var (
	// ErrSchedulerStopped is returned when the scheduler is stopped
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultTickInterval is the default interval between scheduling runs
	DefaultTickInterval = 60 * time.Second

	// MinTickInterval and MaxTickInterval bound the configured tick
	MinTickInterval = 10 * time.Second
	MaxTickInterval = 300 * time.Second

	// DefaultSyncInterval is the poll interval for connections without an override
	DefaultSyncInterval = 60 * time.Second

	// MinSyncInterval floors per-connection overrides
	MinSyncInterval = 60 * time.Second

	// DefaultMaxSyncInterval caps per-connection overrides
	DefaultMaxSyncInterval = time.Hour

	// DefaultJitterFraction spreads poll times by up to 20% of the interval
	DefaultJitterFraction = 0.2

	// DefaultLeaseTTL is how long the scheduler claim on a connection lasts
	DefaultLeaseTTL = 30 * time.Second

	// LeaseKeyPrefix is the prefix for scheduler leases
	LeaseKeyPrefix = "connection:"
)

// ConnectionLister is the system-level view the scheduler needs. Unlike the
// request-path repositories it is not tenant-scoped.
type ConnectionLister interface {
	ListAllSystem(ctx context.Context) ([]models.Connection, error)
}

// JobCreator persists the queued job row before the message is published.
type JobCreator interface {
	Create(ctx context.Context, job *models.SyncJob) error
}

// Config holds configuration for the scheduler
type Config struct {
	// TickInterval is how often to check for due connections
	TickInterval time.Duration

	// SyncInterval is the default poll interval for connections
	SyncInterval time.Duration

	// MaxSyncInterval caps per-connection interval overrides
	MaxSyncInterval time.Duration

	// JitterFraction is the fraction of the interval used as a jitter band
	JitterFraction float64

	// LeaseTTL is how long to hold the scheduling claim on a connection
	LeaseTTL time.Duration

	// JobQueue is the Redis Streams queue name
	JobQueue string
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:    DefaultTickInterval,
		SyncInterval:    DefaultSyncInterval,
		MaxSyncInterval: DefaultMaxSyncInterval,
		JitterFraction:  DefaultJitterFraction,
		LeaseTTL:        DefaultLeaseTTL,
		JobQueue:        "pollen:jobs",
	}
}

// Scheduler polls for due connections and enqueues incremental sync jobs
type Scheduler struct {
	connections ConnectionLister
	jobs        JobCreator
	streams     *redis.Streams
	leaser      *redis.Leaser
	throttle    *redis.Throttle
	config      Config
	logger      ectologger.Logger

	// swappable for deterministic tests
	rng func() float64

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(
	connections ConnectionLister,
	jobs JobCreator,
	streams *redis.Streams,
	leaser *redis.Leaser,
	throttle *redis.Throttle,
	config Config,
	logger ectologger.Logger,
) *Scheduler {
	// Apply defaults and bounds
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.TickInterval < MinTickInterval {
		config.TickInterval = MinTickInterval
	}
	if config.TickInterval > MaxTickInterval {
		config.TickInterval = MaxTickInterval
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSyncInterval
	}
	if config.MaxSyncInterval <= 0 {
		config.MaxSyncInterval = DefaultMaxSyncInterval
	}
	if config.JitterFraction < 0 || config.JitterFraction > DefaultJitterFraction {
		config.JitterFraction = DefaultJitterFraction
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultLeaseTTL
	}
	if config.JobQueue == "" {
		config.JobQueue = "pollen:jobs"
	}

	return &Scheduler{
		connections: connections,
		jobs:        jobs,
		streams:     streams,
		leaser:      leaser,
		throttle:    throttle,
		config:      config,
		logger:      logger,
		rng:         rand.Float64,
		stopCh:      make(chan struct{}),
		stoppedC:    make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Scheduler.Start")
	defer span.End()

	s.logger.WithContext(ctx).Infof("Starting scheduler: tick_interval=%s sync_interval=%s",
		s.config.TickInterval, s.config.SyncInterval)

	go s.tickLoop(ctx)

	s.logger.WithContext(ctx).Info("Scheduler started")
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// tickLoop continuously checks for due connections
func (s *Scheduler) tickLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.runTick(ctx)

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debug("Scheduler tick loop stopping")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// runTick runs a single scheduling cycle
func (s *Scheduler) runTick(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.runTick")
	defer span.End()

	start := time.Now()

	conns, err := s.connections.ListAllSystem(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list connections")
		return
	}

	scheduled := 0
	skipped := 0
	for i := range conns {
		conn := &conns[i]
		if !s.due(conn, start) {
			continue
		}

		if err := s.scheduleConnection(ctx, conn); err != nil {
			if errors.Is(err, redis.ErrLeaseNotAcquired) || errors.Is(err, redis.ErrThrottled) {
				skipped++
				continue
			}
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to schedule connection %s", conn.ID)
			continue
		}
		scheduled++
	}

	if scheduled > 0 || skipped > 0 {
		s.logger.WithContext(ctx).Infof("Scheduling tick completed: scheduled=%d skipped=%d duration=%s",
			scheduled, skipped, time.Since(start))
	}
}

// due reports whether the connection's next poll time has passed
func (s *Scheduler) due(conn *models.Connection, now time.Time) bool {
	last := conn.Metadata.Data.Sync.LastRunAt
	if last == nil {
		return true
	}

	interval := s.effectiveInterval(conn)
	interval += backoff.Jitter(interval, s.config.JitterFraction, s.rng)

	return !now.Before(last.Add(interval))
}

// effectiveInterval resolves the per-connection override, clamped to the
// allowed range
func (s *Scheduler) effectiveInterval(conn *models.Connection) time.Duration {
	interval := s.config.SyncInterval
	if override := conn.Metadata.Data.Sync.IntervalSeconds; override > 0 {
		interval = time.Duration(override) * time.Second
	}

	if interval < MinSyncInterval {
		interval = MinSyncInterval
	}
	if interval > s.config.MaxSyncInterval {
		interval = s.config.MaxSyncInterval
	}
	return interval
}

// scheduleConnection enqueues one incremental sync job for a connection
func (s *Scheduler) scheduleConnection(ctx context.Context, conn *models.Connection) error {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.scheduleConnection")
	defer span.End()

	// Skip providers that are sitting out a Retry-After block
	if blocked, retryIn, err := s.throttle.IsBlocked(ctx, conn.ProviderName); err == nil && blocked {
		s.logger.WithContext(ctx).Debugf("Provider %s blocked for %s, skipping connection %s",
			conn.ProviderName, retryIn, conn.ID)
		return redis.ErrThrottled
	}

	lease, err := s.leaser.Acquire(ctx, LeaseKeyPrefix+conn.ID.String(), s.config.LeaseTTL)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	// Repositories downstream resolve the tenant from context
	ctx = appctx.SetTenantID(ctx, conn.TenantID.String())
	ctx = appctx.SetProvider(ctx, conn.ProviderName)

	job := &models.SyncJob{
		ConnectionID: conn.ID,
		ProviderName: conn.ProviderName,
		JobType:      models.JobTypeIncremental,
		State:        models.JobStateQueued,
		CursorIn:     conn.Metadata.Data.Sync.Cursor,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return err
	}

	messageID, err := s.streams.Publish(ctx, s.config.JobQueue, &redis.SyncJobMessage{
		JobID:        job.ID.String(),
		TenantID:     conn.TenantID.String(),
		ConnectionID: conn.ID.String(),
		Provider:     conn.ProviderName,
		JobType:      string(models.JobTypeIncremental),
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish job for connection %s", conn.ID)
		return err
	}

	metrics.SchedulerJobsEnqueued.WithLabelValues(conn.ProviderName, string(models.JobTypeIncremental)).Inc()

	s.logger.WithContext(ctx).Infof("Scheduled incremental sync for connection %s (message_id=%s)",
		conn.ID, messageID)

	return nil
}
