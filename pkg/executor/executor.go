// Package executor runs the worker pool that drains the sync job queue and
// drives connectors.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/poblysh/pollen/pkg/backoff"
	"github.com/poblysh/pollen/pkg/connectors"
	"github.com/poblysh/pollen/pkg/database"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/redis"
	"github.com/poblysh/pollen/pkg/signals"
	"github.com/poblysh/pollen/pkg/tracing"
	"github.com/poblysh/pollen/pkg/vault"
)

var (
	// ErrExecutorStopped is returned when the executor is stopped
	ErrExecutorStopped = errors.New("executor stopped")

	// errLeaseBusy means another worker holds the connection. The message is
	// left pending so the claim loop redelivers it later.
	errLeaseBusy = errors.New("connection lease busy")
)

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultWorkerCount is the default worker pool size
	DefaultWorkerCount = 4

	// DefaultJobTimeout bounds a single connector invocation
	DefaultJobTimeout = 2 * time.Minute

	// DefaultLeaseTTL is the per-connection lease duration
	DefaultLeaseTTL = 5 * time.Minute

	// DefaultRefreshMargin refreshes tokens expiring within this window.
	// Kept short: a wide margin would refresh on nearly every job and
	// hammer provider token endpoints.
	DefaultRefreshMargin = 30 * time.Second

	// MinRefreshMargin and MaxRefreshMargin bound configured margins
	MinRefreshMargin = 10 * time.Second
	MaxRefreshMargin = 60 * time.Second

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is the minimum idle time before claiming a message
	DefaultClaimMinIdle = 3 * time.Minute
)

// ConnectionStore is the slice of the connection repository the executor uses
type ConnectionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, accessCiphertext, refreshCiphertext []byte, expiresAt *time.Time) error
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata database.JSONB[models.ConnectionMetadata]) error
}

// JobStore is the slice of the sync job repository the executor uses
type JobStore interface {
	Create(ctx context.Context, job *models.SyncJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, cursorOut json.RawMessage) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkRetried(ctx context.Context, id uuid.UUID, errMsg string, incrementAttempt bool) error
}

// SignalStore persists normalized signals
type SignalStore interface {
	InsertBatch(ctx context.Context, sigs []models.Signal) ([]models.Signal, error)
}

// SignalPublisher fans inserted signals out to downstream consumers
type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig *models.Signal) error
}

// TokenVault decrypts stored credentials and seals refreshed ones
type TokenVault interface {
	EncryptString(plaintext string, binding vault.Binding) ([]byte, error)
	DecryptString(ciphertext []byte, binding vault.Binding) (string, error)
}

// Config holds configuration for the executor
type Config struct {
	// Stream name for the job queue
	Stream string

	// ConsumerGroup name
	ConsumerGroup string

	// ConsumerName is unique per instance
	ConsumerName string

	// BatchSize is the number of messages to fetch per read
	BatchSize int64

	// BlockTimeout is how long to block waiting for new messages
	BlockTimeout time.Duration

	// WorkerCount is the worker pool size
	WorkerCount int

	// JobTimeout bounds one connector invocation
	JobTimeout time.Duration

	// LeaseTTL is the per-connection lease duration
	LeaseTTL time.Duration

	// RefreshMargin triggers a token refresh when expiry is this close
	RefreshMargin time.Duration

	// ClaimInterval is how often to check for stale pending messages
	ClaimInterval time.Duration

	// ClaimMinIdle is the minimum idle time before claiming a message
	ClaimMinIdle time.Duration
}

// DefaultConfig returns the default executor configuration
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return Config{
		Stream:        "pollen:jobs",
		ConsumerGroup: "pollen-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		WorkerCount:   DefaultWorkerCount,
		JobTimeout:    DefaultJobTimeout,
		LeaseTTL:      DefaultLeaseTTL,
		RefreshMargin: DefaultRefreshMargin,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
	}
}

// Executor consumes sync jobs from the queue and runs them through connectors
type Executor struct {
	streams     *redis.Streams
	leaser      *redis.Leaser
	throttle    *redis.Throttle
	registry    *connectors.Registry
	vault       TokenVault
	connections ConnectionStore
	jobs        JobStore
	signals     SignalStore
	publisher   SignalPublisher
	policy      *backoff.Policy
	normalizer  *signals.Normalizer
	config      Config
	logger      ectologger.Logger

	// swappable for deterministic tests
	now     func() time.Time
	publish func(ctx context.Context, msg *redis.SyncJobMessage) error

	// Channels for coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan redis.StreamMessage

	// retries tracks delayed requeue timers so Stop can wait for them
	retries sync.WaitGroup

	running bool
	mu      sync.RWMutex
}

// NewExecutor creates a new executor
func NewExecutor(
	streams *redis.Streams,
	leaser *redis.Leaser,
	throttle *redis.Throttle,
	registry *connectors.Registry,
	vault TokenVault,
	connections ConnectionStore,
	jobs JobStore,
	signalStore SignalStore,
	publisher SignalPublisher,
	policy *backoff.Policy,
	config Config,
	logger ectologger.Logger,
) *Executor {
	// Apply defaults
	if config.Stream == "" {
		config.Stream = "pollen:jobs"
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "pollen-workers"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = uuid.New().String()[:8]
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultWorkerCount
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultJobTimeout
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultLeaseTTL
	}
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = DefaultRefreshMargin
	}
	if config.RefreshMargin < MinRefreshMargin {
		config.RefreshMargin = MinRefreshMargin
	}
	if config.RefreshMargin > MaxRefreshMargin {
		config.RefreshMargin = MaxRefreshMargin
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if policy == nil {
		policy = backoff.NewPolicy(0, 0, 0, -1)
	}

	e := &Executor{
		streams:     streams,
		leaser:      leaser,
		throttle:    throttle,
		registry:    registry,
		vault:       vault,
		connections: connections,
		jobs:        jobs,
		signals:     signalStore,
		publisher:   publisher,
		policy:      policy,
		normalizer:  signals.NewNormalizer(),
		config:      config,
		logger:      logger,
		now:         time.Now,
		stopCh:      make(chan struct{}),
		stoppedC:    make(chan struct{}),
		jobsCh:      make(chan redis.StreamMessage, config.BatchSize*2),
	}
	e.publish = func(ctx context.Context, msg *redis.SyncJobMessage) error {
		_, err := e.streams.Publish(ctx, e.config.Stream, msg)
		return err
	}
	return e
}

// Start starts the executor
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("executor already running")
	}
	e.running = true
	e.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Executor.Start")
	defer span.End()

	e.logger.WithContext(ctx).Infof("Starting executor: stream=%s group=%s consumer=%s workers=%d",
		e.config.Stream, e.config.ConsumerGroup, e.config.ConsumerName, e.config.WorkerCount)

	if err := e.streams.CreateConsumerGroup(ctx, e.config.Stream, e.config.ConsumerGroup); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < e.config.WorkerCount; i++ {
		wg.Add(1)
		go e.worker(ctx, &wg, i)
	}

	wg.Add(1)
	go e.consumeLoop(ctx, &wg)

	wg.Add(1)
	go e.claimLoop(ctx, &wg)

	go func() {
		<-e.stopCh
		close(e.jobsCh)
		wg.Wait()
		e.retries.Wait()
		close(e.stoppedC)
	}()

	e.logger.WithContext(ctx).Info("Executor started")
	return nil
}

// Stop stops the executor gracefully. In-flight jobs finish or time out;
// nothing new is started. Abandoned jobs are safe to rerun because cursors
// only advance on clean success.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.WithContext(ctx).Info("Stopping executor...")

	close(e.stopCh)

	select {
	case <-e.stoppedC:
		e.logger.WithContext(ctx).Info("Executor stopped gracefully")
	case <-ctx.Done():
		e.logger.WithContext(ctx).Warn("Executor shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the executor is running
func (e *Executor) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// consumeLoop continuously consumes messages from the stream
func (e *Executor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-e.stopCh:
			e.logger.WithContext(ctx).Debug("Consumer loop stopping")
			return
		default:
		}

		messages, err := e.streams.Consume(
			ctx,
			e.config.Stream,
			e.config.ConsumerGroup,
			e.config.ConsumerName,
			e.config.BatchSize,
			e.config.BlockTimeout,
		)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			select {
			case e.jobsCh <- msg:
			case <-e.stopCh:
				return
			}
		}
	}
}

// claimLoop periodically claims stale pending messages from dead workers
func (e *Executor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(e.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			e.logger.WithContext(ctx).Debug("Claim loop stopping")
			return
		case <-ticker.C:
			e.claimPendingMessages(ctx)
		}
	}
}

func (e *Executor) claimPendingMessages(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Executor.claimPendingMessages")
	defer span.End()

	pending, err := e.streams.Pending(ctx, e.config.Stream, e.config.ConsumerGroup, e.config.BatchSize)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle >= e.config.ClaimMinIdle {
			staleIDs = append(staleIDs, msg.ID)
		}
	}
	if len(staleIDs) == 0 {
		return
	}

	e.logger.WithContext(ctx).Infof("Claiming %d stale pending messages", len(staleIDs))

	claimed, err := e.streams.Claim(ctx, e.config.Stream, e.config.ConsumerGroup, e.config.ConsumerName,
		e.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return
	}

	for _, msg := range claimed {
		select {
		case e.jobsCh <- msg:
		case <-e.stopCh:
			return
		default:
			// Channel full, the next claim pass picks it up
		}
	}
}

// worker processes jobs from the channel
func (e *Executor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	e.logger.WithContext(ctx).Debugf("Worker %d started", id)

	for msg := range e.jobsCh {
		err := e.runJob(ctx, msg.Job)
		if errors.Is(err, errLeaseBusy) {
			// Leave pending; the claim loop redelivers once idle
			continue
		}
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).Warnf("Job %s handling failed", msg.Job.JobID)
		}

		if ackErr := e.streams.Ack(ctx, e.config.Stream, e.config.ConsumerGroup, msg.ID); ackErr != nil {
			e.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack message %s", msg.ID)
		}
	}

	e.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// requeueAfter creates the replacement job row now and publishes its queue
// message after the delay. The row exists immediately so the audit trail
// never has a gap.
func (e *Executor) requeueAfter(ctx context.Context, delay time.Duration, job *models.SyncJob) error {
	if err := e.jobs.Create(ctx, job); err != nil {
		return err
	}

	msg := &redis.SyncJobMessage{
		JobID:        job.ID.String(),
		TenantID:     job.TenantID.String(),
		ConnectionID: job.ConnectionID.String(),
		Provider:     job.ProviderName,
		JobType:      string(job.JobType),
	}

	if delay <= 0 {
		return e.publish(ctx, msg)
	}

	e.retries.Add(1)
	go func() {
		defer e.retries.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-e.stopCh:
			// Publish on shutdown anyway so the queued row is not stranded
		}

		if err := e.publish(context.WithoutCancel(ctx), msg); err != nil {
			e.logger.WithError(err).Errorf("Failed to publish delayed retry for job %s", job.ID)
		}
	}()

	return nil
}
