package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/upb/microapp-gateway/models"
	"github.com/upb/microapp-gateway/repositories"
)

var (
	// ErrNotStarted is returned when recording before Start or after Stop
	ErrNotStarted = errors.New("audit service not started")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("audit service already started")

	// ErrBufferFull is returned when a decision was dropped
	ErrBufferFull = errors.New("audit buffer full")
)

// Service writes authorization decisions to the audit trail in the
// background. Recording never blocks the request path.
type Service struct {
	repo   repositories.DecisionRepository
	logger *zap.Logger
	config Config

	decisions chan *models.AuthorizationDecision
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	// mu guards the lifecycle flags and the close of decisions. Record only
	// needs the read side, so concurrent requests do not serialize on it.
	mu      sync.RWMutex
	started bool
	stopped bool

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
	pruned  atomic.Int64
}

// Config holds configuration for the Service
type Config struct {
	BufferSize        int           // Size of the decision buffer channel
	WorkerCount       int           // Number of concurrent writers
	BatchSize         int           // Decisions written per transaction at most
	Retention         time.Duration // Zero disables pruning
	RetentionInterval time.Duration // How often old decisions are pruned
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:        1000,
		WorkerCount:       2,
		BatchSize:         50,
		Retention:         30 * 24 * time.Hour,
		RetentionInterval: time.Hour,
	}
}

// NewService creates a new Service. Zero config values take their defaults.
func NewService(repo repositories.DecisionRepository, logger *zap.Logger, config Config) *Service {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.RetentionInterval <= 0 {
		config.RetentionInterval = defaults.RetentionInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:      repo,
		logger:    logger,
		config:    config,
		decisions: make(chan *models.AuthorizationDecision, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the background writers and, when retention is set, the pruner
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	if s.config.Retention > 0 {
		s.wg.Add(1)
		go s.pruner()
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.config.WorkerCount),
		zap.Int("buffer_size", s.config.BufferSize),
		zap.Duration("retention", s.config.Retention))

	return nil
}

// Stop stops accepting decisions and waits for the pending ones to be written
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.stopped = true
	close(s.decisions)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_decisions", len(s.decisions)))

	// The pruner exits on cancel; writers exit once the channel drains.
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record queues a decision without blocking. A full buffer drops it.
func (s *Service) Record(decision *models.AuthorizationDecision) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		return ErrNotStarted
	}

	select {
	case s.decisions <- decision:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit buffer full, dropping decision",
			zap.String("outcome", string(decision.Outcome)),
			zap.String("request_id", decision.RequestID))
		return ErrBufferFull
	}
}

// worker writes decisions, batching whatever is already queued
func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for decision := range s.decisions {
		batch := []*models.AuthorizationDecision{decision}
		open := true
		for open && len(batch) < s.config.BatchSize {
			select {
			case next, ok := <-s.decisions:
				if !ok {
					open = false
					break
				}
				batch = append(batch, next)
			default:
				open = false
			}
		}
		s.write(id, batch)
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *Service) write(workerID int, batch []*models.AuthorizationDecision) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.InsertBatch(ctx, batch); err != nil {
		s.failed.Add(int64(len(batch)))
		s.logger.Error("failed to write authorization decisions",
			zap.Int("worker_id", workerID),
			zap.Int("count", len(batch)),
			zap.Error(err))
		return
	}
	s.written.Add(int64(len(batch)))
}

// pruner deletes decisions older than the retention window
func (s *Service) pruner() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Service) prune() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.config.Retention)
	deleted, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to prune authorization decisions", zap.Error(err))
		return
	}
	s.pruned.Add(deleted)
	if deleted > 0 {
		s.logger.Info("pruned authorization decisions",
			zap.Int64("deleted", deleted),
			zap.Time("before", cutoff))
	}
}

// GetStats returns statistics about the audit service
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:       s.config.BufferSize,
		PendingDecisions: len(s.decisions),
		WorkerCount:      s.config.WorkerCount,
		Started:          s.started && !s.stopped,
		Written:          s.written.Load(),
		Failed:           s.failed.Load(),
		Dropped:          s.dropped.Load(),
		Pruned:           s.pruned.Load(),
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize       int
	PendingDecisions int
	WorkerCount      int
	Started          bool
	Written          int64
	Failed           int64
	Dropped          int64
	Pruned           int64
}
