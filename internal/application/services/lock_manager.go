package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/repositories"
	"github.com/zatekoja/notepipeline/internal/infrastructure/observability"
)

// LockManager owns the per-note processing lease.
type LockManager struct {
	repo repositories.NoteRepository
}

// NewLockManager creates a lock manager over the note repository.
func NewLockManager(repo repositories.NoteRepository) *LockManager {
	return &LockManager{repo: repo}
}

// Acquire takes the note's lease if it is free or older than timeoutMinutes.
// A nil lease with a nil error means another worker holds it.
func (m *LockManager) Acquire(ctx context.Context, noteID string, timeoutMinutes int) (*entities.Lease, error) {
	return m.repo.AcquireLock(ctx, noteID, minutes(timeoutMinutes))
}

// Release clears the lease without charging the note an attempt.
func (m *LockManager) Release(ctx context.Context, lease *entities.Lease) error {
	return m.repo.ReleaseLock(ctx, lease)
}

// ReleaseWithError clears the lease and records the failed attempt.
func (m *LockManager) ReleaseWithError(ctx context.Context, lease *entities.Lease, message string, permanent bool) error {
	return m.repo.ReleaseLockWithError(ctx, lease, message, permanent)
}

// ReclaimAbandoned clears every lease older than timeoutMinutes.
func (m *LockManager) ReclaimAbandoned(ctx context.Context, timeoutMinutes int) (int64, error) {
	return m.repo.ReclaimAbandonedLocks(ctx, minutes(timeoutMinutes))
}

// ReleaseAll clears every lease regardless of age.
func (m *LockManager) ReleaseAll(ctx context.Context) (int64, error) {
	return m.repo.ReleaseAllLocks(ctx)
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// LockSweeper periodically reclaims expired leases left by crashed workers.
type LockSweeper struct {
	manager        *LockManager
	interval       time.Duration
	timeoutMinutes int
	metrics        *observability.Metrics

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewLockSweeper creates a sweeper running every interval.
func NewLockSweeper(manager *LockManager, interval time.Duration, timeoutMinutes int, metrics *observability.Metrics) *LockSweeper {
	return &LockSweeper{
		manager:        manager,
		interval:       interval,
		timeoutMinutes: timeoutMinutes,
		metrics:        metrics,
		stop:           make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval until ctx is done or Stop is called.
func (s *LockSweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	log.Info().Dur("interval", s.interval).Int("timeout_minutes", s.timeoutMinutes).Msg("lock sweeper started")
}

// Stop halts the sweeper and waits for an in-flight sweep.
func (s *LockSweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	log.Info().Msg("lock sweeper stopped")
}

// Sweep reclaims expired leases once.
func (s *LockSweeper) Sweep(ctx context.Context) int64 {
	n, err := s.manager.ReclaimAbandoned(ctx, s.timeoutMinutes)
	if err != nil {
		log.Error().Err(err).Msg("failed to reclaim abandoned locks")
		return 0
	}
	if n > 0 {
		log.Warn().Int64("reclaimed", n).Msg("reclaimed abandoned processing locks")
		s.metrics.RecordLocksReclaimed(ctx, n)
	}
	return n
}

func (s *LockSweeper) run(ctx context.Context) {
	defer s.wg.Done()

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
