package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/microapp-gateway/models"
)

// MockDecisionRepository is a mock implementation of DecisionRepository
type MockDecisionRepository struct {
	mock.Mock
	mu       sync.Mutex
	inserted []*models.AuthorizationDecision
}

func (m *MockDecisionRepository) Insert(ctx context.Context, decision *models.AuthorizationDecision) error {
	args := m.Called(ctx, decision)
	return args.Error(0)
}

func (m *MockDecisionRepository) InsertBatch(ctx context.Context, decisions []*models.AuthorizationDecision) error {
	args := m.Called(ctx, decisions)
	if err := args.Error(0); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, decisions...)
	return nil
}

func (m *MockDecisionRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDecisionRepository) Inserted() []*models.AuthorizationDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuthorizationDecision(nil), m.inserted...)
}

func decision(outcome models.AuthorizationOutcome) *models.AuthorizationDecision {
	return models.NewAuthorizationDecision(outcome, 200).
		WithRequest("GET", "/tile", "req", "203.0.113.7", "test")
}

func TestNewService_Defaults(t *testing.T) {
	service := NewService(new(MockDecisionRepository), zap.NewNop(), Config{})

	stats := service.GetStats()
	assert.Equal(t, 1000, stats.BufferSize)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.False(t, stats.Started)
	assert.Equal(t, 50, service.config.BatchSize)
	assert.Equal(t, time.Hour, service.config.RetentionInterval)
	assert.Zero(t, service.config.Retention)
}

func TestService_StartStop(t *testing.T) {
	service := NewService(new(MockDecisionRepository), zap.NewNop(), Config{WorkerCount: 2})

	require.NoError(t, service.Start())
	assert.True(t, service.GetStats().Started)
	assert.ErrorIs(t, service.Start(), ErrAlreadyStarted)

	require.NoError(t, service.Stop(time.Second))
	assert.False(t, service.GetStats().Started)
	assert.ErrorIs(t, service.Stop(time.Second), ErrNotStarted)
}

func TestService_StopBeforeStart(t *testing.T) {
	service := NewService(new(MockDecisionRepository), zap.NewNop(), Config{})
	assert.ErrorIs(t, service.Stop(time.Second), ErrNotStarted)
}

func TestService_RecordRequiresRunningService(t *testing.T) {
	repo := new(MockDecisionRepository)
	service := NewService(repo, zap.NewNop(), Config{})

	assert.ErrorIs(t, service.Record(decision(models.OutcomeAuthenticated)), ErrNotStarted)

	require.NoError(t, service.Start())
	require.NoError(t, service.Stop(time.Second))

	assert.ErrorIs(t, service.Record(decision(models.OutcomeAuthenticated)), ErrNotStarted)
	repo.AssertNotCalled(t, "InsertBatch", mock.Anything, mock.Anything)
}

func TestService_ConcurrentRecordAndStop(t *testing.T) {
	repo := new(MockDecisionRepository)
	repo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	service := NewService(repo, zap.NewNop(), Config{WorkerCount: 2, BufferSize: 16})
	require.NoError(t, service.Start())

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				err := service.Record(decision(models.OutcomeAuthenticated))
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrBufferFull), errors.Is(err, ErrNotStarted):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}

	close(start)
	require.NoError(t, service.Stop(5*time.Second))
	wg.Wait()

	stats := service.GetStats()
	assert.Equal(t, accepted.Load(), stats.Written)
	assert.Zero(t, stats.Failed)
}

func TestService_WritesRecordedDecisions(t *testing.T) {
	repo := new(MockDecisionRepository)
	repo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	service := NewService(repo, zap.NewNop(), Config{WorkerCount: 2, BatchSize: 3})
	require.NoError(t, service.Start())

	for i := 0; i < 10; i++ {
		require.NoError(t, service.Record(decision(models.OutcomeAuthenticated)))
	}

	assert.Eventually(t, func() bool {
		return service.GetStats().Written == 10
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, service.Stop(time.Second))
	assert.Len(t, repo.Inserted(), 10)

	for _, call := range repo.Calls {
		batch := call.Arguments.Get(1).([]*models.AuthorizationDecision)
		assert.LessOrEqual(t, len(batch), 3)
	}
}

func TestService_StopDrainsPendingDecisions(t *testing.T) {
	repo := new(MockDecisionRepository)
	release := make(chan struct{})
	repo.On("InsertBatch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)

	service := NewService(repo, zap.NewNop(), Config{WorkerCount: 1, BufferSize: 10})
	require.NoError(t, service.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, service.Record(decision(models.OutcomeRejected)))
	}
	close(release)

	require.NoError(t, service.Stop(2*time.Second))
	assert.Equal(t, int64(5), service.GetStats().Written)
	assert.Len(t, repo.Inserted(), 5)
}

func TestService_DropsWhenBufferIsFull(t *testing.T) {
	repo := new(MockDecisionRepository)
	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	repo.On("InsertBatch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			once.Do(func() { close(blocked) })
			<-release
		}).
		Return(nil)

	service := NewService(repo, zap.NewNop(), Config{WorkerCount: 1, BufferSize: 1})
	require.NoError(t, service.Start())

	// The only worker holds the first decision until released.
	require.NoError(t, service.Record(decision(models.OutcomeAuthenticated)))
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first decision")
	}

	require.NoError(t, service.Record(decision(models.OutcomeAuthenticated)))
	assert.ErrorIs(t, service.Record(decision(models.OutcomeAmbiguous)), ErrBufferFull)

	stats := service.GetStats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 1, stats.PendingDecisions)

	close(release)
	require.NoError(t, service.Stop(2*time.Second))
	assert.Equal(t, int64(2), service.GetStats().Written)
}

func TestService_CountsFailedWrites(t *testing.T) {
	repo := new(MockDecisionRepository)
	repo.On("InsertBatch", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	service := NewService(repo, zap.NewNop(), Config{WorkerCount: 1})
	require.NoError(t, service.Start())

	require.NoError(t, service.Record(decision(models.OutcomeError)))
	require.NoError(t, service.Record(decision(models.OutcomeError)))

	require.NoError(t, service.Stop(time.Second))

	stats := service.GetStats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Zero(t, stats.Written)
	assert.Empty(t, repo.Inserted())
}

func TestService_PrunesExpiredDecisions(t *testing.T) {
	repo := new(MockDecisionRepository)
	retention := 24 * time.Hour
	repo.On("DeleteOlderThan", mock.Anything, mock.MatchedBy(func(before time.Time) bool {
		age := time.Since(before)
		return age >= retention && age < retention+time.Minute
	})).Return(int64(3), nil)

	service := NewService(repo, zap.NewNop(), Config{
		WorkerCount:       1,
		Retention:         retention,
		RetentionInterval: 10 * time.Millisecond,
	})
	require.NoError(t, service.Start())

	assert.Eventually(t, func() bool {
		return service.GetStats().Pruned >= 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, service.Stop(time.Second))
	repo.AssertCalled(t, "DeleteOlderThan", mock.Anything, mock.Anything)
}

func TestService_PruneFailureKeepsRunning(t *testing.T) {
	repo := new(MockDecisionRepository)
	var attempts atomic.Int32
	repo.On("DeleteOlderThan", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { attempts.Add(1) }).
		Return(int64(0), errors.New("timeout"))
	repo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	service := NewService(repo, zap.NewNop(), Config{
		WorkerCount:       1,
		Retention:         time.Hour,
		RetentionInterval: 5 * time.Millisecond,
	})
	require.NoError(t, service.Start())

	assert.Eventually(t, func() bool {
		return attempts.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, service.Record(decision(models.OutcomeAuthenticated)))
	require.NoError(t, service.Stop(time.Second))

	stats := service.GetStats()
	assert.Zero(t, stats.Pruned)
	assert.Equal(t, int64(1), stats.Written)
}

func TestService_RetentionDisabled(t *testing.T) {
	repo := new(MockDecisionRepository)

	service := NewService(repo, zap.NewNop(), Config{RetentionInterval: time.Millisecond})
	require.NoError(t, service.Start())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, service.Stop(time.Second))

	repo.AssertNotCalled(t, "DeleteOlderThan", mock.Anything, mock.Anything)
}
