package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/repository"
)

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) FindByUserID(ctx context.Context, userID string) (*model.WhatsAppSession, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WhatsAppSession), args.Error(1)
}

func (m *mockSessionRepo) ListConnected(ctx context.Context) ([]model.WhatsAppSession, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.WhatsAppSession), args.Error(1)
}

func (m *mockSessionRepo) MarkConnected(ctx context.Context, params model.MarkConnectedParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *mockSessionRepo) MarkDisconnected(ctx context.Context, userID string, reason string) error {
	args := m.Called(ctx, userID, reason)
	return args.Error(0)
}

func (m *mockSessionRepo) ClearDevice(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.WhatsAppSessionRepository {
	return m
}

type mockMarker struct {
	mock.Mock
}

func (m *mockMarker) MarkStaleDisconnected(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func connectedRows(userIDs ...string) []model.WhatsAppSession {
	rows := make([]model.WhatsAppSession, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, model.WhatsAppSession{UserID: id, IsConnected: true})
	}
	return rows
}

func TestReconcileJob_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("counts only rows that changed", func(t *testing.T) {
		repo := new(mockSessionRepo)
		marker := new(mockMarker)
		repo.On("ListConnected", ctx).Return(connectedRows("user-1", "user-2", "user-3"), nil)
		marker.On("MarkStaleDisconnected", ctx, "user-1").Return(true, nil)
		marker.On("MarkStaleDisconnected", ctx, "user-2").Return(false, nil)
		marker.On("MarkStaleDisconnected", ctx, "user-3").Return(true, nil)

		count, err := NewReconcileJob(repo, marker, time.Hour).RunOnce(ctx)

		require.NoError(t, err)
		assert.Equal(t, 2, count)
		marker.AssertExpectations(t)
	})

	t.Run("never writes the row itself", func(t *testing.T) {
		repo := new(mockSessionRepo)
		marker := new(mockMarker)
		repo.On("ListConnected", ctx).Return(connectedRows("user-1"), nil)
		marker.On("MarkStaleDisconnected", ctx, "user-1").Return(true, nil)

		_, err := NewReconcileJob(repo, marker, time.Hour).RunOnce(ctx)

		require.NoError(t, err)
		repo.AssertNotCalled(t, "MarkDisconnected", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("nothing to do", func(t *testing.T) {
		repo := new(mockSessionRepo)
		marker := new(mockMarker)
		repo.On("ListConnected", ctx).Return([]model.WhatsAppSession{}, nil)

		count, err := NewReconcileJob(repo, marker, time.Hour).RunOnce(ctx)

		require.NoError(t, err)
		assert.Zero(t, count)
		marker.AssertNotCalled(t, "MarkStaleDisconnected", mock.Anything, mock.Anything)
	})

	t.Run("continues past a failed row", func(t *testing.T) {
		repo := new(mockSessionRepo)
		marker := new(mockMarker)
		repo.On("ListConnected", ctx).Return(connectedRows("user-1", "user-2"), nil)
		marker.On("MarkStaleDisconnected", ctx, "user-1").Return(false, errors.New("write failed"))
		marker.On("MarkStaleDisconnected", ctx, "user-2").Return(true, nil)

		count, err := NewReconcileJob(repo, marker, time.Hour).RunOnce(ctx)

		require.NoError(t, err)
		assert.Equal(t, 1, count)
		marker.AssertExpectations(t)
	})

	t.Run("returns list errors", func(t *testing.T) {
		repo := new(mockSessionRepo)
		marker := new(mockMarker)
		repo.On("ListConnected", ctx).Return(nil, errors.New("db down"))

		_, err := NewReconcileJob(repo, marker, time.Hour).RunOnce(ctx)

		assert.Error(t, err)
		marker.AssertNotCalled(t, "MarkStaleDisconnected", mock.Anything, mock.Anything)
	})
}

func TestReconcileJob_StartStop(t *testing.T) {
	repo := new(mockSessionRepo)
	marker := new(mockMarker)
	called := make(chan struct{}, 1)
	repo.On("ListConnected", mock.Anything).Return(connectedRows("user-1"), nil)
	marker.On("MarkStaleDisconnected", mock.Anything, "user-1").
		Return(true, nil).
		Run(func(mock.Arguments) {
			select {
			case called <- struct{}{}:
			default:
			}
		})

	job := NewReconcileJob(repo, marker, time.Hour)
	job.Start()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("first pass did not run on start")
	}

	job.Stop()
	job.Stop()
}
