package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Timeout: time.Second}
}

func TestRetrying_SucceedsAfterTransientFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockTransport(ctrl)

	want := []models.ManifestEntry{{ID: "a", SyncVersion: 1}}
	gomock.InOrder(
		mock.EXPECT().ListManifest(gomock.Any()).Return(nil, Transient(errors.New("503"))),
		mock.EXPECT().ListManifest(gomock.Any()).Return(nil, Transient(errors.New("503"))),
		mock.EXPECT().ListManifest(gomock.Any()).Return(want, nil),
	)

	got, err := WithRetry(mock, fastPolicy(), discardLogger()).ListManifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRetrying_ExhaustedSurfacesTransportError(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockTransport(ctrl)

	mock.EXPECT().PutRecord(gomock.Any(), gomock.Any()).Return(Transient(errors.New("connection reset"))).Times(3)

	err := WithRetry(mock, fastPolicy(), discardLogger()).PutRecord(context.Background(), models.RemoteRecord{ID: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrTransport)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetrying_PermanentErrorNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockTransport(ctrl)

	mock.EXPECT().GetPayload(gomock.Any(), "gone").
		Return(models.RemoteRecord{}, syncerr.ErrNotFound).Times(1)

	_, err := WithRetry(mock, fastPolicy(), discardLogger()).GetPayload(context.Background(), "gone")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
	assert.NotErrorIs(t, err, syncerr.ErrTransport)
}

func TestRetrying_AuthErrorNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockTransport(ctrl)

	mock.EXPECT().DeleteRecord(gomock.Any(), "a").Return(syncerr.ErrAuthentication).Times(1)

	err := WithRetry(mock, fastPolicy(), discardLogger()).DeleteRecord(context.Background(), "a")
	assert.ErrorIs(t, err, syncerr.ErrAuthentication)
}

func TestRetrying_PerCallTimeoutIsRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockTransport(ctrl)

	policy := fastPolicy()
	policy.Timeout = 5 * time.Millisecond

	gomock.InOrder(
		mock.EXPECT().ListManifest(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]models.ManifestEntry, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		mock.EXPECT().ListManifest(gomock.Any()).Return([]models.ManifestEntry{}, nil),
	)

	_, err := WithRetry(mock, policy, discardLogger()).ListManifest(context.Background())
	require.NoError(t, err)
}

func TestRetrying_CancelledContextStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockTransport(ctrl)

	ctx, cancel := context.WithCancel(context.Background())

	mock.EXPECT().PutRecord(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, models.RemoteRecord) error {
		cancel()
		return Transient(errors.New("flaky"))
	}).Times(1)

	err := WithRetry(mock, fastPolicy(), discardLogger()).PutRecord(ctx, models.RemoteRecord{ID: "a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithRetry_ClampsAttempts(t *testing.T) {
	r := WithRetry(NewMemory(), RetryPolicy{}, discardLogger())
	assert.Equal(t, 1, r.policy.Attempts)
	assert.NotNil(t, r.Unwrap())
}

func TestWithJitter_Bounds(t *testing.T) {
	for range 50 {
		d := withJitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}

	assert.Equal(t, time.Duration(0), withJitter(0))
}

func TestIsTransient(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsTransient(Transient(base)))
	assert.True(t, IsTransient(errors.Join(errors.New("ctx"), Transient(base))))
	assert.False(t, IsTransient(base))
	assert.Nil(t, Transient(nil))
	assert.ErrorIs(t, Transient(base), base)
}
