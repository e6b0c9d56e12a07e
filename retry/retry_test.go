package retry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	require.True(t, IsRecoverable(err))
	require.False(t, IsRecoverable(errors.New("test error")))
	require.False(t, IsRecoverable(nil))
	require.False(t, IsRecoverable(NewNonRecoverableError(errors.New("connection refused"))))
}

func TestIsRecoverableHeuristics(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{fmt.Errorf("write: %w", context.DeadlineExceeded), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("503 Service Unavailable"), true},
		{errors.New("ThrottlingException: rate exceeded"), true},
		{&url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection reset by peer")}, true},
		{errors.New("duplicate key value"), false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsRecoverable(tt.err), tt.err.Error())
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	require.Error(t, err)
	require.Equal(t, "test error", err.Error())
	require.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	require.Error(t, err)
	require.Equal(t, 1, count)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("validation failed")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	require.EqualError(t, err, "validation failed")
	require.Equal(t, 1, count)
}

func TestRetryAll(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		if count < 3 {
			return errors.New("validation failed")
		}
		return nil
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond), WithRetryAll())
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(10), WithBaseWait(50*time.Millisecond))
	require.Error(t, err)
	require.Equal(t, 1, count)
}
