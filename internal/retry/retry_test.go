package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestPolicy_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPolicy_GivesUp(t *testing.T) {
	calls := 0
	want := errors.New("still down")
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return want
	})
	require.ErrorIs(t, err, want)
	require.Equal(t, 3, calls)
}

func TestPolicy_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	want := errors.New("bad request")
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(want)
	})
	require.ErrorIs(t, err, want)
	require.Equal(t, 1, calls)
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Policy{MaxAttempts: 10, InitialInterval: time.Second}.Do(ctx, func(context.Context) error {
		return errors.New("transient")
	})
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	p := Default()
	require.Equal(t, 5, p.MaxAttempts)
	require.Nil(t, Permanent(nil))
}
