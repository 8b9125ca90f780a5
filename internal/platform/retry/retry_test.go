package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func fastPolicy(attempts uint) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(5), On(errConflict), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errConflict
		}
		return 42, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), On(errConflict), func() (int, error) {
		calls++
		return 0, boom
	}, nil)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestDoReportsExhaustion(t *testing.T) {
	notified := 0
	_, err := Do(context.Background(), fastPolicy(3), On(errConflict), func() (struct{}, error) {
		return struct{}{}, errConflict
	}, func(error, time.Duration) { notified++ })
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, errConflict)
	assert.Equal(t, 2, notified)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, InitialInterval: time.Second, MaxInterval: time.Millisecond}.Validate())
}
