package realtime

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestOptimisticPerform_CommitsOnSuccess(t *testing.T) {
	c := NewOptimisticCoordinator(nil)
	applied := false
	reverted := false

	err := c.Perform(context.Background(),
		func() { applied = true },
		func(context.Context) error { return nil },
		func() { reverted = true },
	)
	require.NoError(t, err)
	require.True(t, applied)
	require.False(t, reverted)
}

func TestOptimisticPerform_RevertsOnRejection(t *testing.T) {
	var surfaced error
	c := NewOptimisticCoordinator(func(err error) { surfaced = err })
	var steps []string

	err := c.Perform(context.Background(),
		func() { steps = append(steps, "apply") },
		func(context.Context) error {
			steps = append(steps, "request")
			return errors.New("rejected by server")
		},
		func() { steps = append(steps, "revert") },
	)
	require.Error(t, err)
	require.ErrorContains(t, err, "rejected by server")
	require.Equal(t, []string{"apply", "request", "revert"}, steps)
	require.Error(t, surfaced)
}

func TestOptimisticPerform_AppliesWithoutRequest(t *testing.T) {
	c := NewOptimisticCoordinator(nil)
	applied := false
	require.NoError(t, c.Perform(context.Background(), func() { applied = true }, nil, nil))
	require.True(t, applied)
}
