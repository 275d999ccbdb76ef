package realtime

import (
	"context"

	"github.com/pkg/errors"
)

// OptimisticCoordinator applies a local mutation immediately, issues the
// side-effecting request, and rolls the mutation back on rejection. Every
// optimistic flow (mark-read, mark-all-read, friend accept/decline) shares
// this one rollback discipline instead of re-implementing its own.
type OptimisticCoordinator struct {
	onError func(error)
}

// NewOptimisticCoordinator builds a coordinator. onError, when set, surfaces
// rejected actions to the render layer as a transient user-visible message.
func NewOptimisticCoordinator(onError func(error)) *OptimisticCoordinator {
	return &OptimisticCoordinator{onError: onError}
}

// Perform runs apply synchronously, then the request. On failure revert is
// called before the error is surfaced, so the caller's state never stays in
// the optimistic shape after a rejection.
func (c *OptimisticCoordinator) Perform(ctx context.Context, apply func(), request func(context.Context) error, revert func()) error {
	if apply != nil {
		apply()
	}
	if request == nil {
		return nil
	}
	err := request(ctx)
	if err == nil {
		return nil
	}
	if revert != nil {
		revert()
	}
	err = errors.Wrap(err, "optimistic action rejected")
	if c != nil && c.onError != nil {
		c.onError(err)
	}
	return err
}
