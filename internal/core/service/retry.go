package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

const DefaultMaxAttempts = 3

// retryOnConflict re-runs fn while it loses optimistic-lock races. Any other
// result, success or failure, is returned as is.
func retryOnConflict(ctx context.Context, logger *zap.Logger, op string, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = DefaultMaxAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if !errors.Is(err, port.ErrOptimisticLock) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Debug("optimistic lock conflict",
			zap.String("op", op),
			zap.Int("attempt", attempt))
	}

	return &domain.TransientError{Op: op, Attempts: attempts, Err: err}
}
