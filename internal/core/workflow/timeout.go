package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

// ExpireTimeouts follows the timeout edge of every suspended instance whose
// step deadline has passed. It returns how many instances were moved.
func (e *Engine) ExpireTimeouts(ctx context.Context) (int, error) {
	now := e.clock()
	ids, err := e.store.ListExpiredWorkflows(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired workflows: %w", err)
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		moved, err := e.expire(ctx, id, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		if moved {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (e *Engine) expire(ctx context.Context, instanceID string, now time.Time) (bool, error) {
	var (
		moved  bool
		result domain.WorkflowInstance
		outbox []port.Notification
	)
	err := e.atomic(ctx, "expire", func(ctx context.Context, tx port.Tx) error {
		moved = false
		inst, err := tx.GetWorkflow(ctx, instanceID)
		if err != nil {
			return err
		}
		// answered or re-armed since the listing
		if inst.Status != domain.WorkflowStatusPending || inst.StepDeadline == nil || inst.StepDeadline.After(now) {
			return nil
		}
		def, ok := e.Definition(inst.WorkflowType)
		if !ok {
			return fmt.Errorf("workflow %s: type %s is not registered", inst.ID, inst.WorkflowType)
		}
		step, _ := def.Step(inst.CurrentStepID)

		inst.ContextData = merged(inst.ContextData, map[string]any{timedOutStepKey: step.ID})
		r := &stepRun{def: def, inst: inst, now: now}
		r.follow(step.Next.Timeout, domain.WorkflowStatusFailed)
		if err := e.advance(ctx, r); err != nil {
			return err
		}
		inst.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, *inst); err != nil {
			return err
		}
		moved, result, outbox = true, *inst, r.outbox
		return nil
	})
	if err != nil || !moved {
		return false, err
	}

	e.logger.Info("workflow step timed out",
		zap.String("instance_id", instanceID),
		zap.String("step_id", result.CurrentStepID),
		zap.String("status", string(result.Status)))
	e.flush(outbox)
	return true, nil
}

// RunTimeoutSweeper calls ExpireTimeouts every interval until ctx is done.
func (e *Engine) RunTimeoutSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ExpireTimeouts(ctx)
			if err != nil {
				e.logger.Error("timeout sweep failed", zap.Error(err))
			}
			if n > 0 {
				e.logger.Info("timeout sweep", zap.Int("expired", n))
			}
		}
	}
}
