package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

const (
	lastErrorKey    = "last_error"
	timedOutStepKey = "timed_out_step"
)

type outcome int

const (
	outcomeSuspend outcome = iota
	outcomeSuccess
	outcomeFailure
)

// stepRun carries one advance of an instance through the step graph.
// submitted is offered to the first step only; explicit marks that step as
// directly invoked, so its validation failures are returned to the caller.
type stepRun struct {
	def       Definition
	inst      *domain.WorkflowInstance
	now       time.Time
	submitted map[string]any
	explicit  bool
	outbox    []port.Notification
}

type stepHandler func(ctx context.Context, e *Engine, r *stepRun, step StepDefinition) (outcome, error)

func defaultHandlers() map[StepKind]stepHandler {
	return map[StepKind]stepHandler{
		KindUserAction:       handleUserAction,
		KindSystemProcessing: handleSystemProcessing,
		KindApprovalRequired: handleApproval,
		KindNotification:     handleNotification,
		KindWaiting:          handleWaiting,
	}
}

// follow leaves the current step along an edge. An empty target ends the
// instance in terminal.
func (r *stepRun) follow(target string, terminal domain.WorkflowStatus) {
	r.inst.Attempts = 0
	r.inst.StepDeadline = nil
	if target == "" {
		r.inst.Status = terminal
		return
	}
	r.inst.CurrentStepID = target
	r.inst.Status = domain.WorkflowStatusInProgress
}

// advance runs steps until the instance suspends, waits for input or ends.
func (e *Engine) advance(ctx context.Context, r *stepRun) error {
	for depth := 0; ; depth++ {
		if r.inst.Status.Terminal() {
			return nil
		}
		if depth >= e.maxDepth {
			return fmt.Errorf("workflow %s at step %s: %w", r.inst.ID, r.inst.CurrentStepID, domain.ErrWorkflowLoop)
		}

		step, ok := r.def.Step(r.inst.CurrentStepID)
		if !ok {
			return fmt.Errorf("workflow %s: step %s not in definition %s", r.inst.ID, r.inst.CurrentStepID, r.def.Type)
		}
		handler, ok := e.handlers[step.Kind]
		if !ok {
			return fmt.Errorf("workflow %s: no handler for step kind %s", r.inst.ID, step.Kind)
		}

		out, err := handler(ctx, e, r, step)
		r.submitted = nil
		r.explicit = false
		if err != nil {
			return err
		}

		switch out {
		case outcomeSuspend:
			return nil
		case outcomeSuccess:
			r.follow(step.Next.Success, domain.WorkflowStatusCompleted)
		case outcomeFailure:
			r.follow(step.Next.Failure, domain.WorkflowStatusFailed)
		}
	}
}

func handleUserAction(ctx context.Context, e *Engine, r *stepRun, step StepDefinition) (outcome, error) {
	data := merged(r.inst.ContextData, r.submitted)
	if err := e.validate(step, data); err != nil {
		if r.explicit {
			return outcomeSuspend, err
		}
		// reached by chaining: wait for ExecuteStep
		r.inst.Status = domain.WorkflowStatusInProgress
		return outcomeSuspend, nil
	}
	r.inst.ContextData = data
	return outcomeSuccess, nil
}

func handleSystemProcessing(ctx context.Context, e *Engine, r *stepRun, step StepDefinition) (outcome, error) {
	data := merged(r.inst.ContextData, r.submitted)
	if err := e.validate(step, data); err != nil {
		if r.explicit {
			return outcomeSuspend, err
		}
		r.inst.ContextData = data
		r.inst.ContextData[lastErrorKey] = err.Error()
		return outcomeFailure, nil
	}
	r.inst.ContextData = data

	action, ok := e.action(r.def.Type, step.ID)
	if !ok {
		return outcomeSuccess, nil
	}

	var lastErr error
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return outcomeSuspend, err
		}
		out, err := action(ctx, r.inst.Clone())
		if err == nil {
			for k, v := range out {
				r.inst.ContextData[k] = v
			}
			delete(r.inst.ContextData, lastErrorKey)
			return outcomeSuccess, nil
		}
		lastErr = err
		r.inst.Attempts = attempt + 1
		e.logger.Warn("workflow action failed",
			zap.String("instance_id", r.inst.ID),
			zap.String("step_id", step.ID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", step.MaxRetries),
			zap.Error(err))
	}

	r.inst.ContextData[lastErrorKey] = lastErr.Error()
	return outcomeFailure, nil
}

// handleApproval parks the instance until a response arrives or the
// deadline passes.
func handleApproval(ctx context.Context, e *Engine, r *stepRun, step StepDefinition) (outcome, error) {
	suspend(r)
	if step.Timeout > 0 {
		deadline := r.now.Add(step.Timeout)
		r.inst.StepDeadline = &deadline
	}
	return outcomeSuspend, nil
}

// handleWaiting parks the instance with no deadline. Only Respond resumes it.
func handleWaiting(ctx context.Context, e *Engine, r *stepRun, step StepDefinition) (outcome, error) {
	suspend(r)
	return outcomeSuspend, nil
}

func suspend(r *stepRun) {
	if len(r.submitted) > 0 {
		r.inst.ContextData = merged(r.inst.ContextData, r.submitted)
	}
	r.inst.Status = domain.WorkflowStatusPending
	r.inst.StepDeadline = nil
}

func handleNotification(ctx context.Context, e *Engine, r *stepRun, step StepDefinition) (outcome, error) {
	recipient := r.inst.SubjectID
	if step.Recipient != "" {
		if v, ok := lookup(r.inst.ContextData, step.Recipient); ok && v != nil {
			recipient = fmt.Sprint(v)
		}
	}
	template := step.Template
	if template == "" {
		template = step.ID
	}

	r.outbox = append(r.outbox, port.Notification{
		RecipientID: recipient,
		TemplateKey: template,
		Payload: map[string]any{
			"instance_id":   r.inst.ID,
			"workflow_type": r.inst.WorkflowType,
			"subject_id":    r.inst.SubjectID,
			"step_id":       step.ID,
		},
	})
	return outcomeSuccess, nil
}
