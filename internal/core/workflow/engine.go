package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

const (
	DefaultMaxChainDepth = 64
	defaultMaxAttempts   = 3
	tracerName           = "github.com/rl1809/commerce-core/workflow"
)

// Action performs the work of a system_processing step. The returned data is
// merged into the instance context. Actions may run more than once for the
// same step and must be idempotent.
type Action func(ctx context.Context, instance domain.WorkflowInstance) (map[string]any, error)

// Notifier queues a notification. It is called only after the unit of work
// that produced the notification has committed.
type Notifier interface {
	Notify(n port.Notification) bool
}

// Response is a party's answer to a suspended step.
type Response struct {
	Type        domain.ResponseType
	Data        map[string]any
	Message     string
	RespondedBy string
}

// Engine drives workflow instances through their definitions.
type Engine struct {
	store    port.Store
	notifier Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
	clock    func() time.Time
	attempts int
	maxDepth int
	handlers map[StepKind]stepHandler

	mu          sync.RWMutex
	definitions map[string]Definition
	actions     map[string]Action
	predicates  map[string]Predicate
	initial     []Definition
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithDefinitions registers definitions when the engine is built.
func WithDefinitions(defs ...Definition) Option {
	return func(e *Engine) {
		e.initial = append(e.initial, defs...)
	}
}

// WithAction attaches fn to a system_processing step of a workflow type.
func WithAction(workflowType, stepID string, fn Action) Option {
	return func(e *Engine) {
		e.actions[actionKey(workflowType, stepID)] = fn
	}
}

// WithPredicate makes a named predicate available to custom rules.
func WithPredicate(name string, fn Predicate) Option {
	return func(e *Engine) {
		e.predicates[name] = fn
	}
}

// WithMaxAttempts sets the optimistic retry budget per operation.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithMaxChainDepth bounds how many steps one call may run.
func WithMaxChainDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// New wires an engine to the store. notifier may be nil, in which case
// notification steps only advance.
func New(store port.Store, notifier Notifier, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("workflow engine: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:       store,
		notifier:    notifier,
		logger:      logger,
		tracer:      otel.Tracer(tracerName),
		clock:       time.Now,
		attempts:    defaultMaxAttempts,
		maxDepth:    DefaultMaxChainDepth,
		handlers:    defaultHandlers(),
		definitions: make(map[string]Definition),
		actions:     make(map[string]Action),
		predicates:  make(map[string]Predicate),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, def := range e.initial {
		if err := e.Register(def); err != nil {
			return nil, err
		}
	}
	e.initial = nil
	return e, nil
}

// Register adds or replaces the definition for def.Type. Every predicate a
// custom rule names must already be registered.
func (e *Engine) Register(def Definition) error {
	normalized, err := def.Normalized()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, step := range normalized.Steps {
		for _, v := range step.Validations {
			if v.Rule != RuleCustom {
				continue
			}
			if _, ok := e.predicates[v.Predicate]; !ok {
				return fmt.Errorf("workflow %s step %s: unknown predicate %s", normalized.Type, step.ID, v.Predicate)
			}
		}
	}
	e.definitions[normalized.Type] = normalized
	return nil
}

func (e *Engine) RegisterAction(workflowType, stepID string, fn Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[actionKey(workflowType, stepID)] = fn
}

func (e *Engine) RegisterPredicate(name string, fn Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[name] = fn
}

func (e *Engine) Definition(workflowType string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[workflowType]
	return def, ok
}

func (e *Engine) action(workflowType, stepID string) (Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.actions[actionKey(workflowType, stepID)]
	return fn, ok
}

func (e *Engine) predicate(name string) (Predicate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.predicates[name]
	return fn, ok
}

func actionKey(workflowType, stepID string) string {
	return workflowType + "/" + stepID
}

// Start creates an instance at the definition's start step and runs it with
// initialData until it first suspends. A validation failure at the start step
// creates nothing.
func (e *Engine) Start(ctx context.Context, subjectID, workflowType string, initialData map[string]any) (instance *domain.WorkflowInstance, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.start")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("workflow.type", workflowType),
		attribute.String("workflow.subject_id", subjectID),
	)

	if subjectID == "" {
		return nil, domain.NewValidationError("subject_id", "is required")
	}
	def, ok := e.Definition(workflowType)
	if !ok {
		return nil, domain.NewValidationError("workflow_type", "unknown workflow type %q", workflowType)
	}

	var (
		result domain.WorkflowInstance
		outbox []port.Notification
	)
	err = e.atomic(ctx, "start", func(ctx context.Context, tx port.Tx) error {
		now := e.clock()
		inst := domain.WorkflowInstance{
			ID:            uuid.NewString(),
			SubjectID:     subjectID,
			WorkflowType:  workflowType,
			CurrentStepID: def.Start,
			Status:        domain.WorkflowStatusInProgress,
			ContextData:   domain.CloneData(initialData),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		r := &stepRun{def: def, inst: &inst, now: now, explicit: true}
		if err := e.advance(ctx, r); err != nil {
			return err
		}
		result, outbox = inst, r.outbox
		return tx.CreateWorkflow(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	result.Version = 1
	e.logger.Info("workflow started",
		zap.String("instance_id", result.ID),
		zap.String("workflow_type", workflowType),
		zap.String("subject_id", subjectID),
		zap.String("step_id", result.CurrentStepID),
		zap.String("status", string(result.Status)))
	e.flush(outbox)
	return &result, nil
}

// ExecuteStep submits data to the instance's current step. It is how a
// user_action step that stopped the chain is completed.
func (e *Engine) ExecuteStep(ctx context.Context, instanceID, stepID string, data map[string]any) (instance *domain.WorkflowInstance, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.execute_step")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("workflow.instance_id", instanceID),
		attribute.String("workflow.step_id", stepID),
	)

	return e.mutate(ctx, "execute_step", instanceID, func(def Definition, inst *domain.WorkflowInstance, now time.Time) (*stepRun, error) {
		if inst.Status.Terminal() {
			return nil, fmt.Errorf("workflow %s: %w", inst.ID, domain.ErrWorkflowTerminal)
		}
		if inst.CurrentStepID != stepID {
			return nil, &domain.StaleResponseError{InstanceID: inst.ID, StepID: stepID, CurrentStepID: inst.CurrentStepID}
		}
		if inst.Status == domain.WorkflowStatusPending {
			return nil, domain.NewValidationError("step_id", "step %s is waiting for a response", stepID)
		}
		return &stepRun{def: def, inst: inst, now: now, submitted: data, explicit: true}, nil
	})
}

// SkipStep moves past the current step along its success edge without
// running it. Steps marked required cannot be skipped.
func (e *Engine) SkipStep(ctx context.Context, instanceID, stepID string) (*domain.WorkflowInstance, error) {
	return e.mutate(ctx, "skip_step", instanceID, func(def Definition, inst *domain.WorkflowInstance, now time.Time) (*stepRun, error) {
		if inst.Status.Terminal() {
			return nil, fmt.Errorf("workflow %s: %w", inst.ID, domain.ErrWorkflowTerminal)
		}
		if inst.CurrentStepID != stepID {
			return nil, &domain.StaleResponseError{InstanceID: inst.ID, StepID: stepID, CurrentStepID: inst.CurrentStepID}
		}
		step, _ := def.Step(stepID)
		if step.Required {
			return nil, domain.NewValidationError("step_id", "step %s is required", stepID)
		}
		r := &stepRun{def: def, inst: inst, now: now}
		r.follow(step.Next.Success, domain.WorkflowStatusCompleted)
		return r, nil
	})
}

// Respond answers the suspended step stepID. Approval and confirmation follow
// the success edge, rejection and error the failure edge, and modification
// merges the data and re-enters the same step.
func (e *Engine) Respond(ctx context.Context, instanceID, stepID string, resp Response) (instance *domain.WorkflowInstance, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.respond")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("workflow.instance_id", instanceID),
		attribute.String("workflow.step_id", stepID),
		attribute.String("workflow.response", string(resp.Type)),
	)

	if !resp.Type.Valid() {
		return nil, domain.NewValidationError("type", "unknown response type %q", resp.Type)
	}

	return e.mutate(ctx, "respond", instanceID, func(def Definition, inst *domain.WorkflowInstance, now time.Time) (*stepRun, error) {
		if inst.Status.Terminal() {
			return nil, fmt.Errorf("workflow %s: %w", inst.ID, domain.ErrWorkflowTerminal)
		}
		if inst.CurrentStepID != stepID {
			return nil, &domain.StaleResponseError{InstanceID: inst.ID, StepID: stepID, CurrentStepID: inst.CurrentStepID}
		}
		if inst.Status != domain.WorkflowStatusPending {
			return nil, fmt.Errorf("workflow %s at step %s: %w", inst.ID, stepID, domain.ErrNotSuspended)
		}

		step, _ := def.Step(stepID)
		data := merged(inst.ContextData, resp.Data)
		r := &stepRun{def: def, inst: inst, now: now}

		switch resp.Type {
		case domain.ResponseApproval, domain.ResponseConfirmation:
			if err := e.validate(step, data); err != nil {
				return nil, err
			}
			inst.ContextData = data
			r.follow(step.Next.Success, domain.WorkflowStatusCompleted)
		case domain.ResponseRejection, domain.ResponseError:
			inst.ContextData = data
			r.follow(step.Next.Failure, domain.WorkflowStatusFailed)
		case domain.ResponseModification:
			inst.ContextData = data
			inst.Status = domain.WorkflowStatusInProgress
			inst.StepDeadline = nil
		}

		inst.Responses = append(inst.Responses, domain.WorkflowResponse{
			StepID:      stepID,
			Type:        resp.Type,
			Data:        domain.CloneData(resp.Data),
			Message:     resp.Message,
			RespondedBy: resp.RespondedBy,
			RespondedAt: now,
		})
		return r, nil
	})
}

// Complete ends the instance as completed. Completing a completed instance is
// a no-op; any other terminal state is ErrWorkflowTerminal.
func (e *Engine) Complete(ctx context.Context, instanceID string) (*domain.WorkflowInstance, error) {
	return e.finish(ctx, instanceID, domain.WorkflowStatusCompleted, "")
}

// Cancel ends the instance as cancelled, with the same idempotency as Complete.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) (*domain.WorkflowInstance, error) {
	return e.finish(ctx, instanceID, domain.WorkflowStatusCancelled, reason)
}

func (e *Engine) finish(ctx context.Context, instanceID string, target domain.WorkflowStatus, reason string) (*domain.WorkflowInstance, error) {
	var (
		result  domain.WorkflowInstance
		changed bool
	)
	err := e.atomic(ctx, "finish", func(ctx context.Context, tx port.Tx) error {
		changed = false
		inst, err := tx.GetWorkflow(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status == target {
			result = *inst
			return nil
		}
		if inst.Status.Terminal() {
			return fmt.Errorf("workflow %s is %s: %w", inst.ID, inst.Status, domain.ErrWorkflowTerminal)
		}

		inst.Status = target
		inst.StepDeadline = nil
		inst.UpdatedAt = e.clock()
		if reason != "" {
			inst.ContextData = merged(inst.ContextData, map[string]any{"cancel_reason": reason})
		}
		if err := tx.UpdateWorkflow(ctx, *inst); err != nil {
			return err
		}
		result, changed = *inst, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		result.Version++
		e.logger.Info("workflow finished",
			zap.String("instance_id", instanceID),
			zap.String("status", string(target)))
	}
	return &result, nil
}

func (e *Engine) Get(ctx context.Context, instanceID string) (*domain.WorkflowInstance, error) {
	var inst *domain.WorkflowInstance
	err := e.store.Atomic(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		inst, err = tx.GetWorkflow(ctx, instanceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// mutate loads the instance, lets prepare check it and build a run, advances
// the run and writes the result, all in one retried unit of work.
func (e *Engine) mutate(ctx context.Context, op, instanceID string, prepare func(def Definition, inst *domain.WorkflowInstance, now time.Time) (*stepRun, error)) (*domain.WorkflowInstance, error) {
	var (
		result domain.WorkflowInstance
		outbox []port.Notification
	)
	err := e.atomic(ctx, op, func(ctx context.Context, tx port.Tx) error {
		inst, err := tx.GetWorkflow(ctx, instanceID)
		if err != nil {
			return err
		}
		def, ok := e.Definition(inst.WorkflowType)
		if !ok {
			return fmt.Errorf("workflow %s: type %s is not registered", inst.ID, inst.WorkflowType)
		}

		now := e.clock()
		r, err := prepare(def, inst, now)
		if err != nil {
			return err
		}
		if err := e.advance(ctx, r); err != nil {
			return err
		}
		inst.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, *inst); err != nil {
			return err
		}
		result, outbox = *inst, r.outbox
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Version++
	e.logger.Info("workflow advanced",
		zap.String("op", op),
		zap.String("instance_id", result.ID),
		zap.String("step_id", result.CurrentStepID),
		zap.String("status", string(result.Status)))
	e.flush(outbox)
	return &result, nil
}

func (e *Engine) atomic(ctx context.Context, op string, fn func(ctx context.Context, tx port.Tx) error) error {
	var err error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		err = e.store.Atomic(ctx, fn)
		if !errors.Is(err, port.ErrOptimisticLock) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.logger.Debug("workflow version conflict", zap.String("op", op), zap.Int("attempt", attempt))
	}
	return &domain.TransientError{Op: "workflow " + op, Attempts: e.attempts, Err: err}
}

func (e *Engine) flush(outbox []port.Notification) {
	if e.notifier == nil {
		return
	}
	for _, n := range outbox {
		e.notifier.Notify(n)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
