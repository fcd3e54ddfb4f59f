package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrLedgerMismatch   = errors.New("ledger does not reconcile with stock on hand")
	ErrWorkflowTerminal = errors.New("workflow instance is in a terminal state")
	ErrNotSuspended     = errors.New("workflow instance is not suspended")
	ErrWorkflowLoop     = errors.New("workflow step chain exceeded maximum depth")
)

// ValidationError rejects bad input before any state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type Shortage struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// InsufficientStockError names every product in a batch that could not be
// covered. The batch had no effect.
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		parts[i] = fmt.Sprintf("%s (requested %d, available %d)", s.ProductID, s.Requested, s.Available)
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *InsufficientStockError) ProductIDs() []string {
	ids := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		ids[i] = s.ProductID
	}
	return ids
}

type InvalidTransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}

type NotCancellableError struct {
	OrderID string
	Status  OrderStatus
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("order %s cannot be cancelled in status %s", e.OrderID, e.Status)
}

type MultiSellerCartError struct {
	Sellers []string
}

func (e *MultiSellerCartError) Error() string {
	return "cart spans multiple sellers: " + strings.Join(e.Sellers, ", ")
}

// StaleResponseError is returned when a call addresses a step the workflow
// instance is no longer at.
type StaleResponseError struct {
	InstanceID    string
	StepID        string
	CurrentStepID string
}

func (e *StaleResponseError) Error() string {
	return fmt.Sprintf("workflow %s: step %s is stale (current step %s)", e.InstanceID, e.StepID, e.CurrentStepID)
}

// TransientError reports an optimistic-concurrency race that was still being
// lost after the retry budget. Callers may retry the whole operation.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient failure that is safe to retry.
func IsRetryable(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsBusinessRule reports whether err is a business-rule rejection.
func IsBusinessRule(err error) bool {
	var (
		stock      *InsufficientStockError
		transition *InvalidTransitionError
		cancel     *NotCancellableError
		seller     *MultiSellerCartError
		stale      *StaleResponseError
	)
	switch {
	case errors.As(err, &stock), errors.As(err, &transition), errors.As(err, &cancel),
		errors.As(err, &seller), errors.As(err, &stale):
		return true
	}
	return errors.Is(err, ErrWorkflowTerminal) || errors.Is(err, ErrNotSuspended) ||
		errors.Is(err, ErrDuplicateRequest) || errors.Is(err, ErrAlreadyExists)
}
