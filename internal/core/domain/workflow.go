package domain

import "time"

type WorkflowStatus string

const (
	WorkflowStatusPending    WorkflowStatus = "pending"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
)

func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

type ResponseType string

const (
	ResponseApproval     ResponseType = "approval"
	ResponseRejection    ResponseType = "rejection"
	ResponseModification ResponseType = "modification"
	ResponseConfirmation ResponseType = "confirmation"
	ResponseError        ResponseType = "error"
)

func (t ResponseType) Valid() bool {
	switch t {
	case ResponseApproval, ResponseRejection, ResponseModification, ResponseConfirmation, ResponseError:
		return true
	}
	return false
}

type WorkflowResponse struct {
	StepID      string
	Type        ResponseType
	Data        map[string]any
	Message     string
	RespondedBy string
	RespondedAt time.Time
}

type WorkflowInstance struct {
	ID            string
	SubjectID     string
	WorkflowType  string
	CurrentStepID string
	Status        WorkflowStatus
	ContextData   map[string]any
	Responses     []WorkflowResponse
	StepDeadline  *time.Time
	Attempts      int
	Version       int // optimistic locking
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (w WorkflowInstance) Clone() WorkflowInstance {
	c := w
	c.ContextData = CloneData(w.ContextData)
	c.Responses = make([]WorkflowResponse, len(w.Responses))
	for i, r := range w.Responses {
		r.Data = CloneData(r.Data)
		c.Responses[i] = r
	}
	if w.StepDeadline != nil {
		d := *w.StepDeadline
		c.StepDeadline = &d
	}
	return c
}

// CloneData copies the top level of a free-form data bag.
func CloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
