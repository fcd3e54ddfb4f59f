package port

import "context"

type Notification struct {
	RecipientID string         `json:"recipient_id"`
	TemplateKey string         `json:"template_key"`
	Payload     map[string]any `json:"payload"`
}

// Notifier hands a notification to the delivery collaborator. Delivery itself
// is not this service's concern.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
