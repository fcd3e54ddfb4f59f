package port

import (
	"context"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

type IdempotencyStore interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes a key so a failed request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}

type AlertDeduper interface {
	// ClaimAlert marks an alert condition open, returns false if one is already open
	ClaimAlert(ctx context.Context, ownerID, productID string, alertType domain.AlertType) (bool, error)

	// ReleaseAlert clears the open marker, returns false if none was set
	ReleaseAlert(ctx context.Context, ownerID, productID string, alertType domain.AlertType) (bool, error)
}
