package repositories

import (
	"context"

	"github.com/stitchfield/orders-api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order records and provides the lookup paths the
// lifecycle services rely on.
//
// Update is optimistic: the supplied order carries the Version it was read at
// and the store must reject with a conflict error when the persisted version
// differs, bumping the version on success.
type OrderRepository interface {
	// Insert stores a new order. It fails with a conflict error when either
	// the order ID or the tracking token already exists.
	Insert(ctx context.Context, order domain.Order) error

	// Update persists a mutation of an existing order under the optimistic
	// version check described above.
	Update(ctx context.Context, order domain.Order) error

	FindByID(ctx context.Context, orderID string) (domain.Order, error)

	// FindByTokenAndEmail succeeds only when both the tracking token and the
	// customer email (case-insensitive) match the same order. Every failure
	// mode returns the same not-found error so callers cannot distinguish a
	// wrong token from a wrong email.
	FindByTokenAndEmail(ctx context.Context, token, email string) (domain.Order, error)

	// ListByEmail returns the customer's orders, newest CreatedAt first.
	// An unknown email yields an empty slice, not an error.
	ListByEmail(ctx context.Context, email string) ([]domain.Order, error)

	// ListActive returns all orders in a non-terminal state; ordering is
	// unspecified.
	ListActive(ctx context.Context) ([]domain.Order, error)

	// ListUnlinkedByContact returns unlinked orders whose customer email
	// matches (case-insensitive) or whose customer phone matches exactly.
	ListUnlinkedByContact(ctx context.Context, email, phone string) ([]domain.Order, error)
}

// CounterRepository hands out monotonic sequences used for order numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}
