package store

import (
	"context"
	"errors"
	"time"

	"pharmacy/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrConflict marks a lock-wait timeout, deadlock, serialization failure or
	// optimistic version mismatch. The whole sale may be retried.
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicateSale is returned by SaleTx.InsertSale when the idempotency
	// key is already taken.
	ErrDuplicateSale = errors.New("duplicate idempotency key")
)

type Repository interface {
	FindMedication(ctx context.Context, id string) (*domain.Medication, error)
	CreateMedication(ctx context.Context, medication domain.Medication) (*domain.Medication, error)

	CreateLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error)
	GetLot(ctx context.Context, id string) (*domain.Lot, error)
	// ListLots returns lots of a medication in FEFO order. Empty lots are only
	// included when includeEmpty is set; expired lots are always included.
	ListLots(ctx context.Context, medicationID string, includeEmpty bool) ([]domain.Lot, error)
	// SellableQuantity is a committed-state read used for pre-validation only.
	SellableQuantity(ctx context.Context, medicationID string, today time.Time) (int, error)

	// BeginSale opens the unit of work that allocates lots and records a sale.
	BeginSale(ctx context.Context) (SaleTx, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityID string) ([]domain.AuditLog, error)
}

// SaleTx is one sale's view of the lot ledger and sale ledger. Reads reflect
// the transaction's own decrements. Every lot returned by FindSellableLots is
// protected against conflicting decrements until Commit or Rollback, either by
// a row lock or by a version check that fails with ErrConflict.
type SaleTx interface {
	FindSellableLots(ctx context.Context, medicationID string, today time.Time) ([]domain.Lot, error)
	// DecrementLot fails with ErrInsufficientStock when amount exceeds the
	// lot's quantity on hand.
	DecrementLot(ctx context.Context, lotID string, amount int) error
	InsertSale(ctx context.Context, sale domain.Sale) error
	Commit(ctx context.Context) error
	// Rollback discards the transaction. It is a no-op after Commit.
	Rollback(ctx context.Context) error
}
