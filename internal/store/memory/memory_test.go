package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pharmacy/backend/internal/domain"
	"pharmacy/backend/internal/store"
)

func newTestStore(t *testing.T) (*Store, domain.Lot) {
	t.Helper()
	ctx := context.Background()
	s := New()
	if _, err := s.CreateMedication(ctx, domain.Medication{ID: "M", Name: "Test", ListPrice: decimal.RequireFromString("2.00")}); err != nil {
		t.Fatalf("create medication: %v", err)
	}
	lot, err := s.CreateLot(ctx, domain.Lot{ID: "L1", MedicationID: "M", LotNumber: "B1", ExpiresOn: time.Now().AddDate(0, 1, 0), QtyOnHand: 15})
	if err != nil {
		t.Fatalf("create lot: %v", err)
	}
	return s, *lot
}

func TestSaleTxReadsItsOwnDecrements(t *testing.T) {
	s, lot := newTestStore(t)
	ctx := context.Background()
	today := time.Now()

	tx, err := s.BeginSale(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.DecrementLot(ctx, lot.ID, 10); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	lots, err := tx.FindSellableLots(ctx, "M", today)
	if err != nil {
		t.Fatalf("find lots: %v", err)
	}
	if len(lots) != 1 || lots[0].QtyOnHand != 5 {
		t.Fatalf("expected in-transaction qty 5, got %+v", lots)
	}

	committed, _ := s.GetLot(ctx, lot.ID)
	if committed.QtyOnHand != 15 {
		t.Fatalf("uncommitted decrement leaked: qty %d", committed.QtyOnHand)
	}

	if err := tx.DecrementLot(ctx, lot.ID, 6); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestSaleTxDetectsConcurrentDecrement(t *testing.T) {
	s, lot := newTestStore(t)
	ctx := context.Background()
	today := time.Now()

	first, _ := s.BeginSale(ctx)
	second, _ := s.BeginSale(ctx)

	for _, tx := range []store.SaleTx{first, second} {
		if _, err := tx.FindSellableLots(ctx, "M", today); err != nil {
			t.Fatalf("find lots: %v", err)
		}
		if err := tx.DecrementLot(ctx, lot.ID, 10); err != nil {
			t.Fatalf("decrement: %v", err)
		}
	}

	if err := first.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := second.Commit(ctx); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second commit, got %v", err)
	}

	after, _ := s.GetLot(ctx, lot.ID)
	if after.QtyOnHand != 5 {
		t.Fatalf("expected qty 5 after one committed sale, got %d", after.QtyOnHand)
	}
}

func TestRollbackDiscardsStagedState(t *testing.T) {
	s, lot := newTestStore(t)
	ctx := context.Background()

	tx, _ := s.BeginSale(ctx)
	if err := tx.DecrementLot(ctx, lot.ID, 3); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := tx.InsertSale(ctx, domain.Sale{ID: "sale-1", Lines: []domain.SaleLine{{LotID: lot.ID, Quantity: 3}}}); err != nil {
		t.Fatalf("insert sale: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := tx.Commit(ctx); err == nil {
		t.Fatalf("expected commit after rollback to fail")
	}

	after, _ := s.GetLot(ctx, lot.ID)
	if after.QtyOnHand != 15 {
		t.Fatalf("expected qty 15 after rollback, got %d", after.QtyOnHand)
	}
	if _, err := s.FindSaleByID(ctx, "sale-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no sale after rollback, got %v", err)
	}
}

func TestCommitRejectsDuplicateIdempotencyKey(t *testing.T) {
	s, lot := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"sale-a", "sale-b"} {
		tx, _ := s.BeginSale(ctx)
		if err := tx.DecrementLot(ctx, lot.ID, 1); err != nil {
			t.Fatalf("decrement: %v", err)
		}
		if err := tx.InsertSale(ctx, domain.Sale{ID: id, IdempotencyKey: "idem-1", Lines: []domain.SaleLine{{LotID: lot.ID, Quantity: 1}}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		err := tx.Commit(ctx)
		if i == 0 && err != nil {
			t.Fatalf("first commit: %v", err)
		}
		if i == 1 && !errors.Is(err, store.ErrDuplicateSale) {
			t.Fatalf("expected duplicate sale, got %v", err)
		}
	}

	after, _ := s.GetLot(ctx, lot.ID)
	if after.QtyOnHand != 14 {
		t.Fatalf("expected qty 14, got %d", after.QtyOnHand)
	}
}

func TestListLotsKeepsEmptyLotsAsHistory(t *testing.T) {
	s, lot := newTestStore(t)
	ctx := context.Background()

	tx, _ := s.BeginSale(ctx)
	_ = tx.DecrementLot(ctx, lot.ID, 15)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	active, _ := s.ListLots(ctx, "M", false)
	if len(active) != 0 {
		t.Fatalf("expected no lots with stock, got %d", len(active))
	}
	all, _ := s.ListLots(ctx, "M", true)
	if len(all) != 1 || all[0].QtyOnHand != 0 {
		t.Fatalf("expected drained lot to remain, got %+v", all)
	}
}
