package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pharmacy/backend/internal/domain"
	"pharmacy/backend/internal/store"
)

func newIntegrationStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	databaseURL := os.Getenv("PHARMACY_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PHARMACY_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	stamp := time.Now().UnixNano()
	medicationID := fmt.Sprintf("MED-IT-%d", stamp)
	lotID := fmt.Sprintf("lot-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE lot_id = $1`, lotID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id LIKE $1`, fmt.Sprintf("sale-it-%d%%", stamp))
		_, _ = s.db.ExecContext(ctx, `DELETE FROM lots WHERE medication_id = $1`, medicationID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM medications WHERE id = $1`, medicationID)
	})

	if _, err := s.CreateMedication(ctx, domain.Medication{ID: medicationID, Name: "Integration", ListPrice: decimal.RequireFromString("3.10")}); err != nil {
		t.Fatalf("create medication: %v", err)
	}
	if _, err := s.CreateLot(ctx, domain.Lot{ID: lotID, MedicationID: medicationID, LotNumber: "IT-1", ExpiresOn: time.Now().AddDate(0, 2, 0), QtyOnHand: 15}); err != nil {
		t.Fatalf("create lot: %v", err)
	}
	return s, medicationID, lotID
}

func TestSellableLotsAreLockedUntilCommit(t *testing.T) {
	s, medicationID, lotID := newIntegrationStore(t)
	ctx := context.Background()
	today := time.Now()

	holder, err := s.BeginSale(ctx)
	if err != nil {
		t.Fatalf("begin holder: %v", err)
	}
	defer func() { _ = holder.Rollback(ctx) }()
	if _, err := holder.FindSellableLots(ctx, medicationID, today); err != nil {
		t.Fatalf("holder read: %v", err)
	}

	waiter, err := s.BeginSale(ctx)
	if err != nil {
		t.Fatalf("begin waiter: %v", err)
	}
	defer func() { _ = waiter.Rollback(ctx) }()

	_, err = waiter.FindSellableLots(ctx, medicationID, today)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected lock timeout to surface as conflict, got %v", err)
	}

	if err := holder.DecrementLot(ctx, lotID, 10); err != nil {
		t.Fatalf("holder decrement: %v", err)
	}
	if err := holder.Commit(ctx); err != nil {
		t.Fatalf("holder commit: %v", err)
	}

	lot, err := s.GetLot(ctx, lotID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if lot.QtyOnHand != 5 {
		t.Fatalf("expected qty 5, got %d", lot.QtyOnHand)
	}
}

func TestDecrementRefusesToOverdraw(t *testing.T) {
	s, _, lotID := newIntegrationStore(t)
	ctx := context.Background()

	tx, err := s.BeginSale(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.DecrementLot(ctx, lotID, 16); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestSaleRoundTripResolvesLots(t *testing.T) {
	s, medicationID, lotID := newIntegrationStore(t)
	ctx := context.Background()

	tx, err := s.BeginSale(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.DecrementLot(ctx, lotID, 2); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	sale := domain.Sale{
		ID:          fmt.Sprintf("sale-it-%s", lotID[len("lot-it-"):]),
		OperatorID:  "op-1",
		CreatedAt:   time.Now().UTC(),
		TotalAmount: decimal.RequireFromString("6.20"),
		Lines: []domain.SaleLine{{
			LineNo:    1,
			LotID:     lotID,
			Quantity:  2,
			UnitPrice: decimal.RequireFromString("3.10"),
		}},
	}
	if err := tx.InsertSale(ctx, sale); err != nil {
		t.Fatalf("insert sale: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	found, err := s.FindSaleByID(ctx, sale.ID)
	if err != nil {
		t.Fatalf("find sale: %v", err)
	}
	if len(found.Lines) != 1 || found.Lines[0].MedicationID != medicationID || found.Lines[0].LotNumber != "IT-1" {
		t.Fatalf("unexpected sale lines %+v", found.Lines)
	}
	if !found.TotalAmount.Equal(sale.TotalAmount) {
		t.Fatalf("expected total %s, got %s", sale.TotalAmount, found.TotalAmount)
	}
}
