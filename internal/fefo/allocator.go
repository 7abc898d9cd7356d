// Package fefo selects inventory lots for a requested quantity, drawing from
// the soonest-to-expire sellable lot first.
package fefo

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"pharmacy/backend/internal/domain"
)

// DeficitError reports that the sellable lots of a medication cannot cover a
// request. No partial allocation is returned alongside it.
type DeficitError struct {
	MedicationID string
	Requested    int
	Available    int
}

func (e *DeficitError) Error() string {
	return fmt.Sprintf("medication %s: requested %d, sellable %d, short by %d", e.MedicationID, e.Requested, e.Available, e.Shortfall())
}

func (e *DeficitError) Shortfall() int {
	return e.Requested - e.Available
}

// Allocate walks the sellable lots of medicationID in FEFO order and takes
// min(onHand, remaining) from each until quantity is covered. Lots belonging to
// other medications are ignored. The input slice is not modified.
func Allocate(medicationID string, quantity int, lots []domain.Lot, today time.Time) ([]domain.Allocation, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	sellable := Sellable(medicationID, lots, today)

	remaining := quantity
	allocations := make([]domain.Allocation, 0, 2)
	for _, lot := range sellable {
		if remaining == 0 {
			break
		}
		used := min(lot.QtyOnHand, remaining)
		allocations = append(allocations, domain.Allocation{
			LotID:     lot.ID,
			LotNumber: lot.LotNumber,
			ExpiresOn: lot.ExpiresOn,
			Quantity:  used,
		})
		remaining -= used
	}
	if remaining > 0 {
		return nil, &DeficitError{
			MedicationID: medicationID,
			Requested:    quantity,
			Available:    quantity - remaining,
		}
	}
	return allocations, nil
}

// Sellable filters lots to the sellable ones of medicationID and returns them
// sorted by expiration date ascending, ties broken by lot id.
func Sellable(medicationID string, lots []domain.Lot, today time.Time) []domain.Lot {
	out := make([]domain.Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.MedicationID != medicationID || !lot.Sellable(today) {
			continue
		}
		out = append(out, lot)
	}
	slices.SortFunc(out, Compare)
	return out
}

// Available sums the sellable quantity of medicationID.
func Available(medicationID string, lots []domain.Lot, today time.Time) int {
	total := 0
	for _, lot := range lots {
		if lot.MedicationID == medicationID && lot.Sellable(today) {
			total += lot.QtyOnHand
		}
	}
	return total
}

// Compare orders lots by expiration date, then id.
func Compare(a domain.Lot, b domain.Lot) int {
	if c := domain.DateOf(a.ExpiresOn).Compare(domain.DateOf(b.ExpiresOn)); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
