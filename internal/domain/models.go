package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Medication is owned by the catalog; the sale engine only reads it.
type Medication struct {
	ID                   string          `json:"id" db:"id"`
	Name                 string          `json:"name" db:"name"`
	ListPrice            decimal.Decimal `json:"list_price" db:"list_price"`
	RequiresPrescription bool            `json:"requires_prescription" db:"requires_prescription"`
}

// Lot is a physical batch of one medication. Lots with QtyOnHand == 0 stay in
// the ledger as history.
type Lot struct {
	ID            string          `json:"id" db:"id"`
	MedicationID  string          `json:"medication_id" db:"medication_id"`
	LotNumber     string          `json:"lot_number" db:"lot_number"`
	ExpiresOn     time.Time       `json:"expires_on" db:"expires_on"`
	QtyOnHand     int             `json:"qty_on_hand" db:"qty_on_hand"`
	PurchasePrice decimal.Decimal `json:"purchase_price" db:"purchase_price"`
	Version       int64           `json:"version" db:"version"`
	ReceivedAt    time.Time       `json:"received_at" db:"received_at"`
}

// Sellable reports whether the lot may be allocated on the given calendar day.
func (l Lot) Sellable(today time.Time) bool {
	return l.QtyOnHand > 0 && !DateOf(l.ExpiresOn).Before(DateOf(today))
}

// BasketLine is one requested (medication, quantity) pair.
type BasketLine struct {
	MedicationID      string           `json:"medication_id"`
	Quantity          int              `json:"quantity"`
	UnitPriceOverride *decimal.Decimal `json:"unit_price_override,omitempty"`
}

type SaleRequest struct {
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	OperatorID     string       `json:"operator_id"`
	IsPrescription bool         `json:"is_prescription"`
	Lines          []BasketLine `json:"lines"`
}

// Allocation is one (lot, quantity taken) pair produced by FEFO allocation.
type Allocation struct {
	LotID     string    `json:"lot_id"`
	LotNumber string    `json:"lot_number"`
	ExpiresOn time.Time `json:"expires_on"`
	Quantity  int       `json:"quantity"`
}

// SaleLine draws from exactly one lot. RequestIndex points back at the basket
// line that produced it.
type SaleLine struct {
	LineNo         int             `json:"line_no" db:"line_no"`
	RequestIndex   int             `json:"request_index" db:"request_index"`
	LotID          string          `json:"lot_id" db:"lot_id"`
	LotNumber      string          `json:"lot_number" db:"lot_number"`
	MedicationID   string          `json:"medication_id" db:"medication_id"`
	ExpiresOn      time.Time       `json:"expires_on" db:"expires_on"`
	Quantity       int             `json:"quantity" db:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price" db:"unit_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount" db:"discount_amount"`
}

func (l SaleLine) GrossAmount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l SaleLine) NetAmount() decimal.Decimal {
	return l.GrossAmount().Sub(l.DiscountAmount)
}

type Sale struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	OperatorID     string          `json:"operator_id"`
	IsPrescription bool            `json:"is_prescription"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	CreatedAt      time.Time       `json:"created_at"`
	Lines          []SaleLine      `json:"lines"`
	Duplicate      bool            `json:"duplicate,omitempty"`
}

// RecomputeTotal derives TotalAmount from the lines. It must run after any
// change to Lines and before persistence.
func (s *Sale) RecomputeTotal() {
	total := decimal.Zero
	for _, line := range s.Lines {
		total = total.Add(line.NetAmount())
	}
	s.TotalAmount = total.Round(2)
}

type Actor struct {
	Username string
	Role     string
}

type PromoRule struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Type              string          `json:"type"`
	MedicationID      string          `json:"medication_id,omitempty"`
	MinQuantity       int             `json:"min_quantity"`
	DiscountPercent   decimal.Decimal `json:"discount_percent"`
	FlatPerUnitAmount decimal.Decimal `json:"flat_per_unit_amount"`
	Active            bool            `json:"active"`
}

type AuditLog struct {
	ID            string    `json:"id" db:"id"`
	ActorUsername string    `json:"actor_username" db:"actor_username"`
	ActorRole     string    `json:"actor_role" db:"actor_role"`
	Action        string    `json:"action" db:"action"`
	EntityType    string    `json:"entity_type" db:"entity_type"`
	EntityID      string    `json:"entity_id" db:"entity_id"`
	Detail        string    `json:"detail" db:"detail"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

const (
	PromoTypeLinePercent = "line_percent"
	PromoTypeFlatPerUnit = "flat_per_unit"
)

// DateOf returns the calendar date of t (as observed in t's location) as
// midnight UTC, so dates from different zones compare by calendar day.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
