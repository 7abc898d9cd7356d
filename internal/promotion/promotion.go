// Package promotion computes per-line discounts for a sale.
package promotion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"pharmacy/backend/internal/domain"
)

var ErrInvalidRule = errors.New("invalid promotion rule")

// Calculator returns the discount for one basket line. Callers clamp the
// result to [0, quantity*unitPrice].
type Calculator interface {
	ComputeDiscount(ctx context.Context, medicationID string, quantity int, unitPrice decimal.Decimal) (decimal.Decimal, error)
}

// None never discounts.
type None struct{}

func (None) ComputeDiscount(_ context.Context, _ string, _ int, _ decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// Rules applies the single best active rule to a line.
type Rules struct {
	rules []domain.PromoRule
}

func NewRules(rules []domain.PromoRule) (*Rules, error) {
	kept := make([]domain.PromoRule, 0, len(rules))
	for _, rule := range rules {
		rule.Name = strings.TrimSpace(rule.Name)
		rule.Type = strings.TrimSpace(rule.Type)
		rule.MedicationID = strings.TrimSpace(rule.MedicationID)
		if err := ValidateRule(rule); err != nil {
			return nil, err
		}
		kept = append(kept, rule)
	}
	return &Rules{rules: kept}, nil
}

// LoadRules reads a JSON array of rules from path.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read promotions: %w", err)
	}
	var rules []domain.PromoRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode promotions: %w", err)
	}
	return NewRules(rules)
}

func ValidateRule(rule domain.PromoRule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if rule.MinQuantity < 0 {
		return fmt.Errorf("%w: %s: negative min_quantity", ErrInvalidRule, rule.Name)
	}
	switch rule.Type {
	case domain.PromoTypeLinePercent:
		if !rule.DiscountPercent.IsPositive() || rule.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: %s: discount_percent must be in (0, 100]", ErrInvalidRule, rule.Name)
		}
	case domain.PromoTypeFlatPerUnit:
		if !rule.FlatPerUnitAmount.IsPositive() {
			return fmt.Errorf("%w: %s: flat_per_unit_amount must be positive", ErrInvalidRule, rule.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidRule, rule.Name, rule.Type)
	}
	return nil
}

func (r *Rules) ComputeDiscount(_ context.Context, medicationID string, quantity int, unitPrice decimal.Decimal) (decimal.Decimal, error) {
	if quantity < 1 || !unitPrice.IsPositive() {
		return decimal.Zero, nil
	}
	gross := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))

	best := decimal.Zero
	for _, rule := range r.rules {
		if !rule.Active || quantity < rule.MinQuantity {
			continue
		}
		if rule.MedicationID != "" && rule.MedicationID != medicationID {
			continue
		}

		discount := decimal.Zero
		switch rule.Type {
		case domain.PromoTypeLinePercent:
			discount = gross.Mul(rule.DiscountPercent).Div(decimal.NewFromInt(100))
		case domain.PromoTypeFlatPerUnit:
			discount = rule.FlatPerUnitAmount.Mul(decimal.NewFromInt(int64(quantity)))
		}

		if discount.GreaterThan(best) {
			best = discount
		}
	}
	if best.GreaterThan(gross) {
		return gross, nil
	}
	return best.Round(2), nil
}
