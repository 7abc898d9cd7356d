package cache

import (
	"context"
	"time"

	"pharmacy/backend/internal/domain"
)

// MedicationCache fronts catalog reads. Lot state is never cached.
type MedicationCache interface {
	Get(ctx context.Context, medicationID string) (*domain.Medication, bool, error)
	Set(ctx context.Context, medication *domain.Medication, ttl time.Duration) error
}

type NoopMedicationCache struct{}

func (NoopMedicationCache) Get(_ context.Context, _ string) (*domain.Medication, bool, error) {
	return nil, false, nil
}

func (NoopMedicationCache) Set(_ context.Context, _ *domain.Medication, _ time.Duration) error {
	return nil
}

func medicationKey(medicationID string) string {
	return "pharmacy:medication:" + medicationID
}
