package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pharmacy/backend/internal/domain"
	"pharmacy/backend/internal/fefo"
	"pharmacy/backend/internal/store"
	"pharmacy/backend/internal/xid"
)

// Store keeps the lot and sale ledgers in process. Sale transactions are
// optimistic: they stage decrements privately and validate the version of
// every decremented lot at commit.
type Store struct {
	mu               sync.RWMutex
	medications      map[string]domain.Medication
	lots             map[string]domain.Lot
	lotsByMedication map[string][]string
	salesByID        map[string]*domain.Sale
	salesByIdem      map[string]string
	auditLogs        []domain.AuditLog
}

func New() *Store {
	return &Store{
		medications:      make(map[string]domain.Medication),
		lots:             make(map[string]domain.Lot),
		lotsByMedication: make(map[string][]string),
		salesByID:        make(map[string]*domain.Sale),
		salesByIdem:      make(map[string]string),
		auditLogs:        make([]domain.AuditLog, 0, 128),
	}
}

// NewSeeded returns a store with a small demo catalog and lots whose
// expiration dates are relative to now.
func NewSeeded() *Store {
	s := New()
	today := domain.DateOf(time.Now())

	medications := []domain.Medication{
		{ID: "MED-PARA-500", Name: "Paracetamol 500mg", ListPrice: decimal.RequireFromString("1.50")},
		{ID: "MED-IBU-400", Name: "Ibuprofen 400mg", ListPrice: decimal.RequireFromString("2.35")},
		{ID: "MED-AMOX-500", Name: "Amoxicillin 500mg", ListPrice: decimal.RequireFromString("4.20"), RequiresPrescription: true},
		{ID: "MED-ORS-01", Name: "Oral Rehydration Salts", ListPrice: decimal.RequireFromString("0.80")},
	}
	for _, m := range medications {
		s.medications[m.ID] = m
	}

	seedLots := []struct {
		medicationID string
		lotNumber    string
		days         int
		qty          int
		cost         string
	}{
		{"MED-PARA-500", "PA-2401", 10, 5, "0.90"},
		{"MED-PARA-500", "PA-2407", 40, 20, "0.85"},
		{"MED-PARA-500", "PA-2311", -1, 50, "0.95"},
		{"MED-IBU-400", "IB-2405", 120, 60, "1.40"},
		{"MED-AMOX-500", "AM-2402", 5, 3, "2.80"},
		{"MED-AMOX-500", "AM-2409", 200, 30, "2.75"},
		{"MED-ORS-01", "OR-2406", 365, 100, "0.35"},
	}
	for _, seed := range seedLots {
		lot := domain.Lot{
			ID:            xid.New("lot"),
			MedicationID:  seed.medicationID,
			LotNumber:     seed.lotNumber,
			ExpiresOn:     today.AddDate(0, 0, seed.days),
			QtyOnHand:     seed.qty,
			PurchasePrice: decimal.RequireFromString(seed.cost),
			Version:       1,
			ReceivedAt:    time.Now().UTC(),
		}
		s.lots[lot.ID] = lot
		s.lotsByMedication[lot.MedicationID] = append(s.lotsByMedication[lot.MedicationID], lot.ID)
	}

	return s
}

func (s *Store) FindMedication(_ context.Context, id string) (*domain.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.medications[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (s *Store) CreateMedication(_ context.Context, medication domain.Medication) (*domain.Medication, error) {
	medication.ID = strings.TrimSpace(medication.ID)
	if medication.ID == "" || medication.ListPrice.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.medications[medication.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.medications[medication.ID] = medication
	created := medication
	return &created, nil
}

func (s *Store) CreateLot(_ context.Context, lot domain.Lot) (*domain.Lot, error) {
	if strings.TrimSpace(lot.MedicationID) == "" || lot.QtyOnHand < 0 || lot.ExpiresOn.IsZero() {
		return nil, store.ErrInvalidTransaction
	}
	if lot.ID == "" {
		lot.ID = xid.New("lot")
	}
	lot.LotNumber = strings.TrimSpace(lot.LotNumber)
	if lot.LotNumber == "" {
		lot.LotNumber = "MANUAL-" + lot.ID
	}
	if lot.ReceivedAt.IsZero() {
		lot.ReceivedAt = time.Now().UTC()
	}
	lot.ExpiresOn = domain.DateOf(lot.ExpiresOn)
	lot.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.medications[lot.MedicationID]; !ok {
		return nil, fmt.Errorf("medication %s: %w", lot.MedicationID, store.ErrNotFound)
	}
	if _, exists := s.lots[lot.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.lots[lot.ID] = lot
	s.lotsByMedication[lot.MedicationID] = append(s.lotsByMedication[lot.MedicationID], lot.ID)
	created := lot
	return &created, nil
}

func (s *Store) GetLot(_ context.Context, id string) (*domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lot, ok := s.lots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &lot, nil
}

func (s *Store) ListLots(_ context.Context, medicationID string, includeEmpty bool) ([]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lots := make([]domain.Lot, 0, len(s.lotsByMedication[medicationID]))
	for _, id := range s.lotsByMedication[medicationID] {
		lot := s.lots[id]
		if !includeEmpty && lot.QtyOnHand < 1 {
			continue
		}
		lots = append(lots, lot)
	}
	slices.SortFunc(lots, fefo.Compare)
	return lots, nil
}

func (s *Store) SellableQuantity(_ context.Context, medicationID string, today time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fefo.Available(medicationID, s.lotsOf(medicationID), today), nil
}

func (s *Store) BeginSale(ctx context.Context) (store.SaleTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &saleTx{
		s:      s,
		seen:   make(map[string]int64),
		staged: make(map[string]int),
	}, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.salesByID[id]), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityID string) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, 8)
	for _, entry := range s.auditLogs {
		if entityID == "" || entry.EntityID == entityID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// lotsOf must be called with s.mu held.
func (s *Store) lotsOf(medicationID string) []domain.Lot {
	ids := s.lotsByMedication[medicationID]
	lots := make([]domain.Lot, 0, len(ids))
	for _, id := range ids {
		lots = append(lots, s.lots[id])
	}
	return lots
}

type saleTx struct {
	s      *Store
	seen   map[string]int64
	staged map[string]int
	sale   *domain.Sale
	done   bool
}

func (t *saleTx) FindSellableLots(ctx context.Context, medicationID string, today time.Time) ([]domain.Lot, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	t.s.mu.RLock()
	lots := t.s.lotsOf(medicationID)
	t.s.mu.RUnlock()

	for i := range lots {
		if err := t.observe(lots[i]); err != nil {
			return nil, err
		}
		lots[i].QtyOnHand -= t.staged[lots[i].ID]
	}
	return fefo.Sellable(medicationID, lots, today), nil
}

func (t *saleTx) DecrementLot(ctx context.Context, lotID string, amount int) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if amount < 1 {
		return store.ErrInvalidTransaction
	}

	t.s.mu.RLock()
	lot, ok := t.s.lots[lotID]
	t.s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	if err := t.observe(lot); err != nil {
		return err
	}
	if amount > lot.QtyOnHand-t.staged[lotID] {
		return fmt.Errorf("lot %s: %w", lotID, store.ErrInsufficientStock)
	}
	t.staged[lotID] += amount
	return nil
}

func (t *saleTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if sale.ID == "" || len(sale.Lines) == 0 {
		return store.ErrInvalidTransaction
	}
	t.sale = cloneSale(&sale)
	return nil
}

func (t *saleTx) Commit(ctx context.Context) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for lotID, amount := range t.staged {
		current := s.lots[lotID]
		if current.Version != t.seen[lotID] {
			return fmt.Errorf("lot %s changed since read: %w", lotID, store.ErrConflict)
		}
		if current.QtyOnHand < amount {
			return fmt.Errorf("lot %s: %w", lotID, store.ErrInsufficientStock)
		}
	}
	if t.sale != nil {
		if _, exists := s.salesByID[t.sale.ID]; exists {
			return store.ErrInvalidTransaction
		}
		if t.sale.IdempotencyKey != "" {
			if _, exists := s.salesByIdem[t.sale.IdempotencyKey]; exists {
				return store.ErrDuplicateSale
			}
		}
	}

	for lotID, amount := range t.staged {
		lot := s.lots[lotID]
		lot.QtyOnHand -= amount
		lot.Version++
		s.lots[lotID] = lot
	}
	if t.sale != nil {
		s.salesByID[t.sale.ID] = t.sale
		if t.sale.IdempotencyKey != "" {
			s.salesByIdem[t.sale.IdempotencyKey] = t.sale.ID
		}
	}
	t.done = true
	return nil
}

func (t *saleTx) Rollback(_ context.Context) error {
	t.done = true
	t.staged = nil
	t.sale = nil
	return nil
}

func (t *saleTx) check(ctx context.Context) error {
	if t.done {
		return store.ErrInvalidTransaction
	}
	return ctx.Err()
}

// observe records the version of a lot at first touch and fails once another
// transaction has committed a change to it.
func (t *saleTx) observe(lot domain.Lot) error {
	version, ok := t.seen[lot.ID]
	if !ok {
		t.seen[lot.ID] = lot.Version
		return nil
	}
	if version != lot.Version {
		return fmt.Errorf("lot %s changed since read: %w", lot.ID, store.ErrConflict)
	}
	return nil
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Lines = make([]domain.SaleLine, len(src.Lines))
	copy(dup.Lines, src.Lines)
	return &dup
}
