package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pharmacy/backend/internal/cache"
	"pharmacy/backend/internal/domain"
	"pharmacy/backend/internal/fefo"
	"pharmacy/backend/internal/promotion"
	"pharmacy/backend/internal/store"
	"pharmacy/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// MaxAttempts bounds the number of transactional passes per sale.
	MaxAttempts int
	// RetryDelay is the first backoff interval after a conflict.
	RetryDelay time.Duration
	// Location decides which calendar day "today" is.
	Location *time.Location
	CacheTTL time.Duration
	Now      func() time.Time
}

type Service struct {
	repo        store.Repository
	medications cache.MedicationCache
	promotions  promotion.Calculator
	tracer      trace.Tracer

	maxAttempts int
	retryDelay  time.Duration
	location    *time.Location
	cacheTTL    time.Duration
	now         func() time.Time
}

func New(repo store.Repository, medications cache.MedicationCache, promotions promotion.Calculator, opts Options) *Service {
	if medications == nil {
		medications = cache.NoopMedicationCache{}
	}
	if promotions == nil {
		promotions = promotion.None{}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 4
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 25 * time.Millisecond
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:        repo,
		medications: medications,
		promotions:  promotions,
		tracer:      otel.Tracer("pharmacy/backend/internal/service"),
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		location:    opts.Location,
		cacheTTL:    opts.CacheTTL,
		now:         opts.Now,
	}
}

// pricedLine is a basket line after pre-validation: catalog resolved, unit
// price chosen and line discount fixed.
type pricedLine struct {
	index      int
	medication domain.Medication
	quantity   int
	unitPrice  decimal.Decimal
	discount   decimal.Decimal
}

// CreateSale converts a basket into lot decrements and one committed sale.
// Either every line is allocated and recorded or nothing changes. Failures are
// always *Error.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateSale")
	defer span.End()
	span.SetAttributes(
		attribute.Int("sale.lines", len(req.Lines)),
		attribute.Bool("sale.prescription", req.IsPrescription),
	)

	attempts := 0
	sale, err := s.createSale(ctx, req, &attempts)
	span.SetAttributes(attribute.Int("sale.attempts", attempts))
	if err != nil {
		span.SetAttributes(attribute.String("sale.outcome", string(KindOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Sale{}, err
	}
	span.SetAttributes(
		attribute.String("sale.id", sale.ID),
		attribute.Bool("sale.duplicate", sale.Duplicate),
		attribute.String("sale.outcome", "committed"),
	)
	return sale, nil
}

func (s *Service) createSale(ctx context.Context, req domain.SaleRequest, attempts *int) (domain.Sale, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.OperatorID = strings.TrimSpace(req.OperatorID)
	if req.OperatorID == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			req.OperatorID = strings.TrimSpace(actor.Username)
		}
	}
	if req.OperatorID == "" {
		return domain.Sale{}, validationError("operator is required", store.ErrInvalidTransaction)
	}
	if len(req.Lines) == 0 {
		return domain.Sale{}, validationError("basket is empty", store.ErrInvalidTransaction)
	}
	for i, line := range req.Lines {
		if strings.TrimSpace(line.MedicationID) == "" {
			return domain.Sale{}, validationError(fmt.Sprintf("line %d: medication is required", i+1), store.ErrInvalidTransaction)
		}
		if line.Quantity < 1 {
			return domain.Sale{}, &Error{Kind: KindValidation, MedicationID: line.MedicationID, Requested: line.Quantity, Msg: fmt.Sprintf("line %d: quantity must be positive", i+1), Err: store.ErrInvalidTransaction}
		}
		if line.UnitPriceOverride != nil && line.UnitPriceOverride.IsNegative() {
			return domain.Sale{}, &Error{Kind: KindValidation, MedicationID: line.MedicationID, Msg: fmt.Sprintf("line %d: unit price override must not be negative", i+1), Err: store.ErrInvalidTransaction}
		}
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey)
		if err == nil {
			existing.Duplicate = true
			return *existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, storageFault("lookup idempotency key", err)
		}
	}

	today := s.today()
	lines, err := s.prevalidate(ctx, req, today)
	if err != nil {
		return domain.Sale{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.MaxInterval = 20 * s.retryDelay

	sale, err := backoff.Retry(ctx, func() (domain.Sale, error) {
		*attempts++
		sale, err := s.recordSale(ctx, req, lines, today)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return domain.Sale{}, backoff.Permanent(err)
		}
		return sale, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Printf("[service] WARN: sale attempt %d conflicted, retrying in %s: %v", *attempts, wait, err)
		}),
	)
	if err != nil {
		return s.resolveFailure(ctx, req, err, *attempts)
	}

	s.logAudit(
		ctx,
		req.OperatorID,
		"sale_create",
		"sale",
		sale.ID,
		fmt.Sprintf("total=%s,lines=%d,prescription=%t,attempts=%d", sale.TotalAmount.StringFixed(2), len(sale.Lines), sale.IsPrescription, *attempts),
	)
	return sale, nil
}

// prevalidate resolves the catalog, checks prescriptions, prices each line and
// checks aggregate committed stock. It never opens a sale transaction.
func (s *Service) prevalidate(ctx context.Context, req domain.SaleRequest, today time.Time) ([]pricedLine, error) {
	lines := make([]pricedLine, 0, len(req.Lines))
	requested := make(map[string]int, len(req.Lines))
	order := make([]string, 0, len(req.Lines))

	for i, line := range req.Lines {
		medicationID := strings.TrimSpace(line.MedicationID)
		medication, err := s.medication(ctx, medicationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &Error{Kind: KindValidation, MedicationID: medicationID, Msg: fmt.Sprintf("line %d: unknown medication", i+1), Err: err}
			}
			return nil, storageFault("find medication "+medicationID, err)
		}
		if medication.RequiresPrescription && !req.IsPrescription {
			return nil, &Error{Kind: KindPrescriptionRequired, MedicationID: medicationID, Requested: line.Quantity}
		}

		unitPrice := medication.ListPrice
		if line.UnitPriceOverride != nil {
			unitPrice = *line.UnitPriceOverride
		}
		unitPrice = unitPrice.Round(2)

		gross := unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		discount, err := s.promotions.ComputeDiscount(ctx, medicationID, line.Quantity, unitPrice)
		if err != nil {
			return nil, storageFault("compute discount for "+medicationID, err)
		}

		lines = append(lines, pricedLine{
			index:      i,
			medication: *medication,
			quantity:   line.Quantity,
			unitPrice:  unitPrice,
			discount:   clampDiscount(discount, gross),
		})
		if _, seen := requested[medicationID]; !seen {
			order = append(order, medicationID)
		}
		requested[medicationID] += line.Quantity
	}

	for _, medicationID := range order {
		available, err := s.repo.SellableQuantity(ctx, medicationID, today)
		if err != nil {
			return nil, storageFault("sellable stock for "+medicationID, err)
		}
		if available < requested[medicationID] {
			return nil, stockInsufficient(medicationID, requested[medicationID], available)
		}
	}
	return lines, nil
}

// recordSale is one transactional pass. Any error rolls the pass back in full.
func (s *Service) recordSale(ctx context.Context, req domain.SaleRequest, lines []pricedLine, today time.Time) (domain.Sale, error) {
	tx, err := s.repo.BeginSale(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.Printf("[service] WARN: rollback failed: %v", rbErr)
		}
	}()

	sale := domain.Sale{
		ID:             xid.New("sale"),
		IdempotencyKey: req.IdempotencyKey,
		OperatorID:     req.OperatorID,
		IsPrescription: req.IsPrescription,
		CreatedAt:      s.now().UTC(),
		Lines:          make([]domain.SaleLine, 0, len(lines)),
	}

	for _, line := range lines {
		medicationID := line.medication.ID
		lots, err := tx.FindSellableLots(ctx, medicationID, today)
		if err != nil {
			return domain.Sale{}, err
		}
		allocations, err := fefo.Allocate(medicationID, line.quantity, lots, today)
		if err != nil {
			var deficit *fefo.DeficitError
			if errors.As(err, &deficit) {
				return domain.Sale{}, stockInsufficient(medicationID, deficit.Requested, deficit.Available)
			}
			return domain.Sale{}, err
		}

		discounts := splitDiscount(line.discount, line.unitPrice, allocations)
		for i, allocation := range allocations {
			if err := tx.DecrementLot(ctx, allocation.LotID, allocation.Quantity); err != nil {
				if errors.Is(err, store.ErrInsufficientStock) {
					// The lot moved after it was read; the next pass re-allocates.
					return domain.Sale{}, fmt.Errorf("%w: %v", store.ErrConflict, err)
				}
				return domain.Sale{}, err
			}
			sale.Lines = append(sale.Lines, domain.SaleLine{
				LineNo:         len(sale.Lines) + 1,
				RequestIndex:   line.index,
				LotID:          allocation.LotID,
				LotNumber:      allocation.LotNumber,
				MedicationID:   medicationID,
				ExpiresOn:      allocation.ExpiresOn,
				Quantity:       allocation.Quantity,
				UnitPrice:      line.unitPrice,
				DiscountAmount: discounts[i],
			})
		}
	}

	sale.RecomputeTotal()
	if err := tx.InsertSale(ctx, sale); err != nil {
		return domain.Sale{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			return domain.Sale{}, fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
		return domain.Sale{}, err
	}
	return sale, nil
}

// resolveFailure turns the last transactional error into a service error. A
// lost idempotency race returns the winning sale.
func (s *Service) resolveFailure(ctx context.Context, req domain.SaleRequest, err error, attempts int) (domain.Sale, error) {
	var svcErr *Error
	switch {
	case errors.As(err, &svcErr):
		return domain.Sale{}, svcErr
	case errors.Is(err, store.ErrDuplicateSale) && req.IdempotencyKey != "":
		existing, findErr := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey)
		if findErr != nil {
			return domain.Sale{}, storageFault("load sale for idempotency key", findErr)
		}
		existing.Duplicate = true
		return *existing, nil
	case errors.Is(err, store.ErrConflict):
		return domain.Sale{}, &Error{Kind: KindConcurrencyConflict, Msg: fmt.Sprintf("gave up after %d attempts", attempts), Err: err}
	default:
		return domain.Sale{}, storageFault("record sale", err)
	}
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Sale{}, store.ErrInvalidTransaction
	}
	sale, err := s.repo.FindSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// ListLots returns the lots of a medication in FEFO order, expired ones
// included. Drained lots are only listed when includeEmpty is set.
func (s *Service) ListLots(ctx context.Context, medicationID string, includeEmpty bool) ([]domain.Lot, error) {
	medicationID = strings.TrimSpace(medicationID)
	if medicationID == "" {
		return nil, store.ErrInvalidTransaction
	}
	return s.repo.ListLots(ctx, medicationID, includeEmpty)
}

// SellableStock is the quantity that could be sold today, from committed state.
func (s *Service) SellableStock(ctx context.Context, medicationID string) (int, error) {
	medicationID = strings.TrimSpace(medicationID)
	if medicationID == "" {
		return 0, store.ErrInvalidTransaction
	}
	return s.repo.SellableQuantity(ctx, medicationID, s.today())
}

func (s *Service) ListAuditLogs(ctx context.Context, entityID string) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, strings.TrimSpace(entityID))
}

func (s *Service) today() time.Time {
	return domain.DateOf(s.now().In(s.location))
}

// medication reads through the catalog cache. Cache failures only cost a
// repository read.
func (s *Service) medication(ctx context.Context, id string) (*domain.Medication, error) {
	cached, ok, err := s.medications.Get(ctx, id)
	if err != nil {
		log.Printf("[cache] WARN: medication %s read failed: %v", id, err)
	}
	if ok && err == nil {
		return cached, nil
	}

	medication, err := s.repo.FindMedication(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.medications.Set(ctx, medication, s.cacheTTL); err != nil {
		log.Printf("[cache] WARN: medication %s write failed: %v", id, err)
	}
	return medication, nil
}

func (s *Service) logAudit(ctx context.Context, operatorID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: operatorID, Role: "operator"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func clampDiscount(discount decimal.Decimal, gross decimal.Decimal) decimal.Decimal {
	if discount.IsNegative() {
		return decimal.Zero
	}
	if discount.GreaterThan(gross) {
		return gross
	}
	return discount.Round(2)
}

// splitDiscount spreads a line discount over its allocations in proportion to
// quantity. The last allocation takes the rounding remainder, and no share
// exceeds its own gross amount.
func splitDiscount(total decimal.Decimal, unitPrice decimal.Decimal, allocations []domain.Allocation) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(allocations))
	if len(allocations) == 0 || !total.IsPositive() {
		for i := range shares {
			shares[i] = decimal.Zero
		}
		return shares
	}

	quantity := 0
	for _, a := range allocations {
		quantity += a.Quantity
	}
	whole := decimal.NewFromInt(int64(quantity))
	gross := func(i int) decimal.Decimal {
		return unitPrice.Mul(decimal.NewFromInt(int64(allocations[i].Quantity)))
	}

	last := len(allocations) - 1
	assigned := decimal.Zero
	for i := 0; i < last; i++ {
		share := total.Mul(decimal.NewFromInt(int64(allocations[i].Quantity))).Div(whole).Truncate(2)
		shares[i] = decimal.Min(share, gross(i))
		assigned = assigned.Add(shares[i])
	}
	shares[last] = total.Sub(assigned)

	if excess := shares[last].Sub(gross(last)); excess.IsPositive() {
		shares[last] = gross(last)
		for i := last - 1; i >= 0 && excess.IsPositive(); i-- {
			take := decimal.Min(gross(i).Sub(shares[i]), excess)
			shares[i] = shares[i].Add(take)
			excess = excess.Sub(take)
		}
	}
	return shares
}
