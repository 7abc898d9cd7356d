package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmacy/backend/internal/domain"
	"pharmacy/backend/internal/fefo"
	"pharmacy/backend/internal/store"
	"pharmacy/backend/internal/xid"
)

//go:embed schema.sql
var schema string

// Store is the PostgreSQL lot and sale ledger. Sale transactions lock every
// lot they read with SELECT ... FOR UPDATE; lock waits are bounded by a
// transaction-local lock_timeout and surface as store.ErrConflict.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func New(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables. It never alters existing ones.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) FindMedication(ctx context.Context, id string) (*domain.Medication, error) {
	var m domain.Medication
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, list_price, requires_prescription
		FROM medications
		WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.ListPrice, &m.RequiresPrescription)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) CreateMedication(ctx context.Context, medication domain.Medication) (*domain.Medication, error) {
	medication.ID = strings.TrimSpace(medication.ID)
	if medication.ID == "" || medication.ListPrice.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO medications (id, name, list_price, requires_prescription)
		VALUES ($1,$2,$3,$4)
	`, medication.ID, medication.Name, medication.ListPrice, medication.RequiresPrescription)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	created := medication
	return &created, nil
}

func (s *Store) CreateLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lots (id, medication_id, lot_number, expires_on, qty_on_hand, purchase_price, version, received_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, lot.ID, lot.MedicationID, lot.LotNumber, lot.ExpiresOn, lot.QtyOnHand, lot.PurchasePrice, lot.Version, lot.ReceivedAt)
	if err != nil {
		switch {
		case hasCode(err, codeUniqueViolation):
			return nil, store.ErrInvalidTransaction
		case hasCode(err, codeForeignKeyViolation):
			return nil, fmt.Errorf("medication %s: %w", lot.MedicationID, store.ErrNotFound)
		}
		return nil, err
	}
	created := lot
	return &created, nil
}

func (s *Store) GetLot(ctx context.Context, id string) (*domain.Lot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE id = $1
	`, id)
	lot, err := scanLot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &lot, nil
}

func (s *Store) ListLots(ctx context.Context, medicationID string, includeEmpty bool) ([]domain.Lot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE medication_id = $1 AND ($2 OR qty_on_hand > 0)
		ORDER BY expires_on ASC, id ASC
	`, medicationID, includeEmpty)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (s *Store) SellableQuantity(ctx context.Context, medicationID string, today time.Time) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty_on_hand), 0)
		FROM lots
		WHERE medication_id = $1 AND qty_on_hand > 0 AND expires_on >= $2
	`, medicationID, domain.DateOf(today)).Scan(&qty)
	if err != nil {
		return 0, err
	}
	return qty, nil
}

func (s *Store) BeginSale(ctx context.Context) (store.SaleTx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		_ = tx.Rollback()
		return nil, classify(err)
	}
	return &saleTx{tx: tx}, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	var sale domain.Sale
	var idem sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, idempotency_key, operator_id, is_prescription, total_amount, created_at
		FROM sales
		WHERE %s = $1
	`, column), value).Scan(&sale.ID, &idem, &sale.OperatorID, &sale.IsPrescription, &sale.TotalAmount, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.IdempotencyKey = idem.String
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT sl.line_no, sl.request_index, sl.lot_id, l.lot_number, l.medication_id, l.expires_on,
			sl.quantity, sl.unit_price, sl.discount_amount
		FROM sale_lines sl
		JOIN lots l ON l.id = sl.lot_id
		WHERE sl.sale_id = $1
		ORDER BY sl.line_no
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.LineNo, &line.RequestIndex, &line.LotID, &line.LotNumber, &line.MedicationID, &line.ExpiresOn,
			&line.Quantity, &line.UnitPrice, &line.DiscountAmount); err != nil {
			return nil, err
		}
		line.ExpiresOn = domain.DateOf(line.ExpiresOn.UTC())
		sale.Lines = append(sale.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, entityID string) ([]domain.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR entity_id = $1)
		ORDER BY created_at ASC
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 8)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

type saleTx struct {
	tx   *sql.Tx
	done bool
}

func (t *saleTx) FindSellableLots(ctx context.Context, medicationID string, today time.Time) ([]domain.Lot, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE medication_id = $1 AND qty_on_hand > 0 AND expires_on >= $2
		ORDER BY expires_on ASC, id ASC
		FOR UPDATE
	`, medicationID, domain.DateOf(today))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	lots, err := scanLots(rows)
	if err != nil {
		return nil, classify(err)
	}
	return fefo.Sellable(medicationID, lots, today), nil
}

func (t *saleTx) DecrementLot(ctx context.Context, lotID string, amount int) error {
	if amount < 1 {
		return store.ErrInvalidTransaction
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE lots
		SET qty_on_hand = qty_on_hand - $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND qty_on_hand >= $1
	`, amount, lotID)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE id = $1)`, lotID).Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return fmt.Errorf("lot %s: %w", lotID, store.ErrInsufficientStock)
}

func (t *saleTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" || len(sale.Lines) == 0 {
		return store.ErrInvalidTransaction
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (id, idempotency_key, operator_id, is_prescription, total_amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sale.ID, nullIfEmpty(sale.IdempotencyKey), sale.OperatorID, sale.IsPrescription, sale.TotalAmount, sale.CreatedAt)
	if err != nil {
		if hasCode(err, codeUniqueViolation) && sale.IdempotencyKey != "" {
			return store.ErrDuplicateSale
		}
		return classify(err)
	}

	for _, line := range sale.Lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, request_index, lot_id, quantity, unit_price, discount_amount)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.ID, line.LineNo, line.RequestIndex, line.LotID, line.Quantity, line.UnitPrice, line.DiscountAmount)
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (t *saleTx) Commit(_ context.Context) error {
	if t.done {
		return store.ErrInvalidTransaction
	}
	t.done = true
	return classify(t.tx.Commit())
}

func (t *saleTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

const lotColumns = `id, medication_id, lot_number, expires_on, qty_on_hand, purchase_price, version, received_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLot(row rowScanner) (domain.Lot, error) {
	var lot domain.Lot
	if err := row.Scan(&lot.ID, &lot.MedicationID, &lot.LotNumber, &lot.ExpiresOn, &lot.QtyOnHand, &lot.PurchasePrice, &lot.Version, &lot.ReceivedAt); err != nil {
		return domain.Lot{}, err
	}
	lot.ExpiresOn = domain.DateOf(lot.ExpiresOn.UTC())
	lot.ReceivedAt = lot.ReceivedAt.UTC()
	return lot, nil
}

func scanLots(rows *sql.Rows) ([]domain.Lot, error) {
	lots := make([]domain.Lot, 0, 8)
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
	codeLockNotAvailable    = "55P03"
)

// classify maps lock-wait timeouts, deadlocks and serialization failures to
// store.ErrConflict. Other errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeSerialization, codeDeadlock:
			return fmt.Errorf("%w: %s (%s)", store.ErrConflict, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
