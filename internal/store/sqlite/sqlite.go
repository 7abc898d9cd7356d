// Package sqlite is the single-site lot and sale ledger backed by an embedded
// SQLite file.
//
// Sale transactions are optimistic. Every lot carries a version that is
// recorded at first read; DecrementLot only applies when the version is
// unchanged and the lot still holds enough stock. A stale version, a stale
// WAL snapshot (SQLITE_BUSY_SNAPSHOT) or an exhausted busy timeout all surface
// as store.ErrConflict so the caller can rerun the whole sale.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pharmacy/backend/internal/domain"
	"pharmacy/backend/internal/fefo"
	"pharmacy/backend/internal/store"
	"pharmacy/backend/internal/xid"
)

const dateLayout = "2006-01-02"

type Store struct {
	db *sqlx.DB
}

// New opens (creating if needed) the database at path in WAL mode.
func New(path string, busyTimeout time.Duration) (*Store, error) {
	if busyTimeout <= 0 {
		busyTimeout = 3 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)", path, busyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS medications (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		list_price TEXT NOT NULL,
		requires_prescription INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		medication_id TEXT NOT NULL REFERENCES medications(id),
		lot_number TEXT NOT NULL,
		expires_on TEXT NOT NULL,
		qty_on_hand INTEGER NOT NULL CHECK (qty_on_hand >= 0),
		purchase_price TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		received_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lots_medication_fefo ON lots(medication_id, expires_on, id);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		operator_id TEXT NOT NULL,
		is_prescription INTEGER NOT NULL,
		total_amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sale_lines (
		sale_id TEXT NOT NULL REFERENCES sales(id),
		line_no INTEGER NOT NULL,
		request_index INTEGER NOT NULL,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		discount_amount TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (sale_id, line_no)
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		actor_username TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_entity ON audit_logs(entity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) FindMedication(ctx context.Context, id string) (*domain.Medication, error) {
	var m domain.Medication
	err := s.db.GetContext(ctx, &m, `
		SELECT id, name, list_price, requires_prescription
		FROM medications
		WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	return &m, nil
}

func (s *Store) CreateMedication(ctx context.Context, medication domain.Medication) (*domain.Medication, error) {
	medication.ID = strings.TrimSpace(medication.ID)
	if medication.ID == "" || medication.ListPrice.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO medications (id, name, list_price, requires_prescription)
		VALUES (:id, :name, :list_price, :requires_prescription)
	`, medication)
	if err != nil {
		if isConstraint(err, "UNIQUE") {
			return nil, store.ErrInvalidTransaction
		}
		return nil, classify(err)
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

	row := toLotRow(lot)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO lots (id, medication_id, lot_number, expires_on, qty_on_hand, purchase_price, version, received_at, updated_at)
		VALUES (:id, :medication_id, :lot_number, :expires_on, :qty_on_hand, :purchase_price, :version, :received_at, :received_at)
	`, row)
	if err != nil {
		switch {
		case isConstraint(err, "UNIQUE"):
			return nil, store.ErrInvalidTransaction
		case isConstraint(err, "FOREIGN KEY"):
			return nil, fmt.Errorf("medication %s: %w", lot.MedicationID, store.ErrNotFound)
		}
		return nil, classify(err)
	}
	created := lot
	return &created, nil
}

func (s *Store) GetLot(ctx context.Context, id string) (*domain.Lot, error) {
	var row lotRow
	err := s.db.GetContext(ctx, &row, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	lot, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func (s *Store) ListLots(ctx context.Context, medicationID string, includeEmpty bool) ([]domain.Lot, error) {
	var rows []lotRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE medication_id = ? AND (? OR qty_on_hand > 0)
		ORDER BY expires_on ASC, id ASC
	`, medicationID, includeEmpty)
	if err != nil {
		return nil, classify(err)
	}
	return toLots(rows)
}

func (s *Store) SellableQuantity(ctx context.Context, medicationID string, today time.Time) (int, error) {
	var qty int
	err := s.db.GetContext(ctx, &qty, `
		SELECT COALESCE(SUM(qty_on_hand), 0)
		FROM lots
		WHERE medication_id = ? AND qty_on_hand > 0 AND expires_on >= ?
	`, medicationID, formatDate(today))
	if err != nil {
		return 0, classify(err)
	}
	return qty, nil
}

func (s *Store) BeginSale(ctx context.Context) (store.SaleTx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &saleTx{tx: tx, seen: make(map[string]int64)}, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	var header saleRow
	err := s.db.GetContext(ctx, &header, fmt.Sprintf(`
		SELECT id, idempotency_key, operator_id, is_prescription, total_amount, created_at
		FROM sales
		WHERE %s = ?
	`, column), value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}

	var lines []saleLineRow
	err = s.db.SelectContext(ctx, &lines, `
		SELECT sl.line_no, sl.request_index, sl.lot_id, l.lot_number, l.medication_id, l.expires_on,
			sl.quantity, sl.unit_price, sl.discount_amount
		FROM sale_lines sl
		JOIN lots l ON l.id = sl.lot_id
		WHERE sl.sale_id = ?
		ORDER BY sl.line_no
	`, header.ID)
	if err != nil {
		return nil, classify(err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, header.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("sale %s created_at: %w", header.ID, err)
	}
	sale := &domain.Sale{
		ID:             header.ID,
		IdempotencyKey: header.IdempotencyKey.String,
		OperatorID:     header.OperatorID,
		IsPrescription: header.IsPrescription,
		TotalAmount:    header.TotalAmount,
		CreatedAt:      createdAt.UTC(),
		Lines:          make([]domain.SaleLine, 0, len(lines)),
	}
	for _, row := range lines {
		expires, err := time.Parse(dateLayout, row.ExpiresOn)
		if err != nil {
			return nil, fmt.Errorf("lot %s expires_on: %w", row.LotID, err)
		}
		sale.Lines = append(sale.Lines, domain.SaleLine{
			LineNo:         row.LineNo,
			RequestIndex:   row.RequestIndex,
			LotID:          row.LotID,
			LotNumber:      row.LotNumber,
			MedicationID:   row.MedicationID,
			ExpiresOn:      expires,
			Quantity:       row.Quantity,
			UnitPrice:      row.UnitPrice,
			DiscountAmount: row.DiscountAmount,
		})
	}
	return sale, nil
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	return classify(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, entityID string) ([]domain.AuditLog, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE (? = '' OR entity_id = ?)
		ORDER BY created_at ASC
	`, entityID, entityID)
	if err != nil {
		return nil, classify(err)
	}

	logs := make([]domain.AuditLog, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("audit %s created_at: %w", row.ID, err)
		}
		logs = append(logs, domain.AuditLog{
			ID:            row.ID,
			ActorUsername: row.ActorUsername,
			ActorRole:     row.ActorRole,
			Action:        row.Action,
			EntityType:    row.EntityType,
			EntityID:      row.EntityID,
			Detail:        row.Detail,
			CreatedAt:     createdAt,
		})
	}
	return logs, nil
}

type saleTx struct {
	tx   *sqlx.Tx
	seen map[string]int64
	done bool
}

func (t *saleTx) FindSellableLots(ctx context.Context, medicationID string, today time.Time) ([]domain.Lot, error) {
	var rows []lotRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE medication_id = ? AND qty_on_hand > 0 AND expires_on >= ?
		ORDER BY expires_on ASC, id ASC
	`, medicationID, formatDate(today))
	if err != nil {
		return nil, classify(err)
	}
	lots, err := toLots(rows)
	if err != nil {
		return nil, err
	}
	for _, lot := range lots {
		if version, ok := t.seen[lot.ID]; ok && version != lot.Version {
			return nil, fmt.Errorf("lot %s changed since read: %w", lot.ID, store.ErrConflict)
		}
		t.seen[lot.ID] = lot.Version
	}
	return fefo.Sellable(medicationID, lots, today), nil
}

func (t *saleTx) DecrementLot(ctx context.Context, lotID string, amount int) error {
	if amount < 1 {
		return store.ErrInvalidTransaction
	}
	version, ok := t.seen[lotID]
	if !ok {
		if err := t.tx.GetContext(ctx, &version, `SELECT version FROM lots WHERE id = ?`, lotID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return classify(err)
		}
		t.seen[lotID] = version
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE lots
		SET qty_on_hand = qty_on_hand - ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND qty_on_hand >= ?
	`, amount, time.Now().UTC().Format(time.RFC3339Nano), lotID, version, amount)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 1 {
		t.seen[lotID] = version + 1
		return nil
	}

	var current struct {
		QtyOnHand int   `db:"qty_on_hand"`
		Version   int64 `db:"version"`
	}
	if err := t.tx.GetContext(ctx, &current, `SELECT qty_on_hand, version FROM lots WHERE id = ?`, lotID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return classify(err)
	}
	if current.Version != version {
		return fmt.Errorf("lot %s changed since read: %w", lotID, store.ErrConflict)
	}
	return fmt.Errorf("lot %s: %w", lotID, store.ErrInsufficientStock)
}

func (t *saleTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" || len(sale.Lines) == 0 {
		return store.ErrInvalidTransaction
	}

	var idem any
	if sale.IdempotencyKey != "" {
		idem = sale.IdempotencyKey
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (id, idempotency_key, operator_id, is_prescription, total_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sale.ID, idem, sale.OperatorID, sale.IsPrescription, sale.TotalAmount, sale.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if sale.IdempotencyKey != "" && isConstraint(err, "sales.idempotency_key") {
			return store.ErrDuplicateSale
		}
		return classify(err)
	}

	for _, line := range sale.Lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, request_index, lot_id, quantity, unit_price, discount_amount)
			VALUES (?, ?, ?, ?, ?, ?, ?)
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

type lotRow struct {
	ID            string          `db:"id"`
	MedicationID  string          `db:"medication_id"`
	LotNumber     string          `db:"lot_number"`
	ExpiresOn     string          `db:"expires_on"`
	QtyOnHand     int             `db:"qty_on_hand"`
	PurchasePrice decimal.Decimal `db:"purchase_price"`
	Version       int64           `db:"version"`
	ReceivedAt    string          `db:"received_at"`
}

func toLotRow(lot domain.Lot) lotRow {
	return lotRow{
		ID:            lot.ID,
		MedicationID:  lot.MedicationID,
		LotNumber:     lot.LotNumber,
		ExpiresOn:     formatDate(lot.ExpiresOn),
		QtyOnHand:     lot.QtyOnHand,
		PurchasePrice: lot.PurchasePrice,
		Version:       lot.Version,
		ReceivedAt:    lot.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r lotRow) toDomain() (domain.Lot, error) {
	expires, err := time.Parse(dateLayout, r.ExpiresOn)
	if err != nil {
		return domain.Lot{}, fmt.Errorf("lot %s expires_on: %w", r.ID, err)
	}
	received, err := time.Parse(time.RFC3339Nano, r.ReceivedAt)
	if err != nil {
		return domain.Lot{}, fmt.Errorf("lot %s received_at: %w", r.ID, err)
	}
	return domain.Lot{
		ID:            r.ID,
		MedicationID:  r.MedicationID,
		LotNumber:     r.LotNumber,
		ExpiresOn:     expires,
		QtyOnHand:     r.QtyOnHand,
		PurchasePrice: r.PurchasePrice,
		Version:       r.Version,
		ReceivedAt:    received,
	}, nil
}

func toLots(rows []lotRow) ([]domain.Lot, error) {
	lots := make([]domain.Lot, 0, len(rows))
	for _, row := range rows {
		lot, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

type saleRow struct {
	ID             string          `db:"id"`
	IdempotencyKey sql.NullString  `db:"idempotency_key"`
	OperatorID     string          `db:"operator_id"`
	IsPrescription bool            `db:"is_prescription"`
	TotalAmount    decimal.Decimal `db:"total_amount"`
	CreatedAt      string          `db:"created_at"`
}

type saleLineRow struct {
	LineNo         int             `db:"line_no"`
	RequestIndex   int             `db:"request_index"`
	LotID          string          `db:"lot_id"`
	LotNumber      string          `db:"lot_number"`
	MedicationID   string          `db:"medication_id"`
	ExpiresOn      string          `db:"expires_on"`
	Quantity       int             `db:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price"`
	DiscountAmount decimal.Decimal `db:"discount_amount"`
}

type auditRow struct {
	ID            string `db:"id"`
	ActorUsername string `db:"actor_username"`
	ActorRole     string `db:"actor_role"`
	Action        string `db:"action"`
	EntityType    string `db:"entity_type"`
	EntityID      string `db:"entity_id"`
	Detail        string `db:"detail"`
	CreatedAt     string `db:"created_at"`
}

func formatDate(t time.Time) string {
	return domain.DateOf(t).Format(dateLayout)
}

// classify maps SQLITE_BUSY and SQLITE_LOCKED (including BUSY_SNAPSHOT) to
// store.ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s", store.ErrConflict, sqlErr.Error())
		}
	}
	return err
}

func isConstraint(err error, fragment string) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) || sqlErr.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	return strings.Contains(sqlErr.Error(), fragment)
}
