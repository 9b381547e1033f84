package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Modulys-Pax/erp-sub000/internal/domain"
	"github.com/Modulys-Pax/erp-sub000/internal/sequence"
	"github.com/Modulys-Pax/erp-sub000/internal/store"
	"github.com/Modulys-Pax/erp-sub000/internal/xid"
)

// orderTable names the header and line tables of one order kind. Values are
// constants below and never come from input.
type orderTable struct {
	header       string
	lines        string
	orderColumn  string
	counterparty string
	dateColumn   string
	prefix       string
	draftStatus  string
}

var (
	purchaseOrders = orderTable{
		header:       "purchase_orders",
		lines:        "purchase_order_lines",
		orderColumn:  "purchase_order_id",
		counterparty: "supplier_id",
		dateColumn:   "expected_delivery_date",
		prefix:       sequence.PurchaseOrderPrefix,
		draftStatus:  string(domain.PurchaseOrderDraft),
	}
	salesOrders = orderTable{
		header:       "sales_orders",
		lines:        "sales_order_lines",
		orderColumn:  "sales_order_id",
		counterparty: "customer_id",
		dateColumn:   "order_date",
		prefix:       sequence.SalesOrderPrefix,
		draftStatus:  string(domain.SalesOrderDraft),
	}
)

type rowScanner interface {
	Scan(dest ...any) error
}

// orderHeader is the shape both order kinds share in storage.
type orderHeader struct {
	ID             string
	Number         string
	BranchID       string
	CompanyID      string
	CounterpartyID string
	Date           *time.Time
	Notes          string
	Status         string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (t orderTable) columns() string {
	return fmt.Sprintf("id, number, branch_id, company_id, %s, %s, notes, status, created_by, created_at, updated_at, deleted_at", t.counterparty, t.dateColumn)
}

func scanHeader(row rowScanner) (orderHeader, error) {
	var h orderHeader
	var date, deletedAt sql.NullTime
	err := row.Scan(&h.ID, &h.Number, &h.BranchID, &h.CompanyID, &h.CounterpartyID, &date, &h.Notes, &h.Status, &h.CreatedBy, &h.CreatedAt, &h.UpdatedAt, &deletedAt)
	if err != nil {
		return orderHeader{}, err
	}
	h.Date = timePtr(date)
	h.DeletedAt = timePtr(deletedAt)
	h.CreatedAt = h.CreatedAt.UTC()
	h.UpdatedAt = h.UpdatedAt.UTC()
	return h, nil
}

func (s *Store) lastNumber(ctx context.Context, t orderTable, branchID string) (string, error) {
	var number string
	err := s.conn(ctx).QueryRowContext(ctx, fmt.Sprintf(`
		SELECT number
		FROM %s
		WHERE branch_id = $1 AND number ~ ('^' || $2::text || '-[0-9]+$')
		ORDER BY CAST(substring(number FROM '[0-9]+$') AS BIGINT) DESC
		LIMIT 1
	`, t.header), branchID, t.prefix).Scan(&number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return number, nil
}

func (s *Store) insertOrder(ctx context.Context, t orderTable, h orderHeader, lines []domain.OrderLine) ([]domain.OrderLine, error) {
	_, err := s.conn(ctx).ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, t.header, t.columns()),
		h.ID, h.Number, h.BranchID, h.CompanyID, h.CounterpartyID, nullTime(h.Date), h.Notes, h.Status, h.CreatedBy, h.CreatedAt, h.UpdatedAt, nullTime(h.DeletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s number %s already issued in branch %s", store.ErrConflict, t.header, h.Number, h.BranchID)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: %s references a missing record", store.ErrNotFound, t.header)
		}
		return nil, err
	}
	return s.insertLines(ctx, t, h.ID, lines)
}

func (s *Store) insertLines(ctx context.Context, t orderTable, orderID string, lines []domain.OrderLine) ([]domain.OrderLine, error) {
	saved := make([]domain.OrderLine, 0, len(lines))
	for i, line := range lines {
		if line.ID == "" {
			line.ID = xid.New("line")
		}
		line.OrderID = orderID
		_, err := s.conn(ctx).ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, %s, position, product_id, quantity, fulfilled_quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, t.lines, t.orderColumn),
			line.ID, orderID, i, line.ProductID, line.Quantity, line.FulfilledQuantity, nullDecimal(line.UnitPrice), line.LineTotal)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
			}
			return nil, err
		}
		saved = append(saved, line)
	}
	return saved, nil
}

func (s *Store) getHeader(ctx context.Context, t orderTable, id string, forUpdate bool) (orderHeader, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE id = $1 AND deleted_at IS NULL
	`, t.columns(), t.header)
	if forUpdate {
		query += " FOR UPDATE"
	}
	h, err := scanHeader(s.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orderHeader{}, store.ErrNotFound
		}
		return orderHeader{}, err
	}
	return h, nil
}

func (s *Store) loadLines(ctx context.Context, t orderTable, orderIDs []string) (map[string][]domain.OrderLine, error) {
	result := make(map[string][]domain.OrderLine, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	rows, err := s.conn(ctx).QueryContext(ctx, fmt.Sprintf(`
		SELECT id, %s, product_id, quantity, fulfilled_quantity, unit_price, line_total
		FROM %s
		WHERE %s = ANY($1)
		ORDER BY %s, position ASC
	`, t.orderColumn, t.lines, t.orderColumn, t.orderColumn), orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.OrderLine
		var unitPrice decimal.NullDecimal
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.Quantity, &line.FulfilledQuantity, &unitPrice, &line.LineTotal); err != nil {
			return nil, err
		}
		line.UnitPrice = decimalPtr(unitPrice)
		result[line.OrderID] = append(result[line.OrderID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// saveOrder rewrites the mutable header columns. Lines are updated in place
// when the stored line set is unchanged; replacing the line set is only
// allowed while the stored order is still a draft. Number, branch and
// creation stamps are never touched.
func (s *Store) saveOrder(ctx context.Context, t orderTable, h orderHeader, lines []domain.OrderLine) ([]domain.OrderLine, error) {
	var storedStatus string
	err := s.conn(ctx).QueryRowContext(ctx, fmt.Sprintf(`
		SELECT status FROM %s WHERE id = $1 AND deleted_at IS NULL
	`, t.header), h.ID).Scan(&storedStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	res, err := s.conn(ctx).ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET %s = $2, %s = $3, notes = $4, status = $5, updated_at = $6, deleted_at = $7
		WHERE id = $1 AND deleted_at IS NULL
	`, t.header, t.counterparty, t.dateColumn),
		h.ID, h.CounterpartyID, nullTime(h.Date), h.Notes, h.Status, h.UpdatedAt, nullTime(h.DeletedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: %s references a missing record", store.ErrNotFound, t.header)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	storedIDs, err := s.lineIDs(ctx, t, h.ID)
	if err != nil {
		return nil, err
	}
	if sameLineSet(storedIDs, lines) {
		return s.updateLines(ctx, t, h.ID, lines)
	}
	if storedStatus != t.draftStatus {
		return nil, fmt.Errorf("%w: lines of %s %s are locked in status %s", store.ErrInvalidTransaction, t.header, h.ID, storedStatus)
	}

	if _, err := s.conn(ctx).ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, t.lines, t.orderColumn), h.ID); err != nil {
		return nil, err
	}
	return s.insertLines(ctx, t, h.ID, lines)
}

func (s *Store) lineIDs(ctx context.Context, t orderTable, orderID string) (map[string]struct{}, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE %s = $1`, t.lines, t.orderColumn), orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func sameLineSet(stored map[string]struct{}, lines []domain.OrderLine) bool {
	if len(stored) != len(lines) {
		return false
	}
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := stored[line.ID]; !ok {
			return false
		}
		if _, dup := seen[line.ID]; dup {
			return false
		}
		seen[line.ID] = struct{}{}
	}
	return true
}

func (s *Store) updateLines(ctx context.Context, t orderTable, orderID string, lines []domain.OrderLine) ([]domain.OrderLine, error) {
	saved := make([]domain.OrderLine, 0, len(lines))
	for _, line := range lines {
		line.OrderID = orderID
		_, err := s.conn(ctx).ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET quantity = $3, fulfilled_quantity = $4, unit_price = $5, line_total = $6
			WHERE id = $1 AND %s = $2
		`, t.lines, t.orderColumn),
			line.ID, orderID, line.Quantity, line.FulfilledQuantity, nullDecimal(line.UnitPrice), line.LineTotal)
		if err != nil {
			return nil, err
		}
		saved = append(saved, line)
	}
	return saved, nil
}

func (s *Store) listHeaders(ctx context.Context, t orderTable, filter domain.OrderFilter) ([]orderHeader, int, error) {
	status := strings.ToUpper(strings.TrimSpace(filter.Status))
	where := fmt.Sprintf(`
		WHERE deleted_at IS NULL
			AND ($1 = '' OR branch_id = $1)
			AND ($2 = '' OR status = $2)
			AND ($3 = '' OR %s = $3)
			AND ($4::timestamptz IS NULL OR created_at >= $4)
			AND ($5::timestamptz IS NULL OR created_at < $5)
	`, t.counterparty)
	args := []any{filter.BranchID, status, filter.CounterpartyID, nullTime(filter.From), nullTime(filter.To)}

	var total int
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT count(*) FROM `+t.header+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	var limit any
	offset := 0
	if filter.Limit > 0 {
		limit = filter.Limit
		if filter.Page > 1 {
			offset = (filter.Page - 1) * filter.Limit
		}
	}
	rows, err := s.conn(ctx).QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY created_at DESC, number DESC
		LIMIT $6 OFFSET $7
	`, t.columns(), t.header, where), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	headers := make([]orderHeader, 0, 32)
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, 0, err
		}
		headers = append(headers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return headers, total, nil
}

func headerIDs(headers []orderHeader) []string {
	ids := make([]string, 0, len(headers))
	for _, h := range headers {
		ids = append(ids, h.ID)
	}
	return ids
}

func purchaseHeader(po domain.PurchaseOrder) orderHeader {
	return orderHeader{
		ID:             po.ID,
		Number:         po.Number,
		BranchID:       po.BranchID,
		CompanyID:      po.CompanyID,
		CounterpartyID: po.SupplierID,
		Date:           po.ExpectedDeliveryDate,
		Notes:          po.Notes,
		Status:         string(po.Status),
		CreatedBy:      po.CreatedBy,
		CreatedAt:      po.CreatedAt,
		UpdatedAt:      po.UpdatedAt,
		DeletedAt:      po.DeletedAt,
	}
}

func (h orderHeader) purchaseOrder(lines []domain.OrderLine) domain.PurchaseOrder {
	return domain.PurchaseOrder{
		ID:                   h.ID,
		Number:               h.Number,
		BranchID:             h.BranchID,
		CompanyID:            h.CompanyID,
		SupplierID:           h.CounterpartyID,
		ExpectedDeliveryDate: h.Date,
		Notes:                h.Notes,
		Status:               domain.PurchaseOrderStatus(h.Status),
		CreatedBy:            h.CreatedBy,
		CreatedAt:            h.CreatedAt,
		UpdatedAt:            h.UpdatedAt,
		DeletedAt:            h.DeletedAt,
		Lines:                lines,
	}
}

func salesHeader(so domain.SalesOrder) orderHeader {
	return orderHeader{
		ID:             so.ID,
		Number:         so.Number,
		BranchID:       so.BranchID,
		CompanyID:      so.CompanyID,
		CounterpartyID: so.CustomerID,
		Date:           so.OrderDate,
		Notes:          so.Notes,
		Status:         string(so.Status),
		CreatedBy:      so.CreatedBy,
		CreatedAt:      so.CreatedAt,
		UpdatedAt:      so.UpdatedAt,
		DeletedAt:      so.DeletedAt,
	}
}

func (h orderHeader) salesOrder(lines []domain.OrderLine) domain.SalesOrder {
	return domain.SalesOrder{
		ID:         h.ID,
		Number:     h.Number,
		BranchID:   h.BranchID,
		CompanyID:  h.CompanyID,
		CustomerID: h.CounterpartyID,
		OrderDate:  h.Date,
		Notes:      h.Notes,
		Status:     domain.SalesOrderStatus(h.Status),
		CreatedBy:  h.CreatedBy,
		CreatedAt:  h.CreatedAt,
		UpdatedAt:  h.UpdatedAt,
		DeletedAt:  h.DeletedAt,
		Lines:      lines,
	}
}

func (s *Store) LastPurchaseOrderNumber(ctx context.Context, branchID string) (string, error) {
	return s.lastNumber(ctx, purchaseOrders, branchID)
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.BranchID == "" || po.SupplierID == "" || po.Number == "" || len(po.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if po.ID == "" {
		po.ID = xid.New("po")
	}
	if po.CreatedAt.IsZero() {
		po.CreatedAt = time.Now().UTC()
	}
	if po.UpdatedAt.IsZero() {
		po.UpdatedAt = po.CreatedAt
	}
	if po.Status == "" {
		po.Status = domain.PurchaseOrderDraft
	}

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		lines, err := s.insertOrder(ctx, purchaseOrders, purchaseHeader(po), po.Lines)
		if err != nil {
			return err
		}
		po.Lines = lines
		return nil
	})
	if err != nil {
		return nil, err
	}
	saved := po
	return &saved, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	return s.getPurchaseOrder(ctx, purchaseOrderID, false)
}

// LockPurchaseOrder holds the header row until the surrounding unit of work
// ends.
func (s *Store) LockPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	return s.getPurchaseOrder(ctx, purchaseOrderID, true)
}

func (s *Store) getPurchaseOrder(ctx context.Context, id string, forUpdate bool) (*domain.PurchaseOrder, error) {
	h, err := s.getHeader(ctx, purchaseOrders, id, forUpdate)
	if err != nil {
		return nil, err
	}
	lines, err := s.loadLines(ctx, purchaseOrders, []string{h.ID})
	if err != nil {
		return nil, err
	}
	po := h.purchaseOrder(lines[h.ID])
	return &po, nil
}

func (s *Store) SavePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.ID == "" || len(po.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if po.UpdatedAt.IsZero() {
		po.UpdatedAt = time.Now().UTC()
	}

	var saved *domain.PurchaseOrder
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.saveOrder(ctx, purchaseOrders, purchaseHeader(po), po.Lines); err != nil {
			return err
		}
		h, err := s.getHeader(ctx, purchaseOrders, po.ID, false)
		if errors.Is(err, store.ErrNotFound) && po.DeletedAt != nil {
			// soft-deleted by this save
			saved = &po
			return nil
		}
		if err != nil {
			return err
		}
		lines, err := s.loadLines(ctx, purchaseOrders, []string{h.ID})
		if err != nil {
			return err
		}
		current := h.purchaseOrder(lines[h.ID])
		saved = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.PurchaseOrder, int, error) {
	headers, total, err := s.listHeaders(ctx, purchaseOrders, filter)
	if err != nil {
		return nil, 0, err
	}
	lines, err := s.loadLines(ctx, purchaseOrders, headerIDs(headers))
	if err != nil {
		return nil, 0, err
	}
	result := make([]domain.PurchaseOrder, 0, len(headers))
	for _, h := range headers {
		result = append(result, h.purchaseOrder(lines[h.ID]))
	}
	return result, total, nil
}

func (s *Store) LastSalesOrderNumber(ctx context.Context, branchID string) (string, error) {
	return s.lastNumber(ctx, salesOrders, branchID)
}

func (s *Store) CreateSalesOrder(ctx context.Context, so domain.SalesOrder) (*domain.SalesOrder, error) {
	if so.BranchID == "" || so.CustomerID == "" || so.Number == "" || len(so.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if so.ID == "" {
		so.ID = xid.New("so")
	}
	if so.CreatedAt.IsZero() {
		so.CreatedAt = time.Now().UTC()
	}
	if so.UpdatedAt.IsZero() {
		so.UpdatedAt = so.CreatedAt
	}
	if so.Status == "" {
		so.Status = domain.SalesOrderDraft
	}

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		lines, err := s.insertOrder(ctx, salesOrders, salesHeader(so), so.Lines)
		if err != nil {
			return err
		}
		so.Lines = lines
		return nil
	})
	if err != nil {
		return nil, err
	}
	saved := so
	return &saved, nil
}

func (s *Store) GetSalesOrder(ctx context.Context, salesOrderID string) (*domain.SalesOrder, error) {
	return s.getSalesOrder(ctx, salesOrderID, false)
}

func (s *Store) LockSalesOrder(ctx context.Context, salesOrderID string) (*domain.SalesOrder, error) {
	return s.getSalesOrder(ctx, salesOrderID, true)
}

func (s *Store) getSalesOrder(ctx context.Context, id string, forUpdate bool) (*domain.SalesOrder, error) {
	h, err := s.getHeader(ctx, salesOrders, id, forUpdate)
	if err != nil {
		return nil, err
	}
	lines, err := s.loadLines(ctx, salesOrders, []string{h.ID})
	if err != nil {
		return nil, err
	}
	so := h.salesOrder(lines[h.ID])
	return &so, nil
}

func (s *Store) SaveSalesOrder(ctx context.Context, so domain.SalesOrder) (*domain.SalesOrder, error) {
	if so.ID == "" || len(so.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if so.UpdatedAt.IsZero() {
		so.UpdatedAt = time.Now().UTC()
	}

	var saved *domain.SalesOrder
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.saveOrder(ctx, salesOrders, salesHeader(so), so.Lines); err != nil {
			return err
		}
		h, err := s.getHeader(ctx, salesOrders, so.ID, false)
		if errors.Is(err, store.ErrNotFound) && so.DeletedAt != nil {
			saved = &so
			return nil
		}
		if err != nil {
			return err
		}
		lines, err := s.loadLines(ctx, salesOrders, []string{h.ID})
		if err != nil {
			return err
		}
		current := h.salesOrder(lines[h.ID])
		saved = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) ListSalesOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.SalesOrder, int, error) {
	headers, total, err := s.listHeaders(ctx, salesOrders, filter)
	if err != nil {
		return nil, 0, err
	}
	lines, err := s.loadLines(ctx, salesOrders, headerIDs(headers))
	if err != nil {
		return nil, 0, err
	}
	result := make([]domain.SalesOrder, 0, len(headers))
	for _, h := range headers {
		result = append(result, h.salesOrder(lines[h.ID]))
	}
	return result, total, nil
}
