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
	"github.com/Modulys-Pax/erp-sub000/internal/store"
	"github.com/Modulys-Pax/erp-sub000/internal/xid"
)

// PostMovement applies the movement to stock_balances and appends it to the
// ledger. An EXIT never drives a balance below zero.
func (s *Store) PostMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	if movement.Type != domain.MovementEntry && movement.Type != domain.MovementExit {
		return nil, store.ErrInvalidTransaction
	}
	if movement.ProductID == "" || movement.WarehouseID == "" || !movement.Quantity.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		switch movement.Type {
		case domain.MovementEntry:
			if _, err := q.ExecContext(ctx, `
				INSERT INTO stock_balances (product_id, warehouse_id, quantity, updated_at)
				VALUES ($1,$2,$3,now())
				ON CONFLICT (product_id, warehouse_id)
				DO UPDATE SET quantity = stock_balances.quantity + EXCLUDED.quantity, updated_at = now()
			`, movement.ProductID, movement.WarehouseID, movement.Quantity); err != nil {
				if isForeignKeyViolation(err) {
					return fmt.Errorf("%w: product %s or warehouse %s", store.ErrNotFound, movement.ProductID, movement.WarehouseID)
				}
				return err
			}
		case domain.MovementExit:
			res, err := q.ExecContext(ctx, `
				UPDATE stock_balances
				SET quantity = quantity - $3, updated_at = now()
				WHERE product_id = $1 AND warehouse_id = $2 AND quantity >= $3
			`, movement.ProductID, movement.WarehouseID, movement.Quantity)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return fmt.Errorf("%w: product %s, %s requested", store.ErrInsufficientStock, movement.ProductID, movement.Quantity)
			}
		}

		_, err := q.ExecContext(ctx, `
			INSERT INTO stock_movements (id, type, product_id, warehouse_id, quantity, unit_cost, origin_type, origin_id, origin_number, created_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, movement.ID, string(movement.Type), movement.ProductID, movement.WarehouseID, movement.Quantity, nullDecimal(movement.UnitCost),
			movement.OriginType, movement.OriginID, movement.OriginNumber, movement.CreatedBy, movement.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	posted := movement
	return &posted, nil
}

func (s *Store) AvailableQuantity(ctx context.Context, productID string, warehouseID string) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT quantity
		FROM stock_balances
		WHERE product_id = $1 AND warehouse_id = $2
	`, productID, warehouseID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return qty, nil
}

func (s *Store) DefaultWarehouse(ctx context.Context, companyID string) (string, error) {
	var warehouseID string
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id
		FROM warehouses
		WHERE company_id = $1 AND is_default = true
		ORDER BY id ASC
		LIMIT 1
	`, companyID).Scan(&warehouseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: no default warehouse for company %s", store.ErrNotFound, companyID)
		}
		return "", err
	}
	return warehouseID, nil
}

func (s *Store) ListMovements(ctx context.Context, originID string) ([]domain.StockMovement, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, type, product_id, warehouse_id, quantity, unit_cost, origin_type, origin_id, origin_number, created_by, created_at
		FROM stock_movements
		WHERE ($1 = '' OR origin_id = $1)
		ORDER BY created_at ASC, id ASC
	`, originID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 8)
	for rows.Next() {
		var m domain.StockMovement
		var movementType string
		var unitCost decimal.NullDecimal
		if err := rows.Scan(&m.ID, &movementType, &m.ProductID, &m.WarehouseID, &m.Quantity, &unitCost, &m.OriginType, &m.OriginID, &m.OriginNumber, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = domain.MovementType(movementType)
		m.UnitCost = decimalPtr(unitCost)
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) IssuePayable(ctx context.Context, doc domain.FinancialDocument) (string, error) {
	doc.Kind = domain.DocumentPayable
	return s.issue(ctx, doc, "ap")
}

func (s *Store) IssueReceivable(ctx context.Context, doc domain.FinancialDocument) (string, error) {
	doc.Kind = domain.DocumentReceivable
	return s.issue(ctx, doc, "ar")
}

func (s *Store) issue(ctx context.Context, doc domain.FinancialDocument, prefix string) (string, error) {
	if !doc.Amount.IsPositive() || doc.OriginID == "" || doc.CounterpartyID == "" || doc.DueDate.IsZero() {
		return "", store.ErrInvalidTransaction
	}
	doc.Description = strings.TrimSpace(doc.Description)
	if doc.ID == "" {
		doc.ID = xid.New(prefix)
	}
	if doc.Status == "" {
		doc.Status = domain.FinancialDocumentPending
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO financial_documents (id, kind, description, amount, due_date, origin_type, origin_id, counterparty_id, branch_id, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, doc.ID, string(doc.Kind), doc.Description, doc.Amount, doc.DueDate, doc.OriginType, doc.OriginID, doc.CounterpartyID, doc.BranchID, doc.Status, doc.CreatedAt)
	if err != nil {
		return "", err
	}
	return doc.ID, nil
}

func (s *Store) ListDocuments(ctx context.Context, originID string) ([]domain.FinancialDocument, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, kind, description, amount, due_date, origin_type, origin_id, counterparty_id, branch_id, status, created_at
		FROM financial_documents
		WHERE ($1 = '' OR origin_id = $1)
		ORDER BY created_at ASC, id ASC
	`, originID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]domain.FinancialDocument, 0, 4)
	for rows.Next() {
		var doc domain.FinancialDocument
		var kind string
		if err := rows.Scan(&doc.ID, &kind, &doc.Description, &doc.Amount, &doc.DueDate, &doc.OriginType, &doc.OriginID, &doc.CounterpartyID, &doc.BranchID, &doc.Status, &doc.CreatedAt); err != nil {
			return nil, err
		}
		doc.Kind = domain.DocumentKind(kind)
		doc.DueDate = doc.DueDate.UTC()
		doc.CreatedAt = doc.CreatedAt.UTC()
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}
