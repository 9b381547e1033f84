package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Modulys-Pax/erp-sub000/internal/domain"
	"github.com/Modulys-Pax/erp-sub000/internal/store"
	"github.com/Modulys-Pax/erp-sub000/internal/xid"
)

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

	err := s.write(ctx, func(st *state) error {
		key := balanceKey{productID: movement.ProductID, warehouseID: movement.WarehouseID}
		balance := st.balances[key]
		switch movement.Type {
		case domain.MovementEntry:
			balance = balance.Add(movement.Quantity)
		case domain.MovementExit:
			if balance.LessThan(movement.Quantity) {
				return fmt.Errorf("%w: product %s has %s available, %s requested", store.ErrInsufficientStock, movement.ProductID, balance, movement.Quantity)
			}
			balance = balance.Sub(movement.Quantity)
		}
		st.balances[key] = balance
		st.movements = append(st.movements, movement)
		return nil
	})
	if err != nil {
		return nil, err
	}
	posted := movement
	return &posted, nil
}

func (s *Store) AvailableQuantity(ctx context.Context, productID string, warehouseID string) (decimal.Decimal, error) {
	available := decimal.Zero
	err := s.read(ctx, func(st *state) error {
		available = st.balances[balanceKey{productID: productID, warehouseID: warehouseID}]
		return nil
	})
	return available, err
}

func (s *Store) DefaultWarehouse(ctx context.Context, companyID string) (string, error) {
	var warehouseID string
	err := s.read(ctx, func(st *state) error {
		candidates := make([]string, 0, 2)
		for _, wh := range st.warehouses {
			if wh.CompanyID == companyID && wh.IsDefault {
				candidates = append(candidates, wh.ID)
			}
		}
		if len(candidates) == 0 {
			return fmt.Errorf("%w: no default warehouse for company %s", store.ErrNotFound, companyID)
		}
		slices.Sort(candidates)
		warehouseID = candidates[0]
		return nil
	})
	return warehouseID, err
}

func (s *Store) ListMovements(ctx context.Context, originID string) ([]domain.StockMovement, error) {
	result := make([]domain.StockMovement, 0, 8)
	err := s.read(ctx, func(st *state) error {
		for _, movement := range st.movements {
			if originID == "" || movement.OriginID == originID {
				result = append(result, movement)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
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

	err := s.write(ctx, func(st *state) error {
		st.documents = append(st.documents, doc)
		return nil
	})
	if err != nil {
		return "", err
	}
	return doc.ID, nil
}

func (s *Store) ListDocuments(ctx context.Context, originID string) ([]domain.FinancialDocument, error) {
	result := make([]domain.FinancialDocument, 0, 4)
	err := s.read(ctx, func(st *state) error {
		for _, doc := range st.documents {
			if originID == "" || doc.OriginID == originID {
				result = append(result, doc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
