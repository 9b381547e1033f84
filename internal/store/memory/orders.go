package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Modulys-Pax/erp-sub000/internal/domain"
	"github.com/Modulys-Pax/erp-sub000/internal/sequence"
	"github.com/Modulys-Pax/erp-sub000/internal/store"
	"github.com/Modulys-Pax/erp-sub000/internal/xid"
)

func (s *Store) LastPurchaseOrderNumber(ctx context.Context, branchID string) (string, error) {
	var last string
	err := s.read(ctx, func(st *state) error {
		numbers := make([]string, 0, len(st.purchaseOrders))
		for _, po := range st.purchaseOrders {
			if po.BranchID == branchID {
				numbers = append(numbers, po.Number)
			}
		}
		last = highestNumber(numbers, sequence.PurchaseOrderPrefix)
		return nil
	})
	return last, err
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.BranchID == "" || po.SupplierID == "" || po.Number == "" || len(po.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if po.ID == "" {
		po.ID = xid.New("po")
	}
	now := time.Now().UTC()
	if po.CreatedAt.IsZero() {
		po.CreatedAt = now
	}
	if po.UpdatedAt.IsZero() {
		po.UpdatedAt = po.CreatedAt
	}
	if po.Status == "" {
		po.Status = domain.PurchaseOrderDraft
	}
	po.Lines = assignLineIDs(po.ID, po.Lines)

	err := s.write(ctx, func(st *state) error {
		for _, existing := range st.purchaseOrders {
			if existing.BranchID == po.BranchID && existing.Number == po.Number {
				return fmt.Errorf("%w: purchase order number %s already issued", store.ErrConflict, po.Number)
			}
		}
		st.purchaseOrders[po.ID] = clonePurchaseOrder(po)
		return nil
	})
	if err != nil {
		return nil, err
	}
	saved := clonePurchaseOrder(po)
	return &saved, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	var found domain.PurchaseOrder
	err := s.read(ctx, func(st *state) error {
		po, exists := st.purchaseOrders[purchaseOrderID]
		if !exists || po.DeletedAt != nil {
			return store.ErrNotFound
		}
		found = clonePurchaseOrder(po)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

// LockPurchaseOrder is GetPurchaseOrder: units of work are already
// serialized, so holding the unit is holding the row.
func (s *Store) LockPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	return s.GetPurchaseOrder(ctx, purchaseOrderID)
}

func (s *Store) SavePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.ID == "" || len(po.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if po.UpdatedAt.IsZero() {
		po.UpdatedAt = time.Now().UTC()
	}
	po.Lines = assignLineIDs(po.ID, po.Lines)

	var saved domain.PurchaseOrder
	err := s.write(ctx, func(st *state) error {
		existing, exists := st.purchaseOrders[po.ID]
		if !exists || existing.DeletedAt != nil {
			return store.ErrNotFound
		}
		if existing.Status != domain.PurchaseOrderDraft && !sameLineSet(existing.Lines, po.Lines) {
			return fmt.Errorf("%w: lines of purchase order %s are locked in status %s", store.ErrInvalidTransaction, existing.Number, existing.Status)
		}
		po.Number = existing.Number
		po.BranchID = existing.BranchID
		po.CreatedAt = existing.CreatedAt
		po.CreatedBy = existing.CreatedBy
		st.purchaseOrders[po.ID] = clonePurchaseOrder(po)
		saved = clonePurchaseOrder(po)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.PurchaseOrder, int, error) {
	status := strings.ToUpper(strings.TrimSpace(filter.Status))
	result := make([]domain.PurchaseOrder, 0, 32)
	err := s.read(ctx, func(st *state) error {
		for _, po := range st.purchaseOrders {
			if po.DeletedAt != nil {
				continue
			}
			if filter.BranchID != "" && po.BranchID != filter.BranchID {
				continue
			}
			if status != "" && string(po.Status) != status {
				continue
			}
			if filter.CounterpartyID != "" && po.SupplierID != filter.CounterpartyID {
				continue
			}
			if !withinRange(po.CreatedAt, filter.From, filter.To) {
				continue
			}
			result = append(result, clonePurchaseOrder(po))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	slices.SortFunc(result, func(a, b domain.PurchaseOrder) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.Number, a.Number)
	})
	total := len(result)
	return paginate(result, filter.Page, filter.Limit), total, nil
}

func (s *Store) LastSalesOrderNumber(ctx context.Context, branchID string) (string, error) {
	var last string
	err := s.read(ctx, func(st *state) error {
		numbers := make([]string, 0, len(st.salesOrders))
		for _, so := range st.salesOrders {
			if so.BranchID == branchID {
				numbers = append(numbers, so.Number)
			}
		}
		last = highestNumber(numbers, sequence.SalesOrderPrefix)
		return nil
	})
	return last, err
}

func (s *Store) CreateSalesOrder(ctx context.Context, so domain.SalesOrder) (*domain.SalesOrder, error) {
	if so.BranchID == "" || so.CustomerID == "" || so.Number == "" || len(so.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if so.ID == "" {
		so.ID = xid.New("so")
	}
	now := time.Now().UTC()
	if so.CreatedAt.IsZero() {
		so.CreatedAt = now
	}
	if so.UpdatedAt.IsZero() {
		so.UpdatedAt = so.CreatedAt
	}
	if so.Status == "" {
		so.Status = domain.SalesOrderDraft
	}
	so.Lines = assignLineIDs(so.ID, so.Lines)

	err := s.write(ctx, func(st *state) error {
		for _, existing := range st.salesOrders {
			if existing.BranchID == so.BranchID && existing.Number == so.Number {
				return fmt.Errorf("%w: sales order number %s already issued", store.ErrConflict, so.Number)
			}
		}
		st.salesOrders[so.ID] = cloneSalesOrder(so)
		return nil
	})
	if err != nil {
		return nil, err
	}
	saved := cloneSalesOrder(so)
	return &saved, nil
}

func (s *Store) GetSalesOrder(ctx context.Context, salesOrderID string) (*domain.SalesOrder, error) {
	var found domain.SalesOrder
	err := s.read(ctx, func(st *state) error {
		so, exists := st.salesOrders[salesOrderID]
		if !exists || so.DeletedAt != nil {
			return store.ErrNotFound
		}
		found = cloneSalesOrder(so)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

func (s *Store) LockSalesOrder(ctx context.Context, salesOrderID string) (*domain.SalesOrder, error) {
	return s.GetSalesOrder(ctx, salesOrderID)
}

func (s *Store) SaveSalesOrder(ctx context.Context, so domain.SalesOrder) (*domain.SalesOrder, error) {
	if so.ID == "" || len(so.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if so.UpdatedAt.IsZero() {
		so.UpdatedAt = time.Now().UTC()
	}
	so.Lines = assignLineIDs(so.ID, so.Lines)

	var saved domain.SalesOrder
	err := s.write(ctx, func(st *state) error {
		existing, exists := st.salesOrders[so.ID]
		if !exists || existing.DeletedAt != nil {
			return store.ErrNotFound
		}
		if existing.Status != domain.SalesOrderDraft && !sameLineSet(existing.Lines, so.Lines) {
			return fmt.Errorf("%w: lines of sales order %s are locked in status %s", store.ErrInvalidTransaction, existing.Number, existing.Status)
		}
		so.Number = existing.Number
		so.BranchID = existing.BranchID
		so.CreatedAt = existing.CreatedAt
		so.CreatedBy = existing.CreatedBy
		st.salesOrders[so.ID] = cloneSalesOrder(so)
		saved = cloneSalesOrder(so)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) ListSalesOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.SalesOrder, int, error) {
	status := strings.ToUpper(strings.TrimSpace(filter.Status))
	result := make([]domain.SalesOrder, 0, 32)
	err := s.read(ctx, func(st *state) error {
		for _, so := range st.salesOrders {
			if so.DeletedAt != nil {
				continue
			}
			if filter.BranchID != "" && so.BranchID != filter.BranchID {
				continue
			}
			if status != "" && string(so.Status) != status {
				continue
			}
			if filter.CounterpartyID != "" && so.CustomerID != filter.CounterpartyID {
				continue
			}
			if !withinRange(so.CreatedAt, filter.From, filter.To) {
				continue
			}
			result = append(result, cloneSalesOrder(so))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	slices.SortFunc(result, func(a, b domain.SalesOrder) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.Number, a.Number)
	})
	total := len(result)
	return paginate(result, filter.Page, filter.Limit), total, nil
}

func assignLineIDs(orderID string, lines []domain.OrderLine) []domain.OrderLine {
	out := make([]domain.OrderLine, 0, len(lines))
	for _, line := range lines {
		if line.ID == "" {
			line.ID = xid.New("line")
		}
		line.OrderID = orderID
		out = append(out, line)
	}
	return out
}

// sameLineSet reports whether lines carry exactly the ids of stored.
func sameLineSet(stored []domain.OrderLine, lines []domain.OrderLine) bool {
	if len(stored) != len(lines) {
		return false
	}
	ids := make(map[string]bool, len(stored))
	for _, line := range stored {
		ids[line.ID] = true
	}
	for _, line := range lines {
		if !ids[line.ID] {
			return false
		}
		delete(ids, line.ID)
	}
	return true
}

func highestNumber(numbers []string, prefix string) string {
	best := ""
	bestValue := -1
	for _, number := range numbers {
		if !strings.HasPrefix(number, prefix+"-") {
			continue
		}
		if v := sequence.Value(number); v > bestValue {
			best, bestValue = number, v
		}
	}
	return best
}

func withinRange(at time.Time, from *time.Time, to *time.Time) bool {
	if from != nil && at.Before(*from) {
		return false
	}
	if to != nil && !at.Before(*to) {
		return false
	}
	return true
}

func paginate[T any](items []T, page int, limit int) []T {
	if limit < 1 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}
	}
	end := min(start+limit, len(items))
	return items[start:end]
}
