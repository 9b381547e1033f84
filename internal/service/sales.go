package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Modulys-Pax/erp-sub000/internal/access"
	"github.com/Modulys-Pax/erp-sub000/internal/cache"
	"github.com/Modulys-Pax/erp-sub000/internal/domain"
	"github.com/Modulys-Pax/erp-sub000/internal/money"
	"github.com/Modulys-Pax/erp-sub000/internal/report"
	"github.com/Modulys-Pax/erp-sub000/internal/sequence"
	"github.com/Modulys-Pax/erp-sub000/internal/store"
	"github.com/Modulys-Pax/erp-sub000/internal/xid"
)

const salesKind = "sales"

func (s *Service) CreateSalesOrder(ctx context.Context, req domain.SalesOrderCreateRequest) (domain.SalesOrder, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return domain.SalesOrder{}, err
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	if req.BranchID == "" {
		req.BranchID = actor.BranchID
	}
	if err := access.AssertBranchAccess(actor, req.BranchID); err != nil {
		return domain.SalesOrder{}, err
	}
	if len(req.Lines) == 0 {
		return domain.SalesOrder{}, invalid("sales order needs at least one line")
	}

	branch, err := s.resolveBranch(ctx, req.BranchID)
	if err != nil {
		return domain.SalesOrder{}, err
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if _, err := s.resolveCustomer(ctx, customerID, branch.ID); err != nil {
		return domain.SalesOrder{}, err
	}
	lines, err := s.normalizeLines(ctx, branch.ID, req.Lines)
	if err != nil {
		return domain.SalesOrder{}, err
	}

	var saved *domain.SalesOrder
	err = sequence.Retry(ctx, store.ErrConflict, func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context) error {
			last, err := s.repo.LastSalesOrderNumber(ctx, branch.ID)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			saved, err = s.repo.CreateSalesOrder(ctx, domain.SalesOrder{
				ID:         xid.New("so"),
				Number:     sequence.Next(last, sequence.SalesOrderPrefix),
				BranchID:   branch.ID,
				CompanyID:  branch.CompanyID,
				CustomerID: customerID,
				OrderDate:  req.OrderDate,
				Notes:      strings.TrimSpace(req.Notes),
				Status:     domain.SalesOrderDraft,
				CreatedBy:  actor.Username,
				CreatedAt:  now,
				UpdatedAt:  now,
				Lines:      lines,
			})
			return err
		})
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	saved.Total = linesTotal(saved.Lines)
	s.metrics.OrderCreated(salesKind)
	s.logAudit(ctx, saved.BranchID, "sales_order_create", "sales_order", saved.ID, fmt.Sprintf("number=%s,lines=%d,total=%s", saved.Number, len(saved.Lines), saved.Total))
	return *saved, nil
}

func (s *Service) GetSalesOrder(ctx context.Context, id string) (domain.SalesOrder, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return domain.SalesOrder{}, err
	}

	so, found, err := s.cache.GetSalesOrder(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "order cache read failed", "id", id, "err", err)
		found = false
	}
	if !found {
		so, err = s.repo.GetSalesOrder(ctx, id)
		if err != nil {
			return domain.SalesOrder{}, err
		}
		so.Total = linesTotal(so.Lines)
		if err := s.cache.SetSalesOrder(ctx, so, s.cacheTTL); err != nil {
			s.logger.WarnContext(ctx, "order cache write failed", "id", id, "err", err)
		}
	}
	if so.DeletedAt != nil {
		return domain.SalesOrder{}, store.ErrNotFound
	}

	if err := access.AssertBranchAccess(actor, so.BranchID); err != nil {
		return domain.SalesOrder{}, err
	}
	return *so, nil
}

func (s *Service) ListSalesOrders(ctx context.Context, filter domain.OrderFilter) (domain.SalesOrderListResponse, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return domain.SalesOrderListResponse{}, err
	}
	filter, err = scopeFilter(actor, filter)
	if err != nil {
		return domain.SalesOrderListResponse{}, err
	}

	orders, total, err := s.repo.ListSalesOrders(ctx, filter)
	if err != nil {
		return domain.SalesOrderListResponse{}, err
	}
	for i := range orders {
		orders[i].Total = linesTotal(orders[i].Lines)
	}
	return domain.SalesOrderListResponse{
		SalesOrders: orders,
		Page:        filter.Page,
		Limit:       filter.Limit,
		Total:       total,
	}, nil
}

func (s *Service) ExportSalesOrders(ctx context.Context, filter domain.OrderFilter) ([]byte, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	filter, err = scopeFilter(actor, filter)
	if err != nil {
		return nil, err
	}
	filter.Page, filter.Limit = 1, maxExportRows

	orders, _, err := s.repo.ListSalesOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Total = linesTotal(orders[i].Lines)
	}
	return report.SalesOrdersWorkbook(orders)
}

func (s *Service) mutateSalesOrder(ctx context.Context, id string, fn func(ctx context.Context, actor domain.Actor, so *domain.SalesOrder) (*domain.SalesOrder, error)) (*domain.SalesOrder, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}

	var result *domain.SalesOrder
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		so, err := s.repo.LockSalesOrder(ctx, id)
		if err != nil {
			return err
		}
		if err := access.AssertBranchAccess(actor, so.BranchID); err != nil {
			return err
		}
		changed, err := fn(ctx, actor, so)
		if err != nil {
			return err
		}
		if changed == nil {
			result = so
			return nil
		}
		changed.UpdatedAt = time.Now().UTC()
		result, err = s.repo.SaveSalesOrder(ctx, *changed)
		return err
	})
	if err != nil {
		return nil, err
	}

	result.Total = linesTotal(result.Lines)
	if err := s.cache.SetSalesOrder(ctx, result, s.cacheTTL); err != nil {
		s.logger.WarnContext(ctx, "order cache write failed", "id", id, "err", err)
		s.forget(ctx, cache.SalesOrderKey(id))
	}
	return result, nil
}

func requireDraftSales(so *domain.SalesOrder) error {
	if so.Status != domain.SalesOrderDraft {
		return invalid("sales order %s is %s; only DRAFT orders can be changed", so.Number, so.Status)
	}
	return nil
}

func (s *Service) UpdateSalesOrder(ctx context.Context, id string, req domain.SalesOrderUpdateRequest) (domain.SalesOrder, error) {
	updated, err := s.mutateSalesOrder(ctx, id, func(ctx context.Context, _ domain.Actor, so *domain.SalesOrder) (*domain.SalesOrder, error) {
		if err := requireDraftSales(so); err != nil {
			return nil, err
		}
		if req.CustomerID != nil {
			customerID := strings.TrimSpace(*req.CustomerID)
			if _, err := s.resolveCustomer(ctx, customerID, so.BranchID); err != nil {
				return nil, err
			}
			so.CustomerID = customerID
		}
		if req.OrderDate != nil {
			so.OrderDate = req.OrderDate
		}
		if req.Notes != nil {
			so.Notes = strings.TrimSpace(*req.Notes)
		}
		if req.Lines != nil {
			lines, err := s.normalizeLines(ctx, so.BranchID, req.Lines)
			if err != nil {
				return nil, err
			}
			so.Lines = lines
		}
		return so, nil
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}
	s.logAudit(ctx, updated.BranchID, "sales_order_update", "sales_order", updated.ID, fmt.Sprintf("number=%s,lines=%d", updated.Number, len(updated.Lines)))
	return *updated, nil
}

func (s *Service) DeleteSalesOrder(ctx context.Context, id string) error {
	deleted, err := s.mutateSalesOrder(ctx, id, func(_ context.Context, _ domain.Actor, so *domain.SalesOrder) (*domain.SalesOrder, error) {
		if err := requireDraftSales(so); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		so.DeletedAt = &now
		return so, nil
	})
	if err != nil {
		return err
	}
	s.logAudit(ctx, deleted.BranchID, "sales_order_delete", "sales_order", deleted.ID, "number="+deleted.Number)
	return nil
}

func (s *Service) CancelSalesOrder(ctx context.Context, id string) (domain.SalesOrder, error) {
	cancelled, err := s.mutateSalesOrder(ctx, id, func(_ context.Context, _ domain.Actor, so *domain.SalesOrder) (*domain.SalesOrder, error) {
		if so.Status != domain.SalesOrderDraft {
			return nil, invalid("sales order %s cannot move from %s to %s", so.Number, so.Status, domain.SalesOrderCancelled)
		}
		so.Status = domain.SalesOrderCancelled
		return so, nil
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}
	s.metrics.OrderTransition(salesKind, string(domain.SalesOrderCancelled))
	s.logAudit(ctx, cancelled.BranchID, "sales_order_cancel", "sales_order", cancelled.ID, "number="+cancelled.Number)
	return *cancelled, nil
}

type invoiceOutcome struct {
	movements    int
	receivableID string
}

// InvoiceSalesOrder delivers the whole order at once. With stock deduction
// every line is checked against the default warehouse before anything is
// written, and one short line fails the entire order.
func (s *Service) InvoiceSalesOrder(ctx context.Context, id string, req domain.SalesOrderInvoiceRequest) (domain.SalesOrder, error) {
	var outcome invoiceOutcome
	invoiced, err := s.mutateSalesOrder(ctx, id, func(ctx context.Context, actor domain.Actor, so *domain.SalesOrder) (*domain.SalesOrder, error) {
		outcome = invoiceOutcome{}
		switch so.Status {
		case domain.SalesOrderCancelled:
			return nil, invalid("sales order %s is cancelled", so.Number)
		case domain.SalesOrderDelivered:
			return nil, invalid("sales order %s is already invoiced", so.Number)
		}
		if !so.Status.CanTransitionTo(domain.SalesOrderDelivered) {
			return nil, invalid("sales order %s cannot move from %s to %s", so.Number, so.Status, domain.SalesOrderDelivered)
		}

		total := linesTotal(so.Lines)
		if !total.IsPositive() {
			return nil, invalid("sales order %s has nothing to invoice", so.Number)
		}

		warehouseID := ""
		if req.DeductStock {
			var err error
			warehouseID, err = s.ledger.DefaultWarehouse(ctx, so.CompanyID)
			if err != nil {
				return nil, err
			}
			if err := s.checkAvailability(ctx, warehouseID, so.Lines); err != nil {
				return nil, err
			}
		}

		now := time.Now().UTC()
		if req.CreateAccountReceivable {
			receivableID, err := s.finance.IssueReceivable(ctx, domain.FinancialDocument{
				Description:    "Sales order " + so.Number,
				Amount:         money.RoundCurrency(total),
				DueDate:        s.dueDate(now),
				OriginType:     domain.OriginSalesOrder,
				OriginID:       so.ID,
				CounterpartyID: so.CustomerID,
				BranchID:       so.BranchID,
				CreatedAt:      now,
			})
			if err != nil {
				return nil, err
			}
			outcome.receivableID = receivableID
		}

		if req.DeductStock {
			for i := range so.Lines {
				line := &so.Lines[i]
				if _, err := s.ledger.PostMovement(ctx, domain.StockMovement{
					ID:           xid.New("mov"),
					Type:         domain.MovementExit,
					ProductID:    line.ProductID,
					WarehouseID:  warehouseID,
					Quantity:     line.Quantity,
					UnitCost:     line.UnitPrice,
					OriginType:   domain.OriginSalesOrder,
					OriginID:     so.ID,
					OriginNumber: so.Number,
					CreatedBy:    actor.Username,
					CreatedAt:    now,
				}); err != nil {
					return nil, err
				}
				line.FulfilledQuantity = money.MinQuantity(line.FulfilledQuantity.Add(line.Quantity), line.Quantity)
				outcome.movements++
			}
		}

		so.Status = domain.SalesOrderDelivered
		return so, nil
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	s.metrics.StockMovements(string(domain.MovementExit), outcome.movements)
	s.metrics.OrderTransition(salesKind, string(domain.SalesOrderDelivered))
	if outcome.receivableID != "" {
		s.metrics.FinancialDocument(string(domain.DocumentReceivable))
	}
	s.logAudit(ctx, invoiced.BranchID, "sales_order_invoice", "sales_order", invoiced.ID,
		fmt.Sprintf("number=%s,total=%s,deduct_stock=%t,movements=%d,receivable=%s", invoiced.Number, invoiced.Total, req.DeductStock, outcome.movements, outcome.receivableID))
	return *invoiced, nil
}

// checkAvailability compares the quantity each product needs across all
// lines with what the warehouse holds.
func (s *Service) checkAvailability(ctx context.Context, warehouseID string, lines []domain.OrderLine) error {
	required := make(map[string]decimal.Decimal, len(lines))
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, seen := required[line.ProductID]; !seen {
			order = append(order, line.ProductID)
		}
		required[line.ProductID] = required[line.ProductID].Add(line.Quantity)
	}

	for _, productID := range order {
		need := money.RoundQuantity(required[productID])
		available, err := s.ledger.AvailableQuantity(ctx, productID, warehouseID)
		if err != nil {
			return err
		}
		if available.LessThan(need) {
			return fmt.Errorf("%w: product %s has %s available in warehouse %s, %s required",
				store.ErrInsufficientStock, s.productLabel(ctx, productID), available, warehouseID, need)
		}
	}
	return nil
}
