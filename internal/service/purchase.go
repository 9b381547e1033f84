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

const purchaseKind = "purchase"

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	if req.BranchID == "" {
		req.BranchID = actor.BranchID
	}
	if err := access.AssertBranchAccess(actor, req.BranchID); err != nil {
		return domain.PurchaseOrder{}, err
	}
	if len(req.Lines) == 0 {
		return domain.PurchaseOrder{}, invalid("purchase order needs at least one line")
	}

	branch, err := s.resolveBranch(ctx, req.BranchID)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	supplierID := strings.TrimSpace(req.SupplierID)
	if _, err := s.resolveSupplier(ctx, supplierID, branch.ID); err != nil {
		return domain.PurchaseOrder{}, err
	}
	lines, err := s.normalizeLines(ctx, branch.ID, req.Lines)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	var saved *domain.PurchaseOrder
	err = sequence.Retry(ctx, store.ErrConflict, func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context) error {
			last, err := s.repo.LastPurchaseOrderNumber(ctx, branch.ID)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			saved, err = s.repo.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
				ID:                   xid.New("po"),
				Number:               sequence.Next(last, sequence.PurchaseOrderPrefix),
				BranchID:             branch.ID,
				CompanyID:            branch.CompanyID,
				SupplierID:           supplierID,
				ExpectedDeliveryDate: req.ExpectedDeliveryDate,
				Notes:                strings.TrimSpace(req.Notes),
				Status:               domain.PurchaseOrderDraft,
				CreatedBy:            actor.Username,
				CreatedAt:            now,
				UpdatedAt:            now,
				Lines:                lines,
			})
			return err
		})
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	saved.Total = linesTotal(saved.Lines)
	s.metrics.OrderCreated(purchaseKind)
	s.logAudit(ctx, saved.BranchID, "purchase_order_create", "purchase_order", saved.ID, fmt.Sprintf("number=%s,lines=%d,total=%s", saved.Number, len(saved.Lines), saved.Total))
	return *saved, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	po, found, err := s.cache.GetPurchaseOrder(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "order cache read failed", "id", id, "err", err)
		found = false
	}
	if !found {
		po, err = s.repo.GetPurchaseOrder(ctx, id)
		if err != nil {
			return domain.PurchaseOrder{}, err
		}
		po.Total = linesTotal(po.Lines)
		if err := s.cache.SetPurchaseOrder(ctx, po, s.cacheTTL); err != nil {
			s.logger.WarnContext(ctx, "order cache write failed", "id", id, "err", err)
		}
	}
	if po.DeletedAt != nil {
		return domain.PurchaseOrder{}, store.ErrNotFound
	}

	if err := access.AssertBranchAccess(actor, po.BranchID); err != nil {
		return domain.PurchaseOrder{}, err
	}
	return *po, nil
}

func (s *Service) ListPurchaseOrders(ctx context.Context, filter domain.OrderFilter) (domain.PurchaseOrderListResponse, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return domain.PurchaseOrderListResponse{}, err
	}
	filter, err = scopeFilter(actor, filter)
	if err != nil {
		return domain.PurchaseOrderListResponse{}, err
	}

	orders, total, err := s.repo.ListPurchaseOrders(ctx, filter)
	if err != nil {
		return domain.PurchaseOrderListResponse{}, err
	}
	for i := range orders {
		orders[i].Total = linesTotal(orders[i].Lines)
	}
	return domain.PurchaseOrderListResponse{
		PurchaseOrders: orders,
		Page:           filter.Page,
		Limit:          filter.Limit,
		Total:          total,
	}, nil
}

func (s *Service) ExportPurchaseOrders(ctx context.Context, filter domain.OrderFilter) ([]byte, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	filter, err = scopeFilter(actor, filter)
	if err != nil {
		return nil, err
	}
	filter.Page, filter.Limit = 1, maxExportRows

	orders, _, err := s.repo.ListPurchaseOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Total = linesTotal(orders[i].Lines)
	}
	return report.PurchaseOrdersWorkbook(orders)
}

// mutatePurchaseOrder locks the order, checks branch access and runs fn
// inside one unit of work. fn returns the order to persist, or nil to leave
// it untouched.
func (s *Service) mutatePurchaseOrder(ctx context.Context, id string, fn func(ctx context.Context, actor domain.Actor, po *domain.PurchaseOrder) (*domain.PurchaseOrder, error)) (*domain.PurchaseOrder, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}

	var result *domain.PurchaseOrder
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		po, err := s.repo.LockPurchaseOrder(ctx, id)
		if err != nil {
			return err
		}
		if err := access.AssertBranchAccess(actor, po.BranchID); err != nil {
			return err
		}
		changed, err := fn(ctx, actor, po)
		if err != nil {
			return err
		}
		if changed == nil {
			result = po
			return nil
		}
		changed.UpdatedAt = time.Now().UTC()
		result, err = s.repo.SavePurchaseOrder(ctx, *changed)
		return err
	})
	if err != nil {
		return nil, err
	}

	result.Total = linesTotal(result.Lines)
	if err := s.cache.SetPurchaseOrder(ctx, result, s.cacheTTL); err != nil {
		s.logger.WarnContext(ctx, "order cache write failed", "id", id, "err", err)
		s.forget(ctx, cache.PurchaseOrderKey(id))
	}
	return result, nil
}

func requireDraftPurchase(po *domain.PurchaseOrder) error {
	if po.Status != domain.PurchaseOrderDraft {
		return invalid("purchase order %s is %s; only DRAFT orders can be changed", po.Number, po.Status)
	}
	return nil
}

func (s *Service) UpdatePurchaseOrder(ctx context.Context, id string, req domain.PurchaseOrderUpdateRequest) (domain.PurchaseOrder, error) {
	updated, err := s.mutatePurchaseOrder(ctx, id, func(ctx context.Context, _ domain.Actor, po *domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
		if err := requireDraftPurchase(po); err != nil {
			return nil, err
		}
		if req.SupplierID != nil {
			supplierID := strings.TrimSpace(*req.SupplierID)
			if _, err := s.resolveSupplier(ctx, supplierID, po.BranchID); err != nil {
				return nil, err
			}
			po.SupplierID = supplierID
		}
		if req.ExpectedDeliveryDate != nil {
			po.ExpectedDeliveryDate = req.ExpectedDeliveryDate
		}
		if req.Notes != nil {
			po.Notes = strings.TrimSpace(*req.Notes)
		}
		if req.Lines != nil {
			lines, err := s.normalizeLines(ctx, po.BranchID, req.Lines)
			if err != nil {
				return nil, err
			}
			po.Lines = lines
		}
		return po, nil
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	s.logAudit(ctx, updated.BranchID, "purchase_order_update", "purchase_order", updated.ID, fmt.Sprintf("number=%s,lines=%d", updated.Number, len(updated.Lines)))
	return *updated, nil
}

func (s *Service) DeletePurchaseOrder(ctx context.Context, id string) error {
	deleted, err := s.mutatePurchaseOrder(ctx, id, func(_ context.Context, _ domain.Actor, po *domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
		if err := requireDraftPurchase(po); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		po.DeletedAt = &now
		return po, nil
	})
	if err != nil {
		return err
	}
	s.logAudit(ctx, deleted.BranchID, "purchase_order_delete", "purchase_order", deleted.ID, "number="+deleted.Number)
	return nil
}

// SendPurchaseOrder marks a draft as placed with the supplier.
func (s *Service) SendPurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	return s.transitionPurchaseOrder(ctx, id, domain.PurchaseOrderSent, "purchase_order_send")
}

func (s *Service) CancelPurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	return s.transitionPurchaseOrder(ctx, id, domain.PurchaseOrderCancelled, "purchase_order_cancel")
}

func (s *Service) transitionPurchaseOrder(ctx context.Context, id string, target domain.PurchaseOrderStatus, action string) (domain.PurchaseOrder, error) {
	updated, err := s.mutatePurchaseOrder(ctx, id, func(_ context.Context, _ domain.Actor, po *domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
		if po.Status != domain.PurchaseOrderDraft || !po.Status.CanTransitionTo(target) {
			return nil, invalid("purchase order %s cannot move from %s to %s", po.Number, po.Status, target)
		}
		po.Status = target
		return po, nil
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	s.metrics.OrderTransition(purchaseKind, string(target))
	s.logAudit(ctx, updated.BranchID, action, "purchase_order", updated.ID, "number="+updated.Number)
	return *updated, nil
}

type receiptOutcome struct {
	movements int
	value     decimal.Decimal
	payableID string
	from      domain.PurchaseOrderStatus
}

// ReceivePurchaseOrder books goods against the order. Quantities beyond what
// is still pending are capped, not rejected.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, id string, req domain.PurchaseOrderReceiveRequest) (domain.PurchaseOrder, error) {
	var outcome receiptOutcome
	received, err := s.mutatePurchaseOrder(ctx, id, func(ctx context.Context, actor domain.Actor, po *domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
		outcome = receiptOutcome{value: decimal.Zero, from: po.Status}
		switch po.Status {
		case domain.PurchaseOrderCancelled:
			return nil, invalid("purchase order %s is cancelled", po.Number)
		case domain.PurchaseOrderReceived:
			return nil, invalid("purchase order %s is already fully received", po.Number)
		}
		if len(req.Items) == 0 {
			return nil, invalid("no items to receive for purchase order %s", po.Number)
		}

		index := make(map[string]int, len(po.Lines))
		for i, line := range po.Lines {
			index[line.ID] = i
		}
		for _, item := range req.Items {
			if _, ok := index[item.LineID]; !ok {
				return nil, invalid("line %s does not belong to purchase order %s", item.LineID, po.Number)
			}
		}

		warehouseID := ""
		for _, item := range req.Items {
			requested := money.RoundQuantity(item.QuantityReceived)
			if !requested.IsPositive() {
				continue
			}
			line := &po.Lines[index[item.LineID]]
			delta := money.MinQuantity(requested, line.Pending())
			if !delta.IsPositive() {
				continue
			}

			if warehouseID == "" {
				var err error
				warehouseID, err = s.ledger.DefaultWarehouse(ctx, po.CompanyID)
				if err != nil {
					return nil, err
				}
			}
			if _, err := s.ledger.PostMovement(ctx, domain.StockMovement{
				ID:           xid.New("mov"),
				Type:         domain.MovementEntry,
				ProductID:    line.ProductID,
				WarehouseID:  warehouseID,
				Quantity:     delta,
				UnitCost:     line.UnitPrice,
				OriginType:   domain.OriginPurchaseOrder,
				OriginID:     po.ID,
				OriginNumber: po.Number,
				CreatedBy:    actor.Username,
				CreatedAt:    time.Now().UTC(),
			}); err != nil {
				return nil, err
			}
			line.FulfilledQuantity = money.RoundQuantity(line.FulfilledQuantity.Add(delta))
			outcome.value = outcome.value.Add(delta.Mul(line.Price()))
			outcome.movements++
		}
		if outcome.movements == 0 {
			return nil, nil
		}

		next := receivingStatus(po.Status, po.Lines)
		if next != po.Status && !po.Status.CanTransitionTo(next) {
			return nil, invalid("purchase order %s cannot move from %s to %s", po.Number, po.Status, next)
		}
		po.Status = next

		amount := money.RoundCurrency(outcome.value)
		if req.CreateAccountPayable && amount.IsPositive() {
			now := time.Now().UTC()
			payableID, err := s.finance.IssuePayable(ctx, domain.FinancialDocument{
				Description:    "Purchase order " + po.Number,
				Amount:         amount,
				DueDate:        s.dueDate(now),
				OriginType:     domain.OriginPurchaseOrder,
				OriginID:       po.ID,
				CounterpartyID: po.SupplierID,
				BranchID:       po.BranchID,
				CreatedAt:      now,
			})
			if err != nil {
				return nil, err
			}
			outcome.payableID = payableID
		}
		return po, nil
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	if outcome.movements == 0 {
		return *received, nil
	}

	s.metrics.StockMovements(string(domain.MovementEntry), outcome.movements)
	if received.Status != outcome.from {
		s.metrics.OrderTransition(purchaseKind, string(received.Status))
	}
	if outcome.payableID != "" {
		s.metrics.FinancialDocument(string(domain.DocumentPayable))
	}
	s.logAudit(ctx, received.BranchID, "purchase_order_receive", "purchase_order", received.ID,
		fmt.Sprintf("number=%s,movements=%d,value=%s,status=%s,payable=%s", received.Number, outcome.movements, money.RoundCurrency(outcome.value), received.Status, outcome.payableID))
	return *received, nil
}

// receivingStatus derives the order status from aggregated fulfilment. A
// draft that receives only part of its goods is reported as SENT.
func receivingStatus(current domain.PurchaseOrderStatus, lines []domain.OrderLine) domain.PurchaseOrderStatus {
	ordered := decimal.Zero
	fulfilled := decimal.Zero
	for _, line := range lines {
		ordered = ordered.Add(line.Quantity)
		fulfilled = fulfilled.Add(line.FulfilledQuantity)
	}
	switch {
	case fulfilled.GreaterThanOrEqual(ordered):
		return domain.PurchaseOrderReceived
	case !fulfilled.IsPositive():
		return current
	case current == domain.PurchaseOrderDraft:
		return domain.PurchaseOrderSent
	default:
		return domain.PurchaseOrderPartiallyReceived
	}
}
