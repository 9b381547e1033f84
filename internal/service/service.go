package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Modulys-Pax/erp-sub000/internal/access"
	"github.com/Modulys-Pax/erp-sub000/internal/cache"
	"github.com/Modulys-Pax/erp-sub000/internal/domain"
	"github.com/Modulys-Pax/erp-sub000/internal/metrics"
	"github.com/Modulys-Pax/erp-sub000/internal/money"
	"github.com/Modulys-Pax/erp-sub000/internal/store"
	"github.com/Modulys-Pax/erp-sub000/internal/xid"
)

const (
	defaultPaymentTermDays = 30
	defaultPageSize        = 20
	maxPageSize            = 100
	maxExportRows          = 5000
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
	Cache           cache.OrderCache
	CacheTTL        time.Duration
	Metrics         *metrics.Recorder
	Logger          *slog.Logger
	PaymentTermDays int
}

type Service struct {
	repo        store.Repository
	ledger      store.StockLedger
	finance     store.FinancialIssuer
	cache       cache.OrderCache
	cacheTTL    time.Duration
	metrics     *metrics.Recorder
	logger      *slog.Logger
	paymentTerm int
}

func New(repo store.Repository, ledger store.StockLedger, finance store.FinancialIssuer, opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.NoopOrderCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PaymentTermDays < 1 {
		opts.PaymentTermDays = defaultPaymentTermDays
	}

	return &Service{
		repo:        repo,
		ledger:      ledger,
		finance:     finance,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		paymentTerm: opts.PaymentTermDays,
	}
}

func actorFrom(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Role) == "" {
		return domain.Actor{}, fmt.Errorf("%w: no acting user", access.ErrForbidden)
	}
	return actor, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrNotFound, fmt.Sprintf(format, args...))
}

// scopeFilter pins a list query to the actor's branch unless the actor may
// see the requested one.
func scopeFilter(actor domain.Actor, filter domain.OrderFilter) (domain.OrderFilter, error) {
	filter.BranchID = strings.TrimSpace(filter.BranchID)
	if filter.BranchID == "" && actor.Role != domain.RoleAdmin {
		filter.BranchID = actor.BranchID
	}
	if filter.BranchID != "" {
		if err := access.AssertBranchAccess(actor, filter.BranchID); err != nil {
			return filter, err
		}
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	return filter, nil
}

func (s *Service) resolveBranch(ctx context.Context, branchID string) (*domain.Branch, error) {
	branch, err := s.repo.GetBranch(ctx, branchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("branch %s", branchID)
		}
		return nil, err
	}
	if !branch.Active || branch.DeletedAt != nil {
		return nil, notFound("branch %s", branchID)
	}
	return branch, nil
}

func (s *Service) resolveSupplier(ctx context.Context, supplierID string, branchID string) (*domain.Supplier, error) {
	supplier, err := s.repo.GetSupplier(ctx, supplierID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("supplier %s", supplierID)
		}
		return nil, err
	}
	if !supplier.Active || supplier.DeletedAt != nil || supplier.BranchID != branchID {
		return nil, notFound("supplier %s", supplierID)
	}
	return supplier, nil
}

func (s *Service) resolveCustomer(ctx context.Context, customerID string, branchID string) (*domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("customer %s", customerID)
		}
		return nil, err
	}
	if !customer.Active || customer.DeletedAt != nil || customer.BranchID != branchID {
		return nil, notFound("customer %s", customerID)
	}
	return customer, nil
}

// normalizeLines resolves every product in the branch and rounds quantities
// and prices before deriving line totals.
func (s *Service) normalizeLines(ctx context.Context, branchID string, inputs []domain.OrderLineInput) ([]domain.OrderLine, error) {
	if len(inputs) == 0 {
		return nil, invalid("order needs at least one line")
	}

	lines := make([]domain.OrderLine, 0, len(inputs))
	for i, in := range inputs {
		productID := strings.TrimSpace(in.ProductID)
		if productID == "" {
			return nil, invalid("line %d has no product", i+1)
		}
		qty := money.RoundQuantity(in.Quantity)
		if !qty.IsPositive() {
			return nil, invalid("line %d quantity must be positive", i+1)
		}
		var price *decimal.Decimal
		if in.UnitPrice != nil {
			rounded := money.RoundCurrency(*in.UnitPrice)
			if rounded.IsNegative() {
				return nil, invalid("line %d unit price must not be negative", i+1)
			}
			price = &rounded
		}

		product, err := s.repo.GetProduct(ctx, productID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, notFound("product %s", productID)
			}
			return nil, err
		}
		if !product.Active || product.DeletedAt != nil || product.BranchID != branchID {
			return nil, notFound("product %s", productID)
		}

		line := domain.OrderLine{
			ID:                xid.New("line"),
			ProductID:         productID,
			Quantity:          qty,
			FulfilledQuantity: decimal.Zero,
			UnitPrice:         price,
			LineTotal:         decimal.Zero,
		}
		if price != nil {
			line.LineTotal = money.LineTotal(qty, *price)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func linesTotal(lines []domain.OrderLine) decimal.Decimal {
	totals := make([]decimal.Decimal, 0, len(lines))
	for _, line := range lines {
		totals = append(totals, line.LineTotal)
	}
	return money.Sum(totals...)
}

func (s *Service) productLabel(ctx context.Context, productID string) string {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil || product.Code == "" {
		return productID
	}
	return fmt.Sprintf("%s (%s)", product.Code, product.Name)
}

func (s *Service) dueDate(now time.Time) time.Time {
	return now.AddDate(0, 0, s.paymentTerm)
}

func (s *Service) forget(ctx context.Context, keys ...string) {
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.WarnContext(ctx, "order cache invalidation failed", "keys", keys, "err", err)
	}
}

// logAudit runs after the unit of work commits; a failed write is logged
// and never fails the operation.
func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.WarnContext(ctx, "failed to write audit log", "action", action, "entity_type", entityType, "entity_id", entityID, "err", err)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	if branchID == "" && actor.Role != domain.RoleAdmin {
		branchID = actor.BranchID
	}
	if branchID != "" {
		if err := access.AssertBranchAccess(actor, branchID); err != nil {
			return nil, err
		}
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, branchID, limit)
}

// originBranch finds the branch of the order a ledger movement or financial
// document points at.
func (s *Service) originBranch(ctx context.Context, originID string) (string, error) {
	if po, err := s.repo.GetPurchaseOrder(ctx, originID); err == nil {
		return po.BranchID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	so, err := s.repo.GetSalesOrder(ctx, originID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", notFound("order %s", originID)
		}
		return "", err
	}
	return so.BranchID, nil
}

func (s *Service) ListStockMovements(ctx context.Context, originID string) ([]domain.StockMovement, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	originID = strings.TrimSpace(originID)
	if originID == "" {
		return nil, invalid("origin_id is required")
	}
	branchID, err := s.originBranch(ctx, originID)
	if err != nil {
		return nil, err
	}
	if err := access.AssertBranchAccess(actor, branchID); err != nil {
		return nil, err
	}
	return s.ledger.ListMovements(ctx, originID)
}

func (s *Service) ListFinancialDocuments(ctx context.Context, originID string) ([]domain.FinancialDocument, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	originID = strings.TrimSpace(originID)
	if originID == "" {
		return nil, invalid("origin_id is required")
	}
	branchID, err := s.originBranch(ctx, originID)
	if err != nil {
		return nil, err
	}
	if err := access.AssertBranchAccess(actor, branchID); err != nil {
		return nil, err
	}
	return s.finance.ListDocuments(ctx, originID)
}
