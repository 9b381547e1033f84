package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Modulys-Pax/erp-sub000/internal/access"
	"github.com/Modulys-Pax/erp-sub000/internal/cache"
	"github.com/Modulys-Pax/erp-sub000/internal/domain"
	"github.com/Modulys-Pax/erp-sub000/internal/metrics"
	"github.com/Modulys-Pax/erp-sub000/internal/store"
	"github.com/Modulys-Pax/erp-sub000/internal/store/memory"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func price(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func newTestRepo() *memory.Store {
	repo := memory.New()
	repo.AddBranch(domain.Branch{ID: "br-main", CompanyID: "co-fleet", Name: "Head office", Active: true})
	repo.AddBranch(domain.Branch{ID: "br-north", CompanyID: "co-fleet", Name: "North depot", Active: true})
	repo.AddBranch(domain.Branch{ID: "br-closed", CompanyID: "co-fleet", Name: "Closed depot", Active: false})
	repo.AddWarehouse(domain.Warehouse{ID: "wh-main", CompanyID: "co-fleet", Name: "Central", IsDefault: true})
	repo.AddSupplier(domain.Supplier{ID: "sup-lubri", BranchID: "br-main", Name: "Lubri", Active: true})
	repo.AddSupplier(domain.Supplier{ID: "sup-parts", BranchID: "br-north", Name: "North parts", Active: true})
	repo.AddSupplier(domain.Supplier{ID: "sup-old", BranchID: "br-main", Name: "Old supplier", Active: false})
	repo.AddCustomer(domain.Customer{ID: "cus-transit", BranchID: "br-main", Name: "Transit", Active: true})
	repo.AddProduct(domain.Product{ID: "prd-oil", BranchID: "br-main", Code: "OIL-15W40", Name: "Engine oil", Unit: "L", Active: true})
	repo.AddProduct(domain.Product{ID: "prd-filter", BranchID: "br-main", Code: "FLT-OIL-01", Name: "Oil filter", Unit: "UN", Active: true})
	repo.AddProduct(domain.Product{ID: "prd-brake", BranchID: "br-north", Code: "BRK-PAD-01", Name: "Brake pads", Unit: "UN", Active: true})
	repo.SetBalance("prd-oil", "wh-main", dec("200"))
	repo.SetBalance("prd-filter", "wh-main", dec("3"))
	return repo
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService() (*Service, *memory.Store) {
	repo := newTestRepo()
	return New(repo, repo, repo, Options{Logger: quietLogger(), Metrics: metrics.New()}), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "u-admin", Username: "admin", BranchID: "br-main", Role: domain.RoleAdmin})
}

func managerCtx(branchID string) context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "u-" + branchID, Username: "manager-" + branchID, BranchID: branchID, Role: domain.RoleManager})
}

func createOilPO(t *testing.T, svc *Service, ctx context.Context) domain.PurchaseOrder {
	t.Helper()
	po, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		BranchID:   "br-main",
		SupplierID: "sup-lubri",
		Lines:      []domain.OrderLineInput{{ProductID: "prd-oil", Quantity: dec("10"), UnitPrice: price("25.50")}},
	})
	require.NoError(t, err)
	return po
}

func TestPurchaseOrderReceivingScenario(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()

	po := createOilPO(t, svc, ctx)
	require.Equal(t, "PO-001", po.Number)
	require.Equal(t, domain.PurchaseOrderDraft, po.Status)
	require.True(t, po.Total.Equal(dec("255.00")), "total=%s", po.Total)
	require.True(t, po.Lines[0].LineTotal.Equal(dec("255")))

	po, err := svc.SendPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseOrderSent, po.Status)

	lineID := po.Lines[0].ID
	po, err = svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: lineID, QuantityReceived: dec("4")}},
	})
	require.NoError(t, err)
	require.True(t, po.Lines[0].FulfilledQuantity.Equal(dec("4")))
	require.Equal(t, domain.PurchaseOrderPartiallyReceived, po.Status)

	movements, err := repo.ListMovements(context.Background(), po.ID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, domain.MovementEntry, movements[0].Type)
	require.True(t, movements[0].Quantity.Equal(dec("4")))
	require.True(t, movements[0].UnitCost.Equal(dec("25.50")))
	require.Equal(t, "PO-001", movements[0].OriginNumber)
	require.Equal(t, domain.OriginPurchaseOrder, movements[0].OriginType)

	po, err = svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: lineID, QuantityReceived: dec("100")}},
	})
	require.NoError(t, err)
	require.True(t, po.Lines[0].FulfilledQuantity.Equal(dec("10")))
	require.Equal(t, domain.PurchaseOrderReceived, po.Status)

	movements, err = repo.ListMovements(context.Background(), po.ID)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	require.True(t, movements[1].Quantity.Equal(dec("6")))

	available, err := repo.AvailableQuantity(context.Background(), "prd-oil", "wh-main")
	require.NoError(t, err)
	require.True(t, available.Equal(dec("210")))

	docs, err := repo.ListDocuments(context.Background(), po.ID)
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestDraftPartialReceiptIsReportedAsSent(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()
	po := createOilPO(t, svc, ctx)

	po, err := svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: po.Lines[0].ID, QuantityReceived: dec("4")}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseOrderSent, po.Status)

	po, err = svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: po.Lines[0].ID, QuantityReceived: dec("1")}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseOrderPartiallyReceived, po.Status)
}

func TestDraftFullReceiptGoesStraightToReceived(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()
	po := createOilPO(t, svc, ctx)

	po, err := svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: po.Lines[0].ID, QuantityReceived: dec("10")}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseOrderReceived, po.Status)
}

func TestReceiveIssuesOnePayableForAcceptedValue(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()

	po, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		BranchID:   "br-main",
		SupplierID: "sup-lubri",
		Lines: []domain.OrderLineInput{
			{ProductID: "prd-oil", Quantity: dec("10"), UnitPrice: price("25.50")},
			{ProductID: "prd-filter", Quantity: dec("2"), UnitPrice: price("19.99")},
		},
	})
	require.NoError(t, err)
	require.True(t, po.Total.Equal(dec("294.98")))

	before := time.Now().UTC()
	po, err = svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{
			{LineID: po.Lines[0].ID, QuantityReceived: dec("3")},
			{LineID: po.Lines[1].ID, QuantityReceived: dec("5")},
		},
		CreateAccountPayable: true,
	})
	require.NoError(t, err)
	require.True(t, po.Lines[1].FulfilledQuantity.Equal(dec("2")))

	docs, err := repo.ListDocuments(context.Background(), po.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, domain.DocumentPayable, docs[0].Kind)
	// 3 x 25.50 + 2 x 19.99
	require.True(t, docs[0].Amount.Equal(dec("116.48")), "amount=%s", docs[0].Amount)
	require.Equal(t, "sup-lubri", docs[0].CounterpartyID)
	require.Equal(t, "br-main", docs[0].BranchID)
	require.Equal(t, "Purchase order "+po.Number, docs[0].Description)
	require.WithinDuration(t, before.AddDate(0, 0, 30), docs[0].DueDate, time.Minute)
}

func TestReceiveSkipsPayableWhenNothingIsPriced(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()

	po, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		BranchID:   "br-main",
		SupplierID: "sup-lubri",
		Lines:      []domain.OrderLineInput{{ProductID: "prd-filter", Quantity: dec("2")}},
	})
	require.NoError(t, err)
	require.True(t, po.Total.IsZero())

	_, err = svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items:                []domain.ReceiveLine{{LineID: po.Lines[0].ID, QuantityReceived: dec("2")}},
		CreateAccountPayable: true,
	})
	require.NoError(t, err)

	docs, err := repo.ListDocuments(context.Background(), po.ID)
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestReceiveRejectsClosedOrders(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	cancelled := createOilPO(t, svc, ctx)
	_, err := svc.CancelPurchaseOrder(ctx, cancelled.ID)
	require.NoError(t, err)
	_, err = svc.ReceivePurchaseOrder(ctx, cancelled.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: cancelled.Lines[0].ID, QuantityReceived: dec("1")}},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	full := createOilPO(t, svc, ctx)
	_, err = svc.ReceivePurchaseOrder(ctx, full.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: full.Lines[0].ID, QuantityReceived: dec("10")}},
	})
	require.NoError(t, err)
	_, err = svc.ReceivePurchaseOrder(ctx, full.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: full.Lines[0].ID, QuantityReceived: dec("1")}},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestReceiveIgnoresNonPositiveQuantities(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()
	po := createOilPO(t, svc, ctx)

	got, err := svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{
			{LineID: po.Lines[0].ID, QuantityReceived: dec("0")},
			{LineID: po.Lines[0].ID, QuantityReceived: dec("-3")},
		},
		CreateAccountPayable: true,
	})
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseOrderDraft, got.Status)
	require.True(t, got.Lines[0].FulfilledQuantity.IsZero())

	movements, err := repo.ListMovements(context.Background(), po.ID)
	require.NoError(t, err)
	require.Empty(t, movements)
}

func TestReceiveRejectsForeignLineWithoutSideEffects(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()
	po := createOilPO(t, svc, ctx)

	_, err := svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{
			{LineID: po.Lines[0].ID, QuantityReceived: dec("2")},
			{LineID: "line-unknown", QuantityReceived: dec("1")},
		},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	require.ErrorContains(t, err, "line-unknown")

	movements, err := repo.ListMovements(context.Background(), po.ID)
	require.NoError(t, err)
	require.Empty(t, movements)

	_, err = svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
}

type failingLedger struct {
	*memory.Store
	failOn int
	posted int
}

func (l *failingLedger) PostMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	l.posted++
	if l.posted == l.failOn {
		return nil, errors.New("ledger unavailable")
	}
	return l.Store.PostMovement(ctx, movement)
}

func TestReceiveRollsBackWhenLedgerFails(t *testing.T) {
	repo := newTestRepo()
	ledger := &failingLedger{Store: repo, failOn: 2}
	svc := New(repo, ledger, repo, Options{Logger: quietLogger()})
	ctx := adminCtx()

	po, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		BranchID:   "br-main",
		SupplierID: "sup-lubri",
		Lines: []domain.OrderLineInput{
			{ProductID: "prd-oil", Quantity: dec("10"), UnitPrice: price("25.50")},
			{ProductID: "prd-filter", Quantity: dec("2"), UnitPrice: price("19.99")},
		},
	})
	require.NoError(t, err)

	_, err = svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{
			{LineID: po.Lines[0].ID, QuantityReceived: dec("10")},
			{LineID: po.Lines[1].ID, QuantityReceived: dec("2")},
		},
		CreateAccountPayable: true,
	})
	require.Error(t, err)

	after, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseOrderDraft, after.Status)
	for _, line := range after.Lines {
		require.True(t, line.FulfilledQuantity.IsZero())
	}
	movements, err := repo.ListMovements(context.Background(), po.ID)
	require.NoError(t, err)
	require.Empty(t, movements)
	available, err := repo.AvailableQuantity(context.Background(), "prd-oil", "wh-main")
	require.NoError(t, err)
	require.True(t, available.Equal(dec("200")))
	docs, err := repo.ListDocuments(context.Background(), po.ID)
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestInvoiceRollsBackWhenLedgerFails(t *testing.T) {
	repo := newTestRepo()
	ledger := &failingLedger{Store: repo, failOn: 2}
	svc := New(repo, ledger, repo, Options{Logger: quietLogger()})
	ctx := adminCtx()

	so := createSalesOrder(t, svc,
		domain.OrderLineInput{ProductID: "prd-oil", Quantity: dec("5"), UnitPrice: price("40")},
		domain.OrderLineInput{ProductID: "prd-filter", Quantity: dec("2"), UnitPrice: price("30")},
	)

	_, err := svc.InvoiceSalesOrder(ctx, so.ID, domain.SalesOrderInvoiceRequest{CreateAccountReceivable: true, DeductStock: true})
	require.Error(t, err)
	require.Equal(t, 2, ledger.posted)

	after, err := svc.GetSalesOrder(ctx, so.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SalesOrderDraft, after.Status)
	for _, line := range after.Lines {
		require.True(t, line.FulfilledQuantity.IsZero())
	}
	docs, err := repo.ListDocuments(context.Background(), so.ID)
	require.NoError(t, err)
	require.Empty(t, docs)
	movements, err := repo.ListMovements(context.Background(), so.ID)
	require.NoError(t, err)
	require.Empty(t, movements)

	oil, err := repo.AvailableQuantity(context.Background(), "prd-oil", "wh-main")
	require.NoError(t, err)
	require.True(t, oil.Equal(dec("200")))
	filter, err := repo.AvailableQuantity(context.Background(), "prd-filter", "wh-main")
	require.NoError(t, err)
	require.True(t, filter.Equal(dec("3")))
}

var purchaseRank = map[domain.PurchaseOrderStatus]int{
	domain.PurchaseOrderDraft:             0,
	domain.PurchaseOrderSent:              1,
	domain.PurchaseOrderPartiallyReceived: 2,
	domain.PurchaseOrderReceived:          3,
}

func TestFulfilledStaysWithinOrderedAndStatusNeverRegresses(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	po, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		BranchID:   "br-main",
		SupplierID: "sup-lubri",
		Lines: []domain.OrderLineInput{
			{ProductID: "prd-oil", Quantity: dec("7.5"), UnitPrice: price("12.10")},
			{ProductID: "prd-filter", Quantity: dec("3"), UnitPrice: price("8")},
			{ProductID: "prd-oil", Quantity: dec("0.3333"), UnitPrice: price("1.11")},
		},
	})
	require.NoError(t, err)

	steps := [][]string{
		{"0.1", "0", "0.2"},
		{"2.4", "-1", "0"},
		{"0", "1.5", "0.1"},
		{"10", "0.7", "5"},
		{"1", "1", "1"},
		{"3", "3", "3"},
	}
	lastRank := purchaseRank[po.Status]
	for i, step := range steps {
		items := make([]domain.ReceiveLine, 0, len(step))
		for j, qty := range step {
			items = append(items, domain.ReceiveLine{LineID: po.Lines[j].ID, QuantityReceived: dec(qty)})
		}
		got, err := svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{Items: items})
		if err != nil {
			require.Equal(t, domain.PurchaseOrderReceived, po.Status, "step %d", i)
			require.ErrorIs(t, err, store.ErrInvalidTransaction, "step %d", i)
			continue
		}
		po = got

		allDone := true
		for _, line := range po.Lines {
			require.False(t, line.FulfilledQuantity.IsNegative(), "step %d", i)
			require.True(t, line.FulfilledQuantity.LessThanOrEqual(line.Quantity), "step %d: %s > %s", i, line.FulfilledQuantity, line.Quantity)
			if line.FulfilledQuantity.LessThan(line.Quantity) {
				allDone = false
			}
		}
		require.Equal(t, allDone, po.Status == domain.PurchaseOrderReceived, "step %d", i)
		require.GreaterOrEqual(t, purchaseRank[po.Status], lastRank, "step %d", i)
		lastRank = purchaseRank[po.Status]
	}
	require.Equal(t, domain.PurchaseOrderReceived, po.Status)
}

func TestOrderNumbersAreSequentialPerBranch(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	first := createOilPO(t, svc, ctx)
	second := createOilPO(t, svc, ctx)
	require.Equal(t, "PO-001", first.Number)
	require.Equal(t, "PO-002", second.Number)

	north, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		BranchID:   "br-north",
		SupplierID: "sup-parts",
		Lines:      []domain.OrderLineInput{{ProductID: "prd-brake", Quantity: dec("4"), UnitPrice: price("120")}},
	})
	require.NoError(t, err)
	require.Equal(t, "PO-001", north.Number)

	so, err := svc.CreateSalesOrder(ctx, domain.SalesOrderCreateRequest{
		BranchID:   "br-main",
		CustomerID: "cus-transit",
		Lines:      []domain.OrderLineInput{{ProductID: "prd-oil", Quantity: dec("1"), UnitPrice: price("40")}},
	})
	require.NoError(t, err)
	require.Equal(t, "SO-001", so.Number)
}

type conflictingRepo struct {
	*memory.Store
	conflicts int
	attempts  int
}

func (r *conflictingRepo) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	r.attempts++
	if r.attempts <= r.conflicts {
		return nil, fmt.Errorf("%w: purchase order number %s already issued", store.ErrConflict, po.Number)
	}
	return r.Store.CreatePurchaseOrder(ctx, po)
}

func TestCreateRetriesNumberConflictOnce(t *testing.T) {
	base := newTestRepo()
	repo := &conflictingRepo{Store: base, conflicts: 1}
	svc := New(repo, base, base, Options{Logger: quietLogger()})

	po := createOilPO(t, svc, adminCtx())
	require.Equal(t, 2, repo.attempts)
	require.Equal(t, "PO-001", po.Number)

	repo = &conflictingRepo{Store: newTestRepo(), conflicts: 2}
	svc = New(repo, repo.Store, repo.Store, Options{Logger: quietLogger()})
	_, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		BranchID:   "br-main",
		SupplierID: "sup-lubri",
		Lines:      []domain.OrderLineInput{{ProductID: "prd-oil", Quantity: dec("1")}},
	})
	require.ErrorIs(t, err, store.ErrConflict)
	require.Equal(t, 2, repo.attempts)
}

func TestCreateValidatesReferences(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()
	oil := []domain.OrderLineInput{{ProductID: "prd-oil", Quantity: dec("1")}}

	cases := []struct {
		name string
		req  domain.PurchaseOrderCreateRequest
		want error
	}{
		{"no lines", domain.PurchaseOrderCreateRequest{BranchID: "br-main", SupplierID: "sup-lubri"}, store.ErrInvalidTransaction},
		{"unknown supplier", domain.PurchaseOrderCreateRequest{BranchID: "br-main", SupplierID: "sup-nope", Lines: oil}, store.ErrNotFound},
		{"inactive supplier", domain.PurchaseOrderCreateRequest{BranchID: "br-main", SupplierID: "sup-old", Lines: oil}, store.ErrNotFound},
		{"supplier of another branch", domain.PurchaseOrderCreateRequest{BranchID: "br-main", SupplierID: "sup-parts", Lines: oil}, store.ErrNotFound},
		{"product of another branch", domain.PurchaseOrderCreateRequest{BranchID: "br-main", SupplierID: "sup-lubri", Lines: []domain.OrderLineInput{{ProductID: "prd-brake", Quantity: dec("1")}}}, store.ErrNotFound},
		{"inactive branch", domain.PurchaseOrderCreateRequest{BranchID: "br-closed", SupplierID: "sup-lubri", Lines: oil}, store.ErrNotFound},
		{"zero quantity", domain.PurchaseOrderCreateRequest{BranchID: "br-main", SupplierID: "sup-lubri", Lines: []domain.OrderLineInput{{ProductID: "prd-oil", Quantity: dec("0.00001")}}}, store.ErrInvalidTransaction},
		{"negative price", domain.PurchaseOrderCreateRequest{BranchID: "br-main", SupplierID: "sup-lubri", Lines: []domain.OrderLineInput{{ProductID: "prd-oil", Quantity: dec("1"), UnitPrice: price("-1")}}}, store.ErrInvalidTransaction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePurchaseOrder(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateNormalizesLineValues(t *testing.T) {
	svc, _ := newTestService()
	po, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		BranchID:   "br-main",
		SupplierID: "sup-lubri",
		Lines:      []domain.OrderLineInput{{ProductID: "prd-oil", Quantity: dec("3.33333"), UnitPrice: price("5.989")}},
	})
	require.NoError(t, err)
	line := po.Lines[0]
	require.Equal(t, "3.3333", line.Quantity.String())
	require.Equal(t, "5.99", line.UnitPrice.String())
	require.Equal(t, "19.97", line.LineTotal.String())
	require.True(t, line.LineTotal.Equal(line.Quantity.Mul(*line.UnitPrice).Round(2)))
}

func TestBranchGuardRunsBeforeValidation(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreatePurchaseOrder(managerCtx("br-north"), domain.PurchaseOrderCreateRequest{BranchID: "br-main"})
	require.ErrorIs(t, err, access.ErrForbidden)

	_, err = svc.CreatePurchaseOrder(context.Background(), domain.PurchaseOrderCreateRequest{BranchID: "br-main"})
	require.ErrorIs(t, err, access.ErrForbidden)

	po := createOilPO(t, svc, managerCtx("br-main"))
	_, err = svc.GetPurchaseOrder(managerCtx("br-north"), po.ID)
	require.ErrorIs(t, err, access.ErrForbidden)
	_, err = svc.ReceivePurchaseOrder(managerCtx("br-north"), po.ID, domain.PurchaseOrderReceiveRequest{})
	require.ErrorIs(t, err, access.ErrForbidden)
	err = svc.DeletePurchaseOrder(managerCtx("br-north"), po.ID)
	require.ErrorIs(t, err, access.ErrForbidden)

	_, err = svc.GetPurchaseOrder(adminCtx(), po.ID)
	require.NoError(t, err)
}

func TestCreateDefaultsToActorBranch(t *testing.T) {
	svc, _ := newTestService()
	po, err := svc.CreatePurchaseOrder(managerCtx("br-north"), domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-parts",
		Lines:      []domain.OrderLineInput{{ProductID: "prd-brake", Quantity: dec("2")}},
	})
	require.NoError(t, err)
	require.Equal(t, "br-north", po.BranchID)
	require.Equal(t, "co-fleet", po.CompanyID)
	require.Equal(t, "manager-br-north", po.CreatedBy)
}

func TestOnlyDraftOrdersCanBeEditedOrRemoved(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	draft := createOilPO(t, svc, ctx)
	notes := "call before delivery"
	updated, err := svc.UpdatePurchaseOrder(ctx, draft.ID, domain.PurchaseOrderUpdateRequest{
		Notes: &notes,
		Lines: []domain.OrderLineInput{{ProductID: "prd-filter", Quantity: dec("4"), UnitPrice: price("10")}},
	})
	require.NoError(t, err)
	require.Equal(t, notes, updated.Notes)
	require.Len(t, updated.Lines, 1)
	require.Equal(t, "prd-filter", updated.Lines[0].ProductID)
	require.True(t, updated.Total.Equal(dec("40")))
	require.Equal(t, draft.Number, updated.Number)

	_, err = svc.UpdatePurchaseOrder(ctx, draft.ID, domain.PurchaseOrderUpdateRequest{Lines: []domain.OrderLineInput{}})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	sent, err := svc.SendPurchaseOrder(ctx, draft.ID)
	require.NoError(t, err)
	_, err = svc.UpdatePurchaseOrder(ctx, sent.ID, domain.PurchaseOrderUpdateRequest{Notes: &notes})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	require.ErrorIs(t, svc.DeletePurchaseOrder(ctx, sent.ID), store.ErrInvalidTransaction)
	_, err = svc.CancelPurchaseOrder(ctx, sent.ID)
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	other := createOilPO(t, svc, ctx)
	require.NoError(t, svc.DeletePurchaseOrder(ctx, other.ID))
	_, err = svc.GetPurchaseOrder(ctx, other.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.ReceivePurchaseOrder(ctx, other.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: other.Lines[0].ID, QuantityReceived: dec("1")}},
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListScopesToActorBranch(t *testing.T) {
	svc, _ := newTestService()
	admin := adminCtx()

	createOilPO(t, svc, admin)
	createOilPO(t, svc, admin)
	_, err := svc.CreatePurchaseOrder(admin, domain.PurchaseOrderCreateRequest{
		BranchID:   "br-north",
		SupplierID: "sup-parts",
		Lines:      []domain.OrderLineInput{{ProductID: "prd-brake", Quantity: dec("4")}},
	})
	require.NoError(t, err)

	all, err := svc.ListPurchaseOrders(admin, domain.OrderFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, all.Total)
	require.Equal(t, 1, all.Page)
	require.Equal(t, defaultPageSize, all.Limit)

	north, err := svc.ListPurchaseOrders(managerCtx("br-north"), domain.OrderFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, north.Total)
	require.Equal(t, "br-north", north.PurchaseOrders[0].BranchID)

	_, err = svc.ListPurchaseOrders(managerCtx("br-north"), domain.OrderFilter{BranchID: "br-main"})
	require.ErrorIs(t, err, access.ErrForbidden)

	page, err := svc.ListPurchaseOrders(admin, domain.OrderFilter{BranchID: "br-main", Page: 2, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Len(t, page.PurchaseOrders, 1)
	require.True(t, page.PurchaseOrders[0].Total.Equal(dec("255")))

	payload, err := svc.ExportPurchaseOrders(admin, domain.OrderFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, payload)
}

func createSalesOrder(t *testing.T, svc *Service, lines ...domain.OrderLineInput) domain.SalesOrder {
	t.Helper()
	so, err := svc.CreateSalesOrder(adminCtx(), domain.SalesOrderCreateRequest{
		BranchID:   "br-main",
		CustomerID: "cus-transit",
		Lines:      lines,
	})
	require.NoError(t, err)
	return so
}

func TestInvoiceShortfallLeavesEverythingUntouched(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()
	so := createSalesOrder(t, svc,
		domain.OrderLineInput{ProductID: "prd-oil", Quantity: dec("5"), UnitPrice: price("40")},
		domain.OrderLineInput{ProductID: "prd-filter", Quantity: dec("5"), UnitPrice: price("30")},
	)

	_, err := svc.InvoiceSalesOrder(ctx, so.ID, domain.SalesOrderInvoiceRequest{CreateAccountReceivable: true, DeductStock: true})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	require.ErrorContains(t, err, "FLT-OIL-01")

	after, err := svc.GetSalesOrder(ctx, so.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SalesOrderDraft, after.Status)
	for _, line := range after.Lines {
		require.True(t, line.FulfilledQuantity.IsZero())
	}
	movements, err := repo.ListMovements(context.Background(), so.ID)
	require.NoError(t, err)
	require.Empty(t, movements)
	docs, err := repo.ListDocuments(context.Background(), so.ID)
	require.NoError(t, err)
	require.Empty(t, docs)

	oil, err := repo.AvailableQuantity(context.Background(), "prd-oil", "wh-main")
	require.NoError(t, err)
	require.True(t, oil.Equal(dec("200")))
	filter, err := repo.AvailableQuantity(context.Background(), "prd-filter", "wh-main")
	require.NoError(t, err)
	require.True(t, filter.Equal(dec("3")))
}

func TestInvoiceGateSumsLinesOfTheSameProduct(t *testing.T) {
	svc, _ := newTestService()
	so := createSalesOrder(t, svc,
		domain.OrderLineInput{ProductID: "prd-filter", Quantity: dec("2"), UnitPrice: price("30")},
		domain.OrderLineInput{ProductID: "prd-filter", Quantity: dec("2"), UnitPrice: price("30")},
	)

	_, err := svc.InvoiceSalesOrder(adminCtx(), so.ID, domain.SalesOrderInvoiceRequest{DeductStock: true})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
}

func TestInvoiceDeliversDeductsAndIssuesReceivable(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()
	so := createSalesOrder(t, svc,
		domain.OrderLineInput{ProductID: "prd-oil", Quantity: dec("12.5"), UnitPrice: price("39.90")},
		domain.OrderLineInput{ProductID: "prd-filter", Quantity: dec("3"), UnitPrice: price("30")},
	)
	require.True(t, so.Total.Equal(dec("588.75")))

	before := time.Now().UTC()
	invoiced, err := svc.InvoiceSalesOrder(ctx, so.ID, domain.SalesOrderInvoiceRequest{CreateAccountReceivable: true, DeductStock: true})
	require.NoError(t, err)
	require.Equal(t, domain.SalesOrderDelivered, invoiced.Status)
	for _, line := range invoiced.Lines {
		require.True(t, line.FulfilledQuantity.Equal(line.Quantity))
	}

	movements, err := repo.ListMovements(context.Background(), so.ID)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	for _, m := range movements {
		require.Equal(t, domain.MovementExit, m.Type)
		require.Equal(t, "wh-main", m.WarehouseID)
		require.Equal(t, so.Number, m.OriginNumber)
	}

	oil, err := repo.AvailableQuantity(context.Background(), "prd-oil", "wh-main")
	require.NoError(t, err)
	require.True(t, oil.Equal(dec("187.5")))

	docs, err := repo.ListDocuments(context.Background(), so.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, domain.DocumentReceivable, docs[0].Kind)
	require.True(t, docs[0].Amount.Equal(dec("588.75")))
	require.Equal(t, "cus-transit", docs[0].CounterpartyID)
	require.WithinDuration(t, before.AddDate(0, 0, 30), docs[0].DueDate, time.Minute)

	_, err = svc.InvoiceSalesOrder(ctx, so.ID, domain.SalesOrderInvoiceRequest{CreateAccountReceivable: true, DeductStock: true})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	docs, err = repo.ListDocuments(context.Background(), so.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestInvoiceWithoutStockDeduction(t *testing.T) {
	svc, repo := newTestService()
	so := createSalesOrder(t, svc, domain.OrderLineInput{ProductID: "prd-filter", Quantity: dec("50"), UnitPrice: price("30")})

	invoiced, err := svc.InvoiceSalesOrder(adminCtx(), so.ID, domain.SalesOrderInvoiceRequest{})
	require.NoError(t, err)
	require.Equal(t, domain.SalesOrderDelivered, invoiced.Status)
	require.True(t, invoiced.Lines[0].FulfilledQuantity.IsZero())

	movements, err := repo.ListMovements(context.Background(), so.ID)
	require.NoError(t, err)
	require.Empty(t, movements)
}

func TestInvoiceRejectsZeroTotalAndCancelledOrders(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	free := createSalesOrder(t, svc, domain.OrderLineInput{ProductID: "prd-oil", Quantity: dec("1")})
	_, err := svc.InvoiceSalesOrder(ctx, free.ID, domain.SalesOrderInvoiceRequest{})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	cancelled := createSalesOrder(t, svc, domain.OrderLineInput{ProductID: "prd-oil", Quantity: dec("1"), UnitPrice: price("10")})
	_, err = svc.CancelSalesOrder(ctx, cancelled.ID)
	require.NoError(t, err)
	_, err = svc.InvoiceSalesOrder(ctx, cancelled.ID, domain.SalesOrderInvoiceRequest{})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	_, err = svc.CancelSalesOrder(ctx, cancelled.ID)
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestSalesOrderEditLocking(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()
	so := createSalesOrder(t, svc, domain.OrderLineInput{ProductID: "prd-oil", Quantity: dec("1"), UnitPrice: price("10")})

	notes := "deliver to gate 3"
	updated, err := svc.UpdateSalesOrder(ctx, so.ID, domain.SalesOrderUpdateRequest{Notes: &notes})
	require.NoError(t, err)
	require.Equal(t, notes, updated.Notes)

	_, err = svc.InvoiceSalesOrder(ctx, so.ID, domain.SalesOrderInvoiceRequest{})
	require.NoError(t, err)
	_, err = svc.UpdateSalesOrder(ctx, so.ID, domain.SalesOrderUpdateRequest{Notes: &notes})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	require.ErrorIs(t, svc.DeleteSalesOrder(ctx, so.ID), store.ErrInvalidTransaction)

	draft := createSalesOrder(t, svc, domain.OrderLineInput{ProductID: "prd-oil", Quantity: dec("1"), UnitPrice: price("10")})
	require.NoError(t, svc.DeleteSalesOrder(ctx, draft.ID))
	_, err = svc.GetSalesOrder(ctx, draft.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMutationsWriteAuditTrail(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()
	po := createOilPO(t, svc, ctx)
	_, err := svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: po.Lines[0].ID, QuantityReceived: dec("10")}},
	})
	require.NoError(t, err)

	logs, err := repo.ListAuditLogs(context.Background(), "br-main", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	actions := []string{logs[0].Action, logs[1].Action}
	require.ElementsMatch(t, []string{"purchase_order_create", "purchase_order_receive"}, actions)
	require.Equal(t, "admin", logs[0].ActorUsername)

	own, err := svc.ListAuditLogs(managerCtx("br-north"), "", 10)
	require.NoError(t, err)
	require.Empty(t, own)
}

func TestMovementAndDocumentLookupsAreBranchScoped(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()
	po := createOilPO(t, svc, ctx)
	_, err := svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items:                []domain.ReceiveLine{{LineID: po.Lines[0].ID, QuantityReceived: dec("2")}},
		CreateAccountPayable: true,
	})
	require.NoError(t, err)

	movements, err := svc.ListStockMovements(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	docs, err := svc.ListFinancialDocuments(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.True(t, docs[0].Amount.Equal(dec("51")))

	_, err = svc.ListStockMovements(managerCtx("br-north"), po.ID)
	require.ErrorIs(t, err, access.ErrForbidden)
	_, err = svc.ListFinancialDocuments(ctx, "po-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.ListStockMovements(ctx, "")
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
}

// racingCache commits a full receipt of the order the first time a purchase
// order is stored, before the store itself runs.
type racingCache struct {
	*cache.MemoryOrderCache
	svc    *Service
	ctx    context.Context
	lineID string
	fired  bool
	err    error
}

func (c *racingCache) SetPurchaseOrder(ctx context.Context, po *domain.PurchaseOrder, ttl time.Duration) error {
	if !c.fired && c.svc != nil {
		c.fired = true
		_, c.err = c.svc.ReceivePurchaseOrder(c.ctx, po.ID, domain.PurchaseOrderReceiveRequest{
			Items: []domain.ReceiveLine{{LineID: c.lineID, QuantityReceived: dec("10")}},
		})
	}
	return c.MemoryOrderCache.SetPurchaseOrder(ctx, po, ttl)
}

func TestOrderCacheFollowsMutations(t *testing.T) {
	repo := newTestRepo()
	oc := cache.NewMemoryOrderCache()
	svc := New(repo, repo, repo, Options{Logger: quietLogger(), Cache: oc, CacheTTL: time.Minute})
	ctx := adminCtx()

	po := createOilPO(t, svc, ctx)
	cached, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseOrderDraft, cached.Status)
	_, hit, _ := oc.GetPurchaseOrder(ctx, po.ID)
	require.True(t, hit)

	_, err = svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
		Items: []domain.ReceiveLine{{LineID: po.Lines[0].ID, QuantityReceived: dec("10")}},
	})
	require.NoError(t, err)

	entry, hit, _ := oc.GetPurchaseOrder(ctx, po.ID)
	require.True(t, hit)
	require.Equal(t, domain.PurchaseOrderReceived, entry.Status)

	fresh, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseOrderReceived, fresh.Status)
	require.True(t, fresh.Total.Equal(dec("255")))

	_, err = svc.GetPurchaseOrder(managerCtx("br-north"), po.ID)
	require.ErrorIs(t, err, access.ErrForbidden)
}

func TestCacheFillRacingReceiptKeepsCommittedOrder(t *testing.T) {
	repo := newTestRepo()
	ctx := adminCtx()
	oc := &racingCache{MemoryOrderCache: cache.NewMemoryOrderCache(), ctx: ctx}
	svc := New(repo, repo, repo, Options{Logger: quietLogger(), Cache: oc, CacheTTL: time.Minute})

	po := createOilPO(t, svc, ctx)
	oc.svc, oc.lineID = svc, po.Lines[0].ID

	// the fill read DRAFT before the receipt committed
	stale, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.True(t, oc.fired)
	require.NoError(t, oc.err)
	require.Equal(t, domain.PurchaseOrderDraft, stale.Status)

	got, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PurchaseOrderReceived, got.Status)
	require.True(t, got.Lines[0].FulfilledQuantity.Equal(dec("10")))
}

func TestCachedDeleteIsNotFound(t *testing.T) {
	repo := newTestRepo()
	oc := cache.NewMemoryOrderCache()
	svc := New(repo, repo, repo, Options{Logger: quietLogger(), Cache: oc, CacheTTL: time.Minute})
	ctx := adminCtx()

	po := createOilPO(t, svc, ctx)
	_, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)

	require.NoError(t, svc.DeletePurchaseOrder(ctx, po.ID))

	// a fill from a read that started before the delete
	stale := po
	require.NoError(t, oc.SetPurchaseOrder(ctx, &stale, time.Minute))

	_, err = svc.GetPurchaseOrder(ctx, po.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentReceiptsDoNotDoubleCount(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()
	po := createOilPO(t, svc, ctx)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.ReceivePurchaseOrder(ctx, po.ID, domain.PurchaseOrderReceiveRequest{
				Items: []domain.ReceiveLine{{LineID: po.Lines[0].ID, QuantityReceived: dec("3")}},
			})
		}()
	}
	wg.Wait()

	final, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.True(t, final.Lines[0].FulfilledQuantity.Equal(dec("10")))
	require.Equal(t, domain.PurchaseOrderReceived, final.Status)

	available, err := repo.AvailableQuantity(context.Background(), "prd-oil", "wh-main")
	require.NoError(t, err)
	require.True(t, available.Equal(dec("210")))
}
