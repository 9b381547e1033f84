package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Modulys-Pax/erp-sub000/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrConflict           = errors.New("conflict")
)

// Repository persists orders and the reference data they point at.
// Every method called with a context returned inside WithinTx joins that
// unit of work.
type Repository interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetBranch(ctx context.Context, branchID string) (*domain.Branch, error)
	GetSupplier(ctx context.Context, supplierID string) (*domain.Supplier, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	LastPurchaseOrderNumber(ctx context.Context, branchID string) (string, error)
	CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error)
	LockPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error)
	SavePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.PurchaseOrder, int, error)

	LastSalesOrderNumber(ctx context.Context, branchID string) (string, error)
	CreateSalesOrder(ctx context.Context, so domain.SalesOrder) (*domain.SalesOrder, error)
	GetSalesOrder(ctx context.Context, salesOrderID string) (*domain.SalesOrder, error)
	LockSalesOrder(ctx context.Context, salesOrderID string) (*domain.SalesOrder, error)
	SaveSalesOrder(ctx context.Context, so domain.SalesOrder) (*domain.SalesOrder, error)
	ListSalesOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.SalesOrder, int, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

// StockLedger records stock movements and answers availability queries.
type StockLedger interface {
	PostMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error)
	AvailableQuantity(ctx context.Context, productID string, warehouseID string) (decimal.Decimal, error)
	DefaultWarehouse(ctx context.Context, companyID string) (string, error)
	ListMovements(ctx context.Context, originID string) ([]domain.StockMovement, error)
}

// FinancialIssuer creates payables and receivables originating from orders.
type FinancialIssuer interface {
	IssuePayable(ctx context.Context, doc domain.FinancialDocument) (string, error)
	IssueReceivable(ctx context.Context, doc domain.FinancialDocument) (string, error)
	ListDocuments(ctx context.Context, originID string) ([]domain.FinancialDocument, error)
}
