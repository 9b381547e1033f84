package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Actor is the acting user passed into every core call.
type Actor struct {
	UserID   string
	Username string
	BranchID string
	Role     string
}

const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleOperator = "operator"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID        string
	Username  string
	Password  string
	Role      string
	BranchID  string
	Active    bool
	CreatedAt time.Time
}

type Branch struct {
	ID        string     `json:"id"`
	CompanyID string     `json:"company_id"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type Supplier struct {
	ID        string     `json:"id"`
	BranchID  string     `json:"branch_id"`
	Name      string     `json:"name"`
	Document  string     `json:"document"`
	Active    bool       `json:"active"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type Customer struct {
	ID        string     `json:"id"`
	BranchID  string     `json:"branch_id"`
	Name      string     `json:"name"`
	Document  string     `json:"document"`
	Active    bool       `json:"active"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type Product struct {
	ID        string     `json:"id"`
	BranchID  string     `json:"branch_id"`
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	Unit      string     `json:"unit"`
	Active    bool       `json:"active"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type Warehouse struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

type PurchaseOrderStatus string

const (
	PurchaseOrderDraft             PurchaseOrderStatus = "DRAFT"
	PurchaseOrderSent              PurchaseOrderStatus = "SENT"
	PurchaseOrderPartiallyReceived PurchaseOrderStatus = "PARTIALLY_RECEIVED"
	PurchaseOrderReceived          PurchaseOrderStatus = "RECEIVED"
	PurchaseOrderCancelled         PurchaseOrderStatus = "CANCELLED"
)

func (s PurchaseOrderStatus) IsValid() bool {
	switch s {
	case PurchaseOrderDraft, PurchaseOrderSent, PurchaseOrderPartiallyReceived, PurchaseOrderReceived, PurchaseOrderCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the receiving state machine allows s -> target.
func (s PurchaseOrderStatus) CanTransitionTo(target PurchaseOrderStatus) bool {
	switch s {
	case PurchaseOrderDraft:
		return target == PurchaseOrderSent || target == PurchaseOrderReceived || target == PurchaseOrderCancelled
	case PurchaseOrderSent:
		return target == PurchaseOrderPartiallyReceived || target == PurchaseOrderReceived
	case PurchaseOrderPartiallyReceived:
		return target == PurchaseOrderPartiallyReceived || target == PurchaseOrderReceived
	}
	return false
}

func (s PurchaseOrderStatus) IsTerminal() bool {
	return s == PurchaseOrderReceived || s == PurchaseOrderCancelled
}

type SalesOrderStatus string

// SalesOrderConfirmed and SalesOrderPartiallyDelivered are reserved;
// invoicing moves an order straight from DRAFT to DELIVERED.
const (
	SalesOrderDraft              SalesOrderStatus = "DRAFT"
	SalesOrderConfirmed          SalesOrderStatus = "CONFIRMED"
	SalesOrderPartiallyDelivered SalesOrderStatus = "PARTIALLY_DELIVERED"
	SalesOrderDelivered          SalesOrderStatus = "DELIVERED"
	SalesOrderCancelled          SalesOrderStatus = "CANCELLED"
)

func (s SalesOrderStatus) IsValid() bool {
	switch s {
	case SalesOrderDraft, SalesOrderConfirmed, SalesOrderPartiallyDelivered, SalesOrderDelivered, SalesOrderCancelled:
		return true
	}
	return false
}

func (s SalesOrderStatus) CanTransitionTo(target SalesOrderStatus) bool {
	switch s {
	case SalesOrderDraft, SalesOrderConfirmed:
		return target == SalesOrderDelivered || target == SalesOrderCancelled
	}
	return false
}

func (s SalesOrderStatus) IsTerminal() bool {
	return s == SalesOrderDelivered || s == SalesOrderCancelled
}

// OrderLine is a product row of a purchase or sales order. FulfilledQuantity
// is the received (purchase) or invoiced (sales) quantity.
type OrderLine struct {
	ID                string           `json:"id"`
	OrderID           string           `json:"order_id"`
	ProductID         string           `json:"product_id"`
	Quantity          decimal.Decimal  `json:"quantity"`
	FulfilledQuantity decimal.Decimal  `json:"fulfilled_quantity"`
	UnitPrice         *decimal.Decimal `json:"unit_price,omitempty"`
	LineTotal         decimal.Decimal  `json:"line_total"`
}

func (l OrderLine) Pending() decimal.Decimal {
	pending := l.Quantity.Sub(l.FulfilledQuantity)
	if pending.IsNegative() {
		return decimal.Zero
	}
	return pending
}

func (l OrderLine) Price() decimal.Decimal {
	if l.UnitPrice == nil {
		return decimal.Zero
	}
	return *l.UnitPrice
}

type PurchaseOrder struct {
	ID                   string              `json:"id"`
	Number               string              `json:"number"`
	BranchID             string              `json:"branch_id"`
	CompanyID            string              `json:"company_id"`
	SupplierID           string              `json:"supplier_id"`
	ExpectedDeliveryDate *time.Time          `json:"expected_delivery_date,omitempty"`
	Notes                string              `json:"notes,omitempty"`
	Status               PurchaseOrderStatus `json:"status"`
	CreatedBy            string              `json:"created_by"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
	DeletedAt            *time.Time          `json:"deleted_at,omitempty"`
	Lines                []OrderLine         `json:"lines"`
	Total                decimal.Decimal     `json:"total"`
}

type SalesOrder struct {
	ID         string           `json:"id"`
	Number     string           `json:"number"`
	BranchID   string           `json:"branch_id"`
	CompanyID  string           `json:"company_id"`
	CustomerID string           `json:"customer_id"`
	OrderDate  *time.Time       `json:"order_date,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	Status     SalesOrderStatus `json:"status"`
	CreatedBy  string           `json:"created_by"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	DeletedAt  *time.Time       `json:"deleted_at,omitempty"`
	Lines      []OrderLine      `json:"lines"`
	Total      decimal.Decimal  `json:"total"`
}

type OrderLineInput struct {
	ProductID string           `json:"product_id"`
	Quantity  decimal.Decimal  `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type PurchaseOrderCreateRequest struct {
	BranchID             string           `json:"branch_id"`
	SupplierID           string           `json:"supplier_id"`
	ExpectedDeliveryDate *time.Time       `json:"expected_delivery_date,omitempty"`
	Notes                string           `json:"notes"`
	Lines                []OrderLineInput `json:"lines"`
}

type PurchaseOrderUpdateRequest struct {
	SupplierID           *string          `json:"supplier_id,omitempty"`
	ExpectedDeliveryDate *time.Time       `json:"expected_delivery_date,omitempty"`
	Notes                *string          `json:"notes,omitempty"`
	Lines                []OrderLineInput `json:"lines,omitempty"`
}

type ReceiveLine struct {
	LineID           string          `json:"line_id"`
	QuantityReceived decimal.Decimal `json:"quantity_received"`
}

type PurchaseOrderReceiveRequest struct {
	Items                []ReceiveLine `json:"items"`
	CreateAccountPayable bool          `json:"create_account_payable"`
}

type SalesOrderCreateRequest struct {
	BranchID   string           `json:"branch_id"`
	CustomerID string           `json:"customer_id"`
	OrderDate  *time.Time       `json:"order_date,omitempty"`
	Notes      string           `json:"notes"`
	Lines      []OrderLineInput `json:"lines"`
}

type SalesOrderUpdateRequest struct {
	CustomerID *string          `json:"customer_id,omitempty"`
	OrderDate  *time.Time       `json:"order_date,omitempty"`
	Notes      *string          `json:"notes,omitempty"`
	Lines      []OrderLineInput `json:"lines,omitempty"`
}

type SalesOrderInvoiceRequest struct {
	CreateAccountReceivable bool `json:"create_account_receivable"`
	DeductStock             bool `json:"deduct_stock"`
}

type OrderFilter struct {
	BranchID       string
	Status         string
	CounterpartyID string
	From           *time.Time
	To             *time.Time
	Page           int
	Limit          int
}

type PurchaseOrderListResponse struct {
	PurchaseOrders []PurchaseOrder `json:"purchase_orders"`
	Page           int             `json:"page"`
	Limit          int             `json:"limit"`
	Total          int             `json:"total"`
}

type SalesOrderListResponse struct {
	SalesOrders []SalesOrder `json:"sales_orders"`
	Page        int          `json:"page"`
	Limit       int          `json:"limit"`
	Total       int          `json:"total"`
}

type MovementType string

const (
	MovementEntry MovementType = "ENTRY"
	MovementExit  MovementType = "EXIT"
)

const (
	OriginPurchaseOrder = "PURCHASE_ORDER"
	OriginSalesOrder    = "SALES_ORDER"
)

type StockMovement struct {
	ID           string           `json:"id"`
	Type         MovementType     `json:"type"`
	ProductID    string           `json:"product_id"`
	WarehouseID  string           `json:"warehouse_id"`
	Quantity     decimal.Decimal  `json:"quantity"`
	UnitCost     *decimal.Decimal `json:"unit_cost,omitempty"`
	OriginType   string           `json:"origin_type"`
	OriginID     string           `json:"origin_id"`
	OriginNumber string           `json:"origin_number"`
	CreatedBy    string           `json:"created_by"`
	CreatedAt    time.Time        `json:"created_at"`
}

type DocumentKind string

const (
	DocumentPayable    DocumentKind = "PAYABLE"
	DocumentReceivable DocumentKind = "RECEIVABLE"
)

// FinancialDocument is a payable owed to a supplier or a receivable owed by
// a customer. CounterpartyID points at whichever applies.
type FinancialDocument struct {
	ID             string          `json:"id"`
	Kind           DocumentKind    `json:"kind"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount"`
	DueDate        time.Time       `json:"due_date"`
	OriginType     string          `json:"origin_type"`
	OriginID       string          `json:"origin_id"`
	CounterpartyID string          `json:"counterparty_id"`
	BranchID       string          `json:"branch_id"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

const FinancialDocumentPending = "PENDING"

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
