package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/Modulys-Pax/erp-sub000/internal/domain"
	"github.com/Modulys-Pax/erp-sub000/internal/store"
	"github.com/Modulys-Pax/erp-sub000/internal/xid"
)

type balanceKey struct {
	productID   string
	warehouseID string
}

type state struct {
	branches       map[string]domain.Branch
	suppliers      map[string]domain.Supplier
	customers      map[string]domain.Customer
	products       map[string]domain.Product
	warehouses     map[string]domain.Warehouse
	purchaseOrders map[string]domain.PurchaseOrder
	salesOrders    map[string]domain.SalesOrder
	balances       map[balanceKey]decimal.Decimal
	movements      []domain.StockMovement
	documents      []domain.FinancialDocument
	auditLogs      []domain.AuditLog
	users          map[string]domain.UserAccount
}

func newState() *state {
	return &state{
		branches:       make(map[string]domain.Branch),
		suppliers:      make(map[string]domain.Supplier),
		customers:      make(map[string]domain.Customer),
		products:       make(map[string]domain.Product),
		warehouses:     make(map[string]domain.Warehouse),
		purchaseOrders: make(map[string]domain.PurchaseOrder),
		salesOrders:    make(map[string]domain.SalesOrder),
		balances:       make(map[balanceKey]decimal.Decimal),
		movements:      make([]domain.StockMovement, 0, 64),
		documents:      make([]domain.FinancialDocument, 0, 16),
		auditLogs:      make([]domain.AuditLog, 0, 128),
		users:          make(map[string]domain.UserAccount),
	}
}

func (st *state) clone() *state {
	next := &state{
		branches:       maps.Clone(st.branches),
		suppliers:      maps.Clone(st.suppliers),
		customers:      maps.Clone(st.customers),
		products:       maps.Clone(st.products),
		warehouses:     maps.Clone(st.warehouses),
		purchaseOrders: make(map[string]domain.PurchaseOrder, len(st.purchaseOrders)),
		salesOrders:    make(map[string]domain.SalesOrder, len(st.salesOrders)),
		balances:       maps.Clone(st.balances),
		movements:      slices.Clone(st.movements),
		documents:      slices.Clone(st.documents),
		auditLogs:      slices.Clone(st.auditLogs),
		users:          maps.Clone(st.users),
	}
	for id, po := range st.purchaseOrders {
		next.purchaseOrders[id] = clonePurchaseOrder(po)
	}
	for id, so := range st.salesOrders {
		next.salesOrders[id] = cloneSalesOrder(so)
	}
	return next
}

// Store keeps everything in process memory. A unit of work runs against a
// private copy of the committed state which replaces it only when the unit
// succeeds, so a failed unit leaves nothing behind.
type Store struct {
	txMu      sync.Mutex
	mu        sync.RWMutex
	committed *state
}

type txKey struct{}

var (
	_ store.Repository      = (*Store)(nil)
	_ store.StockLedger     = (*Store)(nil)
	_ store.FinancialIssuer = (*Store)(nil)
)

func New() *Store {
	return &Store{committed: newState()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.committed.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, work)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.committed = work
	s.mu.Unlock()
	return nil
}

func (s *Store) read(ctx context.Context, fn func(st *state) error) error {
	if work, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(work)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.committed)
}

func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	return s.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx.Value(txKey{}).(*state))
	})
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_OPERATOR_PASSWORD; unset values fall back to dev defaults.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		slog.Warn("memory store is using default dev credentials")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		branchID string
	}{
		{"admin", adminPwd, domain.RoleAdmin, "br-main"},
		{"manager", managerPwd, domain.RoleManager, "br-main"},
		{"operator", operatorPwd, domain.RoleOperator, "br-north"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			ID:        xid.New("usr"),
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			BranchID:  u.branchID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with one company, two branches, a default
// warehouse with opening stock, counterparties, products and users.
func NewSeeded() *Store {
	s := New()
	st := s.committed

	for _, b := range []domain.Branch{
		{ID: "br-main", CompanyID: "co-fleet", Name: "Head office", Active: true},
		{ID: "br-north", CompanyID: "co-fleet", Name: "North depot", Active: true},
	} {
		st.branches[b.ID] = b
	}
	st.warehouses["wh-main"] = domain.Warehouse{ID: "wh-main", CompanyID: "co-fleet", Name: "Central warehouse", IsDefault: true}

	for _, sup := range []domain.Supplier{
		{ID: "sup-lubri", BranchID: "br-main", Name: "Lubri Distribuidora", Document: "12.345.678/0001-90", Active: true},
		{ID: "sup-parts", BranchID: "br-north", Name: "North Truck Parts", Document: "98.765.432/0001-10", Active: true},
	} {
		st.suppliers[sup.ID] = sup
	}
	st.customers["cus-transit"] = domain.Customer{ID: "cus-transit", BranchID: "br-main", Name: "Transit Logistics", Document: "11.222.333/0001-44", Active: true}

	for _, p := range []domain.Product{
		{ID: "prd-oil", BranchID: "br-main", Code: "OIL-15W40", Name: "Engine oil 15W40", Unit: "L", Active: true},
		{ID: "prd-filter", BranchID: "br-main", Code: "FLT-OIL-01", Name: "Oil filter", Unit: "UN", Active: true},
		{ID: "prd-tire", BranchID: "br-main", Code: "TIRE-295", Name: "Tire 295/80 R22.5", Unit: "UN", Active: true},
		{ID: "prd-brake", BranchID: "br-north", Code: "BRK-PAD-01", Name: "Brake pad set", Unit: "UN", Active: true},
	} {
		st.products[p.ID] = p
	}
	st.balances[balanceKey{productID: "prd-oil", warehouseID: "wh-main"}] = decimal.NewFromInt(200)
	st.balances[balanceKey{productID: "prd-filter", warehouseID: "wh-main"}] = decimal.NewFromInt(40)
	st.users = seedUsers()
	return s
}

func (s *Store) AddBranch(branch domain.Branch) {
	_ = s.write(context.Background(), func(st *state) error {
		st.branches[branch.ID] = branch
		return nil
	})
}

func (s *Store) AddSupplier(supplier domain.Supplier) {
	_ = s.write(context.Background(), func(st *state) error {
		st.suppliers[supplier.ID] = supplier
		return nil
	})
}

func (s *Store) AddCustomer(customer domain.Customer) {
	_ = s.write(context.Background(), func(st *state) error {
		st.customers[customer.ID] = customer
		return nil
	})
}

func (s *Store) AddProduct(product domain.Product) {
	_ = s.write(context.Background(), func(st *state) error {
		st.products[product.ID] = product
		return nil
	})
}

func (s *Store) AddWarehouse(warehouse domain.Warehouse) {
	_ = s.write(context.Background(), func(st *state) error {
		st.warehouses[warehouse.ID] = warehouse
		return nil
	})
}

// SetBalance overwrites the on-hand quantity without recording a movement.
func (s *Store) SetBalance(productID string, warehouseID string, qty decimal.Decimal) {
	_ = s.write(context.Background(), func(st *state) error {
		st.balances[balanceKey{productID: productID, warehouseID: warehouseID}] = qty
		return nil
	})
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (*domain.Branch, error) {
	var found domain.Branch
	err := s.read(ctx, func(st *state) error {
		branch, exists := st.branches[branchID]
		if !exists {
			return store.ErrNotFound
		}
		found = branch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

func (s *Store) GetSupplier(ctx context.Context, supplierID string) (*domain.Supplier, error) {
	var found domain.Supplier
	err := s.read(ctx, func(st *state) error {
		supplier, exists := st.suppliers[supplierID]
		if !exists {
			return store.ErrNotFound
		}
		found = supplier
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var found domain.Customer
	err := s.read(ctx, func(st *state) error {
		customer, exists := st.customers[customerID]
		if !exists {
			return store.ErrNotFound
		}
		found = customer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var found domain.Product
	err := s.read(ctx, func(st *state) error {
		product, exists := st.products[productID]
		if !exists {
			return store.ErrNotFound
		}
		found = product
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if work, ok := ctx.Value(txKey{}).(*state); ok {
		work.auditLogs = append(work.auditLogs, entry)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Appends outside a unit of work skip the state clone. txMu orders the
	// append against a commit that would otherwise replace it.
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	s.committed.auditLogs = append(s.committed.auditLogs, entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	result := make([]domain.AuditLog, 0, 64)
	err := s.read(ctx, func(st *state) error {
		for _, entry := range st.auditLogs {
			if branchID != "" && entry.BranchID != branchID {
				continue
			}
			result = append(result, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(result, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true

	return s.write(ctx, func(st *state) error {
		if _, exists := st.users[username]; exists {
			return store.ErrConflict
		}
		st.users[username] = user
		return nil
	})
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var users []domain.UserAccount
	err := s.read(ctx, func(st *state) error {
		users = make([]domain.UserAccount, 0, len(st.users))
		for _, user := range st.users {
			users = append(users, user)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func cloneLines(src []domain.OrderLine) []domain.OrderLine {
	return slices.Clone(src)
}

func clonePurchaseOrder(src domain.PurchaseOrder) domain.PurchaseOrder {
	dst := src
	dst.Lines = cloneLines(src.Lines)
	return dst
}

func cloneSalesOrder(src domain.SalesOrder) domain.SalesOrder {
	dst := src
	dst.Lines = cloneLines(src.Lines)
	return dst
}
