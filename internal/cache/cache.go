package cache

import (
	"context"
	"time"

	"github.com/Modulys-Pax/erp-sub000/internal/domain"
)

// OrderCache holds read-side copies of order aggregates. Writers store the
// committed aggregate after every mutation. Set keeps whichever copy carries
// the later UpdatedAt, so a read-through fill that raced a commit cannot
// replace the newer entry.
type OrderCache interface {
	GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, bool, error)
	SetPurchaseOrder(ctx context.Context, po *domain.PurchaseOrder, ttl time.Duration) error
	GetSalesOrder(ctx context.Context, id string) (*domain.SalesOrder, bool, error)
	SetSalesOrder(ctx context.Context, so *domain.SalesOrder, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

func PurchaseOrderKey(id string) string {
	return "erp:po:" + id
}

func SalesOrderKey(id string) string {
	return "erp:so:" + id
}

// supersedes reports whether an entry updated at incoming may replace one
// updated at stored.
func supersedes(stored time.Time, incoming time.Time) bool {
	return !stored.After(incoming)
}

type NoopOrderCache struct{}

func (NoopOrderCache) GetPurchaseOrder(_ context.Context, _ string) (*domain.PurchaseOrder, bool, error) {
	return nil, false, nil
}

func (NoopOrderCache) SetPurchaseOrder(_ context.Context, _ *domain.PurchaseOrder, _ time.Duration) error {
	return nil
}

func (NoopOrderCache) GetSalesOrder(_ context.Context, _ string) (*domain.SalesOrder, bool, error) {
	return nil, false, nil
}

func (NoopOrderCache) SetSalesOrder(_ context.Context, _ *domain.SalesOrder, _ time.Duration) error {
	return nil
}

func (NoopOrderCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
