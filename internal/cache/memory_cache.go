package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Modulys-Pax/erp-sub000/internal/domain"
)

// MemoryOrderCache is an in-process OrderCache for single-node deployments.
type MemoryOrderCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	updatedAt time.Time
	expiresAt time.Time
	po        *domain.PurchaseOrder
	so        *domain.SalesOrder
}

func NewMemoryOrderCache() *MemoryOrderCache {
	return &MemoryOrderCache{entries: map[string]memoryEntry{}, now: time.Now}
}

func (c *MemoryOrderCache) GetPurchaseOrder(_ context.Context, id string) (*domain.PurchaseOrder, bool, error) {
	entry, ok := c.lookup(PurchaseOrderKey(id))
	if !ok || entry.po == nil {
		return nil, false, nil
	}
	return clonePurchaseOrder(entry.po), true, nil
}

func (c *MemoryOrderCache) SetPurchaseOrder(_ context.Context, po *domain.PurchaseOrder, ttl time.Duration) error {
	if po == nil {
		return nil
	}
	c.store(PurchaseOrderKey(po.ID), memoryEntry{updatedAt: po.UpdatedAt, po: clonePurchaseOrder(po)}, ttl)
	return nil
}

func (c *MemoryOrderCache) GetSalesOrder(_ context.Context, id string) (*domain.SalesOrder, bool, error) {
	entry, ok := c.lookup(SalesOrderKey(id))
	if !ok || entry.so == nil {
		return nil, false, nil
	}
	return cloneSalesOrder(entry.so), true, nil
}

func (c *MemoryOrderCache) SetSalesOrder(_ context.Context, so *domain.SalesOrder, ttl time.Duration) error {
	if so == nil {
		return nil
	}
	c.store(SalesOrderKey(so.ID), memoryEntry{updatedAt: so.UpdatedAt, so: cloneSalesOrder(so)}, ttl)
	return nil
}

func (c *MemoryOrderCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *MemoryOrderCache) lookup(key string) (memoryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if c.expired(entry) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (c *MemoryOrderCache) store(key string, entry memoryEntry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.entries[key]; ok && !c.expired(current) && !supersedes(current.updatedAt, entry.updatedAt) {
		return
	}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = entry
}

func (c *MemoryOrderCache) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt)
}

func clonePurchaseOrder(po *domain.PurchaseOrder) *domain.PurchaseOrder {
	out := *po
	out.Lines = slices.Clone(po.Lines)
	return &out
}

func cloneSalesOrder(so *domain.SalesOrder) *domain.SalesOrder {
	out := *so
	out.Lines = slices.Clone(so.Lines)
	return &out
}
