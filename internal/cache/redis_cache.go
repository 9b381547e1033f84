package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Modulys-Pax/erp-sub000/internal/domain"
)

type RedisOrderCache struct {
	client *redis.Client
}

func NewRedisOrderCache(addr string, password string, db int) *RedisOrderCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisOrderCache{client: client}
}

func (c *RedisOrderCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisOrderCache) Close() error {
	return c.client.Close()
}

func (c *RedisOrderCache) GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, bool, error) {
	var po domain.PurchaseOrder
	found, err := c.get(ctx, PurchaseOrderKey(id), &po)
	if err != nil || !found {
		return nil, false, err
	}
	return &po, true, nil
}

func (c *RedisOrderCache) SetPurchaseOrder(ctx context.Context, po *domain.PurchaseOrder, ttl time.Duration) error {
	if po == nil {
		return nil
	}
	return c.set(ctx, PurchaseOrderKey(po.ID), po, po.UpdatedAt, ttl)
}

func (c *RedisOrderCache) GetSalesOrder(ctx context.Context, id string) (*domain.SalesOrder, bool, error) {
	var so domain.SalesOrder
	found, err := c.get(ctx, SalesOrderKey(id), &so)
	if err != nil || !found {
		return nil, false, err
	}
	return &so, true, nil
}

func (c *RedisOrderCache) SetSalesOrder(ctx context.Context, so *domain.SalesOrder, ttl time.Duration) error {
	if so == nil {
		return nil
	}
	return c.set(ctx, SalesOrderKey(so.ID), so, so.UpdatedAt, ttl)
}

func (c *RedisOrderCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisOrderCache) get(ctx context.Context, key string, dest any) (bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, err
	}
	return true, nil
}

const setAttempts = 3

// set writes value unless the key already holds a copy updated after
// updatedAt. WATCH aborts the write when another client touches the key
// between the read and the write.
func (c *RedisOrderCache) set(ctx context.Context, key string, value any, updatedAt time.Time, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	write := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var stored struct {
				UpdatedAt time.Time `json:"updated_at"`
			}
			if json.Unmarshal(current, &stored) == nil && !supersedes(stored.UpdatedAt, updatedAt) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < setAttempts; attempt++ {
		err = c.client.Watch(ctx, write, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}
