package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pharmacy/backend/internal/domain"
)

type RedisMedicationCache struct {
	client *redis.Client
}

func NewRedisMedicationCache(addr string, password string, db int) *RedisMedicationCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisMedicationCache{client: client}
}

func (c *RedisMedicationCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisMedicationCache) Close() error {
	return c.client.Close()
}

func (c *RedisMedicationCache) Get(ctx context.Context, medicationID string) (*domain.Medication, bool, error) {
	val, err := c.client.Get(ctx, medicationKey(medicationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var med domain.Medication
	if err := json.Unmarshal(val, &med); err != nil {
		return nil, false, err
	}
	return &med, true, nil
}

func (c *RedisMedicationCache) Set(ctx context.Context, medication *domain.Medication, ttl time.Duration) error {
	if medication == nil || medication.ID == "" {
		return nil
	}
	payload, err := json.Marshal(medication)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, medicationKey(medication.ID), payload, ttl).Err()
}

// Invalidate drops a cached entry, e.g. after a catalog price change.
func (c *RedisMedicationCache) Invalidate(ctx context.Context, medicationID string) error {
	return c.client.Del(ctx, medicationKey(medicationID)).Err()
}
