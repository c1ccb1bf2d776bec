// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/m2mgate/pkg/rotation"
)

// Redis timeouts applied when RedisConfig leaves them unset.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix namespaces rotation keys.
	DefaultKeyPrefix = "m2mgate:rotation:"
)

const (
	keyTypeCycle = "cycle"
	keyTypeClaim = "claim"
)

// RedisConfig configures the Redis store. Either Addr or a sentinel
// MasterName with SentinelAddrs is required.
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	MasterName    string        `yaml:"master_name"`
	SentinelAddrs []string      `yaml:"sentinel_addrs"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// Validate checks the connection settings.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" && c.MasterName == "" {
		return errors.New("redis address or sentinel master name is required")
	}
	if c.MasterName != "" && len(c.SentinelAddrs) == 0 {
		return errors.New("at least one sentinel address is required")
	}
	return nil
}

// RedisStore keeps cycles in Redis so several handler processes share one
// view, and uses SETNX keys as cross-process rotation claims.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ rotation.Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var client redis.UniversalClient
	if cfg.MasterName != "" {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps a pre-configured client, e.g. one pointed at miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// Get loads the client's cycle.
func (s *RedisStore) Get(ctx context.Context, clientID string) (*rotation.Cycle, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeCycle, clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", rotation.ErrCycleNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}

	var cycle rotation.Cycle
	if err := json.Unmarshal(data, &cycle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cycle: %w", err)
	}
	return &cycle, nil
}

// Put stores the cycle without expiry.
func (s *RedisStore) Put(ctx context.Context, cycle *rotation.Cycle) error {
	if cycle == nil || cycle.ClientID == "" {
		return errors.New("cycle with client id is required")
	}
	data, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle: %w", err)
	}
	return s.client.Set(ctx, s.key(keyTypeCycle, cycle.ClientID), data, 0).Err()
}

// Delete removes the client's cycle.
func (s *RedisStore) Delete(ctx context.Context, clientID string) error {
	return s.client.Del(ctx, s.key(keyTypeCycle, clientID)).Err()
}

// ClaimRotation sets the claim key only if it is absent.
func (s *RedisStore) ClaimRotation(ctx context.Context, clientID string, rotateAt time.Time, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(keyTypeClaim, claimKey(clientID, rotateAt)), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim rotation: %w", err)
	}
	return ok, nil
}

// ReleaseRotation deletes the claim key.
func (s *RedisStore) ReleaseRotation(ctx context.Context, clientID string, rotateAt time.Time) error {
	return s.client.Del(ctx, s.key(keyTypeClaim, claimKey(clientID, rotateAt))).Err()
}
