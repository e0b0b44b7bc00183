package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// ErrDuplicateDelivery is returned for a delivery ID that was already claimed.
var ErrDuplicateDelivery = errors.New("duplicate webhook delivery")

// DeliveryStore is the dedup ledger for webhook delivery IDs.
type DeliveryStore interface {
	// MarkProcessed claims a delivery. Returns true if this call claimed it,
	// false if it was claimed before.
	MarkProcessed(ctx context.Context, deliveryID string) (bool, error)
	// Release gives up a claim so a redelivery can be processed.
	Release(ctx context.Context, deliveryID string) error
}

// DefaultDeliveryTTL bounds how long a delivery ID is remembered. GitHub
// redeliveries are manual and happen within days.
const DefaultDeliveryTTL = 7 * 24 * time.Hour

// RedisDeliveryStore claims delivery IDs with SETNX so every replica shares
// the same ledger.
type RedisDeliveryStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisDeliveryStore connects to redisURL and verifies the connection.
func NewRedisDeliveryStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisDeliveryStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisDeliveryStoreWithClient(client, "", ttl), nil
}

// NewRedisDeliveryStoreWithClient wraps an existing client.
func NewRedisDeliveryStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisDeliveryStore {
	if keyPrefix == "" {
		keyPrefix = "webhook:delivery:"
	}
	if ttl <= 0 {
		ttl = DefaultDeliveryTTL
	}
	return &RedisDeliveryStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisDeliveryStore) MarkProcessed(ctx context.Context, deliveryID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+deliveryID, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark delivery as processed: %w", err)
	}
	return ok, nil
}

func (s *RedisDeliveryStore) Release(ctx context.Context, deliveryID string) error {
	if err := s.client.Del(ctx, s.keyPrefix+deliveryID).Err(); err != nil {
		return fmt.Errorf("failed to release delivery: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisDeliveryStore) Close() error {
	return s.client.Close()
}

// PostgresDeliveryStore keeps the ledger in webhook_deliveries.
type PostgresDeliveryStore struct {
	pool *pgxpool.Pool
}

func NewPostgresDeliveryStore(pool *pgxpool.Pool) *PostgresDeliveryStore {
	return &PostgresDeliveryStore{pool: pool}
}

func (s *PostgresDeliveryStore) MarkProcessed(ctx context.Context, deliveryID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (delivery_id, received_at)
		VALUES ($1, NOW())
		ON CONFLICT (delivery_id) DO NOTHING
	`, deliveryID)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivery as processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresDeliveryStore) Release(ctx context.Context, deliveryID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM webhook_deliveries WHERE delivery_id = $1`, deliveryID); err != nil {
		return fmt.Errorf("failed to release delivery: %w", err)
	}
	return nil
}

// PurgeBefore removes ledger rows older than cutoff.
func (s *PostgresDeliveryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_deliveries WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MemoryDeliveryStore is an in-process DeliveryStore
type MemoryDeliveryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{seen: make(map[string]struct{})}
}

func (s *MemoryDeliveryStore) MarkProcessed(_ context.Context, deliveryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[deliveryID]; ok {
		return false, nil
	}
	s.seen[deliveryID] = struct{}{}
	return true, nil
}

func (s *MemoryDeliveryStore) Release(_ context.Context, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, deliveryID)
	return nil
}
