package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vending-kiosk/internal/util"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLockHeld is returned when another kiosk process owns the machine
var ErrLockHeld = errors.New("machine lock held by another process")

// extendScript refreshes the TTL only while the caller still owns the lock
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// releaseScript deletes the lock only while the caller still owns it
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

type Client struct {
	rdb           *redis.Client
	extendScript  *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client and checks the connection
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		extendScript:  redis.NewScript(extendScript),
		releaseScript: redis.NewScript(releaseScript),
	}, nil
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock takes lockKey for owner if nobody holds it
func (c *Client) AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), owner, ttl).Result()
}

// ExtendLock refreshes the TTL. It reports false if owner lost the lock.
func (c *Client) ExtendLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	res, err := c.extendScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lock script failed: %w", err)
	}
	return res == 1, nil
}

// ReleaseLock releases lockKey if owner still holds it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	if err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, owner).Err(); err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// MachineLock keeps one kiosk process per machine. The remote ledger holds a
// single balance per machine, so two controllers would corrupt each other.
type MachineLock struct {
	client *Client
	key    string
	owner  string
	ttl    time.Duration
	logger *zap.Logger
}

// NewMachineLock prepares a lock on machineID owned by a fresh token
func NewMachineLock(client *Client, machineID string, ttl time.Duration) *MachineLock {
	return &MachineLock{
		client: client,
		key:    fmt.Sprintf("machine:%s", machineID),
		owner:  uuid.New().String(),
		ttl:    ttl,
		logger: util.GetLogger().With(zap.String("component", "machine_lock"), zap.String("machine_id", machineID)),
	}
}

// Acquire takes the lock or returns ErrLockHeld
func (l *MachineLock) Acquire(ctx context.Context) error {
	ok, err := l.client.AcquireLock(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return fmt.Errorf("failed to acquire machine lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	l.logger.Info("Machine lock acquired")
	return nil
}

// Keep extends the lock every ttl/3 until ctx is done. It returns ErrLockHeld
// if the lock was lost to another process.
func (l *MachineLock) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := l.client.ExtendLock(ctx, l.key, l.owner, l.ttl)
			if err != nil {
				l.logger.Warn("Failed to extend machine lock", zap.Error(err))
				continue
			}
			if !ok {
				l.logger.Error("Machine lock lost")
				return ErrLockHeld
			}
		}
	}
}

// Release gives the lock up
func (l *MachineLock) Release(ctx context.Context) error {
	return l.client.ReleaseLock(ctx, l.key, l.owner)
}
