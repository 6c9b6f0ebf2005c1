package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

// ErrLockHeld is returned when a lock belongs to another owner
var ErrLockHeld = errors.New("lock held by another owner")

// Cache provides run state caching and locking using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

func runKey(runID string) string {
	return fmt.Sprintf("run:%s", runID)
}

// Run Cache Operations

// RunState is the live view of a run kept in Redis
type RunState struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpdateRunState merges fields into the run's hash and refreshes its TTL
func (c *Cache) UpdateRunState(ctx context.Context, runID string, fields map[string]interface{}, ttl time.Duration) error {
	key := runKey(runID)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return nil
}

// GetRunState retrieves a run's live state. A cache miss returns nil, nil.
func (c *Cache) GetRunState(ctx context.Context, runID string) (*RunState, error) {
	values, err := c.client.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get run state from cache: %w", err)
	}
	if len(values) == 0 {
		return nil, nil // Cache miss
	}

	state := &RunState{
		RunID:  runID,
		Stage:  values["stage"],
		Status: values["status"],
		Error:  values["error"],
	}
	if p, ok := values["progress"]; ok {
		if state.Progress, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid cached progress %q: %w", p, err)
		}
	}
	if ts, ok := values["updated_at"]; ok {
		state.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return state, nil
}

// SetRun caches the full run record
func (c *Cache) SetRun(ctx context.Context, run *models.Run, ttl time.Duration) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	key := fmt.Sprintf("run:record:%s", run.ID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetRun retrieves a run record from cache
func (c *Cache) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	key := fmt.Sprintf("run:record:%s", runID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get run from cache: %w", err)
	}

	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return &run, nil
}

// DeleteRun removes a run's record and live state
func (c *Cache) DeleteRun(ctx context.Context, runID string) error {
	return c.client.Del(ctx, runKey(runID), fmt.Sprintf("run:record:%s", runID)).Err()
}

// Stats Cache Operations

// IncrementStat increments a statistic counter
func (c *Cache) IncrementStat(ctx context.Context, stat string) error {
	key := fmt.Sprintf("stats:%s", stat)
	return c.client.Incr(ctx, key).Err()
}

// GetStat retrieves a statistic value, zero when unset
func (c *Cache) GetStat(ctx context.Context, stat string) (int64, error) {
	key := fmt.Sprintf("stats:%s", stat)
	n, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Locking Operations for Distributed Systems

// releaseScript deletes the lock only if it still belongs to the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the lock TTL only if it still belongs to the caller
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLock attempts to acquire a distributed lock for owner
func (c *Cache) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.SetNX(ctx, key, owner, ttl).Result()
}

// ReleaseLock releases a lock held by owner
func (c *Cache) ReleaseLock(ctx context.Context, resource, owner string) error {
	key := fmt.Sprintf("lock:%s", resource)
	n, err := releaseScript.Run(ctx, c.client, []string{key}, owner).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// ExtendLock pushes the expiry of a lock held by owner out to ttl
func (c *Cache) ExtendLock(ctx context.Context, resource, owner string, ttl time.Duration) error {
	key := fmt.Sprintf("lock:%s", resource)
	n, err := extendScript.Run(ctx, c.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// LockOwner returns the current owner of a lock, empty when free
func (c *Cache) LockOwner(ctx context.Context, resource string) (string, error) {
	key := fmt.Sprintf("lock:%s", resource)
	owner, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}

// Ping checks the connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
