package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"onboarding-agent/internal/convlock"
	"onboarding-agent/internal/identity"
)

// DefaultMappingTTL bounds how long a persisted transport mapping survives
// without traffic.
const DefaultMappingTTL = 30 * 24 * time.Hour

const (
	// Lua script for acquiring a lease. Returns 1 if acquired, 0 otherwise.
	redisLeaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return 0
end
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

// RedisLeaser is a distributed conversation lease shared by every instance
// of the dispatcher.
type RedisLeaser struct {
	client redis.Cmdable
	prefix string
}

var _ convlock.Leaser = (*RedisLeaser)(nil)

// NewRedisLeaser creates a RedisLeaser whose keys start with prefix.
func NewRedisLeaser(client redis.Cmdable, prefix string) (*RedisLeaser, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	return &RedisLeaser{client: client, prefix: prefix}, nil
}

func (r *RedisLeaser) keyLease(key string) string {
	return r.prefix + "lease:" + key
}

func (r *RedisLeaser) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("repository: lease ttl must be > 0")
	}
	res, err := r.client.Eval(ctx, redisLeaseAcquireLua, []string{r.keyLease(key)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("repository: TryAcquireLease: %w", err)
	}
	return scriptOK(res), nil
}

func (r *RedisLeaser) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := r.client.Eval(ctx, redisLeaseReleaseLua, []string{r.keyLease(key)}, owner).Result(); err != nil {
		return fmt.Errorf("repository: ReleaseLease: %w", err)
	}
	return nil
}

func scriptOK(res any) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}

// RedisIdentity persists the last-known transport mapping in both directions.
type RedisIdentity struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ identity.Persisted = (*RedisIdentity)(nil)

// NewRedisIdentity creates a RedisIdentity. A non-positive ttl uses
// DefaultMappingTTL.
func NewRedisIdentity(client redis.Cmdable, prefix string, ttl time.Duration) (*RedisIdentity, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultMappingTTL
	}
	return &RedisIdentity{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisIdentity) keyTransport(transportID string) string {
	return r.prefix + "tid:" + transportID
}

func (r *RedisIdentity) keyConversation(conversationID string) string {
	return r.prefix + "conv:" + conversationID
}

func (r *RedisIdentity) SaveMapping(ctx context.Context, transportID, conversationID string) error {
	if strings.TrimSpace(transportID) == "" || strings.TrimSpace(conversationID) == "" {
		return errors.New("repository: SaveMapping: transport and conversation ids are required")
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyTransport(transportID), conversationID, r.ttl)
		pipe.Set(ctx, r.keyConversation(conversationID), transportID, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: SaveMapping: %w", err)
	}
	return nil
}

func (r *RedisIdentity) ConversationFor(ctx context.Context, transportID string) (string, bool, error) {
	return r.get(ctx, r.keyTransport(transportID))
}

func (r *RedisIdentity) TransportFor(ctx context.Context, conversationID string) (string, bool, error) {
	return r.get(ctx, r.keyConversation(conversationID))
}

func (r *RedisIdentity) get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("repository: redis get %s: %w", key, err)
	}
	return v, true, nil
}
