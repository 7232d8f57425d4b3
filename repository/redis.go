package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	auth "github.com/goliatone/go-authcore"
)

const (
	redisTokenPrefix   = "authcore:revoked:"
	redisSubjectPrefix = "authcore:subject:"
)

// setLater stores ARGV[1] unless the key already holds a value at least as
// large, so concurrent subject revocations keep the latest marker.
var setLater = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisRevocations implements auth.RevocationStore on Redis. Entries carry a
// TTL equal to the remaining token lifetime, so expiry is handled by Redis.
type RedisRevocations struct {
	client redis.Cmdable
	now    auth.Clock
}

var _ auth.RevocationStore = (*RedisRevocations)(nil)

// NewRedisRevocations wraps client. A nil clock uses time.Now.
func NewRedisRevocations(client redis.Cmdable, clock auth.Clock) *RedisRevocations {
	if clock == nil {
		clock = time.Now
	}
	return &RedisRevocations{client: client, now: clock}
}

// NewRedisClient parses url and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Revoke stores the token id until its natural expiry and reports whether
// the key was new. Already expired tokens are skipped.
func (r *RedisRevocations) Revoke(ctx context.Context, token auth.RevokedToken) (bool, error) {
	ttl := token.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return false, nil
	}
	stored, err := r.client.SetNX(ctx, redisTokenPrefix+token.TokenID, token.Reason, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("revoke token %s: %w", token.TokenID, err)
	}
	return stored, nil
}

// IsRevoked implements auth.RevocationStore.
func (r *RedisRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, redisTokenPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RevokeSubject implements auth.RevocationStore.
func (r *RedisRevocations) RevokeSubject(ctx context.Context, marker auth.SubjectRevocation) error {
	ttl := marker.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	err := setLater.Run(ctx, r.client,
		[]string{redisSubjectPrefix + marker.Subject},
		marker.RevokedAt.UnixNano(), ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("revoke subject %s: %w", marker.Subject, err)
	}
	return nil
}

// SubjectRevokedAt implements auth.RevocationStore.
func (r *RedisRevocations) SubjectRevokedAt(ctx context.Context, subject string) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, redisSubjectPrefix+subject).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("subject marker %s: %w", subject, err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

// PurgeExpired is a no-op: Redis evicts entries when their TTL elapses.
func (r *RedisRevocations) PurgeExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Stats counts live token entries. Expired entries are already evicted so
// Expired is always zero.
func (r *RedisRevocations) Stats(ctx context.Context, _ time.Time) (auth.RevocationStats, error) {
	total := 0
	iter := r.client.Scan(ctx, 0, redisTokenPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		total++
	}
	if err := iter.Err(); err != nil {
		return auth.RevocationStats{}, err
	}
	return auth.RevocationStats{Total: total, Active: total}, nil
}
