package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix   = "checkout:submit:"
	cancelPrefix = "checkout:cancel:"
)

// releaseScript deletes the lock only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SubmissionGuard implements repository.SubmissionGuard with Redis locks.
type SubmissionGuard struct {
	client *redis.Client
}

// NewSubmissionGuard creates a new Redis-backed submission guard.
func NewSubmissionGuard(client *redis.Client) *SubmissionGuard {
	return &SubmissionGuard{client: client}
}

// Acquire takes the per-session submission lock for ttl.
func (g *SubmissionGuard) Acquire(ctx context.Context, checkoutID string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()

	ok, err := g.client.SetNX(ctx, lockPrefix+checkoutID, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis acquire submit lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lock if token still owns it. A lock that expired and was
// taken by another submission is left alone.
func (g *SubmissionGuard) Release(ctx context.Context, checkoutID, token string) error {
	if err := releaseScript.Run(ctx, g.client, []string{lockPrefix + checkoutID}, token).Err(); err != nil {
		return fmt.Errorf("redis release submit lock: %w", err)
	}
	return nil
}

// MarkCancelled records a cancel request for an in-flight submission.
func (g *SubmissionGuard) MarkCancelled(ctx context.Context, checkoutID string, ttl time.Duration) error {
	if err := g.client.Set(ctx, cancelPrefix+checkoutID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set cancel marker: %w", err)
	}
	return nil
}

// Cancelled reports whether a cancel was requested and clears the marker.
func (g *SubmissionGuard) Cancelled(ctx context.Context, checkoutID string) (bool, error) {
	_, err := g.client.GetDel(ctx, cancelPrefix+checkoutID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis read cancel marker: %w", err)
	}
	return true, nil
}
