package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BillingLockKey builds the redis key guarding a billing document.
func BillingLockKey(documentID int64) string {
	return fmt.Sprintf("billing:document:%d:lock", documentID)
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// DocumentLocker hands out short-lived per-document locks backed by Redis.
type DocumentLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDocumentLocker constructs a locker. A non-positive ttl defaults to 30s.
func NewDocumentLocker(client *redis.Client, ttl time.Duration) *DocumentLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DocumentLocker{client: client, ttl: ttl}
}

// Lock acquires the lock for documentID and returns its release func.
// ErrLocked is returned when another holder owns it.
func (l *DocumentLocker) Lock(ctx context.Context, documentID int64) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	key := BillingLockKey(documentID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		// The caller's ctx may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}, nil
}
