package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OwnerPropertyLockKey builds redis keys for the allocation critical section.
// The balance check in Allocate Expense and the subsequent journal posting
// must not interleave for the same (owner, property) pair.
func OwnerPropertyLockKey(ownerID, propertyID int64) string {
	return fmt.Sprintf("trust:owner:%d:property:%d:lock", ownerID, propertyID)
}

// PeriodLockKey builds redis keys for period close critical sections.
func PeriodLockKey(periodID int64) string {
	return fmt.Sprintf("trust:period:%d:lock", periodID)
}

// ErrLockNotAcquired indicates the advisory lock is held elsewhere.
var ErrLockNotAcquired = errors.New("advisory lock not acquired")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// AdvisoryLocker serialises critical sections across workers via redis.
type AdvisoryLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAdvisoryLocker constructs a locker. ttl bounds how long a crashed
// holder can block others.
func NewAdvisoryLocker(client *redis.Client, ttl time.Duration) *AdvisoryLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AdvisoryLocker{client: client, ttl: ttl}
}

// Acquire takes the lock, polling until ctx expires. The returned release
// func only deletes the key if this holder still owns it.
func (l *AdvisoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			release := func() {
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
			}
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockNotAcquired
		case <-time.After(50 * time.Millisecond):
		}
	}
}
