package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*AdvisoryLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAdvisoryLocker(client, time.Second), mr
}

func TestAdvisoryLockerAcquireRelease(t *testing.T) {
	locker, mr := newTestLocker(t)
	key := OwnerPropertyLockKey(7, 42)

	release, err := locker.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists(key) {
		t.Fatal("lock key not set")
	}
	release()
	if mr.Exists(key) {
		t.Fatal("lock key not deleted on release")
	}
}

func TestAdvisoryLockerContention(t *testing.T) {
	locker, _ := newTestLocker(t)
	key := PeriodLockKey(3)

	release, err := locker.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, key); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("second acquire: got %v, want ErrLockNotAcquired", err)
	}
}

func TestAdvisoryLockerReleaseIsOwnerScoped(t *testing.T) {
	locker, mr := newTestLocker(t)
	key := OwnerPropertyLockKey(1, 1)

	release, err := locker.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Simulate TTL expiry plus takeover by another holder.
	mr.FastForward(2 * time.Second)
	release2, err := locker.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}
	defer release2()

	// The stale holder's release must not remove the new holder's lock.
	release()
	if !mr.Exists(key) {
		t.Fatal("stale release deleted a lock it no longer owned")
	}
}
