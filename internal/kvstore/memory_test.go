package kvstore

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

func TestMemorySortedSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := ExecutionsKey("acme")

	for i, score := range []float64{100, 200, 300} {
		if err := m.ZAdd(ctx, key, string(rune('a'+i)), score); err != nil {
			t.Fatalf("zadd: %v", err)
		}
	}

	n, err := m.ZCount(ctx, key, 150, 300)
	if err != nil {
		t.Fatalf("zcount: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 members in range, got %d", n)
	}

	removed, err := m.ZRemRangeByScore(ctx, key, math.Inf(-1), 150)
	if err != nil {
		t.Fatalf("zremrangebyscore: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	members, err := m.ZRangeByScore(ctx, key, math.Inf(-1), math.Inf(1))
	if err != nil {
		t.Fatalf("zrangebyscore: %v", err)
	}
	if len(members) != 2 || members[0].Score != 200 || members[1].Score != 300 {
		t.Fatalf("unexpected members: %+v", members)
	}

	if err := m.ZRem(ctx, key, members[0].Member); err != nil {
		t.Fatalf("zrem: %v", err)
	}
	n, _ = m.ZCount(ctx, key, math.Inf(-1), math.Inf(1))
	if n != 1 {
		t.Fatalf("expected 1 member after zrem, got %d", n)
	}
}

func TestMemoryCounters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := AppCountKey("acme")

	// Absent reads as zero.
	v, err := m.GetInt(ctx, key)
	if err != nil || v != 0 {
		t.Fatalf("expected 0 for absent key, got %d (%v)", v, err)
	}

	if err := m.SetInt(ctx, key, 3); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := m.Incr(ctx, key); v != 4 {
		t.Fatalf("expected 4 after incr, got %d", v)
	}
	if v, _ := m.Decr(ctx, key); v != 3 {
		t.Fatalf("expected 3 after decr, got %d", v)
	}

	if err := m.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v, _ := m.GetInt(ctx, key); v != 0 {
		t.Fatalf("expected 0 after delete, got %d", v)
	}
}

func TestMemoryLockExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := LockKey("executions:acme")

	token, err := m.AcquireLock(ctx, key, time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Second acquire within the wait budget fails.
	if _, err := m.AcquireLock(ctx, key, time.Second, 20*time.Millisecond); err != ErrLockBusy {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}

	if err := m.ReleaseLock(ctx, key, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.AcquireLock(ctx, key, time.Second, 10*time.Millisecond); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestMemoryLockTTLTakeover(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := LockKey("executions:acme")

	// A crashed holder's lock expires on its own.
	if _, err := m.AcquireLock(ctx, key, 10*time.Millisecond, time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := m.AcquireLock(ctx, key, time.Second, 10*time.Millisecond); err != nil {
		t.Fatalf("expected takeover after TTL, got %v", err)
	}
}

func TestMemoryLockStaleReleaseIgnored(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := LockKey("executions:acme")

	stale, err := m.AcquireLock(ctx, key, 10*time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// New holder takes over; the stale token must not release its lock.
	if _, err := m.AcquireLock(ctx, key, time.Second, 10*time.Millisecond); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if err := m.ReleaseLock(ctx, key, stale); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, err := m.AcquireLock(ctx, key, time.Second, 20*time.Millisecond); err != ErrLockBusy {
		t.Fatalf("expected lock still held, got %v", err)
	}
}

func TestMemoryLockUnderContention(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := LockKey("executions:acme")

	var mu sync.Mutex
	var inCritical, maxInCritical int

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.AcquireLock(ctx, key, time.Second, time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
			_ = m.ReleaseLock(ctx, key, token)
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Fatalf("lock admitted %d holders at once", maxInCritical)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := ExecutionsKey("acme")

	if err := m.ZAdd(ctx, key, "a", 1); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := m.Expire(ctx, key, 5*time.Millisecond); err != nil {
		t.Fatalf("expire: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := m.ZCount(ctx, key, math.Inf(-1), math.Inf(1))
	if err != nil {
		t.Fatalf("zcount: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected key to have aged out, got %d members", n)
	}
}
