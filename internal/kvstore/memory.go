package kvstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs tests and single-node development
// deployments that run without Redis.
type Memory struct {
	mu       sync.Mutex
	zsets    map[string]map[string]float64
	counters map[string]int64
	locks    map[string]memoryLock
	expiry   map[string]time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		zsets:    make(map[string]map[string]float64),
		counters: make(map[string]int64),
		locks:    make(map[string]memoryLock),
		expiry:   make(map[string]time.Time),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) reapLocked(key string) {
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		delete(m.zsets, key)
		delete(m.counters, key)
		delete(m.expiry, key)
	}
}

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (m *Memory) ZCount(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	var n int64
	for _, score := range m.zsets[key] {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	var n int64
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			delete(m.zsets[key], member)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	var members []Member
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			members = append(members, Member{Member: member, Score: score})
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Score < members[j].Score })
	return members, nil
}

func (m *Memory) ZRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.zsets[key], member)
	return nil
}

func (m *Memory) GetInt(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	return m.counters[key], nil
}

func (m *Memory) SetInt(_ context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] = value
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) Decr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]--
	return m.counters[key], nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.zsets, key)
	delete(m.counters, key)
	delete(m.expiry, key)
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (m *Memory) AcquireLock(ctx context.Context, key string, ttl, maxWait time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(maxWait)

	for {
		m.mu.Lock()
		held, ok := m.locks[key]
		if !ok || time.Now().After(held.expires) {
			m.locks[key] = memoryLock{token: token, expires: time.Now().Add(ttl)}
			m.mu.Unlock()
			return token, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return "", ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *Memory) ReleaseLock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[key]; ok && held.token == token {
		delete(m.locks, key)
	}
	return nil
}
