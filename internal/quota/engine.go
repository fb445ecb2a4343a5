// Package quota enforces per-tenant execution and application quotas.
//
// Executions are tracked in a per-tenant sorted set whose scores are unix
// timestamps, giving an exact 24-hour sliding window. Application counts are
// plain integers. Both admission paths use a per-tenant named lock so that
// check-and-reserve is atomic under concurrent requests; the lock covers the
// counter mutation only, never the durable store write that follows.
package quota

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/kvstore"
	"github.com/rs/zerolog"
)

const (
	// Window is the sliding execution window.
	Window = 24 * time.Hour
	// keyTTLSlack keeps idle tenants' sets around a bit past the window so
	// in-flight reads never race the expiry.
	keyTTLSlack = time.Hour
	// lockTTL bounds how long a crashed holder can block a tenant.
	lockTTL = 5 * time.Second
	// lockWait bounds how long an admission waits for the tenant lock.
	lockWait = 5 * time.Second
)

// Result is the uniform outcome of an atomic check-and-reserve. On success
// Current is the post-reservation count; on rejection it is the observed
// count that triggered it. Member is set on successful execution
// reservations and identifies the sorted-set entry for rollback.
type Result struct {
	OK      bool   `json:"ok"`
	Current int    `json:"current"`
	Message string `json:"message,omitempty"`
	Member  string `json:"-"`
}

// ExecutionRecord is one entry of a tenant's execution history.
type ExecutionRecord struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Usage reports one resource's consumption against its cap.
type Usage struct {
	Current        int     `json:"current"`
	Max            int     `json:"max"`
	Remaining      int     `json:"remaining"`
	PercentageUsed float64 `json:"percentage_used"`
}

// Status is the live quota view for a tenant.
type Status struct {
	TenantID     string    `json:"tenant_id"`
	Executions   Usage     `json:"executions"`
	Applications Usage     `json:"applications"`
	Timestamp    time.Time `json:"timestamp"`
}

// Engine is the quota enforcement engine.
type Engine struct {
	kv     kvstore.Store
	clock  clock.Clock
	logger zerolog.Logger
}

// NewEngine creates an Engine on the given key-value store.
func NewEngine(kv kvstore.Store, clk clock.Clock, logger zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		kv:     kv,
		clock:  clk,
		logger: logger.With().Str("component", "quota_engine").Logger(),
	}
}

func executionMember(jobID uuid.UUID, ts float64) string {
	return jobID.String() + ":" + strconv.FormatFloat(ts, 'f', -1, 64)
}

// RecordExecution adds an execution to the tenant's window without a quota
// check. Used by the reseed path; admissions go through
// CheckAndRecordExecution.
func (e *Engine) RecordExecution(ctx context.Context, tenantID string, jobID uuid.UUID, at time.Time) error {
	key := kvstore.ExecutionsKey(tenantID)
	ts := float64(at.UnixNano()) / float64(time.Second)
	if err := e.kv.ZAdd(ctx, key, executionMember(jobID, ts), ts); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	if err := e.kv.Expire(ctx, key, Window+keyTTLSlack); err != nil {
		return fmt.Errorf("refresh execution key ttl: %w", err)
	}
	e.cleanupExpired(ctx, tenantID)
	return nil
}

// ExecutionCount returns the number of executions in the tenant's sliding
// window ending now.
func (e *Engine) ExecutionCount(ctx context.Context, tenantID string) (int, error) {
	now := float64(e.clock.Now().UnixNano()) / float64(time.Second)
	n, err := e.kv.ZCount(ctx, kvstore.ExecutionsKey(tenantID), now-Window.Seconds(), now)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return int(n), nil
}

// CheckAndRecordExecution atomically checks the execution quota and reserves
// one slot for jobID. Returns kvstore.ErrLockBusy when the tenant lock could
// not be taken within the wait budget; the caller surfaces that as a
// retryable rejection.
func (e *Engine) CheckAndRecordExecution(ctx context.Context, tenantID string, jobID uuid.UUID, maxExecutions int) (Result, error) {
	key := kvstore.ExecutionsKey(tenantID)
	lockKey := kvstore.LockKey(key)

	lockToken, err := e.kv.AcquireLock(ctx, lockKey, lockTTL, lockWait)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if relErr := e.kv.ReleaseLock(ctx, lockKey, lockToken); relErr != nil {
			e.logger.Warn().Err(relErr).Str("tenant_id", tenantID).Msg("failed to release execution lock")
		}
	}()

	now := float64(e.clock.Now().UnixNano()) / float64(time.Second)
	windowStart := now - Window.Seconds()

	if _, err := e.kv.ZRemRangeByScore(ctx, key, math.Inf(-1), windowStart); err != nil {
		return Result{}, fmt.Errorf("cleanup expired executions: %w", err)
	}

	count, err := e.kv.ZCount(ctx, key, windowStart, now)
	if err != nil {
		return Result{}, fmt.Errorf("count executions: %w", err)
	}
	current := int(count)

	if current >= maxExecutions {
		e.logger.Warn().
			Str("tenant_id", tenantID).
			Int("current", current).
			Int("max", maxExecutions).
			Msg("execution quota exceeded")
		return Result{
			Current: current,
			Message: fmt.Sprintf("Execution quota exceeded: %d/%d executions in last 24h", current, maxExecutions),
		}, nil
	}

	member := executionMember(jobID, now)
	if err := e.kv.ZAdd(ctx, key, member, now); err != nil {
		return Result{}, fmt.Errorf("record execution: %w", err)
	}
	if err := e.kv.Expire(ctx, key, Window+keyTTLSlack); err != nil {
		return Result{}, fmt.Errorf("refresh execution key ttl: %w", err)
	}

	e.logger.Info().
		Str("tenant_id", tenantID).
		Str("job_id", jobID.String()).
		Int("count", current+1).
		Int("max", maxExecutions).
		Msg("execution recorded")

	return Result{OK: true, Current: current + 1, Member: member}, nil
}

// RollbackExecution removes a reservation made by CheckAndRecordExecution
// after a downstream failure.
func (e *Engine) RollbackExecution(ctx context.Context, tenantID, member string) error {
	if err := e.kv.ZRem(ctx, kvstore.ExecutionsKey(tenantID), member); err != nil {
		return fmt.Errorf("rollback execution: %w", err)
	}
	e.logger.Info().Str("tenant_id", tenantID).Str("member", member).Msg("execution reservation rolled back")
	return nil
}

// ExecutionHistory lists the executions in the tenant's window, oldest first.
func (e *Engine) ExecutionHistory(ctx context.Context, tenantID string, window time.Duration) ([]ExecutionRecord, error) {
	now := float64(e.clock.Now().UnixNano()) / float64(time.Second)
	members, err := e.kv.ZRangeByScore(ctx, kvstore.ExecutionsKey(tenantID), now-window.Seconds(), now)
	if err != nil {
		return nil, fmt.Errorf("execution history: %w", err)
	}

	records := make([]ExecutionRecord, 0, len(members))
	for _, m := range members {
		// Member shape is "{job_id}:{ts}"; only the job id matters, the
		// score is the time.
		jobID := m.Member
		if i := strings.IndexByte(jobID, ':'); i >= 0 {
			jobID = jobID[:i]
		}
		sec, frac := math.Modf(m.Score)
		records = append(records, ExecutionRecord{
			JobID:     jobID,
			Timestamp: time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(),
		})
	}
	return records, nil
}

func (e *Engine) cleanupExpired(ctx context.Context, tenantID string) {
	now := float64(e.clock.Now().UnixNano()) / float64(time.Second)
	removed, err := e.kv.ZRemRangeByScore(ctx, kvstore.ExecutionsKey(tenantID), math.Inf(-1), now-Window.Seconds())
	if err != nil {
		e.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to clean up expired executions")
		return
	}
	if removed > 0 {
		e.logger.Debug().Str("tenant_id", tenantID).Int64("removed", removed).Msg("cleaned up expired executions")
	}
}

// AppCount returns the cached active-application count for a tenant.
func (e *Engine) AppCount(ctx context.Context, tenantID string) (int, error) {
	n, err := e.kv.GetInt(ctx, kvstore.AppCountKey(tenantID))
	if err != nil {
		return 0, fmt.Errorf("get app count: %w", err)
	}
	return int(n), nil
}

// SetAppCount overwrites the cached application count. Used at license
// creation and by the reseed path.
func (e *Engine) SetAppCount(ctx context.Context, tenantID string, count int) error {
	if err := e.kv.SetInt(ctx, kvstore.AppCountKey(tenantID), int64(count)); err != nil {
		return fmt.Errorf("set app count: %w", err)
	}
	return nil
}

// CheckAndIncrementAppCount atomically checks the application cap and
// reserves one slot. Same lock discipline as executions; the app-count lock
// and the execution lock are independent and never held together.
func (e *Engine) CheckAndIncrementAppCount(ctx context.Context, tenantID string, maxApps int) (Result, error) {
	key := kvstore.AppCountKey(tenantID)
	lockKey := kvstore.LockKey(key)

	lockToken, err := e.kv.AcquireLock(ctx, lockKey, lockTTL, lockWait)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if relErr := e.kv.ReleaseLock(ctx, lockKey, lockToken); relErr != nil {
			e.logger.Warn().Err(relErr).Str("tenant_id", tenantID).Msg("failed to release app count lock")
		}
	}()

	count, err := e.kv.GetInt(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("get app count: %w", err)
	}
	current := int(count)

	if current >= maxApps {
		e.logger.Warn().
			Str("tenant_id", tenantID).
			Int("current", current).
			Int("max", maxApps).
			Msg("max apps reached")
		return Result{
			Current: current,
			Message: fmt.Sprintf("Maximum number of applications reached: %d/%d", current, maxApps),
		}, nil
	}

	var newCount int64
	if current == 0 {
		if err := e.kv.SetInt(ctx, key, 1); err != nil {
			return Result{}, fmt.Errorf("set app count: %w", err)
		}
		newCount = 1
	} else {
		newCount, err = e.kv.Incr(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("increment app count: %w", err)
		}
	}

	e.logger.Info().
		Str("tenant_id", tenantID).
		Int64("count", newCount).
		Int("max", maxApps).
		Msg("app count incremented")

	return Result{OK: true, Current: int(newCount)}, nil
}

// IncrementAppCount bumps the counter without a cap check. Used by
// application reactivation, where the cap was checked against the store.
func (e *Engine) IncrementAppCount(ctx context.Context, tenantID string) (int, error) {
	n, err := e.kv.Incr(ctx, kvstore.AppCountKey(tenantID))
	if err != nil {
		return 0, fmt.Errorf("increment app count: %w", err)
	}
	return int(n), nil
}

// DecrementAppCount lowers the counter. Used on deactivation and to roll
// back a reservation whose durable insert failed.
func (e *Engine) DecrementAppCount(ctx context.Context, tenantID string) (int, error) {
	n, err := e.kv.Decr(ctx, kvstore.AppCountKey(tenantID))
	if err != nil {
		return 0, fmt.Errorf("decrement app count: %w", err)
	}
	return int(n), nil
}

// ResetTenant drops all cached quota state for a tenant. Called on license
// revocation.
func (e *Engine) ResetTenant(ctx context.Context, tenantID string) error {
	if err := e.kv.Delete(ctx, kvstore.ExecutionsKey(tenantID)); err != nil {
		return fmt.Errorf("reset executions: %w", err)
	}
	if err := e.kv.Delete(ctx, kvstore.AppCountKey(tenantID)); err != nil {
		return fmt.Errorf("reset app count: %w", err)
	}
	e.logger.Info().Str("tenant_id", tenantID).Msg("tenant quota state reset")
	return nil
}

// Status returns the live quota view for a tenant.
func (e *Engine) Status(ctx context.Context, tenantID string, maxExecutions, maxApps int) (*Status, error) {
	execCount, err := e.ExecutionCount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	appCount, err := e.AppCount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Status{
		TenantID:     tenantID,
		Executions:   usage(execCount, maxExecutions),
		Applications: usage(appCount, maxApps),
		Timestamp:    e.clock.Now(),
	}, nil
}

func usage(current, max int) Usage {
	u := Usage{Current: current, Max: max}
	if remaining := max - current; remaining > 0 {
		u.Remaining = remaining
	}
	if max > 0 {
		u.PercentageUsed = float64(current) / float64(max) * 100
	}
	return u
}
