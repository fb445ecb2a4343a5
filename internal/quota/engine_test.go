package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/kvstore"
	"github.com/rs/zerolog"
)

func testEngine(t *testing.T) (*Engine, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(kvstore.NewMemory(), clk, zerolog.Nop()), clk
}

func TestCheckAndRecordExecutionEnforcesCap(t *testing.T) {
	ctx := context.Background()
	engine, _ := testEngine(t)

	const max = 3
	for i := range max {
		res, err := engine.CheckAndRecordExecution(ctx, "acme", uuid.New(), max)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if !res.OK {
			t.Fatalf("reserve %d rejected: %s", i, res.Message)
		}
		if res.Current != i+1 {
			t.Fatalf("reserve %d: expected post-count %d, got %d", i, i+1, res.Current)
		}
	}

	res, err := engine.CheckAndRecordExecution(ctx, "acme", uuid.New(), max)
	if err != nil {
		t.Fatalf("reserve over cap: %v", err)
	}
	if res.OK {
		t.Fatal("expected rejection at cap")
	}
	if res.Current != max {
		t.Fatalf("expected observed count %d, got %d", max, res.Current)
	}
	if res.Message == "" {
		t.Fatal("expected a rejection message")
	}
}

// Exactly max of N concurrent admissions succeed.
func TestCheckAndRecordExecutionConcurrent(t *testing.T) {
	ctx := context.Background()
	engine, _ := testEngine(t)

	const max = 5
	const attempts = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	rejected := 0

	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.CheckAndRecordExecution(ctx, "acme", uuid.New(), max)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.OK {
				granted++
			} else {
				rejected++
			}
		}()
	}
	wg.Wait()

	if granted != max || rejected != attempts-max {
		t.Fatalf("expected %d granted / %d rejected, got %d / %d", max, attempts-max, granted, rejected)
	}

	count, err := engine.ExecutionCount(ctx, "acme")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != max {
		t.Fatalf("expected window count %d, got %d", max, count)
	}
}

// An execution counts inside [t, t+24h) and stops blocking afterwards.
func TestSlidingWindowExpiry(t *testing.T) {
	ctx := context.Background()
	engine, clk := testEngine(t)

	const max = 3
	for range max {
		res, err := engine.CheckAndRecordExecution(ctx, "acme", uuid.New(), max)
		if err != nil || !res.OK {
			t.Fatalf("seed reserve failed: %v %+v", err, res)
		}
	}

	// Still at the cap 23 hours in.
	clk.Advance(23 * time.Hour)
	res, err := engine.CheckAndRecordExecution(ctx, "acme", uuid.New(), max)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.OK {
		t.Fatal("expected rejection inside the window")
	}

	// Past 24h the old entries fall out of the window.
	clk.Advance(time.Hour + time.Second)
	res, err = engine.CheckAndRecordExecution(ctx, "acme", uuid.New(), max)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected admission after window passed: %s", res.Message)
	}
	if res.Current != 1 {
		t.Fatalf("expected fresh window count 1, got %d", res.Current)
	}
}

func TestRollbackExecution(t *testing.T) {
	ctx := context.Background()
	engine, _ := testEngine(t)

	res, err := engine.CheckAndRecordExecution(ctx, "acme", uuid.New(), 10)
	if err != nil || !res.OK {
		t.Fatalf("reserve failed: %v %+v", err, res)
	}

	before, _ := engine.ExecutionCount(ctx, "acme")
	if before != 1 {
		t.Fatalf("expected count 1, got %d", before)
	}

	if err := engine.RollbackExecution(ctx, "acme", res.Member); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	after, _ := engine.ExecutionCount(ctx, "acme")
	if after != 0 {
		t.Fatalf("expected count 0 after rollback, got %d", after)
	}
}

func TestCheckAndIncrementAppCountEnforcesCap(t *testing.T) {
	ctx := context.Background()
	engine, _ := testEngine(t)

	const max = 2
	for i := range max {
		res, err := engine.CheckAndIncrementAppCount(ctx, "acme", max)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !res.OK || res.Current != i+1 {
			t.Fatalf("increment %d: %+v", i, res)
		}
	}

	res, err := engine.CheckAndIncrementAppCount(ctx, "acme", max)
	if err != nil {
		t.Fatalf("increment over cap: %v", err)
	}
	if res.OK {
		t.Fatal("expected rejection at cap")
	}
	if res.Current != max {
		t.Fatalf("expected observed count %d, got %d", max, res.Current)
	}
}

// Concurrent registrations settle at exactly the cap.
func TestCheckAndIncrementAppCountConcurrent(t *testing.T) {
	ctx := context.Background()
	engine, _ := testEngine(t)

	const max = 2
	const attempts = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.CheckAndIncrementAppCount(ctx, "acme", max)
			if err != nil {
				t.Errorf("increment: %v", err)
				return
			}
			if res.OK {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != max {
		t.Fatalf("expected exactly %d granted, got %d", max, granted)
	}

	count, _ := engine.AppCount(ctx, "acme")
	if count != max {
		t.Fatalf("expected app count %d, got %d", max, count)
	}
}

func TestDecrementAppCountRollsBack(t *testing.T) {
	ctx := context.Background()
	engine, _ := testEngine(t)

	res, err := engine.CheckAndIncrementAppCount(ctx, "acme", 5)
	if err != nil || !res.OK {
		t.Fatalf("increment failed: %v %+v", err, res)
	}

	if _, err := engine.DecrementAppCount(ctx, "acme"); err != nil {
		t.Fatalf("decrement: %v", err)
	}

	count, _ := engine.AppCount(ctx, "acme")
	if count != 0 {
		t.Fatalf("expected count 0 after rollback, got %d", count)
	}
}

func TestResetTenant(t *testing.T) {
	ctx := context.Background()
	engine, _ := testEngine(t)

	if _, err := engine.CheckAndRecordExecution(ctx, "acme", uuid.New(), 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := engine.CheckAndIncrementAppCount(ctx, "acme", 10); err != nil {
		t.Fatalf("increment: %v", err)
	}

	if err := engine.ResetTenant(ctx, "acme"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	execs, _ := engine.ExecutionCount(ctx, "acme")
	apps, _ := engine.AppCount(ctx, "acme")
	if execs != 0 || apps != 0 {
		t.Fatalf("expected counters cleared, got executions=%d apps=%d", execs, apps)
	}
}

func TestExecutionHistoryParsesJobIDs(t *testing.T) {
	ctx := context.Background()
	engine, clk := testEngine(t)

	first := uuid.New()
	second := uuid.New()
	if _, err := engine.CheckAndRecordExecution(ctx, "acme", first, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := engine.CheckAndRecordExecution(ctx, "acme", second, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	history, err := engine.ExecutionHistory(ctx, "acme", Window)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 records, got %d", len(history))
	}
	if history[0].JobID != first.String() || history[1].JobID != second.String() {
		t.Fatalf("unexpected order or ids: %+v", history)
	}
	if !history[0].Timestamp.Before(history[1].Timestamp) {
		t.Fatalf("expected chronological order: %+v", history)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	engine, _ := testEngine(t)

	for range 3 {
		if _, err := engine.CheckAndRecordExecution(ctx, "acme", uuid.New(), 10); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	if _, err := engine.CheckAndIncrementAppCount(ctx, "acme", 4); err != nil {
		t.Fatalf("increment: %v", err)
	}

	status, err := engine.Status(ctx, "acme", 10, 4)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Executions.Current != 3 || status.Executions.Remaining != 7 || status.Executions.PercentageUsed != 30 {
		t.Fatalf("unexpected execution usage: %+v", status.Executions)
	}
	if status.Applications.Current != 1 || status.Applications.Remaining != 3 || status.Applications.PercentageUsed != 25 {
		t.Fatalf("unexpected application usage: %+v", status.Applications)
	}
}
