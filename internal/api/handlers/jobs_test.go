package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/kvstore"
	"github.com/quantech/tollgate/internal/metrics"
	"github.com/quantech/tollgate/internal/models"
	"github.com/quantech/tollgate/internal/quota"
	"github.com/rs/zerolog"
)

type mockJobStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	execs     []*models.JobExecution
	apps      map[uuid.UUID]*models.Application
	createErr error
	deltas    []db.MetricsDelta
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{
		jobs: map[uuid.UUID]*models.Job{},
		apps: map[uuid.UUID]*models.Application{},
	}
}

func (m *mockJobStore) CreateJobWithExecution(_ context.Context, job *models.Job, exec *models.JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *job
	m.jobs[job.ID] = &cp
	ecp := *exec
	m.execs = append(m.execs, &ecp)
	return nil
}

func (m *mockJobStore) GetJobByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *mockJobStore) ListJobsByLicense(_ context.Context, licenseID uuid.UUID, _ db.JobFilter) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, job := range m.jobs {
		if job.LicenseID == licenseID {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockJobStore) FinishJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[job.ID]
	if !ok || stored.Status != models.JobStatusRunning {
		return db.ErrNotFound
	}
	*stored = *job
	return nil
}

func (m *mockJobStore) GetJobStatistics(_ context.Context, licenseID uuid.UUID, _ time.Time) (*models.JobStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.JobStatistics{}
	for _, job := range m.jobs {
		if job.LicenseID != licenseID {
			continue
		}
		stats.TotalJobs++
		switch job.Status {
		case models.JobStatusRunning:
			stats.RunningJobs++
		case models.JobStatusCompleted:
			stats.CompletedJobs++
		case models.JobStatusFailed:
			stats.FailedJobs++
		}
	}
	return stats, nil
}

func (m *mockJobStore) GetApplicationByID(_ context.Context, id uuid.UUID) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *app
	return &cp, nil
}

func (m *mockJobStore) TouchApplicationActivity(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app, ok := m.apps[id]; ok {
		app.LastActivity = &at
	}
	return nil
}

func (m *mockJobStore) ApplyMetricsDelta(_ context.Context, d db.MetricsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas = append(m.deltas, d)
	return nil
}

type jobTestEnv struct {
	router *gin.Engine
	store  *mockJobStore
	engine *quota.Engine
	clk    *clock.Manual
	lic    *models.License
	app    *models.Application
}

func setupJobTest(t *testing.T, maxExecutions int) *jobTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newMockJobStore()
	engine := quota.NewEngine(kvstore.NewMemory(), clk, zerolog.Nop())
	lic := testLicense(clk, 5, maxExecutions)

	app, err := models.NewApplication(lic.ID, "worker", "", "", "", nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	store.apps[app.ID] = app

	aggregator := metrics.NewAggregator(store, clk, zerolog.Nop())

	r := gin.New()
	r.Use(injectPrincipal(licensePrincipal(lic)))
	handler := NewJobsHandler(store, engine, &stubResolver{license: lic}, aggregator, clk, zerolog.Nop())
	handler.RegisterRoutes(r.Group("/"))

	return &jobTestEnv{router: r, store: store, engine: engine, clk: clk, lic: lic, app: app}
}

func (env *jobTestEnv) startJob(t *testing.T, name string) *httptest.ResponseRecorder {
	t.Helper()
	return postJSON(t, env.router, "/jobs/start", gin.H{
		"application_id": env.app.ID,
		"name":           name,
	})
}

func TestStartJob(t *testing.T) {
	env := setupJobTest(t, 10)

	w := env.startJob(t, "j1")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var job models.Job
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if job.Status != models.JobStatusRunning {
		t.Fatalf("expected RUNNING, got %s", job.Status)
	}
	if job.ID == uuid.Nil {
		t.Fatal("expected a job id")
	}

	// Execution record denormalizes the tenant id and shares the job id.
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.execs) != 1 {
		t.Fatalf("expected 1 execution record, got %d", len(env.store.execs))
	}
	exec := env.store.execs[0]
	if exec.JobID != job.ID || exec.TenantID != "acme" {
		t.Fatalf("unexpected execution record: %+v", exec)
	}
}

// Four sequential starts against max_executions_per_24h=3 go 201,201,201,429.
func TestStartJobQuotaExceeded(t *testing.T) {
	env := setupJobTest(t, 3)

	for i := range 3 {
		if w := env.startJob(t, "j"); w.Code != http.StatusCreated {
			t.Fatalf("start %d: expected 201, got %d", i, w.Code)
		}
	}

	w := env.startJob(t, "j")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error               string `json:"error"`
		MaxExecutionsPer24h int    `json:"max_executions_per_24h"`
		CurrentCount        int    `json:"current_count"`
		Message             string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.MaxExecutionsPer24h != 3 || resp.CurrentCount != 3 || resp.Message == "" {
		t.Fatalf("unexpected quota envelope: %+v", resp)
	}
}

// Advancing the clock past the window admits a new job.
func TestStartJobSlidingWindowRecovery(t *testing.T) {
	env := setupJobTest(t, 3)

	for range 3 {
		if w := env.startJob(t, "j"); w.Code != http.StatusCreated {
			t.Fatalf("seed start failed: %d", w.Code)
		}
	}
	if w := env.startJob(t, "j"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 at cap, got %d", w.Code)
	}

	env.clk.Advance(24*time.Hour + time.Second)

	if w := env.startJob(t, "j"); w.Code != http.StatusCreated {
		t.Fatalf("expected 201 after window passed, got %d: %s", w.Code, w.Body.String())
	}
}

// Exactly max of N concurrent starts are admitted.
func TestStartJobConcurrent(t *testing.T) {
	const max = 3
	const attempts = 12
	env := setupJobTest(t, max)

	var wg sync.WaitGroup
	codes := make([]int, attempts)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = env.startJob(t, "j").Code
		}()
	}
	wg.Wait()

	created, rejected := 0, 0
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusTooManyRequests:
			rejected++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if created != max || rejected != attempts-max {
		t.Fatalf("expected %d created / %d rejected, got %d / %d", max, attempts-max, created, rejected)
	}
}

// A store failure after the reservation leaves the counter unchanged.
func TestStartJobRollbackOnStoreFailure(t *testing.T) {
	env := setupJobTest(t, 10)
	ctx := context.Background()

	if w := env.startJob(t, "seed"); w.Code != http.StatusCreated {
		t.Fatalf("seed start failed: %d", w.Code)
	}
	before, _ := env.engine.ExecutionCount(ctx, "acme")

	env.store.createErr = errors.New("connection reset")
	w := env.startJob(t, "doomed")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}

	after, _ := env.engine.ExecutionCount(ctx, "acme")
	if after != before {
		t.Fatalf("counter leaked: before=%d after=%d", before, after)
	}
}

func TestStartJobApplicationChecks(t *testing.T) {
	env := setupJobTest(t, 10)

	t.Run("unknown application", func(t *testing.T) {
		w := postJSON(t, env.router, "/jobs/start", gin.H{"application_id": uuid.New(), "name": "j"})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})

	t.Run("foreign application", func(t *testing.T) {
		foreign, _ := models.NewApplication(uuid.New(), "other", "", "", "", nil)
		env.store.apps[foreign.ID] = foreign

		w := postJSON(t, env.router, "/jobs/start", gin.H{"application_id": foreign.ID, "name": "j"})
		if w.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", w.Code)
		}
	})

	t.Run("inactive application", func(t *testing.T) {
		env.store.apps[env.app.ID].IsActive = false
		defer func() { env.store.apps[env.app.ID].IsActive = true }()

		w := env.startJob(t, "j")
		if w.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", w.Code)
		}
	})
}

func TestFinishJob(t *testing.T) {
	env := setupJobTest(t, 10)

	w := env.startJob(t, "j1")
	if w.Code != http.StatusCreated {
		t.Fatalf("start failed: %d", w.Code)
	}
	var started models.Job
	_ = json.Unmarshal(w.Body.Bytes(), &started)

	env.clk.Advance(90 * time.Second)

	w = postJSON(t, env.router, "/jobs/finish", gin.H{
		"job_id": started.ID,
		"status": "COMPLETED",
		"result": gin.H{"rows": 42},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var finished models.Job
	if err := json.Unmarshal(w.Body.Bytes(), &finished); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if finished.Status != models.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", finished.Status)
	}
	if finished.ExecutionTime == nil || math.Abs(*finished.ExecutionTime-90) > 0.01 {
		t.Fatalf("expected execution_time 90s, got %v", finished.ExecutionTime)
	}

	// The finish rolled into the application metrics.
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.deltas) != 1 {
		t.Fatalf("expected 1 metrics delta, got %d", len(env.store.deltas))
	}
	delta := env.store.deltas[0]
	if !delta.Success || delta.ApplicationID != env.app.ID || delta.ExecutionTime == nil {
		t.Fatalf("unexpected metrics delta: %+v", delta)
	}
}

func TestFinishJobDefaultsToCompleted(t *testing.T) {
	env := setupJobTest(t, 10)

	w := env.startJob(t, "j1")
	var started models.Job
	_ = json.Unmarshal(w.Body.Bytes(), &started)

	w = postJSON(t, env.router, "/jobs/finish", gin.H{"job_id": started.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var finished models.Job
	_ = json.Unmarshal(w.Body.Bytes(), &finished)
	if finished.Status != models.JobStatusCompleted {
		t.Fatalf("expected COMPLETED default, got %s", finished.Status)
	}
}

func TestFinishJobOwnership(t *testing.T) {
	env := setupJobTest(t, 10)

	// A running job owned by another license.
	foreign := models.NewJob(uuid.New(), uuid.New(), uuid.New(), "other", "", nil, env.clk.Now())
	env.store.jobs[foreign.ID] = foreign

	w := postJSON(t, env.router, "/jobs/finish", gin.H{"job_id": foreign.ID})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign job, got %d", w.Code)
	}
}

func TestFinishJobNotRunning(t *testing.T) {
	env := setupJobTest(t, 10)

	w := env.startJob(t, "j1")
	var started models.Job
	_ = json.Unmarshal(w.Body.Bytes(), &started)

	if w := postJSON(t, env.router, "/jobs/finish", gin.H{"job_id": started.ID}); w.Code != http.StatusOK {
		t.Fatalf("first finish failed: %d", w.Code)
	}

	w = postJSON(t, env.router, "/jobs/finish", gin.H{"job_id": started.ID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for double finish, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "COMPLETED") {
		t.Fatalf("expected current status in response, got %s", w.Body.String())
	}
}

func TestFinishJobValidation(t *testing.T) {
	env := setupJobTest(t, 10)

	w := env.startJob(t, "j1")
	var started models.Job
	_ = json.Unmarshal(w.Body.Bytes(), &started)

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing job_id", gin.H{}},
		{"bad status", gin.H{"job_id": started.ID, "status": "CANCELLED"}},
		{"cpu out of range", gin.H{"job_id": started.ID, "cpu_usage": 150}},
		{"negative memory", gin.H{"job_id": started.ID, "memory_usage": -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := postJSON(t, env.router, "/jobs/finish", tc.body); w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestFailedJobCountsAsFailed(t *testing.T) {
	env := setupJobTest(t, 10)

	w := env.startJob(t, "j1")
	var started models.Job
	_ = json.Unmarshal(w.Body.Bytes(), &started)

	w = postJSON(t, env.router, "/jobs/finish", gin.H{
		"job_id":        started.ID,
		"status":        "FAILED",
		"error_message": "boom",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.deltas) != 1 || env.store.deltas[0].Success {
		t.Fatalf("expected a failure delta, got %+v", env.store.deltas)
	}
}

func TestExecutionWindowEndpoint(t *testing.T) {
	env := setupJobTest(t, 10)

	for range 2 {
		if w := env.startJob(t, "j"); w.Code != http.StatusCreated {
			t.Fatalf("start failed: %d", w.Code)
		}
		env.clk.Advance(time.Minute)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/executions/window/", nil)
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		TenantID   string                  `json:"tenant_id"`
		TotalCount int                     `json:"total_count"`
		Executions []quota.ExecutionRecord `json:"executions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.TenantID != "acme" || resp.TotalCount != 2 || len(resp.Executions) != 2 {
		t.Fatalf("unexpected window response: %+v", resp)
	}
}
