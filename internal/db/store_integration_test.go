package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB starts a throwaway Postgres container and migrates the schema.
// Skipped when Docker is unavailable or -short is set.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("tollgate_test"),
		postgres.WithUsername("tollgate"),
		postgres.WithPassword("tollgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("could not start postgres container (docker unavailable?): %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	database, err := New(ctx, DefaultConfig(connStr), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(database.Close)

	require.NoError(t, database.Migrate(ctx))
	return database
}

func seedLicense(t *testing.T, database *DB, tenantID string) *models.License {
	t.Helper()
	now := time.Now()
	lic := models.NewLicense(tenantID, tenantID+" Inc", 5, 100, now.Add(-time.Hour), now.Add(365*24*time.Hour))
	require.NoError(t, database.CreateLicense(context.Background(), lic))
	return lic
}

func TestLicenseRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	lic := seedLicense(t, database, "acme")

	byID, err := database.GetLicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, "acme", byID.TenantID)
	require.Equal(t, models.LicenseStatusActive, byID.Status)

	byTenant, err := database.GetLicenseByTenantID(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, lic.ID, byTenant.ID)

	// tenant_id uniqueness backs the derived-license race.
	dup := models.NewLicense("acme", "Other", 1, 1, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	err = database.CreateLicense(ctx, dup)
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err))

	_, err = database.GetLicenseByID(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLicenseHistoryAndUpgrades(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	lic := seedLicense(t, database, "acme")

	require.NoError(t, database.CreateLicenseHistory(ctx,
		models.NewLicenseHistory(lic.ID, models.LicenseActionCreate, map[string]any{"via": "test"}, "tester")))
	require.NoError(t, database.CreateLicenseHistory(ctx,
		models.NewLicenseHistory(lic.ID, models.LicenseActionRevoke, map[string]any{"reason": "abuse"}, "tester")))

	history, err := database.ListLicenseHistory(ctx, lic.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	actions := []string{history[0].Action, history[1].Action}
	require.Contains(t, actions, models.LicenseActionRevoke)

	up := &models.LicenseUpgrade{
		ID:                    uuid.New(),
		LicenseID:             lic.ID,
		PreviousMaxApps:       5,
		PreviousMaxExecutions: 100,
		PreviousValidTo:       lic.ValidTo,
		NewMaxApps:            10,
		NewMaxExecutions:      200,
		NewValidTo:            lic.ValidTo.Add(365 * 24 * time.Hour),
		ApprovedBy:            "tester",
		CreatedAt:             time.Now(),
	}
	require.NoError(t, database.CreateLicenseUpgrade(ctx, up))

	upgrades, err := database.ListLicenseUpgrades(ctx, lic.ID)
	require.NoError(t, err)
	require.Len(t, upgrades, 1)
	require.Equal(t, 10, upgrades[0].NewMaxApps)
}

func TestApplicationUniqueness(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	lic := seedLicense(t, database, "acme")

	app, err := models.NewApplication(lic.ID, "worker", "", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, database.CreateApplication(ctx, app))

	// Same (license, name) is rejected with the name constraint.
	dup, err := models.NewApplication(lic.ID, "worker", "", "", "", nil)
	require.NoError(t, err)
	err = database.CreateApplication(ctx, dup)
	require.Error(t, err)
	require.Equal(t, "applications_license_id_name_key", UniqueConstraint(err))

	// Same name under another license is fine.
	other := seedLicense(t, database, "globex")
	sibling, err := models.NewApplication(other.ID, "worker", "", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, database.CreateApplication(ctx, sibling))

	// Duplicate api_key hits the key constraint.
	clone, err := models.NewApplication(lic.ID, "worker-2", "", "", "", nil)
	require.NoError(t, err)
	clone.APIKey = app.APIKey
	err = database.CreateApplication(ctx, clone)
	require.Error(t, err)
	require.Equal(t, "applications_api_key_key", UniqueConstraint(err))

	count, err := database.CountActiveApplications(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCreateJobWithExecutionIsAtomic(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	lic := seedLicense(t, database, "acme")
	app, err := models.NewApplication(lic.ID, "worker", "", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, database.CreateApplication(ctx, app))

	now := time.Now()
	jobID := uuid.New()
	job := models.NewJob(jobID, app.ID, lic.ID, "j1", "", nil, now)
	exec := models.NewJobExecution(lic.ID, jobID, "acme", now)
	require.NoError(t, database.CreateJobWithExecution(ctx, job, exec))

	stored, err := database.GetJobByID(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, stored.Status)

	execs, err := database.ListExecutionsSince(ctx, "acme", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, jobID, execs[0].JobID)

	// A failing execution insert (duplicate id) rolls the job row back too.
	job2 := models.NewJob(uuid.New(), app.ID, lic.ID, "j2", "", nil, now)
	badExec := models.NewJobExecution(lic.ID, job2.ID, "acme", now)
	badExec.ID = execs[0].ID
	err = database.CreateJobWithExecution(ctx, job2, badExec)
	require.Error(t, err)

	_, err = database.GetJobByID(ctx, job2.ID)
	require.ErrorIs(t, err, ErrNotFound)

	n, err := database.CountExecutionsSince(ctx, "acme", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFinishJobGuardsRunningTransition(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	lic := seedLicense(t, database, "acme")
	app, err := models.NewApplication(lic.ID, "worker", "", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, database.CreateApplication(ctx, app))

	now := time.Now()
	job := models.NewJob(uuid.New(), app.ID, lic.ID, "j1", "", nil, now)
	exec := models.NewJobExecution(lic.ID, job.ID, "acme", now)
	require.NoError(t, database.CreateJobWithExecution(ctx, job, exec))

	job.Finish(models.JobStatusCompleted, now.Add(90*time.Second))
	require.NoError(t, database.FinishJob(ctx, job))

	stored, err := database.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.ExecutionTime)
	require.InDelta(t, 90, *stored.ExecutionTime, 0.01)

	// Second finish loses the RUNNING guard.
	job.Finish(models.JobStatusFailed, now.Add(2*time.Minute))
	require.ErrorIs(t, database.FinishJob(ctx, job), ErrNotFound)
}

func TestApplyMetricsDeltaMath(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	lic := seedLicense(t, database, "acme")
	app, err := models.NewApplication(lic.ID, "worker", "", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, database.CreateApplication(ctx, app))

	date := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seconds := func(s float64) *float64 { return &s }

	// Three finishes: 10s success, 30s failure, 20s success.
	require.NoError(t, database.ApplyMetricsDelta(ctx, MetricsDelta{
		ApplicationID: app.ID, Date: date, Success: true, ExecutionTime: seconds(10),
	}))
	require.NoError(t, database.ApplyMetricsDelta(ctx, MetricsDelta{
		ApplicationID: app.ID, Date: date, Success: false, ExecutionTime: seconds(30),
	}))
	require.NoError(t, database.ApplyMetricsDelta(ctx, MetricsDelta{
		ApplicationID: app.ID, Date: date, Success: true, ExecutionTime: seconds(20),
	}))

	rows, err := database.ListMetricsByApplication(ctx, app.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	m := rows[0]
	require.Equal(t, 3, m.TotalJobs)
	require.Equal(t, 2, m.SuccessfulJobs)
	require.Equal(t, 1, m.FailedJobs)
	require.InDelta(t, 30, m.MaxExecutionTime, 0.001)
	require.InDelta(t, 10, m.MinExecutionTime, 0.001)
	require.InDelta(t, 20, m.AvgExecutionTime, 0.001)

	// A finish without timing bumps counts but leaves timings alone.
	require.NoError(t, database.ApplyMetricsDelta(ctx, MetricsDelta{
		ApplicationID: app.ID, Date: date, Success: true,
	}))
	rows, err = database.ListMetricsByApplication(ctx, app.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	m = rows[0]
	require.Equal(t, 4, m.TotalJobs)
	require.InDelta(t, 20, m.AvgExecutionTime, 0.001)
	require.InDelta(t, 10, m.MinExecutionTime, 0.001)

	summary, err := database.GetApplicationSummary(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalApplications)
	require.Equal(t, 4, summary.TotalJobs)
	require.Equal(t, 3, summary.SuccessfulJobs)
}

func TestUserUniqueness(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	user := models.NewUser("alice", "alice@example.com", "hash", "", "")
	require.NoError(t, database.CreateUser(ctx, user))

	dupName := models.NewUser("alice", "other@example.com", "hash", "", "")
	require.True(t, IsUniqueViolation(database.CreateUser(ctx, dupName)))

	dupEmail := models.NewUser("bob", "alice@example.com", "hash", "", "")
	require.True(t, IsUniqueViolation(database.CreateUser(ctx, dupEmail)))

	usernameTaken, emailTaken, err := database.UserExists(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	require.True(t, usernameTaken)
	require.True(t, emailTaken)
}
