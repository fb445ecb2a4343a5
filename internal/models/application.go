package models

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const (
	// APIKeyPrefix is the prefix for all application API keys.
	APIKeyPrefix = "app_"
	// APIKeyLength is the length of the random portion of an API key.
	APIKeyLength = 32
)

const apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewAPIKey mints a random API key of the form app_<32 alphanumeric chars>.
func NewAPIKey() (string, error) {
	buf := make([]byte, APIKeyLength)
	max := big.NewInt(int64(len(apiKeyAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = apiKeyAlphabet[n.Int64()]
	}
	return APIKeyPrefix + string(buf), nil
}

// Application is a client program registered by a tenant.
type Application struct {
	ID           uuid.UUID      `json:"id"`
	LicenseID    uuid.UUID      `json:"license_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Version      string         `json:"version"`
	APIKey       string         `json:"api_key"`
	WebhookURL   string         `json:"webhook_url"`
	IsActive     bool           `json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastActivity *time.Time     `json:"last_activity,omitempty"`
	Config       map[string]any `json:"config"`
}

// NewApplication creates an active Application with a freshly minted API key.
func NewApplication(licenseID uuid.UUID, name, description, version, webhookURL string, config map[string]any) (*Application, error) {
	apiKey, err := NewAPIKey()
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = "1.0.0"
	}
	if config == nil {
		config = map[string]any{}
	}
	now := time.Now()
	return &Application{
		ID:          uuid.New(),
		LicenseID:   licenseID,
		Name:        name,
		Description: description,
		Version:     version,
		APIKey:      apiKey,
		WebhookURL:  webhookURL,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		Config:      config,
	}, nil
}

// ApplicationMetrics is the per-(application, day) job rollup, upserted on
// every job finish. Hour is nil for daily rows.
type ApplicationMetrics struct {
	ID               uuid.UUID `json:"id"`
	ApplicationID    uuid.UUID `json:"application_id"`
	Date             time.Time `json:"date"`
	Hour             *int      `json:"hour,omitempty"`
	TotalJobs        int       `json:"total_jobs"`
	SuccessfulJobs   int       `json:"successful_jobs"`
	FailedJobs       int       `json:"failed_jobs"`
	AvgExecutionTime float64   `json:"avg_execution_time"`
	MaxExecutionTime float64   `json:"max_execution_time"`
	MinExecutionTime float64   `json:"min_execution_time"`
}

// ApplicationSummary aggregates metrics across all applications of a license.
type ApplicationSummary struct {
	TotalApplications    int     `json:"total_applications"`
	ActiveApplications   int     `json:"active_applications"`
	InactiveApplications int     `json:"inactive_applications"`
	TotalJobs            int     `json:"total_jobs"`
	SuccessfulJobs       int     `json:"successful_jobs"`
	FailedJobs           int     `json:"failed_jobs"`
	AvgExecutionTime     float64 `json:"avg_execution_time"`
	AvgSuccessRate       float64 `json:"avg_success_rate"`
}
