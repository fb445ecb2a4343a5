// Package metrics rolls finished jobs up into per-(application, day)
// counters.
package metrics

import (
	"context"
	"time"

	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/models"
	"github.com/rs/zerolog"
)

// Store is the database surface the aggregator writes to.
type Store interface {
	ApplyMetricsDelta(ctx context.Context, d db.MetricsDelta) error
}

// Aggregator folds job finishes into application metrics rows.
type Aggregator struct {
	store  Store
	clock  clock.Clock
	logger zerolog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(store Store, clk clock.Clock, logger zerolog.Logger) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{
		store:  store,
		clock:  clk,
		logger: logger.With().Str("component", "metrics_aggregator").Logger(),
	}
}

// RecordFinish upserts the metrics row for the job's application and today's
// date. Counts are exact under concurrent finishes; small drift on the
// running average is tolerated.
func (a *Aggregator) RecordFinish(ctx context.Context, job *models.Job) error {
	now := a.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	delta := db.MetricsDelta{
		ApplicationID: job.ApplicationID,
		Date:          today,
		Success:       job.Status == models.JobStatusCompleted,
		ExecutionTime: job.ExecutionTime,
	}

	if err := a.store.ApplyMetricsDelta(ctx, delta); err != nil {
		return err
	}

	a.logger.Debug().
		Str("application_id", job.ApplicationID.String()).
		Str("job_id", job.ID.String()).
		Str("status", string(job.Status)).
		Msg("application metrics updated")
	return nil
}
