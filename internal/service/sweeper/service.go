// Package sweeper pays the longevity bonus for contributions that stayed
// healthy past the longevity threshold.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aimd54/contribution-ledger/internal/config"
	prommetrics "github.com/aimd54/contribution-ledger/internal/metrics"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/internal/service/reputation"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

// Summary reports the work done by one sweep.
type Summary struct {
	Scanned int `json:"scanned"`
	Paid    int `json:"paid"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Reporter is told about the outcome of each scheduled sweep.
type Reporter interface {
	SendSweeperSummary(ctx context.Context, paid, failed int, took time.Duration) error
}

// Service runs the longevity sweep on a cron schedule.
type Service struct {
	config   *config.SweeperConfig
	store    *repository.Store
	engine   *reputation.Engine
	reporter Reporter
	log      *logger.Logger
	cron     *cron.Cron
	now      func() time.Time
}

// NewService creates a new sweeper service.
func NewService(
	cfg *config.SweeperConfig,
	store *repository.Store,
	engine *reputation.Engine,
	log *logger.Logger,
) *Service {
	return &Service{
		config: cfg,
		store:  store,
		engine: engine,
		log:    log,
		now:    repository.NowUTC,
	}
}

// SetClock overrides the sweeper clock. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetReporter registers a reporter for scheduled sweeps.
func (s *Service) SetReporter(r Reporter) {
	s.reporter = r
}

// Start initializes and starts the cron scheduler.
func (s *Service) Start() error {
	if !s.config.Enabled {
		s.log.Info().Msg("Longevity sweeper is disabled in configuration")
		return nil
	}

	location, err := s.config.GetLocation()
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.config.Timezone, err)
	}

	// Overlapping runs are skipped; the per-row guard already prevents double payment.
	s.cron = cron.New(
		cron.WithLocation(location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	_, err = s.cron.AddFunc(s.config.Schedule, func() {
		s.run(context.Background())
	})
	if err != nil {
		s.cron = nil
		return fmt.Errorf("failed to register longevity sweep job: %w", err)
	}

	s.cron.Start()

	entries := s.cron.Entries()
	nextRun := ""
	if len(entries) > 0 {
		nextRun = entries[0].Next.Format(time.RFC3339)
	}

	s.log.Info().
		Str("schedule", s.config.Schedule).
		Str("timezone", location.String()).
		Dur("longevity_threshold", s.config.LongevityThreshold).
		Str("next_run", nextRun).
		Msg("Longevity sweeper started")

	return nil
}

// Stop gracefully shuts down the scheduler, waiting for a running sweep.
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.cron = nil
		s.log.Info().Msg("Longevity sweeper stopped")
	}
}

// run executes one scheduled sweep and records metrics.
func (s *Service) run(ctx context.Context) {
	start := time.Now()

	defer func() {
		prommetrics.ObserveSweeperDuration(time.Since(start).Seconds())
		prommetrics.SetSweeperLastRun()
	}()

	summary, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error().
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("Longevity sweep failed")
		prommetrics.RecordSweeperRun("error")
		return
	}

	status := "success"
	if summary.Failed > 0 {
		status = "partial"
	}
	prommetrics.RecordSweeperRun(status)

	if err := s.engine.RefreshTierGauge(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to refresh tier gauge")
	}

	if s.reporter != nil {
		if err := s.reporter.SendSweeperSummary(ctx, summary.Paid, summary.Failed, time.Since(start)); err != nil {
			s.log.Warn().Err(err).Msg("Failed to report sweep summary")
		}
	}
}

// RunOnce sweeps every eligible contribution. It is safe to run concurrently
// with other sweepers and to cancel midway: each payment is its own
// transaction guarded by the longevity latch.
func (s *Service) RunOnce(ctx context.Context) (*Summary, error) {
	start := time.Now()
	cutoff := s.now().Add(-s.config.LongevityThreshold)
	batchSize := s.config.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	s.log.Info().
		Time("merged_before", cutoff).
		Int("batch_size", batchSize).
		Msg("Running longevity sweep")

	summary := &Summary{}
	var afterID uint
	for {
		batch, err := s.store.Contributions.FindEligibleForLongevity(ctx, cutoff, afterID, batchSize)
		if err != nil {
			return summary, fmt.Errorf("failed to load sweep batch: %w", err)
		}

		for i := range batch {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			summary.Scanned++

			paid, err := s.payOne(ctx, &batch[i])
			switch {
			case err != nil:
				summary.Failed++
				s.log.Error().
					Err(err).
					Uint("contribution_id", batch[i].ID).
					Msg("Failed to pay longevity bonus")
			case paid:
				summary.Paid++
			default:
				summary.Skipped++
			}
		}

		if len(batch) < batchSize {
			break
		}
		afterID = batch[len(batch)-1].ID
	}

	s.log.Info().
		Int("scanned", summary.Scanned).
		Int("paid", summary.Paid).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("duration", time.Since(start)).
		Msg("Longevity sweep completed")

	return summary, nil
}

// payOne sets the latch and applies the bonus in one transaction. It reports
// false when the locked row is no longer eligible, for instance because
// another sweeper or a terminal transition got there first.
func (s *Service) payOne(ctx context.Context, contribution *models.CodeContribution) (bool, error) {
	var event *models.EloEvent
	err := s.store.WithinTx(ctx, func(tx *repository.Store) error {
		current, err := tx.Contributions.GetByIDForUpdate(ctx, contribution.ID)
		if err != nil {
			return err
		}
		if !current.IsEligibleForLongevity(s.now(), s.config.LongevityThreshold) {
			return nil
		}
		contribution = current

		paid, err := tx.Contributions.MarkLongevityPaid(ctx, contribution.ID)
		if err != nil || !paid {
			return err
		}

		event, err = s.engine.ApplyTx(ctx, tx, reputation.ApplyRequest{
			AgentID:       contribution.AgentID,
			EventType:     models.EventLongevityBonus,
			ReferenceID:   &contribution.ID,
			ReferenceKind: models.ReferenceContribution,
			Details: fmt.Sprintf("project %d PR #%d healthy since %s",
				contribution.ProjectID, contribution.PRNumber, contribution.MergedAt.Format(time.RFC3339)),
		})
		return err
	})
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, nil
	}

	s.engine.Observe(event)
	prommetrics.RecordLongevityBonusPaid()
	return true, nil
}
