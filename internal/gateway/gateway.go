// Package gateway dispatches normalized lifecycle facts to the ledger, the
// review registry and the reputation engine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/config"
	"github.com/aimd54/contribution-ledger/internal/metrics"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/internal/service/ledger"
	"github.com/aimd54/contribution-ledger/internal/service/reputation"
	"github.com/aimd54/contribution-ledger/internal/service/reviews"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

const deliveryKeyPrefix = "ledger:delivery:"

// deliverySettled marks a delivery whose outcome is committed. Any other value
// under a delivery key is ignored.
const deliverySettled = "settled"

// Outcome is the result of processing one fact.
type Outcome string

// Outcome constants.
const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	// OutcomeFailed means the fact could not be applied for a transient or
	// internal reason and should be redelivered.
	OutcomeFailed Outcome = "failed"
)

// Result describes what processing a fact did.
type Result struct {
	FactID     string             `json:"fact_id"`
	FactType   FactType           `json:"fact_type"`
	Outcome    Outcome            `json:"outcome"`
	Events     []*models.EloEvent `json:"events,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	ErrorClass apperr.Class       `json:"error_class,omitempty"`
	Attempts   int                `json:"attempts"`
	Err        error              `json:"-"`
}

// DeliveryCache remembers delivery ids for a bounded time.
type DeliveryCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Notifier is told about every dead-lettered fact.
type Notifier interface {
	NotifyDeadLetter(ctx context.Context, deadLetter *models.DeadLetter) error
}

// Gateway is the single entry point for lifecycle facts.
type Gateway struct {
	config   *config.GatewayConfig
	store    *repository.Store
	ledger   *ledger.Service
	reviews  *reviews.Service
	engine   *reputation.Engine
	cache    DeliveryCache
	notifier Notifier
	log      *logger.Logger
}

// New creates a gateway. cache and notifier may be nil.
func New(
	cfg *config.GatewayConfig,
	store *repository.Store,
	ledgerSvc *ledger.Service,
	reviewSvc *reviews.Service,
	engine *reputation.Engine,
	cache DeliveryCache,
	notifier Notifier,
	log *logger.Logger,
) *Gateway {
	return &Gateway{
		config:   cfg,
		store:    store,
		ledger:   ledgerSvc,
		reviews:  reviewSvc,
		engine:   engine,
		cache:    cache,
		notifier: notifier,
		log:      log,
	}
}

// Process validates, deduplicates and applies a fact. Transient storage
// errors are retried with exponential backoff. Facts that end up rejected or
// failed are dead-lettered.
func (g *Gateway) Process(ctx context.Context, fact *Fact) *Result {
	if fact.ReceivedAt.IsZero() {
		fact.ReceivedAt = repository.NowUTC()
	}
	deliveryKey := ""
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	} else {
		deliveryKey = deliveryKeyPrefix + fact.ID
	}

	result := &Result{FactID: fact.ID, FactType: fact.Type}

	if err := fact.Validate(); err != nil {
		return g.finish(ctx, fact, result, err, "")
	}

	// Only settled deliveries short-circuit; anything else goes to the natural keys.
	if deliveryKey != "" && g.cache != nil {
		seen, err := g.cache.Get(ctx, deliveryKey)
		switch {
		case err != nil:
			g.log.Warn().Err(err).Str("fact_id", fact.ID).Msg("Delivery cache unavailable, relying on natural keys")
			deliveryKey = ""
		case seen == deliverySettled:
			metrics.RecordDedupeHit()
			result.Outcome = OutcomeDuplicate
			result.Reason = "delivery already seen"
			metrics.RecordFact(string(fact.Type), string(result.Outcome))
			g.log.Debug().Str("fact_id", fact.ID).Msg("Skipping redelivered fact")
			return result
		}
	} else {
		deliveryKey = ""
	}

	var dispatched *Result
	op := func() error {
		result.Attempts++
		var err error
		dispatched, err = g.dispatch(ctx, fact)
		if err == nil {
			return nil
		}
		if apperr.IsTransient(err) {
			metrics.RecordFactRetry(string(fact.Type))
			g.log.Warn().
				Err(err).
				Str("fact_id", fact.ID).
				Int("attempt", result.Attempts).
				Msg("Transient failure applying fact, retrying")
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(op, g.newBackOff(ctx))
	if err == nil {
		result.Outcome = dispatched.Outcome
		result.Events = dispatched.Events
		result.Reason = dispatched.Reason
	}

	return g.finish(ctx, fact, result, err, deliveryKey)
}

// finish classifies err, dead-letters failures and records metrics.
func (g *Gateway) finish(ctx context.Context, fact *Fact, result *Result, err error, deliveryKey string) *Result {
	class := apperr.Classify(err)
	result.Err = err
	if class != apperr.ClassNone {
		result.ErrorClass = class
		result.Reason = err.Error()
	}

	switch class {
	case apperr.ClassNone:
	case apperr.ClassDuplicate:
		result.Outcome = OutcomeDuplicate
		result.ErrorClass = ""
	case apperr.ClassInvalid, apperr.ClassAuth:
		result.Outcome = OutcomeRejected
	default:
		result.Outcome = OutcomeFailed
	}

	if result.Outcome == OutcomeRejected || result.Outcome == OutcomeFailed {
		g.deadLetter(ctx, fact, result)
	}
	if deliveryKey != "" && (result.Outcome == OutcomeApplied || result.Outcome == OutcomeDuplicate) {
		if err := g.cache.Set(context.WithoutCancel(ctx), deliveryKey, deliverySettled, g.config.DeliveryTTL); err != nil {
			g.log.Warn().Err(err).Str("fact_id", fact.ID).Msg("Failed to remember settled delivery")
		}
	}

	metrics.RecordFact(string(fact.Type), string(result.Outcome))

	event := g.log.Info()
	if result.Outcome == OutcomeRejected || result.Outcome == OutcomeFailed {
		event = g.log.Error().Err(err)
	}
	event.
		Str("fact_id", fact.ID).
		Str("fact_type", string(fact.Type)).
		Str("outcome", string(result.Outcome)).
		Int("events", len(result.Events)).
		Int("attempts", result.Attempts).
		Msg("Processed fact")

	return result
}

func (g *Gateway) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if g.config.InitialInterval > 0 {
		exp.InitialInterval = g.config.InitialInterval
	}
	if g.config.MaxInterval > 0 {
		exp.MaxInterval = g.config.MaxInterval
	}
	exp.MaxElapsedTime = 0

	// WithMaxRetries treats zero as unlimited.
	if g.config.MaxRetries <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(g.config.MaxRetries)), ctx)
}

func (g *Gateway) deadLetter(ctx context.Context, fact *Fact, result *Result) {
	payload, err := json.Marshal(fact)
	if err != nil {
		payload = []byte(fmt.Sprintf("%+v", *fact))
	}

	deadLetter := &models.DeadLetter{
		FactID:     fact.ID,
		FactType:   string(fact.Type),
		ErrorClass: string(result.ErrorClass),
		Reason:     result.Reason,
		Payload:    string(payload),
		Attempts:   result.Attempts,
	}

	ctx = context.WithoutCancel(ctx)
	if err := g.store.DeadLetters.Create(ctx, deadLetter); err != nil {
		g.log.Error().Err(err).Str("fact_id", fact.ID).Msg("Failed to store dead letter")
		return
	}
	metrics.RecordDeadLetter(string(result.ErrorClass))

	if g.notifier == nil {
		return
	}
	if err := g.notifier.NotifyDeadLetter(ctx, deadLetter); err != nil {
		g.log.Warn().Err(err).Uint("dead_letter_id", deadLetter.ID).Msg("Failed to notify operators of dead letter")
	}
}

func (g *Gateway) dispatch(ctx context.Context, fact *Fact) (*Result, error) {
	switch fact.Type {
	case FactMerge:
		return g.handleMerge(ctx, fact)
	case FactRevert:
		return g.handleRevert(ctx, fact)
	case FactReview:
		return g.handleReview(ctx, fact)
	case FactBugReference:
		return g.handleBugReference(ctx, fact)
	case FactRejected:
		return g.handleRejected(ctx, fact)
	case FactDependentPR:
		return g.handleDependentPR(ctx, fact)
	case FactReplaced:
		return g.handleReplaced(ctx, fact)
	case FactLowPeerReview:
		return g.handleLowPeerReview(ctx, fact)
	default:
		return nil, fmt.Errorf("%w: unknown fact type %q", apperr.ErrMalformedFact, fact.Type)
	}
}

func applied(events ...*models.EloEvent) *Result {
	r := &Result{Outcome: OutcomeApplied}
	for _, e := range events {
		if e != nil {
			r.Events = append(r.Events, e)
		}
	}
	return r
}

func ignored(format string, args ...interface{}) *Result {
	return &Result{Outcome: OutcomeIgnored, Reason: fmt.Sprintf(format, args...)}
}

func occurredAt(fact *Fact) time.Time {
	if !fact.Payload.OccurredAt.IsZero() {
		return fact.Payload.OccurredAt
	}
	return fact.ReceivedAt
}

func detailsOr(fact *Fact, fallback string) string {
	if fact.Payload.Details != "" {
		return fact.Payload.Details
	}
	return fallback
}

// claim runs fn in a transaction that first records the fact's natural key,
// so a redelivered fact is recognised as a duplicate without side effects.
func (g *Gateway) claim(ctx context.Context, factType FactType, naturalKey string, agentID uint, fn func(tx *repository.Store) (*models.EloEvent, error)) (*models.EloEvent, error) {
	var event *models.EloEvent
	err := g.store.WithinTx(ctx, func(tx *repository.Store) error {
		if err := tx.ProcessedFacts.Claim(ctx, string(factType), naturalKey, agentID); err != nil {
			if errors.Is(err, repository.ErrDuplicateKey) {
				return fmt.Errorf("%s %s: %w", factType, naturalKey, apperr.ErrDuplicateFact)
			}
			return err
		}
		var err error
		event, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.engine.Observe(event)
	return event, nil
}

func (g *Gateway) handleMerge(ctx context.Context, fact *Fact) (*Result, error) {
	_, event, err := g.ledger.Open(ctx, ledger.OpenRequest{
		ProjectID: fact.ProjectID,
		PRNumber:  fact.PRNumber,
		CommitSHA: fact.CommitSHA,
		AgentID:   fact.AgentID,
		MergedAt:  occurredAt(fact),
	})
	if err != nil {
		return nil, err
	}
	return applied(event), nil
}

func (g *Gateway) handleRevert(ctx context.Context, fact *Fact) (*Result, error) {
	sha := fact.Payload.RevertedSHA
	if sha == "" {
		var ok bool
		sha, ok = ParseRevertCommit(fact.Payload.Message)
		if !ok {
			return ignored("commit is not a revert"), nil
		}
	}

	contribution, err := g.ledger.FindByCommitSHA(ctx, sha)
	if errors.Is(err, apperr.ErrNotFound) {
		return ignored("reverted commit %s is not a tracked contribution", sha), nil
	}
	if err != nil {
		return nil, err
	}

	res, err := g.ledger.MarkReverted(ctx, contribution.ID, occurredAt(fact),
		detailsOr(fact, fmt.Sprintf("commit %s reverted by %s", contribution.CommitSHA, fact.CommitSHA)))
	if err != nil {
		return nil, err
	}
	return transitionResult(res, models.ContributionReverted), nil
}

func (g *Gateway) handleReplaced(ctx context.Context, fact *Fact) (*Result, error) {
	var (
		contribution *models.CodeContribution
		err          error
	)
	if fact.CommitSHA != "" {
		contribution, err = g.ledger.FindByCommitSHA(ctx, fact.CommitSHA)
	} else {
		contribution, err = g.ledger.GetByProjectAndPR(ctx, fact.ProjectID, fact.PRNumber)
	}
	if err != nil {
		return nil, err
	}

	res, err := g.ledger.MarkReplaced(ctx, contribution.ID, occurredAt(fact),
		detailsOr(fact, fmt.Sprintf("project %d PR #%d replaced", contribution.ProjectID, contribution.PRNumber)))
	if err != nil {
		return nil, err
	}
	return transitionResult(res, models.ContributionReplaced), nil
}

// transitionResult maps a ledger transition to an outcome. Repeating the same
// transition is a duplicate; any other transition out of a terminal state is
// ignored.
func transitionResult(res *ledger.TransitionResult, to models.ContributionStatus) *Result {
	if res.Applied {
		r := applied(res.Event)
		if res.Event == nil {
			r.Reason = "transition recorded without penalty"
		}
		return r
	}
	if res.Contribution.Status == to {
		return &Result{Outcome: OutcomeDuplicate, Reason: "contribution already " + string(to)}
	}
	return ignored("contribution is already %s", res.Contribution.Status)
}

func (g *Gateway) handleReview(ctx context.Context, fact *Fact) (*Result, error) {
	res, err := g.reviews.Submit(ctx, reviews.SubmitRequest{
		PRID:       fact.PRNumber,
		ProjectID:  fact.ProjectID,
		ReviewerID: fact.AgentID,
		ReviewedID: fact.Payload.ReviewedAgentID,
		Verdict:    fact.Payload.Verdict,
	})
	if err != nil {
		return nil, err
	}
	r := applied(res.Event)
	if res.Capped {
		r.Reason = "approval credit withheld by review rate cap"
	}
	return r, nil
}

func (g *Gateway) handleBugReference(ctx context.Context, fact *Fact) (*Result, error) {
	var targets []*models.CodeContribution
	seen := make(map[uint]bool)
	add := func(c *models.CodeContribution) {
		if !seen[c.ID] {
			seen[c.ID] = true
			targets = append(targets, c)
		}
	}

	if fact.Payload.ReferencedSHA != "" {
		contribution, err := g.ledger.FindByCommitSHA(ctx, fact.Payload.ReferencedSHA)
		switch {
		case err == nil:
			add(contribution)
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
	}

	prs := fact.Payload.ReferencedPRs
	if len(prs) == 0 {
		prs = ParseBugReferences(fact.Payload.Message)
	}
	for _, pr := range prs {
		contribution, err := g.ledger.GetByProjectAndPR(ctx, fact.ProjectID, pr)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		add(contribution)
	}

	if len(targets) == 0 {
		return ignored("no referenced contribution is tracked"), nil
	}

	var (
		events     []*models.EloEvent
		duplicates int
	)
	for _, target := range targets {
		key := fmt.Sprintf("%d:%s", target.ID, fact.Payload.SourceKey)
		event, err := g.claim(ctx, FactBugReference, key, target.AgentID, func(tx *repository.Store) (*models.EloEvent, error) {
			return g.ledger.RecordBugTx(ctx, tx, target.ID, 1,
				detailsOr(fact, fmt.Sprintf("bug %s references project %d PR #%d", fact.Payload.SourceKey, target.ProjectID, target.PRNumber)))
		})
		if errors.Is(err, apperr.ErrDuplicateFact) {
			duplicates++
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		return &Result{Outcome: OutcomeDuplicate, Reason: "bug reference already recorded"}, nil
	}
	r := applied(events...)
	if duplicates > 0 {
		r.Reason = fmt.Sprintf("%d reference(s) already recorded", duplicates)
	}
	return r, nil
}

func (g *Gateway) handleRejected(ctx context.Context, fact *Fact) (*Result, error) {
	key := fmt.Sprintf("%d:%d", fact.ProjectID, fact.PRNumber)
	event, err := g.claim(ctx, FactRejected, key, fact.AgentID, func(tx *repository.Store) (*models.EloEvent, error) {
		return g.engine.ApplyTx(ctx, tx, reputation.ApplyRequest{
			AgentID:   fact.AgentID,
			EventType: models.EventPrRejected,
			Details:   detailsOr(fact, fmt.Sprintf("project %d PR #%d closed without merge", fact.ProjectID, fact.PRNumber)),
		})
	})
	if err != nil {
		return nil, err
	}
	return applied(event), nil
}

func (g *Gateway) handleDependentPR(ctx context.Context, fact *Fact) (*Result, error) {
	var (
		target *models.CodeContribution
		err    error
	)
	if fact.Payload.ReferencedSHA != "" {
		target, err = g.ledger.FindByCommitSHA(ctx, fact.Payload.ReferencedSHA)
	} else {
		target, err = g.ledger.GetByProjectAndPR(ctx, fact.ProjectID, fact.Payload.TargetPRNumber)
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return ignored("dependency target is not a tracked contribution"), nil
	}
	if err != nil {
		return nil, err
	}
	if target.ProjectID == fact.ProjectID && target.PRNumber == fact.PRNumber {
		return nil, fmt.Errorf("%w: PR #%d cannot depend on itself", apperr.ErrMalformedFact, fact.PRNumber)
	}

	key := fmt.Sprintf("%d:%d:%d", fact.ProjectID, fact.PRNumber, target.ID)
	event, err := g.claim(ctx, FactDependentPR, key, target.AgentID, func(tx *repository.Store) (*models.EloEvent, error) {
		return g.ledger.RecordDependentPRTx(ctx, tx, target.ID,
			detailsOr(fact, fmt.Sprintf("project %d PR #%d builds on PR #%d", fact.ProjectID, fact.PRNumber, target.PRNumber)))
	})
	if err != nil {
		return nil, err
	}
	return applied(event), nil
}

func (g *Gateway) handleLowPeerReview(ctx context.Context, fact *Fact) (*Result, error) {
	key := fmt.Sprintf("%d:%d:%d", fact.AgentID, fact.ProjectID, fact.PRNumber)
	event, err := g.claim(ctx, FactLowPeerReview, key, fact.AgentID, func(tx *repository.Store) (*models.EloEvent, error) {
		return g.engine.ApplyTx(ctx, tx, reputation.ApplyRequest{
			AgentID:   fact.AgentID,
			EventType: models.EventLowPeerReviewScore,
			Details:   detailsOr(fact, fmt.Sprintf("low peer review score on project %d PR #%d", fact.ProjectID, fact.PRNumber)),
		})
	})
	if err != nil {
		return nil, err
	}
	return applied(event), nil
}
