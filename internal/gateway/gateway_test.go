package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/config"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/internal/repository/repotest"
	"github.com/aimd54/contribution-ledger/internal/service/ledger"
	"github.com/aimd54/contribution-ledger/internal/service/reputation"
	"github.com/aimd54/contribution-ledger/internal/service/reviews"
	"github.com/aimd54/contribution-ledger/pkg/logger"
	"github.com/aimd54/contribution-ledger/test/mocks"
)

type fixture struct {
	gateway  *Gateway
	store    *repository.Store
	engine   *reputation.Engine
	cache    *mocks.MockCache
	notifier *mocks.MockNotifier
	alice    *models.Agent
	bob      *models.Agent
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log := logger.Nop()
	store := repotest.NewStore(t)
	engine := reputation.NewEngine(store, reputation.DefaultPolicy(), log)
	cfg := &config.GatewayConfig{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		DeliveryTTL:     time.Hour,
	}

	f := &fixture{
		store:    store,
		engine:   engine,
		cache:    mocks.NewMockCache(),
		notifier: &mocks.MockNotifier{},
		alice:    repotest.CreateAgent(t, store, "alice", 1000),
		bob:      repotest.CreateAgent(t, store, "bob", 1500),
	}
	f.gateway = New(cfg, store,
		ledger.NewService(store, engine, 7*24*time.Hour, log),
		reviews.NewService(store, engine, log),
		engine, f.cache, f.notifier, log)
	return f
}

func (f *fixture) elo(t *testing.T, agent *models.Agent) int {
	t.Helper()
	s, err := f.engine.Standing(context.Background(), agent.ID)
	require.NoError(t, err)
	return s.Elo
}

func (f *fixture) merge(t *testing.T, pr int64, sha string, mergedAt time.Time) {
	t.Helper()
	res := f.gateway.Process(context.Background(), &Fact{
		Type: FactMerge, ProjectID: 1, PRNumber: pr, CommitSHA: sha, AgentID: f.alice.ID,
		Payload: Payload{OccurredAt: mergedAt},
	})
	require.Equal(t, OutcomeApplied, res.Outcome, res.Reason)
}

func (f *fixture) deadLetters(t *testing.T) []models.DeadLetter {
	t.Helper()
	list, err := f.store.DeadLetters.ListUnresolved(context.Background(), 100)
	require.NoError(t, err)
	return list
}

// failCreates makes the next n inserts into table fail with a serialization error.
func failCreates(t *testing.T, store *repository.Store, table string, n int) {
	t.Helper()
	remaining := n
	err := store.DB().Callback().Create().Before("gorm:create").Register("test:fail_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table != table || remaining == 0 {
			return
		}
		if remaining > 0 {
			remaining--
		}
		_ = tx.AddError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	})
	require.NoError(t, err)
}

func TestProcess_MergeIsIdempotentOnNaturalKey(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	fact := &Fact{ID: "delivery-1", Type: FactMerge, ProjectID: 1, PRNumber: 10, CommitSHA: "abc1234def", AgentID: f.alice.ID}
	res := f.gateway.Process(ctx, fact)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Len(t, res.Events, 1)
	assert.Equal(t, models.EventPrMerged, res.Events[0].EventType)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, deliverySettled, f.cache.Value(deliveryKeyPrefix+"delivery-1"))

	again := f.gateway.Process(ctx, &Fact{ID: "delivery-2", Type: FactMerge, ProjectID: 1, PRNumber: 10, CommitSHA: "abc1234def", AgentID: f.alice.ID})
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Empty(t, again.Events)
	assert.Empty(t, again.ErrorClass)

	assert.Equal(t, 1015, f.elo(t, f.alice))
	assert.Empty(t, f.deadLetters(t))
}

func TestProcess_DeliveryDedupeShortCircuits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	fact := func() *Fact {
		return &Fact{ID: "same", Type: FactRejected, ProjectID: 1, PRNumber: 4, AgentID: f.alice.ID}
	}
	require.Equal(t, OutcomeApplied, f.gateway.Process(ctx, fact()).Outcome)

	res := f.gateway.Process(ctx, fact())
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, "delivery already seen", res.Reason)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 995, f.elo(t, f.alice))
}

func TestProcess_UnsettledDeliveryKeyFallsThroughToNaturalKeys(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Left behind by a process that crashed before committing.
	require.NoError(t, f.cache.Set(ctx, deliveryKeyPrefix+"d-1", "1700000000", time.Hour))

	res := f.gateway.Process(ctx, &Fact{ID: "d-1", Type: FactMerge, ProjectID: 1, PRNumber: 77, CommitSHA: "d1d1d1d1", AgentID: f.alice.ID})
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Empty(t, res.Reason)

	c, err := f.store.Contributions.GetByProjectAndPR(ctx, 1, 77)
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, c.AgentID)
	assert.Equal(t, 1015, f.elo(t, f.alice))
	assert.Equal(t, deliverySettled, f.cache.Value(deliveryKeyPrefix+"d-1"))
}

func TestProcess_FailedOutcomeDoesNotSettleDelivery(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.gateway.Process(ctx, &Fact{ID: "early-replace", Type: FactReplaced, ProjectID: 1, PRNumber: 88})
	require.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, 1, f.cache.GetCalls)
	assert.Equal(t, 0, f.cache.SetCalls)
	assert.False(t, f.cache.Has(deliveryKeyPrefix+"early-replace"))
}

func TestProcess_CacheOutageFallsBackToNaturalKeys(t *testing.T) {
	f := setup(t)
	f.cache.GetErr = errors.New("connection refused")
	ctx := context.Background()

	require.Equal(t, OutcomeApplied, f.gateway.Process(ctx, &Fact{ID: "x", Type: FactRejected, ProjectID: 1, PRNumber: 4, AgentID: f.alice.ID}).Outcome)
	res := f.gateway.Process(ctx, &Fact{ID: "x", Type: FactRejected, ProjectID: 1, PRNumber: 4, AgentID: f.alice.ID})
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 995, f.elo(t, f.alice))
}

func TestProcess_GeneratesFactID(t *testing.T) {
	f := setup(t)

	res := f.gateway.Process(context.Background(), &Fact{Type: FactRejected, ProjectID: 1, PRNumber: 4, AgentID: f.alice.ID})
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Len(t, res.FactID, 36)
	assert.Equal(t, 0, f.cache.GetCalls)
	assert.Equal(t, 0, f.cache.SetCalls)
}

func TestProcess_RevertFromCommitMessage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.merge(t, 10, "abc1234def5678", time.Time{})

	revert := func(id string) *Result {
		return f.gateway.Process(ctx, &Fact{
			ID: id, Type: FactRevert, ProjectID: 1, CommitSHA: "ffff000",
			Payload: Payload{Message: "Revert \"Add cache\"\n\nThis reverts commit abc1234."},
		})
	}

	res := revert("r1")
	require.Equal(t, OutcomeApplied, res.Outcome, res.Reason)
	require.Len(t, res.Events, 1)
	assert.Equal(t, models.EventCommitReverted, res.Events[0].EventType)
	assert.Equal(t, 1015-30, f.elo(t, f.alice))

	res = revert("r2")
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 985, f.elo(t, f.alice))
}

func TestProcess_RevertOfUnknownCommitIsIgnored(t *testing.T) {
	f := setup(t)

	res := f.gateway.Process(context.Background(), &Fact{
		ID: "r1", Type: FactRevert, Payload: Payload{RevertedSHA: "deadbeef"},
	})
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Empty(t, f.deadLetters(t))
	assert.False(t, f.cache.Has(deliveryKeyPrefix+"r1"))
}

func TestProcess_ReviewCreditsHighEloReviewer(t *testing.T) {
	f := setup(t)

	res := f.gateway.Process(context.Background(), &Fact{
		Type: FactReview, ProjectID: 1, PRNumber: 10, AgentID: f.bob.ID,
		Payload: Payload{ReviewedAgentID: f.alice.ID, Verdict: models.VerdictApproved},
	})
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Len(t, res.Events, 1)
	assert.Equal(t, f.bob.ID, res.Events[0].AgentID)
	assert.Equal(t, 1505, f.elo(t, f.bob))
	assert.Equal(t, 1000, f.elo(t, f.alice))
}

func TestProcess_SelfReviewIsRejectedAndDeadLettered(t *testing.T) {
	f := setup(t)

	res := f.gateway.Process(context.Background(), &Fact{
		ID: "self", Type: FactReview, ProjectID: 1, PRNumber: 10, AgentID: f.bob.ID,
		Payload: Payload{ReviewedAgentID: f.bob.ID, Verdict: models.VerdictApproved},
	})
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, apperr.ClassInvalid, res.ErrorClass)
	assert.ErrorIs(t, res.Err, apperr.ErrSelfReview)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1500, f.elo(t, f.bob))

	letters := f.deadLetters(t)
	require.Len(t, letters, 1)
	assert.Equal(t, "self", letters[0].FactID)
	assert.Equal(t, string(apperr.ClassInvalid), letters[0].ErrorClass)
	assert.Contains(t, letters[0].Payload, `"fact_type":"review"`)
	assert.Equal(t, 1, f.notifier.Count())
	assert.False(t, f.cache.Has(deliveryKeyPrefix+"self"))
}

func TestProcess_LongFactIDIsDeadLetteredIntact(t *testing.T) {
	f := setup(t)
	id := "6f1c2b0e-8a4d-4c57-9d3e-2b7f5a9c1e44:0123456789abcdef0123456789abcdef01234567"
	require.Greater(t, len(id), 64)

	res := f.gateway.Process(context.Background(), &Fact{
		ID: id, Type: FactReview, ProjectID: 1, PRNumber: 10, AgentID: f.bob.ID,
		Payload: Payload{ReviewedAgentID: f.bob.ID, Verdict: models.VerdictApproved},
	})
	require.Equal(t, OutcomeRejected, res.Outcome)

	letters := f.deadLetters(t)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].FactID)
}

func TestProcess_MalformedFactIsDeadLettered(t *testing.T) {
	f := setup(t)

	res := f.gateway.Process(context.Background(), &Fact{Type: FactMerge, ProjectID: 1, PRNumber: 2, AgentID: f.alice.ID})
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, apperr.ErrMalformedFact)
	assert.Equal(t, 0, res.Attempts)
	assert.Len(t, f.deadLetters(t), 1)
}

func TestProcess_UnknownAgentIsRejected(t *testing.T) {
	f := setup(t)

	res := f.gateway.Process(context.Background(), &Fact{Type: FactMerge, ProjectID: 1, PRNumber: 2, CommitSHA: "abc1234", AgentID: 999})
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, apperr.ErrUnknownAgent)
}

func TestProcess_BugReferencesFromIssueBody(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.merge(t, 12, "aaaaaaa1", time.Time{})
	f.merge(t, 13, "bbbbbbb2", time.Time{})

	bug := &Fact{Type: FactBugReference, ProjectID: 1, Payload: Payload{
		SourceKey: "issue:7", Message: "Crash introduced by #12 and PR #13, maybe #99",
	}}
	res := f.gateway.Process(ctx, bug)
	require.Equal(t, OutcomeApplied, res.Outcome, res.Reason)
	assert.Len(t, res.Events, 2)
	assert.Equal(t, 1030-30, f.elo(t, f.alice))

	c, err := f.store.Contributions.GetByProjectAndPR(ctx, 1, 12)
	require.NoError(t, err)
	assert.Equal(t, 1, c.BugCount)

	again := f.gateway.Process(ctx, &Fact{Type: FactBugReference, ProjectID: 1, Payload: Payload{
		SourceKey: "issue:7", ReferencedPRs: []int64{12, 13},
	}})
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, 1000, f.elo(t, f.alice))
}

func TestProcess_BugReferenceWithoutTrackedTargetIsIgnored(t *testing.T) {
	f := setup(t)

	res := f.gateway.Process(context.Background(), &Fact{Type: FactBugReference, ProjectID: 1, Payload: Payload{
		SourceKey: "issue:1", Message: "see #404",
	}})
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestProcess_RejectedAppliesOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f.gateway.Process(ctx, &Fact{Type: FactRejected, ProjectID: 1, PRNumber: 4, AgentID: f.alice.ID})
	}
	assert.Equal(t, 995, f.elo(t, f.alice))

	n, err := f.store.EloEvents.CountByAgent(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcess_DependentPRCreditsTargetAuthor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.merge(t, 5, "ccccccc3", time.Time{})

	dep := func() *Result {
		return f.gateway.Process(ctx, &Fact{Type: FactDependentPR, ProjectID: 1, PRNumber: 6, Payload: Payload{TargetPRNumber: 5}})
	}
	require.Equal(t, OutcomeApplied, dep().Outcome)
	assert.Equal(t, OutcomeDuplicate, dep().Outcome)
	assert.Equal(t, 1015+5, f.elo(t, f.alice))

	c, err := f.store.Contributions.GetByProjectAndPR(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, c.DependentPRsCount)

	self := f.gateway.Process(ctx, &Fact{Type: FactDependentPR, ProjectID: 1, PRNumber: 5, Payload: Payload{TargetPRNumber: 5}})
	assert.Equal(t, OutcomeRejected, self.Outcome)
}

func TestProcess_ReplacedHonoursWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := repository.NowUTC()
	f.merge(t, 1, "ddddddd4", now.Add(-2*24*time.Hour))
	f.merge(t, 2, "eeeeeee5", now.Add(-10*24*time.Hour))

	res := f.gateway.Process(ctx, &Fact{Type: FactReplaced, ProjectID: 1, PRNumber: 1, Payload: Payload{OccurredAt: now}})
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Len(t, res.Events, 1)
	assert.Equal(t, models.EventCodeReplaced, res.Events[0].EventType)

	late := f.gateway.Process(ctx, &Fact{Type: FactReplaced, CommitSHA: "eeeeeee5", Payload: Payload{OccurredAt: now}})
	require.Equal(t, OutcomeApplied, late.Outcome)
	assert.Empty(t, late.Events)

	c, err := f.store.Contributions.GetByProjectAndPR(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionReplaced, c.Status)

	assert.Equal(t, 1030-10, f.elo(t, f.alice))

	revert := f.gateway.Process(ctx, &Fact{Type: FactRevert, Payload: Payload{RevertedSHA: "ddddddd4"}})
	assert.Equal(t, OutcomeIgnored, revert.Outcome)

	missing := f.gateway.Process(ctx, &Fact{Type: FactReplaced, ProjectID: 1, PRNumber: 77})
	assert.Equal(t, OutcomeRejected, missing.Outcome)
	assert.ErrorIs(t, missing.Err, apperr.ErrNotFound)
}

func TestProcess_LowPeerReviewAppliesOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	fact := func() *Fact {
		return &Fact{Type: FactLowPeerReview, ProjectID: 1, PRNumber: 8, AgentID: f.alice.ID}
	}
	require.Equal(t, OutcomeApplied, f.gateway.Process(ctx, fact()).Outcome)
	assert.Equal(t, OutcomeDuplicate, f.gateway.Process(ctx, fact()).Outcome)
	assert.Equal(t, 990, f.elo(t, f.alice))
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	f := setup(t)
	failCreates(t, f.store, "code_contributions", 2)

	res := f.gateway.Process(context.Background(), &Fact{
		ID: "flaky", Type: FactMerge, ProjectID: 1, PRNumber: 3, CommitSHA: "abcdef1", AgentID: f.alice.ID,
	})
	require.Equal(t, OutcomeApplied, res.Outcome, res.Reason)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1015, f.elo(t, f.alice))
	assert.Empty(t, f.deadLetters(t))
}

func TestProcess_ExhaustedRetriesAreDeadLettered(t *testing.T) {
	f := setup(t)
	failCreates(t, f.store, "code_contributions", -1)

	res := f.gateway.Process(context.Background(), &Fact{
		ID: "down", Type: FactMerge, ProjectID: 1, PRNumber: 3, CommitSHA: "abcdef1", AgentID: f.alice.ID,
	})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, apperr.ClassTransient, res.ErrorClass)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 1000, f.elo(t, f.alice))
	assert.False(t, f.cache.Has(deliveryKeyPrefix+"down"))

	letters := f.deadLetters(t)
	require.Len(t, letters, 1)
	assert.Equal(t, string(apperr.ClassTransient), letters[0].ErrorClass)
	assert.Equal(t, 4, letters[0].Attempts)
}
