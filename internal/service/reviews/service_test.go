package reviews

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/internal/repository/repotest"
	"github.com/aimd54/contribution-ledger/internal/service/reputation"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

func setupService(t *testing.T) (*Service, *reputation.Engine, *repository.Store) {
	t.Helper()
	store := repotest.NewStore(t)
	engine := reputation.NewEngine(store, reputation.DefaultPolicy(), logger.Nop())
	return NewService(store, engine, logger.Nop()), engine, store
}

func eloOf(t *testing.T, engine *reputation.Engine, id uint) int {
	t.Helper()
	s, err := engine.Standing(context.Background(), id)
	require.NoError(t, err)
	return s.Elo
}

func TestService_SubmitRejectsSelfReview(t *testing.T) {
	svc, engine, store := setupService(t)
	agent := repotest.CreateAgent(t, store, "solo", 1500)

	_, err := svc.Submit(context.Background(), SubmitRequest{
		PRID: 1, ProjectID: 1, ReviewerID: agent.ID, ReviewedID: agent.ID, Verdict: models.VerdictApproved,
	})
	assert.True(t, errors.Is(err, apperr.ErrSelfReview))
	assert.Equal(t, 1500, eloOf(t, engine, agent.ID))

	count, err := svc.CountByReviewerSince(context.Background(), agent.ID, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestService_HighEloApprovalCreditsReviewer(t *testing.T) {
	svc, engine, store := setupService(t)
	reviewer := repotest.CreateAgent(t, store, "senior", 1500)
	author := repotest.CreateAgent(t, store, "junior", 1000)

	result, err := svc.Submit(context.Background(), SubmitRequest{
		PRID: 42, ProjectID: 1, ReviewerID: reviewer.ID, ReviewedID: author.ID, Verdict: models.VerdictApproved,
	})
	require.NoError(t, err)
	assert.Equal(t, 1500, result.Review.ReviewerEloAtTime)
	require.NotNil(t, result.Event)
	assert.Equal(t, models.EventHighEloApproval, result.Event.EventType)
	assert.Equal(t, reviewer.ID, result.Event.AgentID)
	assert.Equal(t, models.ReferenceReview, result.Event.ReferenceKind)
	assert.False(t, result.Capped)

	assert.Equal(t, 1505, eloOf(t, engine, reviewer.ID))
	assert.Equal(t, 1000, eloOf(t, engine, author.ID))
}

func TestService_NoCreditBelowThresholdOrWithoutApproval(t *testing.T) {
	svc, engine, store := setupService(t)
	ctx := context.Background()
	low := repotest.CreateAgent(t, store, "low", 1399)
	high := repotest.CreateAgent(t, store, "high", 1400)
	author := repotest.CreateAgent(t, store, "author", 1000)

	result, err := svc.Submit(ctx, SubmitRequest{
		PRID: 1, ProjectID: 1, ReviewerID: low.ID, ReviewedID: author.ID, Verdict: models.VerdictApproved,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Event)
	assert.Equal(t, 1399, eloOf(t, engine, low.ID))

	result, err = svc.Submit(ctx, SubmitRequest{
		PRID: 1, ProjectID: 1, ReviewerID: high.ID, ReviewedID: author.ID, Verdict: models.VerdictChangesRequested,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Event)
	assert.Equal(t, 1400, eloOf(t, engine, high.ID))

	result, err = svc.Submit(ctx, SubmitRequest{
		PRID: 2, ProjectID: 1, ReviewerID: high.ID, ReviewedID: author.ID, Verdict: models.VerdictApproved,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Event, "threshold is inclusive")
	assert.Equal(t, 1405, eloOf(t, engine, high.ID))
}

func TestService_DuplicateReviewIssuesNoCredit(t *testing.T) {
	svc, engine, store := setupService(t)
	ctx := context.Background()
	reviewer := repotest.CreateAgent(t, store, "senior", 1500)
	author := repotest.CreateAgent(t, store, "junior", 1000)

	req := SubmitRequest{
		PRID: 42, ProjectID: 1, ReviewerID: reviewer.ID, ReviewedID: author.ID, Verdict: models.VerdictApproved,
	}
	_, err := svc.Submit(ctx, req)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, req)
	assert.True(t, errors.Is(err, apperr.ErrDuplicateReview))
	assert.Equal(t, 1505, eloOf(t, engine, reviewer.ID))

	count, err := svc.CountByReviewerSince(ctx, reviewer.ID, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestService_ReviewerEloAtTimeIsFrozen(t *testing.T) {
	svc, engine, store := setupService(t)
	ctx := context.Background()
	reviewer := repotest.CreateAgent(t, store, "senior", 1500)
	author := repotest.CreateAgent(t, store, "junior", 1000)

	_, err := svc.Submit(ctx, SubmitRequest{
		PRID: 7, ProjectID: 3, ReviewerID: reviewer.ID, ReviewedID: author.ID, Verdict: models.VerdictChangesRequested,
	})
	require.NoError(t, err)

	_, err = engine.Apply(ctx, reputation.ApplyRequest{AgentID: reviewer.ID, EventType: models.EventCommitReverted})
	require.NoError(t, err)
	_, err = engine.Apply(ctx, reputation.ApplyRequest{AgentID: reviewer.ID, EventType: models.EventPrMerged})
	require.NoError(t, err)
	require.NotEqual(t, 1500, eloOf(t, engine, reviewer.ID))

	review, err := store.Reviews.GetByKey(ctx, 7, 3, reviewer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1500, review.ReviewerEloAtTime)
}

func TestService_RateCapWithholdsCreditButKeepsReview(t *testing.T) {
	svc, engine, store := setupService(t)
	ctx := context.Background()
	reviewer := repotest.CreateAgent(t, store, "farmer", 1500)
	author := repotest.CreateAgent(t, store, "author", 1000)

	for pr := int64(1); pr <= 10; pr++ {
		result, err := svc.Submit(ctx, SubmitRequest{
			PRID: pr, ProjectID: 1, ReviewerID: reviewer.ID, ReviewedID: author.ID, Verdict: models.VerdictApproved,
		})
		require.NoError(t, err)
		require.NotNil(t, result.Event, "review %d should be credited", pr)
	}

	result, err := svc.Submit(ctx, SubmitRequest{
		PRID: 11, ProjectID: 1, ReviewerID: reviewer.ID, ReviewedID: author.ID, Verdict: models.VerdictApproved,
	})
	require.NoError(t, err)
	assert.True(t, result.Capped)
	assert.Nil(t, result.Event)
	assert.NotZero(t, result.Review.ID)

	assert.Equal(t, 1550, eloOf(t, engine, reviewer.ID))

	reviews, err := svc.ListByReviewer(ctx, reviewer.ID, 0)
	require.NoError(t, err)
	assert.Len(t, reviews, 11)
}

func TestService_SubmitValidation(t *testing.T) {
	svc, _, store := setupService(t)
	ctx := context.Background()
	author := repotest.CreateAgent(t, store, "author", 1000)

	_, err := svc.Submit(ctx, SubmitRequest{
		PRID: 1, ProjectID: 1, ReviewerID: 999, ReviewedID: author.ID, Verdict: models.VerdictApproved,
	})
	assert.True(t, errors.Is(err, apperr.ErrUnknownAgent))

	_, err = svc.Submit(ctx, SubmitRequest{
		PRID: 1, ProjectID: 1, ReviewerID: author.ID, ReviewedID: 999, Verdict: "lgtm",
	})
	assert.True(t, errors.Is(err, apperr.ErrMalformedFact))
}
