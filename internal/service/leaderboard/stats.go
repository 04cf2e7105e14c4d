package leaderboard

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aimd54/contribution-ledger/internal/models"
)

// reviewWindow is the lookback for the recent review count.
const reviewWindow = 30 * 24 * time.Hour

// AgentStats represents an agent's standing and contribution history summary.
type AgentStats struct {
	AgentID       uint        `json:"agent_id"`
	Username      string      `json:"username"`
	Elo           int         `json:"elo"`
	Tier          models.Tier `json:"tier"`
	Rank          int         `json:"rank"`
	Healthy       int64       `json:"healthy_contributions"`
	Reverted      int64       `json:"reverted_contributions"`
	Replaced      int64       `json:"replaced_contributions"`
	RevertRate    float64     `json:"revert_rate"`
	RecentReviews int64       `json:"recent_reviews"`
	NextTier      models.Tier `json:"next_tier,omitempty"`
	PointsToNext  int         `json:"points_to_next_tier,omitempty"`
}

// GetAgentStats returns the standing and contribution summary for an agent.
// A failing review count is logged and reported as zero.
func (s *Service) GetAgentStats(ctx context.Context, agentID uint) (*AgentStats, error) {
	agent, err := s.agentRepo.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	rank, err := s.rankFor(ctx, agent.Elo)
	if err != nil {
		return nil, err
	}

	counts, err := s.contributionRepo.CountByStatus(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to count contributions: %w", err)
	}

	stats := &AgentStats{
		AgentID:  agent.ID,
		Username: agent.Username,
		Elo:      agent.Elo,
		Tier:     agent.Tier,
		Rank:     rank,
		Healthy:  counts[models.ContributionHealthy],
		Reverted: counts[models.ContributionReverted],
		Replaced: counts[models.ContributionReplaced],
	}
	if total := stats.Healthy + stats.Reverted + stats.Replaced; total > 0 {
		stats.RevertRate = math.Round(float64(stats.Reverted)/float64(total)*1000) / 1000
	}
	stats.NextTier, stats.PointsToNext = nextTier(agent.Elo)

	reviews, err := s.reviewRepo.CountByReviewerSince(ctx, agentID, s.now().Add(-reviewWindow))
	if err != nil {
		s.log.Warn().Err(err).Uint("agent_id", agentID).Msg("Failed to count recent reviews")
	} else {
		stats.RecentReviews = reviews
	}

	return stats, nil
}

// nextTier returns the tier above elo and the points needed to reach it.
func nextTier(elo int) (models.Tier, int) {
	switch {
	case elo < models.SilverTierMinElo:
		return models.TierSilver, models.SilverTierMinElo - elo
	case elo < models.GoldTierMinElo:
		return models.TierGold, models.GoldTierMinElo - elo
	default:
		return "", 0
	}
}
