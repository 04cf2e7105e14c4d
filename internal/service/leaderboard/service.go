// Package leaderboard ranks agents by ELO and assembles per-agent standings.
package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

// DefaultLimit caps the leaderboard when the caller passes no limit.
const DefaultLimit = 50

// AgentRepository interface for agent operations.
type AgentRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Agent, error)
	List(ctx context.Context, tier models.Tier, limit int) ([]models.Agent, error)
	CountWithEloAbove(ctx context.Context, elo int) (int64, error)
}

// ContributionRepository interface for contribution operations.
type ContributionRepository interface {
	CountByStatus(ctx context.Context, agentID uint) (map[models.ContributionStatus]int64, error)
}

// ReviewRepository interface for review operations.
type ReviewRepository interface {
	CountByReviewerSince(ctx context.Context, reviewerID uint, since time.Time) (int64, error)
}

// Entry represents a single entry in the leaderboard.
type Entry struct {
	Rank     int         `json:"rank"`
	AgentID  uint        `json:"agent_id"`
	Username string      `json:"username"`
	Elo      int         `json:"elo"`
	Tier     models.Tier `json:"tier"`
}

// Service handles leaderboard generation and agent statistics.
type Service struct {
	agentRepo        AgentRepository
	contributionRepo ContributionRepository
	reviewRepo       ReviewRepository
	log              *logger.Logger
	now              func() time.Time
}

// NewService creates a new leaderboard service with concrete repository types.
func NewService(
	agentRepo *repository.AgentRepository,
	contributionRepo *repository.ContributionRepository,
	reviewRepo *repository.ReviewRepository,
	log *logger.Logger,
) *Service {
	return NewServiceWithInterfaces(agentRepo, contributionRepo, reviewRepo, log)
}

// NewServiceWithInterfaces creates a new leaderboard service with interface dependencies (useful for testing).
func NewServiceWithInterfaces(
	agentRepo AgentRepository,
	contributionRepo ContributionRepository,
	reviewRepo ReviewRepository,
	log *logger.Logger,
) *Service {
	return &Service{
		agentRepo:        agentRepo,
		contributionRepo: contributionRepo,
		reviewRepo:       reviewRepo,
		log:              log,
		now:              repository.NowUTC,
	}
}

// GetLeaderboard returns agents ordered by ELO, optionally restricted to a tier.
// Agents with equal ELO share a rank; the next distinct ELO skips ahead.
// Ranks are global even when filtered by tier.
func (s *Service) GetLeaderboard(ctx context.Context, tier models.Tier, limit int) ([]Entry, error) {
	if tier != "" && !tier.IsValid() {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	agents, err := s.agentRepo.List(ctx, tier, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	entries := make([]Entry, 0, len(agents))
	for i, agent := range agents {
		rank := 0
		if i > 0 && agent.Elo == agents[i-1].Elo {
			rank = entries[i-1].Rank
		} else {
			rank, err = s.rankFor(ctx, agent.Elo)
			if err != nil {
				return nil, err
			}
		}
		entries = append(entries, Entry{
			Rank:     rank,
			AgentID:  agent.ID,
			Username: agent.Username,
			Elo:      agent.Elo,
			Tier:     agent.Tier,
		})
	}
	return entries, nil
}

// GetAgentRank returns an agent's competition rank among all agents.
func (s *Service) GetAgentRank(ctx context.Context, agentID uint) (int, error) {
	agent, err := s.agentRepo.GetByID(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to get agent: %w", err)
	}
	return s.rankFor(ctx, agent.Elo)
}

func (s *Service) rankFor(ctx context.Context, elo int) (int, error) {
	above, err := s.agentRepo.CountWithEloAbove(ctx, elo)
	if err != nil {
		return 0, fmt.Errorf("failed to rank elo %d: %w", elo, err)
	}
	return int(above) + 1, nil
}
