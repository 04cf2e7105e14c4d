package repository

import (
	"context"
)

// Store bundles the ledger repositories over a single connection or transaction.
type Store struct {
	db *DB

	Agents         *AgentRepository
	Contributions  *ContributionRepository
	Reviews        *ReviewRepository
	EloEvents      *EloEventRepository
	ProcessedFacts *ProcessedFactRepository
	DeadLetters    *DeadLetterRepository
}

// NewStore creates a store whose repositories share db.
func NewStore(db *DB) *Store {
	return &Store{
		db:             db,
		Agents:         NewAgentRepository(db),
		Contributions:  NewContributionRepository(db),
		Reviews:        NewReviewRepository(db),
		EloEvents:      NewEloEventRepository(db),
		ProcessedFacts: NewProcessedFactRepository(db),
		DeadLetters:    NewDeadLetterRepository(db),
	}
}

// DB returns the underlying connection.
func (s *Store) DB() *DB {
	return s.db
}

// WithinTx runs fn with a store bound to a new transaction. Every repository
// call made through the tx store commits or rolls back together.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.Transaction(ctx, func(tx *DB) error {
		return fn(NewStore(tx))
	})
}
