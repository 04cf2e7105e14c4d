package mocks

import (
	"context"

	"github.com/aimd54/contribution-ledger/internal/models"
)

// MockAgentRepository is a simple mock for agent lookups
type MockAgentRepository struct {
	GetByUsernameFunc   func(username string) (*models.Agent, error)
	GetByExternalIDFunc func(externalID int64) (*models.Agent, error)
}

func (m *MockAgentRepository) GetByUsername(ctx context.Context, username string) (*models.Agent, error) {
	if m.GetByUsernameFunc != nil {
		return m.GetByUsernameFunc(username)
	}
	return nil, nil
}

func (m *MockAgentRepository) GetByExternalID(ctx context.Context, externalID int64) (*models.Agent, error) {
	if m.GetByExternalIDFunc != nil {
		return m.GetByExternalIDFunc(externalID)
	}
	return nil, nil
}
