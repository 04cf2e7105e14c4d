package mocks

import (
	"context"
	"sync"

	"github.com/aimd54/contribution-ledger/internal/models"
)

// MockNotifier records dead letters it is asked to announce.
type MockNotifier struct {
	mu          sync.Mutex
	DeadLetters []models.DeadLetter
	Err         error
}

// NotifyDeadLetter records the dead letter and returns Err.
func (m *MockNotifier) NotifyDeadLetter(ctx context.Context, deadLetter *models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeadLetters = append(m.DeadLetters, *deadLetter)
	return m.Err
}

// Count returns how many dead letters were announced.
func (m *MockNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.DeadLetters)
}
