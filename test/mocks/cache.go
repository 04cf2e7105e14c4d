package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockCache is an in-memory stand-in for the Redis delivery cache.
// Expiration is ignored. Set GetErr or SetErr to simulate an unavailable cache.
type MockCache struct {
	data map[string]string
	mu   sync.Mutex

	GetErr error
	SetErr error

	GetCalls int
	SetCalls int
}

// NewMockCache creates a new mock cache instance
func NewMockCache() *MockCache {
	return &MockCache{
		data: make(map[string]string),
	}
}

// Get returns the stored value, or "" when the key is missing.
func (m *MockCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetCalls++
	if m.GetErr != nil {
		return "", m.GetErr
	}
	return m.data[key], nil
}

// Set stores value under key.
func (m *MockCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SetCalls++
	if m.SetErr != nil {
		return m.SetErr
	}
	m.data[key] = fmt.Sprint(value)
	return nil
}

// Has reports whether key is currently held.
func (m *MockCache) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.data[key]
	return exists
}

// Value returns what is stored under key.
func (m *MockCache) Value(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.data[key]
}

// Health always returns nil for mock
func (m *MockCache) Health(ctx context.Context) error {
	return nil
}
