package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"moff.io/wallet-gateway/internal/session"
)

// MockStore is a mock implementation of session.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Save(ctx context.Context, s *session.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockStore) Get(ctx context.Context, userID string) (*session.Session, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Session), args.Error(1)
}

func (m *MockStore) List(ctx context.Context, opts session.ListOptions) (*session.ListResult, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.ListResult), args.Error(1)
}

func (m *MockStore) Update(ctx context.Context, userID string, u session.Update) error {
	args := m.Called(ctx, userID, u)
	return args.Error(0)
}

func (m *MockStore) Delete(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	args := m.Called(ctx, maxAge)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) Health(ctx context.Context) session.Health {
	args := m.Called(ctx)
	return args.Get(0).(session.Health)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ session.Store = (*MockStore)(nil)
