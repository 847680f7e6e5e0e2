// Package mocks holds testify mocks for the interfaces that cross package
// boundaries: the run store, the page transport and the browser navigator.
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// -- Store Mock --

// MockStore mocks the run store used by the engine and the report command.
type MockStore struct {
	mock.Mock
	mu        sync.Mutex
	envelopes []*schemas.RunEnvelope
}

func (m *MockStore) PersistRun(ctx context.Context, envelope *schemas.RunEnvelope) error {
	m.mu.Lock()
	m.envelopes = append(m.envelopes, envelope)
	m.mu.Unlock()
	return m.Called(ctx, envelope).Error(0)
}

func (m *MockStore) GetEventsByRunID(ctx context.Context, runID string) ([]schemas.InterceptionEvent, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.InterceptionEvent), args.Error(1)
}

func (m *MockStore) Close() {
	m.Called()
}

// Persisted returns every envelope PersistRun received, in call order.
func (m *MockStore) Persisted() []*schemas.RunEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*schemas.RunEnvelope(nil), m.envelopes...)
}

// -- Transport Mock --

// MockTransport mocks session.Transport.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) ExecuteFetch(ctx context.Context, req schemas.FetchRequest) (*schemas.FetchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.FetchResponse), args.Error(1)
}

// -- Worker Mock --

// MockWorker mocks the engine's Worker.
type MockWorker struct {
	mock.Mock
}

func (m *MockWorker) ProcessTask(ctx context.Context, task schemas.Task) (*schemas.RunEnvelope, error) {
	args := m.Called(ctx, task)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.RunEnvelope), args.Error(1)
}

// -- Navigator Mock --

// MockNavigator mocks the browser-backed task runner.
type MockNavigator struct {
	mock.Mock
}

func (m *MockNavigator) Navigate(ctx context.Context, task schemas.Task, calls []schemas.ScriptletCall) (*schemas.RunEnvelope, error) {
	args := m.Called(ctx, task, calls)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.RunEnvelope), args.Error(1)
}
