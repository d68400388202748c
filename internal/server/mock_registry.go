package server

import (
	"context"

	"github.com/npezzotti/go-liveroom/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Register(ctx context.Context, connectionId, roomId, userId, userName string) (types.Connection, error) {
	args := m.Called(ctx, connectionId, roomId, userId, userName)
	return args.Get(0).(types.Connection), args.Error(1)
}

func (m *MockRegistry) Deregister(ctx context.Context, connectionId string) (bool, error) {
	args := m.Called(ctx, connectionId)
	return args.Bool(0), args.Error(1)
}
