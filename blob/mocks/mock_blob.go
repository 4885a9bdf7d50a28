package mocks

import (
	"context"
	"io"

	"cloudcollab/blob"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Upload(ctx context.Context, key string, r io.Reader, opt blob.PutOptions) (blob.Object, error) {
	args := m.Called(ctx, key, r, opt)
	return args.Get(0).(blob.Object), args.Error(1)
}

func (m *MockStore) URL(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}
