// Package mocks provides test doubles for the anthropic client.
package mocks

import (
	"context"

	anthropic "github.com/sells-group/filing-facts/pkg/anthropic"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// CreateMessage provides a mock function with given fields: ctx, req
func (_m *MockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for CreateMessage")
	}

	if rf, ok := ret.Get(0).(func(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error)); ok {
		return rf(ctx, req)
	}

	var r0 *anthropic.MessageResponse
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*anthropic.MessageResponse)
	}
	return r0, ret.Error(1)
}

// CreateBatch provides a mock function with given fields: ctx, req
func (_m *MockClient) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for CreateBatch")
	}

	var r0 *anthropic.BatchResponse
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*anthropic.BatchResponse)
	}
	return r0, ret.Error(1)
}

// GetBatch provides a mock function with given fields: ctx, batchID
func (_m *MockClient) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	ret := _m.Called(ctx, batchID)

	if len(ret) == 0 {
		panic("no return value specified for GetBatch")
	}

	var r0 *anthropic.BatchResponse
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*anthropic.BatchResponse)
	}
	return r0, ret.Error(1)
}

// GetBatchResults provides a mock function with given fields: ctx, batchID
func (_m *MockClient) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	ret := _m.Called(ctx, batchID)

	if len(ret) == 0 {
		panic("no return value specified for GetBatchResults")
	}

	var r0 anthropic.BatchResultIterator
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(anthropic.BatchResultIterator)
	}
	return r0, ret.Error(1)
}

// NewMockClient creates a new instance of MockClient. It also registers a
// cleanup function to assert the mocks expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

// SliceIterator is a BatchResultIterator over a fixed slice of items.
type SliceIterator struct {
	Items  []anthropic.BatchResultItem
	Error  error
	pos    int
	Closed bool
}

// Next advances to the next item.
func (it *SliceIterator) Next() bool {
	if it.pos >= len(it.Items) {
		return false
	}
	it.pos++
	return true
}

// Item returns the current item.
func (it *SliceIterator) Item() anthropic.BatchResultItem { return it.Items[it.pos-1] }

// Err returns the configured stream error.
func (it *SliceIterator) Err() error { return it.Error }

// Close marks the iterator closed.
func (it *SliceIterator) Close() error {
	it.Closed = true
	return nil
}
