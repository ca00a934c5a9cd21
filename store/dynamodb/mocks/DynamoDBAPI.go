// Package mocks holds testify mocks for the dynamodb store.

package mocks

import (
	context "context"

	dynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	mock "github.com/stretchr/testify/mock"
)

// DynamoDBAPI is a mock type for the DynamoDBAPI type
type DynamoDBAPI struct {
	mock.Mock
}

func (_m *DynamoDBAPI) call(method string, ctx context.Context, params any, optFns []func(*dynamodb.Options)) mock.Arguments {
	_va := make([]any, len(optFns))
	for _i := range optFns {
		_va[_i] = optFns[_i]
	}
	var _ca []any
	_ca = append(_ca, ctx, params)
	_ca = append(_ca, _va...)
	return _m.MethodCalled(method, _ca...)
}

// GetItem provides a mock function with given fields: ctx, params, optFns
func (_m *DynamoDBAPI) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	ret := _m.call("GetItem", ctx, params, optFns)

	var r0 *dynamodb.GetItemOutput
	if rf, ok := ret.Get(0).(func(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) *dynamodb.GetItemOutput); ok {
		r0 = rf(ctx, params, optFns...)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*dynamodb.GetItemOutput)
	}
	return r0, ret.Error(1)
}

// PutItem provides a mock function with given fields: ctx, params, optFns
func (_m *DynamoDBAPI) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	ret := _m.call("PutItem", ctx, params, optFns)

	var r0 *dynamodb.PutItemOutput
	if rf, ok := ret.Get(0).(func(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) *dynamodb.PutItemOutput); ok {
		r0 = rf(ctx, params, optFns...)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*dynamodb.PutItemOutput)
	}
	return r0, ret.Error(1)
}

// Query provides a mock function with given fields: ctx, params, optFns
func (_m *DynamoDBAPI) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	ret := _m.call("Query", ctx, params, optFns)

	var r0 *dynamodb.QueryOutput
	if rf, ok := ret.Get(0).(func(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) *dynamodb.QueryOutput); ok {
		r0 = rf(ctx, params, optFns...)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*dynamodb.QueryOutput)
	}
	return r0, ret.Error(1)
}

// TransactWriteItems provides a mock function with given fields: ctx, params, optFns
func (_m *DynamoDBAPI) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	ret := _m.call("TransactWriteItems", ctx, params, optFns)

	var r0 *dynamodb.TransactWriteItemsOutput
	if rf, ok := ret.Get(0).(func(context.Context, *dynamodb.TransactWriteItemsInput, ...func(*dynamodb.Options)) *dynamodb.TransactWriteItemsOutput); ok {
		r0 = rf(ctx, params, optFns...)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*dynamodb.TransactWriteItemsOutput)
	}
	return r0, ret.Error(1)
}

// NewDynamoDBAPI creates a new instance of DynamoDBAPI. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewDynamoDBAPI(t interface {
	mock.TestingT
	Cleanup(func())
}) *DynamoDBAPI {
	m := &DynamoDBAPI{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
