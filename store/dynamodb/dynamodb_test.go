package dynamodb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/store/dynamodb/mocks"
)

func getItemFor(pk string) any {
	return mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		v, ok := in.Key["pk"].(*types.AttributeValueMemberS)
		return ok && v.Value == pk
	})
}

func accountAttrs(t *testing.T, a creditledger.Account, version int64) map[string]types.AttributeValue {
	t.Helper()
	item, err := marshal(accountItem{PK: accountPK(a.UserID), SK: "ACCOUNT", Account: a, Version: version})
	require.NoError(t, err)
	return item
}

func newEngine(t *testing.T, client DynamoDBAPI) *creditledger.Engine {
	t.Helper()
	e, err := creditledger.NewEngine(New(client, "ledger"))
	require.NoError(t, err)
	return e
}

func TestReserveWritesOneTransaction(t *testing.T) {
	client := mocks.NewDynamoDBAPI(t)
	acct := creditledger.Account{UserID: "u1", Tier: creditledger.TierStarter, MonthlyQuota: 10, BonusTotal: 5}

	client.On("GetItem", mock.Anything, getItemFor("ACCOUNT#u1")).
		Return(&dynamodb.GetItemOutput{Item: accountAttrs(t, acct, 3)}, nil)
	client.On("GetItem", mock.Anything, getItemFor("TOKEN#req-1")).
		Return(&dynamodb.GetItemOutput{}, nil)
	client.On("GetItem", mock.Anything, getItemFor("KEY#token:req-1")).
		Return(&dynamodb.GetItemOutput{}, nil)
	client.On("Query", mock.Anything, mock.AnythingOfType("*dynamodb.QueryInput")).
		Return(&dynamodb.QueryOutput{}, nil)

	var written *dynamodb.TransactWriteItemsInput
	client.On("TransactWriteItems", mock.Anything, mock.AnythingOfType("*dynamodb.TransactWriteItemsInput")).
		Run(func(args mock.Arguments) {
			written = args.Get(1).(*dynamodb.TransactWriteItemsInput)
		}).
		Return(&dynamodb.TransactWriteItemsOutput{}, nil).Once()

	res, err := newEngine(t, client).Reserve(context.Background(), "u1", "req-1", 12, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(0), res.RemainingMonthly)
	assert.Equal(t, int64(3), res.RemainingBonus)

	require.NotNil(t, written)
	// reservation, two entries, token key, account
	require.Len(t, written.TransactItems, 5)

	var guarded, fresh int
	for _, it := range written.TransactItems {
		require.NotNil(t, it.Put)
		switch cond := it.Put.ConditionExpression; {
		case cond == nil:
		case *cond == "version = :version":
			guarded++
			assert.Equal(t, "3", it.Put.ExpressionAttributeValues[":version"].(*types.AttributeValueMemberN).Value)
			assert.Equal(t, "4", it.Put.Item["version"].(*types.AttributeValueMemberN).Value)
		case *cond == "attribute_not_exists(pk)":
			fresh++
		}
	}
	assert.Equal(t, 1, guarded)
	assert.Equal(t, 4, fresh)
}

func TestAtomicallyRetriesCancelledTransactions(t *testing.T) {
	client := mocks.NewDynamoDBAPI(t)
	acct := creditledger.Account{UserID: "u1", MonthlyQuota: 10}

	client.On("GetItem", mock.Anything, getItemFor("ACCOUNT#u1")).
		Return(&dynamodb.GetItemOutput{Item: accountAttrs(t, acct, 1)}, nil)
	client.On("GetItem", mock.Anything, mock.Anything).
		Return(&dynamodb.GetItemOutput{}, nil)
	client.On("Query", mock.Anything, mock.Anything).
		Return(&dynamodb.QueryOutput{}, nil)
	client.On("TransactWriteItems", mock.Anything, mock.Anything).
		Return(nil, &types.TransactionCanceledException{Message: new(string)})

	s := New(client, "ledger")
	s.MaxRetries = 3
	e, err := creditledger.NewEngine(s)
	require.NoError(t, err)

	res, err := e.Consume(context.Background(), "u1", 2, "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, creditledger.ErrConflict))
	assert.False(t, res.OK)
	client.AssertNumberOfCalls(t, "TransactWriteItems", 3)
}

func TestReadOnlyUnitSkipsWrite(t *testing.T) {
	client := mocks.NewDynamoDBAPI(t)
	s := New(client, "ledger")

	err := s.Atomically(context.Background(), "u1", func(ctx context.Context, tx creditledger.Tx) error {
		return nil
	})
	require.NoError(t, err)
	client.AssertNotCalled(t, "TransactWriteItems", mock.Anything, mock.Anything)
}

func TestMissingAccount(t *testing.T) {
	client := mocks.NewDynamoDBAPI(t)
	client.On("GetItem", mock.Anything, getItemFor("ACCOUNT#ghost")).
		Return(&dynamodb.GetItemOutput{}, nil)

	_, err := New(client, "ledger").Account(context.Background(), "ghost")
	assert.ErrorIs(t, err, creditledger.ErrMissingCreditAccount)
}

func TestEnsureAccountIgnoresExisting(t *testing.T) {
	client := mocks.NewDynamoDBAPI(t)
	client.On("PutItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		return in.ConditionExpression != nil && *in.ConditionExpression == "attribute_not_exists(pk)"
	})).Return(nil, &types.ConditionalCheckFailedException{}).Once()

	err := New(client, "ledger").EnsureAccount(context.Background(), creditledger.Account{UserID: "u1"})
	assert.NoError(t, err)
}

func TestListReservationsUsesStatusIndex(t *testing.T) {
	client := mocks.NewDynamoDBAPI(t)
	r := creditledger.Reservation{RequestToken: "req-1", UserID: "u1", MonthlyAmount: 4, Status: creditledger.StatusReserved}
	item, err := marshal(reservationItem{PK: tokenPK("req-1"), SK: "RESERVATION", Reservation: r})
	require.NoError(t, err)

	client.On("Query", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return in.IndexName != nil && *in.IndexName == StatusIndex &&
			strings.Contains(*in.KeyConditionExpression, "created_ns <") &&
			in.Limit != nil && *in.Limit == 10
	})).Return(&dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}, nil)

	got, err := New(client, "ledger").ListReservations(context.Background(), creditledger.StatusReserved, r.CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, int64(4), got[0].Amount())
}
