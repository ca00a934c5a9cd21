// Package dynamodb provides a DynamoDB-backed Store for creditledger.
//
// Everything lives in one table keyed by pk/sk. An atomic unit reads with
// strongly consistent reads, buffers its writes and commits them with a single
// TransactWriteItems call guarded by the account's version number. New items
// are written with attribute_not_exists(pk), so a unit that raced another is
// cancelled as a whole and re-run.
//
// Table layout:
//
//	ACCOUNT#<user>   ACCOUNT                         account balances
//	TOKEN#<token>    RESERVATION                     reservation
//	TOKEN#<token>    ENTRY#<nanos>#<id>              ledger entry
//	USER#<user>      ENTRY#<nanos>#<id>              ledger entry without a token
//	KEY#<key>        KEY                             claimed idempotency key
//	TOKEN#<token>    ATTEMPT                         generation attempt
//	TOKEN#<token>    AUDIT#<nanos>#<id>              reconciliation audit record
//
// Reservations carry status and created_ns attributes projected into the
// global secondary index "status-created_at-index".
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ineyio/creditledger"
)

// StatusIndex is the GSI used to find reservations by status and age.
const StatusIndex = "status-created_at-index"

// DynamoDBAPI is the subset of *dynamodb.Client the store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store is a DynamoDB-backed creditledger.Store.
type Store struct {
	Client     DynamoDBAPI
	TableName  string
	MaxRetries int
}

var (
	_ creditledger.Store              = (*Store)(nil)
	_ creditledger.AccountProvisioner = (*Store)(nil)
	_ creditledger.ReservationLister  = (*Store)(nil)
	_ creditledger.AttemptStore       = (*Store)(nil)
)

// New creates a new Store.
func New(client DynamoDBAPI, table string) *Store {
	return &Store{
		Client:     client,
		TableName:  table,
		MaxRetries: 10,
	}
}

// TableCreator creates tables. *dynamodb.Client implements it.
type TableCreator interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// CreateTable creates the ledger table and its status index. An existing
// table is left alone.
func CreateTable(ctx context.Context, client TableCreator, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("status"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("created_ns"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(StatusIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("status"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("created_ns"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creditledger/dynamodb: create table: %w", err)
	}
	return nil
}

type accountItem struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
	creditledger.Account
	Version int64 `json:"version"`
}

type reservationItem struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
	creditledger.Reservation
	CreatedNanos int64 `json:"created_ns"`
}

type entryItem struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
	creditledger.LedgerEntry
}

type keyItem struct {
	PK        string    `json:"pk"`
	SK        string    `json:"sk"`
	ClaimedAt time.Time `json:"claimed_at"`
}

type attemptItem struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
	creditledger.GenerationAttempt
}

type auditItem struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
	creditledger.AuditRecord
}

func accountPK(userID string) string { return "ACCOUNT#" + userID }
func tokenPK(token string) string    { return "TOKEN#" + token }
func userPK(userID string) string    { return "USER#" + userID }
func keyPK(key string) string        { return "KEY#" + key }

func entrySK(e creditledger.LedgerEntry) string {
	return fmt.Sprintf("ENTRY#%020d#%s", e.CreatedAt.UnixNano(), e.ID)
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func marshal(v any) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMapWithOptions(v, func(o *attributevalue.EncoderOptions) {
		o.TagKey = "json"
	})
}

func unmarshal(m map[string]types.AttributeValue, v any) error {
	return attributevalue.UnmarshalMapWithOptions(m, v, func(o *attributevalue.DecoderOptions) {
		o.TagKey = "json"
	})
}

func (s *Store) get(ctx context.Context, pk, sk string, v any) (bool, error) {
	out, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.TableName),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, err
	}
	if len(out.Item) == 0 {
		return false, nil
	}
	if err := unmarshal(out.Item, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) getAccount(ctx context.Context, userID string) (accountItem, error) {
	var it accountItem
	ok, err := s.get(ctx, accountPK(userID), "ACCOUNT", &it)
	if err != nil {
		return it, fmt.Errorf("creditledger/dynamodb: get account: %w", err)
	}
	if !ok {
		return it, creditledger.ErrMissingCreditAccount
	}
	return it, nil
}

// Account returns a snapshot of an account.
func (s *Store) Account(ctx context.Context, userID string) (creditledger.Account, error) {
	it, err := s.getAccount(ctx, userID)
	return it.Account, err
}

// Entries returns the entries for a token, oldest first.
func (s *Store) Entries(ctx context.Context, token string) ([]creditledger.LedgerEntry, error) {
	return s.queryEntries(ctx, tokenPK(token))
}

// UserEntries returns the entries recorded without a request token for a user,
// such as subscription and credit pack grants.
func (s *Store) UserEntries(ctx context.Context, userID string) ([]creditledger.LedgerEntry, error) {
	return s.queryEntries(ctx, userPK(userID))
}

func (s *Store) queryEntries(ctx context.Context, pk string) ([]creditledger.LedgerEntry, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.TableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: "ENTRY#"},
		},
		ConsistentRead: aws.Bool(true),
	}

	var out []creditledger.LedgerEntry
	for {
		res, err := s.Client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("creditledger/dynamodb: query entries: %w", err)
		}
		for _, item := range res.Items {
			var it entryItem
			if err := unmarshal(item, &it); err != nil {
				return nil, fmt.Errorf("creditledger/dynamodb: unmarshal entry: %w", err)
			}
			out = append(out, it.LedgerEntry)
		}
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = res.LastEvaluatedKey
	}
}

// EnsureAccount creates the account if it does not exist.
func (s *Store) EnsureAccount(ctx context.Context, a creditledger.Account) error {
	item, err := marshal(accountItem{PK: accountPK(a.UserID), SK: "ACCOUNT", Account: a})
	if err != nil {
		return fmt.Errorf("creditledger/dynamodb: marshal account: %w", err)
	}
	_, err = s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.TableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	var condCheckFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condCheckFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creditledger/dynamodb: ensure account: %w", err)
	}
	return nil
}

// ListReservations returns reservations in status created before createdBefore, oldest first.
func (s *Store) ListReservations(ctx context.Context, status creditledger.ReservationStatus, createdBefore time.Time, limit int) ([]creditledger.Reservation, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.TableName),
		IndexName:              aws.String(StatusIndex),
		KeyConditionExpression: aws.String("#status = :status AND created_ns < :before"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":before": &types.AttributeValueMemberN{Value: strconv.FormatInt(createdBefore.UnixNano(), 10)},
		},
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	res, err := s.Client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("creditledger/dynamodb: query stuck reservations: %w", err)
	}
	out := make([]creditledger.Reservation, 0, len(res.Items))
	for _, item := range res.Items {
		var it reservationItem
		if err := unmarshal(item, &it); err != nil {
			return nil, fmt.Errorf("creditledger/dynamodb: unmarshal reservation: %w", err)
		}
		out = append(out, it.Reservation)
	}
	return out, nil
}

// Attempt returns the generation attempt for token.
func (s *Store) Attempt(ctx context.Context, token string) (creditledger.GenerationAttempt, bool, error) {
	var it attemptItem
	ok, err := s.get(ctx, tokenPK(token), "ATTEMPT", &it)
	if err != nil {
		return creditledger.GenerationAttempt{}, false, fmt.Errorf("creditledger/dynamodb: get attempt: %w", err)
	}
	return it.GenerationAttempt, ok, nil
}

// SaveAttempt upserts a generation attempt.
func (s *Store) SaveAttempt(ctx context.Context, a creditledger.GenerationAttempt) error {
	return s.put(ctx, "attempt", attemptItem{PK: tokenPK(a.RequestToken), SK: "ATTEMPT", GenerationAttempt: a})
}

// AppendAudit appends a reconciliation audit record.
func (s *Store) AppendAudit(ctx context.Context, r creditledger.AuditRecord) error {
	sk := fmt.Sprintf("AUDIT#%020d#%s", r.CreatedAt.UnixNano(), r.ID)
	return s.put(ctx, "audit", auditItem{PK: tokenPK(r.RequestToken), SK: sk, AuditRecord: r})
}

func (s *Store) put(ctx context.Context, what string, v any) error {
	item, err := marshal(v)
	if err != nil {
		return fmt.Errorf("creditledger/dynamodb: marshal %s: %w", what, err)
	}
	_, err = s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.TableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("creditledger/dynamodb: put %s: %w", what, err)
	}
	return nil
}

// Atomically runs fn and commits its writes with one TransactWriteItems call,
// re-running it when the transaction is cancelled by a concurrent change.
func (s *Store) Atomically(ctx context.Context, userID string, fn func(ctx context.Context, tx creditledger.Tx) error) error {
	for range max(s.MaxRetries, 1) {
		t := &dynTx{s: s, userID: userID, reservations: make(map[string]bool), claimed: make(map[string]bool)}
		if err := fn(ctx, t); err != nil {
			return err
		}
		err := t.flush(ctx)
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			continue
		}
		return err
	}
	return fmt.Errorf("creditledger/dynamodb: %s: %w", userID, creditledger.ErrConflict)
}

type dynTx struct {
	s      *Store
	userID string

	read    *accountItem
	account *creditledger.Account

	// reservations maps tokens seen in this unit to whether they already existed.
	reservations map[string]bool
	resWrites    []creditledger.Reservation
	entries      []creditledger.LedgerEntry
	claimed      map[string]bool
}

func (t *dynTx) Account(ctx context.Context) (creditledger.Account, error) {
	if t.account != nil {
		return *t.account, nil
	}
	if t.read == nil {
		it, err := t.s.getAccount(ctx, t.userID)
		if err != nil {
			return creditledger.Account{}, err
		}
		t.read = &it
	}
	return t.read.Account, nil
}

func (t *dynTx) SaveAccount(_ context.Context, a creditledger.Account) error {
	t.account = &a
	return nil
}

func (t *dynTx) Reservation(ctx context.Context, token string) (creditledger.Reservation, bool, error) {
	for i := len(t.resWrites) - 1; i >= 0; i-- {
		if t.resWrites[i].RequestToken == token {
			return t.resWrites[i], true, nil
		}
	}
	var it reservationItem
	ok, err := t.s.get(ctx, tokenPK(token), "RESERVATION", &it)
	if err != nil {
		return creditledger.Reservation{}, false, fmt.Errorf("creditledger/dynamodb: get reservation: %w", err)
	}
	t.reservations[token] = ok
	return it.Reservation, ok, nil
}

func (t *dynTx) SaveReservation(_ context.Context, r creditledger.Reservation) error {
	t.resWrites = append(t.resWrites, r)
	return nil
}

func (t *dynTx) Entries(ctx context.Context, token string) ([]creditledger.LedgerEntry, error) {
	out, err := t.s.queryEntries(ctx, tokenPK(token))
	if err != nil {
		return nil, err
	}
	for _, e := range t.entries {
		if e.RequestToken == token {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *dynTx) AppendEntry(_ context.Context, e creditledger.LedgerEntry) error {
	t.entries = append(t.entries, e)
	return nil
}

func (t *dynTx) ClaimKey(ctx context.Context, key string) (bool, error) {
	if t.claimed[key] {
		return false, nil
	}
	var it keyItem
	ok, err := t.s.get(ctx, keyPK(key), "KEY", &it)
	if err != nil {
		return false, fmt.Errorf("creditledger/dynamodb: get key: %w", err)
	}
	if ok {
		return false, nil
	}
	t.claimed[key] = true
	return true, nil
}

func (t *dynTx) items() ([]types.TransactWriteItem, error) {
	table := aws.String(t.s.TableName)
	var items []types.TransactWriteItem

	newOnly := aws.String("attribute_not_exists(pk)")
	put := func(v any, cond *string) error {
		item, err := marshal(v)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: table, Item: item, ConditionExpression: cond},
		})
		return nil
	}

	// Later writes of the same reservation supersede earlier ones.
	last := make(map[string]creditledger.Reservation, len(t.resWrites))
	var order []string
	for _, r := range t.resWrites {
		if _, seen := last[r.RequestToken]; !seen {
			order = append(order, r.RequestToken)
		}
		last[r.RequestToken] = r
	}
	for _, token := range order {
		r := last[token]
		var cond *string
		if !t.reservations[token] {
			cond = newOnly
		}
		it := reservationItem{PK: tokenPK(token), SK: "RESERVATION", Reservation: r, CreatedNanos: r.CreatedAt.UnixNano()}
		if err := put(it, cond); err != nil {
			return nil, fmt.Errorf("marshal reservation: %w", err)
		}
	}
	for _, e := range t.entries {
		pk := tokenPK(e.RequestToken)
		if e.RequestToken == "" {
			pk = userPK(e.UserID)
		}
		if err := put(entryItem{PK: pk, SK: entrySK(e), LedgerEntry: e}, newOnly); err != nil {
			return nil, fmt.Errorf("marshal entry: %w", err)
		}
	}
	now := time.Now().UTC()
	for k := range t.claimed {
		if err := put(keyItem{PK: keyPK(k), SK: "KEY", ClaimedAt: now}, newOnly); err != nil {
			return nil, fmt.Errorf("marshal key: %w", err)
		}
	}
	if len(items) == 0 && t.account == nil {
		return nil, nil
	}

	// The account version guards every write of the unit.
	version := &types.AttributeValueMemberN{Value: strconv.FormatInt(t.read.Version, 10)}
	guard := aws.String("version = :version")
	if t.account != nil {
		it := accountItem{PK: accountPK(t.userID), SK: "ACCOUNT", Account: *t.account, Version: t.read.Version + 1}
		item, err := marshal(it)
		if err != nil {
			return nil, fmt.Errorf("marshal account: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:                 table,
			Item:                      item,
			ConditionExpression:       guard,
			ExpressionAttributeValues: map[string]types.AttributeValue{":version": version},
		}})
	} else {
		items = append(items, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:                 table,
			Key:                       itemKey(accountPK(t.userID), "ACCOUNT"),
			ConditionExpression:       guard,
			ExpressionAttributeValues: map[string]types.AttributeValue{":version": version},
		}})
	}
	return items, nil
}

func (t *dynTx) flush(ctx context.Context) error {
	if t.read == nil && (t.account != nil || len(t.entries) > 0 || len(t.resWrites) > 0 || len(t.claimed) > 0) {
		if _, err := t.Account(ctx); err != nil {
			return err
		}
	}
	items, err := t.items()
	if err != nil {
		return fmt.Errorf("creditledger/dynamodb: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	_, err = t.s.Client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return err
		}
		return fmt.Errorf("creditledger/dynamodb: transact write: %w", err)
	}
	return nil
}
