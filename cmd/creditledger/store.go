package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditledger"
	dynamostore "github.com/ineyio/creditledger/store/dynamodb"
	"github.com/ineyio/creditledger/store/memory"
	"github.com/ineyio/creditledger/store/postgres"
	redisstore "github.com/ineyio/creditledger/store/redis"
	"github.com/ineyio/creditledger/store/sqlite"
)

func nop() error { return nil }

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, c creditledger.StoreConfig) (creditledger.Store, func() error, error) {
	switch c.Driver {
	case creditledger.DriverMemory:
		return memory.New(), nop, nil

	case creditledger.DriverSQLite:
		s, err := sqlite.Open(ctx, c.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case creditledger.DriverPostgres:
		pool, err := pgxpool.New(ctx, c.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		var opts []postgres.Option
		if c.TablePrefix != "" {
			opts = append(opts, postgres.WithTablePrefix(c.TablePrefix))
		}
		return postgres.New(pool, opts...), func() error { pool.Close(); return nil }, nil

	case creditledger.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		var opts []redisstore.Option
		if c.KeyPrefix != "" {
			opts = append(opts, redisstore.WithKeyPrefix(c.KeyPrefix))
		}
		return redisstore.New(client, opts...), client.Close, nil

	case creditledger.DriverDynamoDB:
		client, err := dynamoClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return dynamostore.New(client, c.DynamoDBTable), nop, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

func dynamoClient(ctx context.Context) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

// migrate creates the backend's schema where it has one.
func migrate(ctx context.Context, c creditledger.StoreConfig, store creditledger.Store) (string, error) {
	switch s := store.(type) {
	case *sqlite.Store:
		return "sqlite schema migrated", s.Migrate(ctx)
	case *postgres.Store:
		return "postgres schema ensured", s.EnsureSchema(ctx)
	case *dynamostore.Store:
		client, err := dynamoClient(ctx)
		if err != nil {
			return "", err
		}
		return "dynamodb table " + c.DynamoDBTable + " ensured", dynamostore.CreateTable(ctx, client, c.DynamoDBTable)
	default:
		return c.Driver + " store needs no migration", nil
	}
}
