// Command sweeper-lambda is an AWS Lambda, triggered by an EventBridge
// schedule, that force-refunds reservations left open on the DynamoDB store.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/meter"
	dynamostore "github.com/ineyio/creditledger/store/dynamodb"
)

const (
	defaultStuckAfter = 15 * time.Minute
	defaultLimit      = 100
)

var (
	engine     *creditledger.Engine
	stuckAfter = defaultStuckAfter
	limit      = defaultLimit
)

func init() {
	// Load environment variables for local testing.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	table := os.Getenv("DYNAMODB_LEDGER_TABLE_NAME")
	if table == "" {
		log.Fatal("DYNAMODB_LEDGER_TABLE_NAME environment variable not set")
	}
	if v := os.Getenv("SWEEP_STUCK_AFTER"); v != "" {
		if stuckAfter, err = time.ParseDuration(v); err != nil {
			log.Fatalf("invalid SWEEP_STUCK_AFTER %q: %v", v, err)
		}
	}
	if v := os.Getenv("SWEEP_LIMIT"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			log.Fatalf("invalid SWEEP_LIMIT %q: %v", v, err)
		}
	}

	store := dynamostore.New(dynamodb.NewFromConfig(cfg), table)
	engine, err = creditledger.NewEngine(store,
		creditledger.WithLogger(logger),
		creditledger.WithMeter(meter.NewLogMeter(logger)),
	)
	if err != nil {
		log.Fatalf("unable to create ledger engine, %v", err)
	}
}

// HandleRequest sweeps one batch of stuck reservations. Individual failures
// are logged by the engine and retried on the next run.
func HandleRequest(ctx context.Context) (creditledger.SweepReport, error) {
	rep, err := engine.SweepStuck(ctx, stuckAfter, limit)
	if err != nil {
		slog.ErrorContext(ctx, "sweep failed", "error", err)
		return rep, err
	}
	slog.InfoContext(ctx, "sweep finished", "scanned", rep.Scanned, "released", rep.Released, "failed", rep.Failed)
	return rep, nil
}

func main() {
	lambda.Start(HandleRequest)
}
