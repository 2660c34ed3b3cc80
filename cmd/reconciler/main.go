// Package main is the Lambda entrypoint of the index reconciler. Attach it to
// the users table stream (old images) so that index entries of removed users
// and logins are cleaned up.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/caarlos0/env/v11"

	"github.com/jacentio/trellis-identity/index"
	"github.com/jacentio/trellis-identity/keys"
	"github.com/jacentio/trellis-identity/store"
	"github.com/jacentio/trellis-identity/stream"
)

type config struct {
	LogLevel slog.Level `env:"TRELLIS_LOG_LEVEL" envDefault:"info"`
	Store    store.Config
}

func main() {
	handler, err := newHandler(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: %v\n", err)
		os.Exit(1)
	}
	lambda.Start(handler.HandleIndexReconcile)
}

func newHandler(ctx context.Context) (*stream.Handler, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	session := store.Open(store.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.Store), cfg.Store)
	idx := index.New(session.Index(), keys.New(), logger)
	return stream.NewHandler(session.Users(), idx, logger), nil
}
