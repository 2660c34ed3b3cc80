// Package main is the trellis-identity command line tool.
//
// It manages the DynamoDB tables and performs one-off identity operations
// (create, rename, lookup, delete) against either DynamoDB or a local SQLite
// database. Configuration is read from TRELLIS_* environment variables;
// each subcommand takes its own flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/caarlos0/env/v11"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel"

	"github.com/jacentio/trellis-identity/identity"
	"github.com/jacentio/trellis-identity/migrate"
	"github.com/jacentio/trellis-identity/store"
	"github.com/jacentio/trellis-identity/store/sqlstore"
)

const (
	backendDynamo = "dynamo"
	backendSQLite = "sqlite"
)

type config struct {
	// Backend selects the storage backend: "dynamo" or "sqlite".
	Backend string `env:"TRELLIS_BACKEND" envDefault:"dynamo"`

	SQLiteDSN string `env:"TRELLIS_SQLITE_DSN" envDefault:"trellis-identity.db"`

	// AWSProfile selects a shared config profile. Empty uses the default chain.
	AWSProfile string `env:"TRELLIS_AWS_PROFILE"`

	// DynamoEndpoint overrides the DynamoDB endpoint, e.g. for DynamoDB Local.
	DynamoEndpoint string `env:"TRELLIS_DYNAMO_ENDPOINT"`

	LogLevel slog.Level `env:"TRELLIS_LOG_LEVEL" envDefault:"info"`

	// OTelEndpoint enables span export when set.
	OTelEndpoint string `env:"TRELLIS_OTEL_ENDPOINT"`

	Store   store.Config
	Migrate migrate.Config
}

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "trellis-identity: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: trellis-identity <command> [flags]

commands:
  create-tables   create the DynamoDB tables
  delete-tables   delete the DynamoDB tables
  create-user     create a user
  create-role     create a role
  rename          change a user's username
  lookup          find a user by username, email or external login
  add-login       link an external login to a user
  delete-user     delete a user with all their claims, logins and memberships

Run "trellis-identity <command> -h" for the flags of a command.
`)
}

func mainImpl() error {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		return errors.New("missing command")
	}

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	ll := &slog.LevelVar{}
	ll.Set(cfg.LogLevel)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	shutdown, err := setupTracing(ctx, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("failed to flush spans", "error", err)
		}
	}()

	name, args := flag.Arg(0), flag.Args()[1:]
	switch name {
	case "create-tables", "delete-tables":
		return runTables(ctx, cfg, name, logger)
	}

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	session := store.Open(backend, cfg.Store)
	defer session.Close()

	c := &cli{
		repo: identity.New(session,
			identity.WithLogger(logger),
			identity.WithMigrateConfig(cfg.Migrate),
			identity.WithTracerProvider(otel.GetTracerProvider()),
		),
		out: os.Stdout,
	}
	return c.run(ctx, name, args)
}

func dynamoClient(ctx context.Context, cfg config) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	}), nil
}

func openBackend(ctx context.Context, cfg config) (store.Backend, func(), error) {
	switch cfg.Backend {
	case backendDynamo:
		client, err := dynamoClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return store.NewDynamo(client, cfg.Store), func() {}, nil
	case backendSQLite:
		b, err := sqlstore.Open(cfg.SQLiteDSN, cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				slog.Warn("failed to close sqlite db", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// runTables creates or deletes the DynamoDB tables. SQLite creates its
// tables on first use.
func runTables(ctx context.Context, cfg config, name string, logger *slog.Logger) error {
	if cfg.Backend != backendDynamo {
		return fmt.Errorf("%s needs the %s backend, got %q", name, backendDynamo, cfg.Backend)
	}
	client, err := dynamoClient(ctx, cfg)
	if err != nil {
		return err
	}
	tables := []string{cfg.Store.UsersTableName(), cfg.Store.RolesTableName(), cfg.Store.IndexTableName()}
	if name == "create-tables" {
		if err := store.CreateDynamoTables(ctx, client, cfg.Store); err != nil {
			return err
		}
		logger.Info("tables ready", "tables", tables)
		return nil
	}
	if err := store.DeleteDynamoTables(ctx, client, cfg.Store); err != nil {
		return err
	}
	logger.Info("tables deleted", "tables", tables)
	return nil
}

type cli struct {
	repo *identity.Repository
	out  io.Writer
}

func (c *cli) run(ctx context.Context, name string, args []string) error {
	switch name {
	case "create-user":
		return c.createUser(ctx, args)
	case "create-role":
		return c.createRole(ctx, args)
	case "rename":
		return c.rename(ctx, args)
	case "lookup":
		return c.lookup(ctx, args)
	case "add-login":
		return c.addLogin(ctx, args)
	case "delete-user":
		return c.deleteUser(ctx, args)
	}
	usage()
	return fmt.Errorf("unknown command %q", name)
}
