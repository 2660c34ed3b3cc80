package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CreateDynamoTables creates the users, roles and index tables described by
// config and waits until they are active. Tables that already exist are left
// as they are. The users table streams old images for the index reconciler.
func CreateDynamoTables(ctx context.Context, client *dynamodb.Client, config Config) error {
	config.validate()

	tables := []struct {
		name   string
		stream bool
	}{
		{config.UsersTableName(), true},
		{config.RolesTableName(), false},
		{config.IndexTableName(), false},
	}

	for _, tbl := range tables {
		input := &dynamodb.CreateTableInput{
			TableName: aws.String(tbl.name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(attrRK), KeyType: types.KeyTypeRange},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(attrRK), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		}
		if tbl.stream {
			input.StreamSpecification = &types.StreamSpecification{
				StreamEnabled:  aws.Bool(true),
				StreamViewType: types.StreamViewTypeOldImage,
			}
		}
		_, err := client.CreateTable(ctx, input)
		if err != nil {
			var inUse *types.ResourceInUseException
			if !errors.As(err, &inUse) {
				return fmt.Errorf("create table %s: %w", tbl.name, err)
			}
		}
	}

	for _, tbl := range tables {
		waiter := dynamodb.NewTableExistsWaiter(client)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(tbl.name),
		}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", tbl.name, err)
		}
	}
	return nil
}

// DeleteDynamoTables removes the three tables, ignoring ones that are missing.
func DeleteDynamoTables(ctx context.Context, client *dynamodb.Client, config Config) error {
	config.validate()
	var errs []error
	for _, name := range []string{config.UsersTableName(), config.RolesTableName(), config.IndexTableName()} {
		_, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)})
		var notFound *types.ResourceNotFoundException
		if err != nil && !errors.As(err, &notFound) {
			errs = append(errs, fmt.Errorf("delete table %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
