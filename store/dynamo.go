package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item attribute names managed by the DynamoDB backend.
const (
	attrPK         = "pk"
	attrRK         = "rk"
	attrKind       = "kind"
	attrKeyVersion = "key_version"
	attrVersion    = "version"
)

// DynamoAPI is the subset of *dynamodb.Client the backend uses.
type DynamoAPI interface {
	dynamodb.QueryAPIClient
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Dynamo is a Backend over DynamoDB tables keyed by (pk HASH, rk RANGE).
type Dynamo struct {
	client DynamoAPI
	config Config
}

// NewDynamo creates a DynamoDB backend.
func NewDynamo(client DynamoAPI, config Config) *Dynamo {
	config.validate()
	if config.MaxBatchSize > DynamoMaxBatchSize {
		config.MaxBatchSize = DynamoMaxBatchSize
	}
	return &Dynamo{client: client, config: config}
}

// Table returns a PartitionedStore over the named DynamoDB table.
func (d *Dynamo) Table(name string) PartitionedStore {
	return &dynamoTable{client: d.client, table: name, config: d.config}
}

type dynamoTable struct {
	client DynamoAPI
	table  string
	config Config
}

func (t *dynamoTable) key(partitionKey, rowKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: partitionKey},
		attrRK: &types.AttributeValueMemberS{Value: rowKey},
	}
}

// Get retrieves a row by key with a strongly consistent read.
func (t *dynamoTable) Get(ctx context.Context, partitionKey, rowKey string) (*Row, error) {
	if partitionKey == "" || rowKey == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	result, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.table),
		Key:            t.key(partitionKey, rowKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapDynamoError(err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalRow(result.Item)
}

// Put writes a row, honoring no condition (insert-or-replace).
func (t *dynamoTable) Put(ctx context.Context, row *Row) error {
	return t.put(ctx, PutOp(row))
}

func (t *dynamoTable) put(ctx context.Context, op Op) error {
	if err := ValidateRow(op.Row); err != nil {
		return err
	}
	put, err := t.buildPut(op)
	if err != nil {
		return err
	}
	_, err = t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 put.TableName,
		Item:                      put.Item,
		ConditionExpression:       put.ConditionExpression,
		ExpressionAttributeNames:  put.ExpressionAttributeNames,
		ExpressionAttributeValues: put.ExpressionAttributeValues,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return conditionError(op)
		}
		return mapDynamoError(err)
	}
	op.Row.Version++
	return nil
}

// Delete removes a row. With StrictDelete, absent rows fail with ErrNotFound.
func (t *dynamoTable) Delete(ctx context.Context, partitionKey, rowKey string) error {
	if partitionKey == "" || rowKey == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(t.table),
		Key:       t.key(partitionKey, rowKey),
	}
	if t.config.StrictDelete {
		input.ConditionExpression = aws.String("attribute_exists(#pk)")
		input.ExpressionAttributeNames = map[string]string{"#pk": attrPK}
	}
	_, err := t.client.DeleteItem(ctx, input)
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrNotFound
		}
		return mapDynamoError(err)
	}
	return nil
}

// Query pages through a partition lazily; pages are fetched as the caller ranges.
func (t *dynamoTable) Query(ctx context.Context, partitionKey, rowKeyPrefix string) iter.Seq2[*Row, error] {
	if partitionKey == "" {
		return ErrSeq(fmt.Errorf("%w: empty partition key", ErrInvalidArgument))
	}
	keyCond := "#pk = :pk"
	exprNames := map[string]string{"#pk": attrPK}
	exprValues := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: partitionKey},
	}
	if rowKeyPrefix != "" {
		keyCond += " AND begins_with(#rk, :prefix)"
		exprNames["#rk"] = attrRK
		exprValues[":prefix"] = &types.AttributeValueMemberS{Value: rowKeyPrefix}
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(t.table),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
		ConsistentRead:            aws.Bool(true),
	}

	return SingleUse(func(yield func(*Row, error) bool) {
		paginator := dynamodb.NewQueryPaginator(t.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(nil, mapDynamoError(err))
				return
			}
			for _, raw := range page.Items {
				row, err := unmarshalRow(raw)
				if !yield(row, err) || err != nil {
					return
				}
			}
		}
	})
}

// Batch applies ops with TransactWriteItems after checking that every op
// stays inside partitionKey.
func (t *dynamoTable) Batch(ctx context.Context, partitionKey string, ops []Op) error {
	if err := ValidateBatch(partitionKey, ops, t.config.MaxBatchSize); err != nil {
		return err
	}

	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		switch op.Type {
		case OpPut:
			put, err := t.buildPut(op)
			if err != nil {
				return err
			}
			items = append(items, types.TransactWriteItem{Put: put})
		case OpDelete:
			del := &types.Delete{
				TableName: aws.String(t.table),
				Key:       t.key(op.PartitionKey, op.RowKey),
			}
			if op.Condition != Always {
				del.ConditionExpression, del.ExpressionAttributeNames, del.ExpressionAttributeValues = versionCondition(op.Row.Version)
			}
			items = append(items, types.TransactWriteItem{Delete: del})
		case OpCheck:
			check := &types.ConditionCheck{
				TableName: aws.String(t.table),
				Key:       t.key(op.Row.PartitionKey, op.Row.RowKey),
			}
			check.ConditionExpression, check.ExpressionAttributeNames, check.ExpressionAttributeValues = versionCondition(op.Row.Version)
			items = append(items, types.TransactWriteItem{ConditionCheck: check})
		}
	}

	_, err := t.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return mapTransactionError(err, ops)
	}
	for _, op := range ops {
		if op.Type == OpPut {
			op.Row.Version++
		}
	}
	return nil
}

// buildPut marshals a put op, attaching the condition expression.
func (t *dynamoTable) buildPut(op Op) (*types.Put, error) {
	item, err := marshalRow(op.Row)
	if err != nil {
		return nil, err
	}
	put := &types.Put{
		TableName: aws.String(t.table),
		Item:      item,
	}
	switch op.Condition {
	case IfAbsent:
		put.ConditionExpression = aws.String("attribute_not_exists(#pk)")
		put.ExpressionAttributeNames = map[string]string{"#pk": attrPK}
	case IfVersion:
		put.ConditionExpression, put.ExpressionAttributeNames, put.ExpressionAttributeValues = versionCondition(op.Row.Version)
	}
	return put, nil
}

// versionCondition requires the stored version to equal version, or the row
// to be absent when version is 0.
func versionCondition(version int64) (*string, map[string]string, map[string]types.AttributeValue) {
	if version == 0 {
		return aws.String("attribute_not_exists(#pk)"), map[string]string{"#pk": attrPK}, nil
	}
	return aws.String("#version = :expected_version"),
		map[string]string{"#version": attrVersion},
		map[string]types.AttributeValue{
			":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		}
}

// marshalRow converts a Row to a DynamoDB item. The stored version is Row.Version+1.
func marshalRow(row *Row) (map[string]types.AttributeValue, error) {
	for name := range row.Attributes {
		if isManagedAttr(name) {
			return nil, fmt.Errorf("%w: attribute %q is reserved", ErrInvalidArgument, name)
		}
	}
	item := make(map[string]types.AttributeValue, len(row.Attributes)+5)
	if len(row.Attributes) > 0 {
		attrs, err := attributevalue.MarshalMap(row.Attributes)
		if err != nil {
			return nil, fmt.Errorf("marshal attributes: %w", err)
		}
		for k, v := range attrs {
			item[k] = v
		}
	}
	item[attrPK] = &types.AttributeValueMemberS{Value: row.PartitionKey}
	item[attrRK] = &types.AttributeValueMemberS{Value: row.RowKey}
	item[attrKind] = &types.AttributeValueMemberS{Value: string(row.Kind)}
	item[attrKeyVersion] = &types.AttributeValueMemberN{Value: strconv.Itoa(row.KeyVersion)}
	item[attrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(row.Version+1, 10)}
	return item, nil
}

// UnmarshalDynamoItem converts a DynamoDB item, such as a stream image, to a Row.
func UnmarshalDynamoItem(item map[string]types.AttributeValue) (*Row, error) {
	return unmarshalRow(item)
}

// unmarshalRow converts a DynamoDB item to a Row.
func unmarshalRow(raw map[string]types.AttributeValue) (*Row, error) {
	row := &Row{}
	attrs := make(map[string]types.AttributeValue, len(raw))
	for k, v := range raw {
		switch k {
		case attrPK:
			row.PartitionKey = stringAttr(v)
		case attrRK:
			row.RowKey = stringAttr(v)
		case attrKind:
			row.Kind = Kind(stringAttr(v))
		case attrKeyVersion:
			n, _ := strconv.Atoi(numberAttr(v))
			row.KeyVersion = n
		case attrVersion:
			row.Version, _ = strconv.ParseInt(numberAttr(v), 10, 64)
		default:
			if _, ok := v.(*types.AttributeValueMemberS); ok {
				attrs[k] = v
			}
		}
	}
	if len(attrs) > 0 {
		row.Attributes = make(map[string]string, len(attrs))
		if err := attributevalue.UnmarshalMap(attrs, &row.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return row, nil
}

func stringAttr(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numberAttr(v types.AttributeValue) string {
	if n, ok := v.(*types.AttributeValueMemberN); ok {
		return n.Value
	}
	return ""
}

func isManagedAttr(name string) bool {
	switch name {
	case attrPK, attrRK, attrKind, attrKeyVersion, attrVersion:
		return true
	}
	return false
}

func conditionError(op Op) error {
	if op.Condition == IfVersion && op.Row.Version != 0 {
		return fmt.Errorf("%w: %s/%s", ErrConcurrentModification, op.Row.PartitionKey, op.Row.RowKey)
	}
	return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, op.Row.PartitionKey, op.Row.RowKey)
}

// mapTransactionError maps TransactWriteItems failures onto the error taxonomy.
// Cancellation reasons are positional, matching ops.
func mapTransactionError(err error, ops []Op) error {
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed":
				if i < len(ops) && ops[i].Row != nil {
					return conditionError(ops[i])
				}
				return fmt.Errorf("%w: condition failed on op %d", ErrConcurrentModification, i)
			case "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded":
				return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
			}
		}
	}
	return mapDynamoError(err)
}

// mapDynamoError marks throttling and server-side failures as transient.
func mapDynamoError(err error) error {
	var (
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.RequestLimitExceeded
		internal   *types.InternalServerError
		inProgress *types.TransactionInProgressException
		conflict   *types.TransactionConflictException
	)
	switch {
	case errors.As(err, &throughput), errors.As(err, &limit), errors.As(err, &internal),
		errors.As(err, &inProgress), errors.As(err, &conflict):
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return err
}
