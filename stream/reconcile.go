// Package stream provides DynamoDB Streams handlers that keep the index table
// in step with the users table.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/trellis-identity/index"
	"github.com/jacentio/trellis-identity/keys"
	"github.com/jacentio/trellis-identity/store"
)

// Handler removes index entries left behind when user and login rows are deleted.
type Handler struct {
	users  store.PartitionedStore
	index  *index.Repository
	logger *slog.Logger
}

// NewHandler creates a new stream handler over the users table and the index.
func NewHandler(users store.PartitionedStore, idx *index.Repository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		users:  users,
		index:  idx,
		logger: logger,
	}
}

// HandleIndexReconcile processes users-table stream events. The stream must
// carry old images. This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleIndexReconcile(ctx context.Context, event events.DynamoDBEvent) error {
	for i := range event.Records {
		record := &event.Records[i]
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record *events.DynamoDBEventRecord) error {
	// Only removals leave index entries behind
	if record.EventName != string(events.DynamoDBOperationTypeRemove) {
		return nil
	}

	row, err := store.UnmarshalDynamoItem(ConvertImage(record.Change.OldImage))
	if err != nil {
		return fmt.Errorf("decode old image: %w", err)
	}
	if row.Kind != store.KindUser && row.Kind != store.KindLogin {
		return nil
	}

	// The row may have been written again since; its entries are live then.
	if _, err := h.users.Get(ctx, row.PartitionKey, row.RowKey); err == nil {
		h.logger.Debug("row was recreated, keeping index entries",
			"partition", row.PartitionKey,
			"row", row.RowKey,
		)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check %s/%s: %w", row.PartitionKey, row.RowKey, err)
	}

	userID := row.PartitionKey
	var entries []entry
	switch row.Kind {
	case store.KindUser:
		entries = append(entries,
			entry{index.KindUsername, row.Attr(store.AttrUsername)},
			entry{index.KindEmail, row.Attr(store.AttrEmail)},
		)
	case store.KindLogin:
		provider, key := row.Attr(store.AttrLoginProvider), row.Attr(store.AttrProviderKey)
		if provider != "" && key != "" {
			entries = append(entries, entry{index.KindLogin, keys.LoginValue(provider, key)})
		}
	}

	removed := 0
	for _, e := range entries {
		if e.value == "" {
			continue
		}
		for _, idx := range h.indexesFor(row.KeyVersion) {
			if err := idx.Remove(ctx, e.kind, e.value, userID); err != nil {
				return fmt.Errorf("remove %s index of %s: %w", e.kind, userID, err)
			}
		}
		removed++
	}

	h.logger.Info("reconciled index",
		"kind", row.Kind,
		"userID", userID,
		"entries", removed,
	)
	return nil
}

type entry struct {
	kind  index.Kind
	value string
}

// indexesFor returns the index repository for the key scheme a row was
// written with, followed by the configured one when they differ.
func (h *Handler) indexesFor(keyVersion int) []*index.Repository {
	out := []*index.Repository{h.index}
	if keyVersion == 0 || keyVersion == h.index.Codec().Version() {
		return out
	}
	c, err := keys.ForVersion(keyVersion)
	if err != nil {
		return out
	}
	return append(out, h.index.WithCodec(c))
}

// ConvertImage converts a DynamoDB stream image to an item.
// Use this when you need to decode stream records with store.UnmarshalDynamoItem.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		switch v.DataType() {
		case events.DataTypeString:
			result[k] = &types.AttributeValueMemberS{Value: v.String()}
		case events.DataTypeNumber:
			result[k] = &types.AttributeValueMemberN{Value: v.Number()}
		case events.DataTypeBinary:
			result[k] = &types.AttributeValueMemberB{Value: v.Binary()}
		case events.DataTypeBoolean:
			result[k] = &types.AttributeValueMemberBOOL{Value: v.Boolean()}
		}
	}
	return result
}
