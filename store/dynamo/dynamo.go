package dynamo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"

	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/store"
)

// Deletes run in the background purge worker, so they are spaced out to
// leave write capacity for live rooms.
const deleteThrottle = 50 * time.Millisecond

// dynamoClient is the subset of *dynamodb.Client the store uses.
type dynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

type DynamoRoomStore struct {
	client    dynamoClient
	tableName string
}

func NewDynamoRoomStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoRoomStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(tables, tableName) {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoRoomStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoRoomStore) GetRoom(ctx context.Context, roomId string) (models.Room, error) {
	dr, err := getItem[dynamoRoom](dynamoStore, ctx, roomPK(roomId), metaSK, false)
	if err != nil {
		return models.Room{}, err
	}
	return roomFromDynamo(dr), nil
}

func (dynamoStore *DynamoRoomStore) DeleteRoom(ctx context.Context, roomId string) error {
	return deleteItem(dynamoStore, ctx, roomPK(roomId), metaSK, true)
}

func (dynamoStore *DynamoRoomStore) getCounters(ctx context.Context, roomId string) (dynamoCutoff, error) {
	dc, err := getItem[dynamoCutoff](dynamoStore, ctx, roomPK(roomId), cutoffSK, true)
	if errors.Is(err, store.ErrItemNotFound) {
		return dynamoCutoff{}, nil
	}
	return dc, err
}

func (dynamoStore *DynamoRoomStore) GetOperations(ctx context.Context, roomId string, limit int) ([]models.OpRecord, int64, error) {
	counters, err := dynamoStore.getCounters(ctx, roomId)
	if err != nil {
		return nil, 0, err
	}
	cutoff := counters.Seq

	// Newest first so the limit keeps the most recent operations
	items, err := queryRange[dynamoOp](dynamoStore, ctx, roomPK(roomId), queryOptions{
		sk:               skRange{from: opSK(cutoff, 0), to: opPrefix + "~"},
		scanIndexForward: false,
		limit:            int32(limit),
	})
	if err != nil {
		return nil, 0, err
	}

	// Undone operations leave no item behind, only the high-water mark
	maxSeq := max(cutoff, counters.HighSeq)
	records := make([]models.OpRecord, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		r, err := opRecordFromDynamo(items[i])
		if err != nil {
			log.Warn().Err(err).Str("room", roomId).Str("sk", items[i].SK).Msg("Skipping undecodable operation")
			continue
		}
		maxSeq = max(maxSeq, r.Seq)
		records = append(records, r)
	}

	return records, maxSeq, nil
}

func (dynamoStore *DynamoRoomStore) WriteOperationBatch(ctx context.Context, ops []models.OpRecord) ([]models.OpRecord, error) {
	var writeRequests []types.WriteRequest
	for _, op := range ops {
		do, err := opRecordToDynamo(op)
		if err != nil {
			return nil, fmt.Errorf("encode operation: %w", err)
		}
		avMap, err := attributevalue.MarshalMap(do)
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}

		writeRequests = append(writeRequests, types.WriteRequest{
			PutRequest: &types.PutRequest{
				Item: avMap,
			},
		})
	}

	unprocessed, err := writeBatchRequests[dynamoOp](dynamoStore, ctx, writeRequests)

	unbatched := make([]models.OpRecord, 0, len(unprocessed))
	for _, u := range unprocessed {
		r, decodeErr := opRecordFromDynamo(u)
		if decodeErr != nil {
			continue
		}
		unbatched = append(unbatched, r)
	}

	return unbatched, err
}

func (dynamoStore *DynamoRoomStore) DeleteOperation(ctx context.Context, roomId string, seq int64, index int) error {
	return deleteItem(dynamoStore, ctx, roomPK(roomId), opSK(seq, index), false)
}

func (dynamoStore *DynamoRoomStore) SetRoomCutoff(ctx context.Context, roomId string, seq int64) error {
	err := raiseCounter(dynamoStore, ctx, roomPK(roomId), cutoffSK, "Seq", seq)
	if errors.Is(err, store.ErrConditionFailed) {
		// A later clear or restore already moved it
		return nil
	}
	return err
}

func (dynamoStore *DynamoRoomStore) RaiseHighSeq(ctx context.Context, roomId string, seq int64) error {
	err := raiseCounter(dynamoStore, ctx, roomPK(roomId), cutoffSK, "HighSeq", seq)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil
	}
	return err
}

func (dynamoStore *DynamoRoomStore) DeleteOperationsBefore(ctx context.Context, roomId string, seq int64) error {
	if seq <= 0 {
		return nil
	}
	deleted, err := batchDeleteThrottled(dynamoStore, ctx, roomPK(roomId), skRange{from: opPrefix, to: opSK(seq-1, 9999)}, deleteThrottle)
	log.Debug().Str("room", roomId).Int64("before", seq).Int("deleted", deleted).Msg("Purged operations")
	return err
}

func (dynamoStore *DynamoRoomStore) DeleteRoomData(ctx context.Context, roomId string) error {
	deleted, err := batchDeleteThrottled(dynamoStore, ctx, roomPK(roomId), skRange{}, deleteThrottle)
	log.Debug().Str("room", roomId).Int("deleted", deleted).Msg("Purged room")
	return err
}

func (dynamoStore *DynamoRoomStore) PutSnapshot(ctx context.Context, snapshot models.Snapshot) (models.Snapshot, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.Snapshot{}, err
	}
	snapshot.Id = id.String()
	if snapshot.Created == 0 {
		snapshot.Created = time.Now().Unix()
	}

	ds, err := snapshotToDynamo(snapshot)
	if err != nil {
		return models.Snapshot{}, err
	}
	if err := putNewItem(dynamoStore, ctx, ds); err != nil {
		return models.Snapshot{}, err
	}
	return snapshot, nil
}

func (dynamoStore *DynamoRoomStore) GetSnapshot(ctx context.Context, roomId string, snapshotId string) (models.Snapshot, error) {
	ds, err := getItem[dynamoSnapshot](dynamoStore, ctx, roomPK(roomId), snapshotPrefix+snapshotId, false)
	if err != nil {
		return models.Snapshot{}, err
	}
	return snapshotFromDynamo(ds)
}

func (dynamoStore *DynamoRoomStore) ListSnapshots(ctx context.Context, roomId string, limit int) ([]models.Snapshot, error) {
	// UUIDv7 sort keys order snapshots by creation time
	items, err := queryRange[dynamoSnapshot](dynamoStore, ctx, roomPK(roomId), queryOptions{
		sk:               prefixRange(snapshotPrefix),
		scanIndexForward: false,
		limit:            int32(limit),
		projection:       "PK, SK, Id, SavedBy, Created",
	})
	if err != nil {
		return nil, err
	}

	snapshots := make([]models.Snapshot, 0, len(items))
	for _, ds := range items {
		s, err := snapshotFromDynamo(ds)
		if err != nil {
			return nil, err
		}
		s.Operations = nil
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}

func (dynamoStore *DynamoRoomStore) PutChatMessage(ctx context.Context, msg models.ChatMessage) error {
	if msg.Id == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		msg.Id = id.String()
	}
	return putNewItem(dynamoStore, ctx, chatToDynamo(msg))
}

func (dynamoStore *DynamoRoomStore) GetChatHistory(ctx context.Context, roomId string, limit int) ([]models.ChatMessage, error) {
	items, err := queryRange[dynamoChat](dynamoStore, ctx, roomPK(roomId), queryOptions{
		sk:               prefixRange(chatPrefix),
		scanIndexForward: false,
		limit:            int32(limit),
	})
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order (oldest -> newest)
	msgs := make([]models.ChatMessage, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		msgs = append(msgs, chatFromDynamo(items[i]))
	}
	return msgs, nil
}
