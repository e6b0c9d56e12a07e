package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/deepnoodle-ai/flow"
)

// DynamoDBClient is the subset of the DynamoDB API used by the store.
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ DynamoDBClient = (*dynamodb.Client)(nil)

// Single-table layout. Every item of an execution shares PK=EXEC#{id}:
//
//	SK=HEAD            last checkpoint sequence and type
//	SK=STATE           the ExecutionState
//	SK=CP#{sequence}   one checkpoint, zero padded so SK order is sequence order
//	SK=JRN#{time}#{id} one journal entry
//
// HEAD and STATE items of non-terminal executions carry GSI1PK, making GSI1
// a sparse index of executions that may need recovery.
const (
	AttrPK     = "PK"
	AttrSK     = "SK"
	AttrGSI1PK = "GSI1PK"
	AttrGSI1SK = "GSI1SK"

	IndexActive = "GSI1"

	EntityTypeHead       = "Head"
	EntityTypeState      = "State"
	EntityTypeCheckpoint = "Checkpoint"
	EntityTypeJournal    = "Journal"

	activeStatePK = "ACTIVE#STATE"
	activeHeadPK  = "ACTIVE#HEAD"
)

func executionPK(executionID string) string { return "EXEC#" + executionID }

func checkpointSK(sequence int64) string { return fmt.Sprintf("CP#%020d", sequence) }

func journalSK(entry *flow.JournalEntry) string {
	return fmt.Sprintf("JRN#%s#%s", entry.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"), entry.ID)
}

const (
	skHead  = "HEAD"
	skState = "STATE"
)

// dynamoItem is the stored shape of every entity. Payload holds the JSON
// encoding of the flow record so nested values round trip unchanged.
type dynamoItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	EntityType  string `dynamodbav:"entity_type"`
	ExecutionID string `dynamodbav:"execution_id"`
	Sequence    int64  `dynamodbav:"sequence,omitempty"`
	Kind        string `dynamodbav:"kind,omitempty"`
	Payload     string `dynamodbav:"payload,omitempty"`
	GSI1PK      string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK      string `dynamodbav:"GSI1SK,omitempty"`
	UpdatedAt   string `dynamodbav:"updated_at,omitempty"`
}

// DynamoDB stores executions in a single DynamoDB table.
type DynamoDB struct {
	client    DynamoDBClient
	tableName string
}

var _ flow.Store = (*DynamoDB)(nil)

func NewDynamoDB(client DynamoDBClient, tableName string) *DynamoDB {
	return &DynamoDB{client: client, tableName: tableName}
}

// NewDynamoDBClient builds a client from the default AWS configuration
// chain. An empty region keeps the configured default.
func NewDynamoDBClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func (s *DynamoDB) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: pk},
		AttrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

func marshalItem(item dynamoItem, payload any) (map[string]types.AttributeValue, error) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		item.Payload = string(data)
	}
	return attributevalue.MarshalMap(item)
}

func (s *DynamoDB) AppendCheckpoint(ctx context.Context, cp *flow.Checkpoint) error {
	pk := executionPK(cp.ExecutionID)
	cpItem, err := marshalItem(dynamoItem{
		PK:          pk,
		SK:          checkpointSK(cp.Sequence),
		EntityType:  EntityTypeCheckpoint,
		ExecutionID: cp.ExecutionID,
		Sequence:    cp.Sequence,
		Kind:        string(cp.Type),
	}, cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	head := dynamoItem{
		PK:          pk,
		SK:          skHead,
		EntityType:  EntityTypeHead,
		ExecutionID: cp.ExecutionID,
		Sequence:    cp.Sequence,
		Kind:        string(cp.Type),
		UpdatedAt:   cp.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !cp.Type.IsTerminal() {
		head.GSI1PK = activeHeadPK
		head.GSI1SK = cp.ExecutionID
	}
	headItem, err := marshalItem(head, nil)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint head: %w", err)
	}

	// The checkpoint and its head move together. Both puts are idempotent, so
	// a retried write of the same checkpoint is harmless.
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(s.tableName), Item: cpItem}},
			{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                headItem,
				ConditionExpression: aws.String("attribute_not_exists(#seq) OR #seq <= :seq"),
				ExpressionAttributeNames: map[string]string{
					"#seq": "sequence",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":seq": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cp.Sequence)},
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return nil
}

// queryAll pages through a query.
func (s *DynamoDB) queryAll(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var lastEvaluatedKey map[string]types.AttributeValue
	for {
		input.ExclusiveStartKey = lastEvaluatedKey
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)
		if result.LastEvaluatedKey == nil {
			return items, nil
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}
}

func (s *DynamoDB) queryPrefix(ctx context.Context, executionID, prefix string) ([]dynamoItem, error) {
	raw, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: executionPK(executionID)},
			":sk": &types.AttributeValueMemberS{Value: prefix},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	var items []dynamoItem
	if err := attributevalue.UnmarshalListOfMaps(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *DynamoDB) ListCheckpoints(ctx context.Context, executionID string) ([]*flow.Checkpoint, error) {
	items, err := s.queryPrefix(ctx, executionID, "CP#")
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	out := make([]*flow.Checkpoint, 0, len(items))
	for _, item := range items {
		var cp flow.Checkpoint
		if err := json.Unmarshal([]byte(item.Payload), &cp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *DynamoDB) getItem(ctx context.Context, executionID, sk string) (*dynamoItem, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(executionPK(executionID), sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, flow.ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *DynamoDB) LastCheckpointSequence(ctx context.Context, executionID string) (int64, error) {
	head, err := s.getItem(ctx, executionID, skHead)
	if errors.Is(err, flow.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint head: %w", err)
	}
	return head.Sequence, nil
}

func (s *DynamoDB) AppendJournal(ctx context.Context, entry *flow.JournalEntry) error {
	item, err := marshalItem(dynamoItem{
		PK:          executionPK(entry.ExecutionID),
		SK:          journalSK(entry),
		EntityType:  EntityTypeJournal,
		ExecutionID: entry.ExecutionID,
		Kind:        entry.EventType,
	}, entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

func (s *DynamoDB) ListJournal(ctx context.Context, executionID string) ([]*flow.JournalEntry, error) {
	items, err := s.queryPrefix(ctx, executionID, "JRN#")
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	out := make([]*flow.JournalEntry, 0, len(items))
	for _, item := range items {
		var entry flow.JournalEntry
		if err := json.Unmarshal([]byte(item.Payload), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal journal entry: %w", err)
		}
		out = append(out, &entry)
	}
	return out, nil
}

func (s *DynamoDB) SaveState(ctx context.Context, state *flow.ExecutionState) error {
	saved := *state
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = time.Now().UTC()
	}
	item := dynamoItem{
		PK:          executionPK(state.ExecutionID),
		SK:          skState,
		EntityType:  EntityTypeState,
		ExecutionID: state.ExecutionID,
		Sequence:    state.Sequence,
		Kind:        string(state.Status),
		UpdatedAt:   saved.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !state.Status.IsTerminal() {
		item.GSI1PK = activeStatePK
		item.GSI1SK = state.ExecutionID
	}
	av, err := marshalItem(item, &saved)
	if err != nil {
		return fmt.Errorf("failed to marshal execution state: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to save execution state: %w", err)
	}
	return nil
}

func (s *DynamoDB) LoadState(ctx context.Context, executionID string) (*flow.ExecutionState, error) {
	item, err := s.getItem(ctx, executionID, skState)
	if errors.Is(err, flow.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution state: %w", err)
	}
	var state flow.ExecutionState
	if err := json.Unmarshal([]byte(item.Payload), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution state: %w", err)
	}
	return &state, nil
}

func (s *DynamoDB) activeIDs(ctx context.Context, partition string) ([]string, error) {
	raw, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexActive),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partition},
		},
	})
	if err != nil {
		return nil, err
	}
	var items []dynamoItem
	if err := attributevalue.UnmarshalListOfMaps(raw, &items); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ExecutionID)
	}
	return ids, nil
}

func (s *DynamoDB) ListActiveExecutions(ctx context.Context) ([]string, error) {
	stateIDs, err := s.activeIDs(ctx, activeStatePK)
	if err != nil {
		return nil, fmt.Errorf("failed to query active states: %w", err)
	}
	headIDs, err := s.activeIDs(ctx, activeHeadPK)
	if err != nil {
		return nil, fmt.Errorf("failed to query active checkpoint streams: %w", err)
	}
	seen := make(map[string]bool, len(stateIDs)+len(headIDs))
	ids := make([]string, 0, len(stateIDs))
	for _, id := range stateIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range headIDs {
		if seen[id] {
			continue
		}
		// Streams with a state row are judged by the row.
		_, err := s.getItem(ctx, id, skState)
		switch {
		case errors.Is(err, flow.ErrNotFound):
			seen[id] = true
			ids = append(ids, id)
		case err != nil:
			return nil, fmt.Errorf("failed to read execution state: %w", err)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteExecution removes the state and head items of an execution.
// Checkpoint and journal items are left for table TTL policies.
func (s *DynamoDB) DeleteExecution(ctx context.Context, executionID string) error {
	for _, sk := range []string{skState, skHead} {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       s.key(executionPK(executionID), sk),
		})
		if err != nil {
			return fmt.Errorf("failed to delete %s item: %w", sk, err)
		}
	}
	return nil
}
