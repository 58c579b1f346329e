package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-goods-ledger/internal/aws"
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // default TTL window when creating entries
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for idempotency entries.
// ttlWindow: default TTL window (e.g., 48*time.Hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// CreateIfNotExists creates rec in PROCESSING if its key does not exist.
// Returns (true, nil) when created and (false, nil) when the key already exists.
func (s *Store) CreateIfNotExists(ctx context.Context, rec Record) (bool, error) {
	now := s.nowFunc().UTC()
	rec.Status = StatusProcessing
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(s.ttlWindow).Unix()

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Get retrieves an idempotency record by key with a strongly consistent read.
// If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		ConsistentRead: awsBool(true),
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// TakeOver reassigns a PROCESSING record whose lease expired before now to owner.
// Returns (false, nil) if the record is terminal or its lease is still live.
func (s *Store) TakeOver(ctx context.Context, key, owner string, leaseUntil time.Time) (bool, error) {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:    awsString("SET #o = :owner, lease_until = :lu, updated_at = :ua"),
		ConditionExpression: awsString("#s = :processing AND lease_until < :now"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":      &types.AttributeValueMemberS{Value: owner},
			":lu":         millis(leaseUntil),
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
			":now":        millis(now),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("update item (take over): %w", err)
	}
	return true, nil
}

// Complete moves a PROCESSING record still held by owner to a terminal status exactly once.
// Returns (false, nil) when the record was already terminal, missing, or taken over.
func (s *Store) Complete(ctx context.Context, key, owner string, out Outcome) (bool, error) {
	if out.Status != StatusSuccess && out.Status != StatusError {
		return false, fmt.Errorf("complete: %q is not a terminal status", out.Status)
	}
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:    awsString("SET #s = :terminal, response_body = :rb, error_kind = :ek, updated_at = :ua"),
		ConditionExpression: awsString("#s = :processing AND #o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":      &types.AttributeValueMemberS{Value: owner},
			":terminal":   &types.AttributeValueMemberS{Value: out.Status},
			":rb":         &types.AttributeValueMemberS{Value: out.ResponseBody},
			":ek":         &types.AttributeValueMemberS{Value: out.ErrorKind},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("update item (complete): %w", err)
	}
	return true, nil
}

// Delete removes a PROCESSING record still held by owner.
func (s *Store) Delete(ctx context.Context, key, owner string) (bool, error) {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		ConditionExpression:      awsString("#s = :processing AND #o = :owner"),
		ExpressionAttributeNames: map[string]string{"#s": "status", "#o": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
			":owner":      &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete item: %w", err)
	}
	return true, nil
}

func isConditionFailed(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func millis(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

// Helper
func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
