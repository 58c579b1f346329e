package deposits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-goods-ledger/internal/aws"
)

const (
	txIndex     = "provider_tx_id-index"
	statusIndex = "status-created_at-index"
)

// Store encapsulates operations on the deposits table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a deposits Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName, nowFunc: time.Now}
}

// Create writes a new pending deposit.
func (s *Store) Create(ctx context.Context, d Deposit) error {
	now := s.nowFunc().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	item, err := attributevalue.MarshalMap(d)
	if err != nil {
		return fmt.Errorf("marshal deposit: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(deposit_id)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrExists
		}
		return fmt.Errorf("put deposit: %w", err)
	}
	return nil
}

// Get fetches a deposit. Returns (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, depositID string) (*Deposit, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		ConsistentRead: awsBool(true),
		Key:            depositKey(depositID),
	})
	if err != nil {
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var d Deposit
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("unmarshal deposit: %w", err)
	}
	return &d, nil
}

// GetByProviderTx resolves a provider transaction id. The index is eventually consistent, so the
// match is re-read from the table.
func (s *Store) GetByProviderTx(ctx context.Context, txID string) (*Deposit, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(txIndex),
		KeyConditionExpression: awsString("provider_tx_id = :tx"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tx": &types.AttributeValueMemberS{Value: txID},
		},
		Limit: awsInt32(2),
	})
	if err != nil {
		return nil, fmt.Errorf("query deposit by tx: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	if len(out.Items) > 1 {
		return nil, fmt.Errorf("provider transaction %s maps to more than one deposit", txID)
	}
	var d Deposit
	if err := attributevalue.UnmarshalMap(out.Items[0], &d); err != nil {
		return nil, fmt.Errorf("unmarshal deposit: %w", err)
	}
	return s.Get(ctx, d.DepositID)
}

// AttachTransaction binds txID to a pending deposit. Re-attaching the same id is a no-op.
func (s *Store) AttachTransaction(ctx context.Context, depositID, txID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                s.table(),
		Key:                      depositKey(depositID),
		UpdateExpression:         awsString("SET provider_tx_id = :tx, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :pending AND attribute_not_exists(provider_tx_id)"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tx":      &types.AttributeValueMemberS{Value: txID},
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":ua":      s.nowAttr(),
		},
	})
	if err == nil {
		return nil
	}
	var cfe *types.ConditionalCheckFailedException
	if !errors.As(err, &cfe) {
		return fmt.Errorf("attach transaction: %w", err)
	}
	cur, gerr := s.Get(ctx, depositID)
	if gerr != nil {
		return gerr
	}
	switch {
	case cur == nil:
		return ErrStatusMismatch
	case cur.ProviderTxID == txID:
		return nil
	case cur.ProviderTxID != "":
		return ErrTxConflict
	default:
		return ErrStatusMismatch
	}
}

// Transition moves a deposit from one status to another.
func (s *Store) Transition(ctx context.Context, depositID string, from, to Status, reason string) error {
	set := "SET #s = :to, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":to":   &types.AttributeValueMemberS{Value: string(to)},
		":from": &types.AttributeValueMemberS{Value: string(from)},
		":ua":   s.nowAttr(),
	}
	if reason != "" {
		set += ", failure_reason = :reason"
		values[":reason"] = &types.AttributeValueMemberS{Value: reason}
	}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 s.table(),
		Key:                       depositKey(depositID),
		UpdateExpression:          awsString(set),
		ConditionExpression:       awsString("#s = :from"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update deposit status: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the sweep attempt counter of a pending deposit.
func (s *Store) IncrementAttempts(ctx context.Context, depositID string) (int, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                s.table(),
		Key:                      depositKey(depositID),
		UpdateExpression:         awsString("SET updated_at = :ua ADD attempts :inc"),
		ConditionExpression:      awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inc":     &types.AttributeValueMemberN{Value: "1"},
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":ua":      s.nowAttr(),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return 0, ErrStatusMismatch
		}
		return 0, fmt.Errorf("increment deposit attempts: %w", err)
	}
	var got struct {
		Attempts int `dynamodbav:"attempts"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &got); err != nil {
		return 0, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return got.Attempts, nil
}

// FlagManualReview excludes a pending deposit from automatic retries.
func (s *Store) FlagManualReview(ctx context.Context, depositID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                s.table(),
		Key:                      depositKey(depositID),
		UpdateExpression:         awsString("SET manual_review = :t, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":       &types.AttributeValueMemberBOOL{Value: true},
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":ua":      s.nowAttr(),
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("flag manual review: %w", err)
	}
	return nil
}

// ListPendingForRetry returns pending deposits created before cutoff that are not under manual
// review, oldest first, up to limit.
func (s *Store) ListPendingForRetry(ctx context.Context, cutoff time.Time, limit int) ([]Deposit, error) {
	return s.list(ctx, &dyn.QueryInput{
		KeyConditionExpression: awsString("#s = :s AND created_at < :cutoff"),
		FilterExpression:       awsString("attribute_not_exists(manual_review)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":      &types.AttributeValueMemberS{Value: string(StatusPending)},
			":cutoff": unixAttr(cutoff),
		},
	}, limit)
}

// ListCompletedSince returns completed deposits created at or after since, up to limit.
func (s *Store) ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]Deposit, error) {
	return s.list(ctx, &dyn.QueryInput{
		KeyConditionExpression: awsString("#s = :s AND created_at >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":     &types.AttributeValueMemberS{Value: string(StatusCompleted)},
			":since": unixAttr(since),
		},
	}, limit)
}

func (s *Store) list(ctx context.Context, in *dyn.QueryInput, limit int) ([]Deposit, error) {
	in.TableName = s.table()
	in.IndexName = awsString(statusIndex)
	in.ExpressionAttributeNames = map[string]string{"#s": "status"}

	var out []Deposit
	for {
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query deposits: %w", err)
		}
		var batch []Deposit
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal deposits: %w", err)
		}
		out = append(out, batch...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (s *Store) table() *string { return &s.tableName }

func (s *Store) nowAttr() types.AttributeValue { return unixAttr(s.nowFunc()) }

func unixAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func depositKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"deposit_id": &types.AttributeValueMemberS{Value: id},
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }

func awsInt32(n int32) *int32 { return &n }
