package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-goods-ledger/internal/aws"
)

const statusIndex = "status-updated_at-index"

var (
	// ErrStatusMismatch is returned when the stored status is not the expected one.
	ErrStatusMismatch    = errors.New("status mismatch/conditional failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrExists            = errors.New("order already exists")
	ErrNotFound          = errors.New("order not found")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create writes a new order. The order id must be unique.
func (s *Store) Create(ctx context.Context, o Order) error {
	now := s.nowFunc().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrExists
		}
		return fmt.Errorf("put order: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		ConsistentRead: awsBool(true),
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// Change is an extra attribute written together with a status transition.
type Change func(u *update)

type update struct {
	sets   []string
	conds  []string
	values map[string]types.AttributeValue
}

// WithExternalOrderID records the supplier's order id.
func WithExternalOrderID(id string) Change {
	return func(u *update) {
		u.sets = append(u.sets, "external_order_id = :ext")
		u.values[":ext"] = &types.AttributeValueMemberS{Value: id}
	}
}

// WithCredentials stores delivered credentials. They can be written only once.
func WithCredentials(creds string) Change {
	return func(u *update) {
		u.sets = append(u.sets, "credentials = :creds")
		u.conds = append(u.conds, "attribute_not_exists(credentials)")
		u.values[":creds"] = &types.AttributeValueMemberS{Value: creds}
	}
}

// WithFailure records why the order left the happy path.
func WithFailure(reason string) Change {
	return func(u *update) {
		u.sets = append(u.sets, "failure_reason = :reason")
		u.values[":reason"] = &types.AttributeValueMemberS{Value: reason}
	}
}

// UpdateStatus conditionally moves the order from expected to next, applying changes in the
// same write. Returns ErrStatusMismatch if the stored status differs.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, expected, next Status, changes ...Change) error {
	if !CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	now := s.nowFunc().UTC()
	u := &update{
		sets:  []string{"#s = :new", "updated_at = :ua"},
		conds: []string{"#s = :expected"},
		values: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: string(next)},
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
			":ua":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	}
	for _, c := range changes {
		c(u)
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:          awsString("SET " + strings.Join(u.sets, ", ")),
		ConditionExpression:       awsString(strings.Join(u.conds, " AND ")),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: u.values,
	})
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// SetExternalOrderID records the supplier's order id while the purchase request is in flight.
// The id can be written once.
func (s *Store) SetExternalOrderID(ctx context.Context, orderID, externalID string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET external_order_id = :ext, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :requested AND attribute_not_exists(external_order_id)"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ext":       &types.AttributeValueMemberS{Value: externalID},
			":requested": &types.AttributeValueMemberS{Value: string(StatusPurchaseRequested)},
			":ua":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("set external order id: %w", err)
	}
	return nil
}

// IncrementAttempts increases the fulfilment attempt counter and returns the new value.
func (s *Store) IncrementAttempts(ctx context.Context, orderID string) (int, error) {
	now := s.nowFunc().UTC()
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:    awsString("SET updated_at = :ua ADD attempts :inc"),
		ConditionExpression: awsString("attribute_exists(order_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inc": &types.AttributeValueMemberN{Value: "1"},
			":ua":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	var got struct {
		Attempts int `dynamodbav:"attempts"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &got); err != nil {
		return 0, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return got.Attempts, nil
}

// ListByStatus returns orders in status last updated before cutoff, oldest first, up to limit.
func (s *Store) ListByStatus(ctx context.Context, status Status, cutoff time.Time, limit int) ([]Order, error) {
	return s.ListByStatusSince(ctx, status, time.Time{}, cutoff, limit)
}

// ListByStatusSince is ListByStatus restricted to orders updated at or after since. A zero since
// means no lower bound.
func (s *Store) ListByStatusSince(ctx context.Context, status Status, since, cutoff time.Time, limit int) ([]Order, error) {
	keyCond := "#s = :s AND updated_at < :cutoff"
	var filter *string
	values := map[string]types.AttributeValue{
		":s":      &types.AttributeValueMemberS{Value: string(status)},
		":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff.Unix(), 10)},
	}
	if !since.IsZero() {
		keyCond = "#s = :s AND updated_at >= :from"
		filter = awsString("updated_at < :cutoff")
		values[":from"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(since.Unix(), 10)}
	}

	var (
		out   []Order
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tableName,
			IndexName:              awsString(statusIndex),
			KeyConditionExpression: awsString(keyCond),
			FilterExpression:       filter,
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("query orders by status: %w", err)
		}
		var batch []Order
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		out = append(out, batch...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
