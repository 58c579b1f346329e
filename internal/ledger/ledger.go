// Package ledger is the only writer of user balances. Each adjustment is one DynamoDB transaction:
// a conditional ADD on the balance item and a put of a uniquely keyed ledger entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/aws"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
)

const (
	kindIndex           = "kind-created_at-index"
	maxConflictAttempts = 4
)

// Ledger applies balance adjustments.
type Ledger struct {
	client        aws.DynamoDBAPI
	balancesTable string
	entriesTable  string
	logger        *zap.Logger
	nowFunc       func() time.Time
	conflictDelay time.Duration
}

// New returns a Ledger over the balances and ledger-entry tables.
func New(client aws.DynamoDBAPI, balancesTable, entriesTable string, logger *zap.Logger) *Ledger {
	return &Ledger{
		client:        client,
		balancesTable: balancesTable,
		entriesTable:  entriesTable,
		logger:        logger,
		nowFunc:       time.Now,
		conflictDelay: 25 * time.Millisecond,
	}
}

// Adjust applies adj atomically and returns the balance read back after it.
// Debits fail with ErrInsufficientFunds rather than drive the balance negative, unless
// AllowNegative is set. A repeated EntryID fails with ErrDuplicateEntry and changes nothing.
func (l *Ledger) Adjust(ctx context.Context, adj Adjustment) (money.Amount, error) {
	if adj.UserID == "" || adj.EntryID == "" || adj.Delta == 0 {
		return 0, fmt.Errorf("%w: user, entry id and non-zero delta are required", ErrInvalidAdjustment)
	}

	now := l.nowFunc().UTC()
	entry := Entry{
		UserID:    adj.UserID,
		EntryID:   adj.EntryID,
		Seq:       ulid.Make().String(),
		Kind:      adj.Kind,
		Delta:     adj.Delta,
		Reference: adj.Reference,
		Note:      adj.Note,
		CreatedAt: now.UnixMilli(),
	}
	entryItem, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal ledger entry: %w", err)
	}

	update := &types.Update{
		TableName: &l.balancesTable,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: adj.UserID},
		},
		UpdateExpression: awsString("SET updated_at = :ua ADD balance :delta"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ua":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":delta": amountAttr(adj.Delta),
		},
	}
	if adj.Delta < 0 && !adj.AllowNegative {
		update.ConditionExpression = awsString("balance >= :need")
		update.ExpressionAttributeValues[":need"] = amountAttr(-adj.Delta)
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: update},
			{
				Put: &types.Put{
					TableName:           &l.entriesTable,
					Item:                entryItem,
					ConditionExpression: awsString("attribute_not_exists(entry_id)"),
				},
			},
		},
	}

	for attempt := 1; ; attempt++ {
		_, err = l.client.TransactWriteItems(ctx, input)
		if err == nil {
			break
		}
		var tce *types.TransactionCanceledException
		if !errors.As(err, &tce) {
			return 0, fmt.Errorf("transact write: %w", err)
		}
		reasons := tce.CancellationReasons
		if reasonCode(reasons, 1) == "ConditionalCheckFailed" {
			return 0, ErrDuplicateEntry
		}
		if reasonCode(reasons, 0) == "ConditionalCheckFailed" {
			return 0, ErrInsufficientFunds
		}
		if !hasReason(reasons, "TransactionConflict") || attempt >= maxConflictAttempts {
			return 0, fmt.Errorf("transact write: %w", err)
		}
		l.logger.Debug("ledger transaction conflict, retrying",
			zap.String("user_id", adj.UserID),
			zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(attempt) * l.conflictDelay):
		}
	}

	balance, err := l.Balance(ctx, adj.UserID)
	if err != nil {
		// the adjustment is committed; only the read-back failed
		l.logger.Warn("balance read-back failed after adjustment",
			zap.String("user_id", adj.UserID),
			zap.String("entry_id", adj.EntryID),
			zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrBalanceUnknown, err)
	}
	l.logger.Info("balance adjusted",
		zap.String("user_id", adj.UserID),
		zap.String("entry_id", adj.EntryID),
		zap.String("kind", string(adj.Kind)),
		zap.String("delta", adj.Delta.String()),
		zap.String("balance", balance.String()))
	return balance, nil
}

// Balance returns the stored balance; a user with no balance item has zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (money.Amount, error) {
	out, err := l.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &l.balancesTable,
		ConsistentRead: awsBool(true),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if len(out.Item) == 0 {
		return 0, nil
	}
	var acct Account
	if err := attributevalue.UnmarshalMap(out.Item, &acct); err != nil {
		return 0, fmt.Errorf("unmarshal balance: %w", err)
	}
	return acct.Balance, nil
}

// Entry fetches one ledger entry. Returns (nil, nil) if absent.
func (l *Ledger) Entry(ctx context.Context, userID, entryID string) (*Entry, error) {
	out, err := l.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &l.entriesTable,
		ConsistentRead: awsBool(true),
		Key: map[string]types.AttributeValue{
			"user_id":  &types.AttributeValueMemberS{Value: userID},
			"entry_id": &types.AttributeValueMemberS{Value: entryID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var e Entry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return nil, fmt.Errorf("unmarshal ledger entry: %w", err)
	}
	return &e, nil
}

// HasEntry reports whether entryID was applied for userID.
func (l *Ledger) HasEntry(ctx context.Context, userID, entryID string) (bool, error) {
	e, err := l.Entry(ctx, userID, entryID)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// EntriesByKind lists entries of kind created in [from, to), oldest first, up to limit.
func (l *Ledger) EntriesByKind(ctx context.Context, kind Kind, from, to time.Time, limit int) ([]Entry, error) {
	var (
		entries []Entry
		start   map[string]types.AttributeValue
	)
	for {
		out, err := l.client.Query(ctx, &dyn.QueryInput{
			TableName:              &l.entriesTable,
			IndexName:              awsString(kindIndex),
			KeyConditionExpression: awsString("#k = :kind AND created_at >= :from"),
			FilterExpression:       awsString("created_at < :to"),
			ExpressionAttributeNames: map[string]string{
				"#k": "kind",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":kind": &types.AttributeValueMemberS{Value: string(kind)},
				":from": &types.AttributeValueMemberN{Value: strconv.FormatInt(from.UnixMilli(), 10)},
				":to":   &types.AttributeValueMemberN{Value: strconv.FormatInt(to.UnixMilli(), 10)},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("query ledger by kind: %w", err)
		}
		var page []Entry
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal ledger entries: %w", err)
		}
		entries = append(entries, page...)
		if limit > 0 && len(entries) >= limit {
			return entries[:limit], nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return entries, nil
		}
		start = out.LastEvaluatedKey
	}
}

func reasonCode(reasons []types.CancellationReason, i int) string {
	if i >= len(reasons) || reasons[i].Code == nil {
		return ""
	}
	return *reasons[i].Code
}

func hasReason(reasons []types.CancellationReason, code string) bool {
	for i := range reasons {
		if reasonCode(reasons, i) == code {
			return true
		}
	}
	return false
}

func amountAttr(a money.Amount) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(a), 10)}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
