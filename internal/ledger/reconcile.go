package ledger

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// Reconcile recomputes userID's balance from every ledger entry and compares it with the stored
// balance. It reads the whole history and is meant for the out-of-band auditor, not request paths.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*Report, error) {
	stored, err := l.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &Report{UserID: userID, Stored: stored}
	var start map[string]types.AttributeValue
	for {
		out, err := l.client.Query(ctx, &dyn.QueryInput{
			TableName:              &l.entriesTable,
			KeyConditionExpression: awsString("user_id = :uid"),
			ConsistentRead:         awsBool(true),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid": &types.AttributeValueMemberS{Value: userID},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("query ledger entries: %w", err)
		}
		var page []Entry
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal ledger entries: %w", err)
		}
		for _, e := range page {
			report.Computed += e.Delta
			report.Entries++
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	if !report.Consistent() {
		l.logger.Error("ledger drift detected",
			zap.String("user_id", userID),
			zap.String("stored", report.Stored.String()),
			zap.String("computed", report.Computed.String()),
			zap.String("drift", report.Drift().String()))
	}
	return report, nil
}
