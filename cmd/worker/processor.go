package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/apperrors"
	"github.com/imrishuroy/go-goods-ledger/internal/fulfillment"
)

// Resumer retries delivery of a purchase. *fulfillment.Orchestrator satisfies it.
type Resumer interface {
	ResumeFulfillment(ctx context.Context, orderID string) (*fulfillment.PurchaseResult, error)
}

// Processor handles fulfillment retry jobs from SQS.
type Processor struct {
	orders Resumer
	logger *zap.Logger
}

// NewProcessor creates a worker processor around r.
func NewProcessor(r Resumer, logger *zap.Logger) *Processor {
	return &Processor{orders: r, logger: logger}
}

// Handle processes a batch and reports the messages that should be redelivered. Jobs whose order
// is still waiting on the supplier go back to the queue; after maxReceiveCount they land in the
// DLQ and the sweeper's attempt budget takes over.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.Warn("fulfillment job will be retried",
				zap.String("message_id", rec.MessageId),
				zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var job fulfillment.FulfillmentJob
	if err := json.Unmarshal([]byte(rec.Body), &job); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if job.OrderID == "" {
		return fmt.Errorf("message without order_id")
	}
	log := p.logger.With(zap.String("order_id", job.OrderID), zap.String("reason", job.Reason))

	res, err := p.orders.ResumeFulfillment(ctx, job.OrderID)
	switch {
	case err == nil:
		log.Info("fulfillment job done", zap.String("status", string(res.Status)))
		return nil
	case apperrors.Is(err, apperrors.KindNotFound), apperrors.Is(err, apperrors.KindValidation):
		// refunded, failed or unknown: nothing left to deliver
		log.Info("fulfillment job dropped", zap.Error(err))
		return nil
	default:
		return err
	}
}
