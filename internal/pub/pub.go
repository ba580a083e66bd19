package pub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"asset-ledger/internal/domain"
)

const (
	// OperationEventsChannel is the redis pub/sub channel for live consumers
	// (websocket gateways, notification workers).
	OperationEventsChannel = "ledger_operation_events"
)

// OperationEvent is emitted after a ledger mutation commits. It is a
// notification, not a source of truth; consumers needing exact figures read
// the ledger.
type OperationEvent struct {
	EventType     string              `json:"event_type"` // operation.completed, operation.failed
	AccountID     int64               `json:"account_id"`
	BusinessID    string              `json:"business_id"`
	BusinessType  domain.BusinessType `json:"business_type"`
	RefCode       string              `json:"ref_code,omitempty"`
	AssetCode     string              `json:"asset_code,omitempty"`
	Delta         int64               `json:"delta_amount,omitempty"`
	FromAssetCode string              `json:"from_asset_code,omitempty"`
	ToAssetCode   string              `json:"to_asset_code,omitempty"`
	FromAmount    int64               `json:"from_amount,omitempty"`
	NetToAmount   int64               `json:"net_to_amount,omitempty"`
	FeeAmount     int64               `json:"fee_amount,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

// OperationEventPublisher fans committed operations out to redis (low-latency
// subscribers) and kafka (durable downstream pipelines). Either sink may be
// nil; the publisher skips what is not wired, so tests and minimal deploys
// run without brokers.
type OperationEventPublisher struct {
	rdb    *redis.Client
	writer *kafka.Writer
	logger *zap.Logger
}

func NewOperationEventPublisher(rdb *redis.Client, writer *kafka.Writer, logger *zap.Logger) *OperationEventPublisher {
	return &OperationEventPublisher{rdb: rdb, writer: writer, logger: logger}
}

// Publish sends the event to every wired sink. Failures are logged, not
// returned: the ledger row is already committed, and event delivery must not
// fail the caller's request.
func (p *OperationEventPublisher) Publish(ctx context.Context, event *OperationEvent) {
	if p == nil {
		return
	}
	event.Timestamp = time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal operation event", zap.Error(err))
		return
	}

	if p.rdb != nil {
		if err := p.rdb.Publish(ctx, OperationEventsChannel, payload).Err(); err != nil {
			p.logger.Warn("redis publish failed",
				zap.String("business_id", event.BusinessID),
				zap.Error(err))
		}
	}

	if p.writer != nil {
		msg := kafka.Message{
			Key:   []byte(fmt.Sprintf("%d", event.AccountID)),
			Value: payload,
		}
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			p.logger.Warn("kafka publish failed",
				zap.String("business_id", event.BusinessID),
				zap.Error(err))
		}
	}
}

// PublishCompleted emits an operation.completed event for a single-leg
// mutation.
func (p *OperationEventPublisher) PublishCompleted(ctx context.Context, e *domain.LedgerEntry) {
	if p == nil {
		return
	}
	p.Publish(ctx, &OperationEvent{
		EventType:    "operation.completed",
		AccountID:    e.AccountID,
		BusinessID:   e.BusinessID,
		BusinessType: e.BusinessType,
		AssetCode:    e.AssetCode,
		Delta:        e.Delta,
	})
}

// PublishConversionCompleted emits an operation.completed event for a
// composite convert or exchange.
func (p *OperationEventPublisher) PublishConversionCompleted(ctx context.Context, accountID int64, businessID, refCode string, bt domain.BusinessType, res *domain.ConvertResult, fromAsset, toAsset string) {
	if p == nil {
		return
	}
	p.Publish(ctx, &OperationEvent{
		EventType:     "operation.completed",
		AccountID:     accountID,
		BusinessID:    businessID,
		BusinessType:  bt,
		RefCode:       refCode,
		FromAssetCode: fromAsset,
		ToAssetCode:   toAsset,
		FromAmount:    res.FromAmount,
		NetToAmount:   res.NetToAmount,
		FeeAmount:     res.FeeAmount,
	})
}

// PublishFailed emits an operation.failed event.
func (p *OperationEventPublisher) PublishFailed(ctx context.Context, accountID int64, businessID string, bt domain.BusinessType, cause error) {
	if p == nil {
		return
	}
	p.Publish(ctx, &OperationEvent{
		EventType:    "operation.failed",
		AccountID:    accountID,
		BusinessID:   businessID,
		BusinessType: bt,
		ErrorMessage: cause.Error(),
	})
}
