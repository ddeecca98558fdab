// Package events handles event emission for batch and promotion lifecycle changes
package events

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

const (
	BatchStarted       = "batch.started"
	BatchStopped       = "batch.stopped"
	BatchCompleted     = "batch.completed"
	BatchFailed        = "batch.failed"
	PromotionCompleted = "promotion.completed"
)

// Publisher is what the orchestrator and promotion engine emit through. Emission never fails the
// caller's operation.
type Publisher interface {
	EmitBatch(ctx context.Context, eventType string, batch *models.IngestionBatch)
	EmitPromotion(ctx context.Context, result *models.PromotionResult)
}

// Emitter publishes events to Kafka
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitBatch emits a batch lifecycle event carrying the batch's progress snapshot
func (e *Emitter) EmitBatch(ctx context.Context, eventType string, batch *models.IngestionBatch) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitBatch")
	defer span.End()

	event := &kafka.EventMessage{
		ID:            uuid.NewString(),
		Type:          eventType,
		SchemaVersion: SchemaVersion,
		BatchID:       batch.BatchID,
		Data:          batch.Progress(),
	}

	if err := e.producer.PublishEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to emit %s event", eventType)
	}
}

// EmitPromotion emits a promotion.completed event for promoted and dry-run outcomes
func (e *Emitter) EmitPromotion(ctx context.Context, result *models.PromotionResult) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitPromotion")
	defer span.End()

	event := &kafka.EventMessage{
		ID:            uuid.NewString(),
		Type:          PromotionCompleted,
		SchemaVersion: SchemaVersion,
		BatchID:       result.BatchID,
		Data:          result,
	}

	if err := e.producer.PublishEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit promotion.completed event")
	}
}

// Noop discards every event. Used when Kafka is disabled.
type Noop struct{}

func (Noop) EmitBatch(context.Context, string, *models.IngestionBatch) {}

func (Noop) EmitPromotion(context.Context, *models.PromotionResult) {}
