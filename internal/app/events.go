package app

import (
	"context"
	"time"

	"github.com/tuition/ledger-service/internal/domain"
	"github.com/tuition/ledger-service/pkg/rabbitmq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/tuition/ledger-service/internal/app")

// eventPublisher publishes ledger events after commit. Failures are logged and never
// fail the operation that produced the event.
type eventPublisher struct {
	publisher rabbitmq.Publisher
	exchange  string
	logger    *zap.Logger
}

func newEventPublisher(publisher rabbitmq.Publisher, exchange string, logger *zap.Logger) *eventPublisher {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if exchange == "" {
		exchange = "ledger.events"
	}
	return &eventPublisher{publisher: publisher, exchange: exchange, logger: logger}
}

func (p *eventPublisher) publish(ctx context.Context, event domain.LedgerEvent) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.publisher.Publish(publishCtx, p.exchange, event.Type, event); err != nil {
		p.logger.Warn("failed to publish ledger event",
			zap.String("component", "events"),
			zap.String("routing_key", event.Type),
			zap.Error(err),
		)
	}
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	span.End()
}
