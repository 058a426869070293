package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tideflow-io/tideflow/pkg/events"
	"github.com/tideflow-io/tideflow/pkg/otelhelper"
)

// WatermillEventBus routes events over any watermill publisher/subscriber
// pair: Kafka in production, GoChannel in tests.
type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	tracer     trace.Tracer

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

// SetTracer enables per-message spans on the consume path.
func (eb *WatermillEventBus) SetTracer(tracer trace.Tracer) {
	eb.tracer = tracer
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

// topicFor partitions the traffic: inbound subject events and execution
// advance commands each get their own topic so workers scale them
// independently of the lifecycle stream.
func topicFor(eventType events.EventType) string {
	switch eventType {
	case events.SubjectEventReceivedEvent:
		return events.SubjectEventTopic
	case events.ExecutionAdvanceEvent:
		return events.ExecutionTopic
	default:
		return events.Topic
	}
}

func (eb *WatermillEventBus) Publish(_ context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(topicFor(event.GetType()), msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	for _, topic := range []string{events.Topic, events.SubjectEventTopic, events.ExecutionTopic} {
		messages, err := eb.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return err
		}

		go eb.consume(ctx, messages)
	}

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		eb.consumeOne(ctx, msg)
	}
}

func (eb *WatermillEventBus) consumeOne(ctx context.Context, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	eb.mu.RLock()
	handler, exists := eb.subscriptions[eventType]
	eb.mu.RUnlock()

	if !exists {
		msg.Ack()

		return
	}

	var span trace.Span

	if eb.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, eb.tracer, "eventbus consume",
			attribute.String("messaging.message.key", msg.Metadata.Get(events.EventMetadataKey)),
			attribute.String("messaging.event.type", string(eventType)),
		)
		defer span.End()
	}

	event := decode(eventType)
	if event == nil {
		msg.Nack()

		return
	}

	if err := json.Unmarshal(msg.Payload, event); err != nil {
		if span != nil {
			otelhelper.SetError(span, err)
		}

		msg.Nack()

		return
	}

	if err := handler(ctx, event); err != nil {
		if span != nil {
			otelhelper.SetError(span, err)
		}

		msg.Nack()

		return
	}

	msg.Ack()
}

func decode(eventType events.EventType) any {
	switch eventType {
	case events.SubjectEventReceivedEvent:
		return &events.SubjectEventReceived{}
	case events.ExecutionAdvanceEvent:
		return &events.ExecutionAdvance{}
	case events.ExecutionEnrolledEvent:
		return &events.ExecutionEnrolled{}
	case events.ExecutionWaitingEvent:
		return &events.ExecutionWaiting{}
	case events.ExecutionRetryScheduledEvent:
		return &events.ExecutionRetryScheduled{}
	case events.ExecutionCompletedEvent:
		return &events.ExecutionCompleted{}
	case events.ExecutionFailedEvent:
		return &events.ExecutionFailed{}
	case events.ExecutionCancelledEvent:
		return &events.ExecutionCancelled{}
	case events.ExecutionPausedEvent:
		return &events.ExecutionPaused{}
	case events.TriggerChangedEvent:
		return &events.TriggerChanged{}
	case events.WorkflowPublishedEvent:
		return &events.WorkflowPublished{}
	case events.BulkJobSubmittedEvent:
		return &events.BulkJobSubmitted{}
	case events.BulkJobFinishedEvent:
		return &events.BulkJobFinished{}
	default:
		return nil
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	eb.subscriptions[eventType] = handler
	eb.mu.Unlock()

	return nil
}

func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}

	return eb.subscriber.Close()
}
