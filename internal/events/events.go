// Package events broadcasts content changes between replicas over Google Cloud Pub/Sub.
//
// Converted artifacts live in a per-process cache, so a change reported to one
// replica must reach the others. The admin hook publishes a Change after purging
// locally; every replica reads its own subscription and applies the change unless
// it originated there.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/mdagent/internal/config"
	idgen "github.com/JakeFAU/mdagent/internal/id/uuid"
)

var tracer = otel.Tracer("github.com/JakeFAU/mdagent/internal/events")

// Change is the message payload.
type Change struct {
	EntityID int64  `json:"entity_id"`
	Origin   string `json:"origin"`
}

// Handler applies a change to local state.
type Handler func(ctx context.Context, entityID int64) error

// Bus owns the Pub/Sub client, publishing and receiving on behalf of this replica.
type Bus struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	sub       *pubsub.Subscriber
	origin    string
	handle    Handler
	logger    *zap.Logger
}

// Open connects to Pub/Sub. Extra client options are used by tests to dial an emulator.
func Open(ctx context.Context, cfg config.EventsConfig, handle Handler, logger *zap.Logger, opts ...option.ClientOption) (*Bus, error) {
	if !cfg.Enabled() {
		return nil, errors.New("events: topic is not configured")
	}
	if handle == nil {
		return nil, errors.New("events: handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	return &Bus{
		client:    client,
		publisher: client.Publisher(cfg.Topic),
		sub:       client.Subscriber(cfg.Subscription),
		origin:    idgen.New().MustID(),
		handle:    handle,
		logger:    logger,
	}, nil
}

// Origin identifies this replica on published messages.
func (b *Bus) Origin() string {
	return b.origin
}

// NotifyChanged publishes a change and waits for the server to accept it.
func (b *Bus) NotifyChanged(ctx context.Context, entityID int64) error {
	data, err := json.Marshal(Change{EntityID: entityID, Origin: b.origin})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: msg.Attributes})

	id, err := b.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	b.logger.Debug("change published", zap.Int64("entity_id", entityID), zap.String("message_id", id))
	return nil
}

// Run receives changes until ctx is canceled.
func (b *Bus) Run(ctx context.Context) error {
	err := b.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if b.process(ctx, m.Data, m.Attributes) {
			m.Ack()
			return
		}
		m.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive changes: %w", err)
	}
	return nil
}

// process applies one message and reports whether it should be acknowledged.
// Undecodable payloads are acknowledged so they are not redelivered forever.
func (b *Bus) process(ctx context.Context, data []byte, attrs map[string]string) bool {
	ctx = otel.GetTextMapPropagator().Extract(ctx, &carrier{attrs: attrs})

	var c Change
	if err := json.Unmarshal(data, &c); err != nil || c.EntityID <= 0 {
		b.logger.Warn("dropping malformed change", zap.ByteString("data", data), zap.Error(err))
		return true
	}
	if c.Origin == b.origin {
		return true
	}

	ctx, span := tracer.Start(ctx, "events.entity_changed", trace.WithAttributes(
		attribute.Int64("mdagent.entity_id", c.EntityID),
		attribute.String("mdagent.origin", c.Origin),
	))
	defer span.End()

	if err := b.handle(ctx, c.EntityID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply change failed")
		b.logger.Warn("apply change failed", zap.Int64("entity_id", c.EntityID), zap.Error(err))
		return false
	}
	b.logger.Debug("change applied", zap.Int64("entity_id", c.EntityID), zap.String("origin", c.Origin))
	return true
}

// Close stops the publisher and closes the client.
func (b *Bus) Close() error {
	b.publisher.Stop()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// carrier implements propagation.TextMapCarrier over message attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
