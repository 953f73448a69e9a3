package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/letscrackdev/api/internal/services"
)

// PubSubPurchaseEventPublisher publishes purchase lifecycle events to a Pub/Sub topic.
type PubSubPurchaseEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPurchaseEventPublisher constructs a Pub/Sub backed purchase event publisher.
func NewPubSubPurchaseEventPublisher(topic *pubsub.Topic) (*PubSubPurchaseEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub purchase publisher: topic is required")
	}
	return &PubSubPurchaseEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

type purchaseEventMessage struct {
	Type             string    `json:"type"`
	PurchaseID       string    `json:"purchaseId"`
	UserID           string    `json:"userId"`
	GatewayOrderID   string    `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string    `json:"gatewayPaymentId,omitempty"`
	Status           string    `json:"status"`
	Amount           float64   `json:"amount"`
	Currency         string    `json:"currency"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// PublishPurchaseEvent enqueues a lifecycle event message on the configured topic.
func (p *PubSubPurchaseEventPublisher) PublishPurchaseEvent(ctx context.Context, event services.PurchaseEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub purchase publisher: not initialised")
	}

	data, err := p.marshal(purchaseEventMessage{
		Type:             event.Type,
		PurchaseID:       event.PurchaseID,
		UserID:           event.UserID,
		GatewayOrderID:   event.GatewayOrderID,
		GatewayPaymentID: event.GatewayPaymentID,
		Status:           event.Status,
		Amount:           event.Amount,
		Currency:         event.Currency,
		OccurredAt:       event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal purchase event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "purchaseId", event.PurchaseID)
	setAttr(attrs, "orderId", event.GatewayOrderID)
	setAttr(attrs, "status", event.Status)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish purchase event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.PurchaseEventPublisher = (*PubSubPurchaseEventPublisher)(nil)
