package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/letscrackdev/api/internal/services"
)

func TestPubSubPurchaseEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "purchase-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubPurchaseEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPurchaseEventPublisher: %v", err)
	}

	occurredAt := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	event := services.PurchaseEvent{
		Type:             "purchase.completed",
		PurchaseID:       "pur_123",
		UserID:           "user-1",
		GatewayOrderID:   "order_rzp_456",
		GatewayPaymentID: "pay_789",
		Status:           "completed",
		Amount:           499,
		Currency:         "INR",
		OccurredAt:       occurredAt,
	}

	if err := publisher.PublishPurchaseEvent(ctx, event); err != nil {
		t.Fatalf("PublishPurchaseEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload purchaseEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.PurchaseID != event.PurchaseID || payload.Type != event.Type {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if !payload.OccurredAt.Equal(occurredAt) {
		t.Fatalf("expected occurredAt %s, got %s", occurredAt, payload.OccurredAt)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "order_rzp_456" {
		t.Fatalf("expected orderId attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["type"]; attr != "purchase.completed" {
		t.Fatalf("expected type attribute, got %q", attr)
	}
}

func TestNewPubSubPurchaseEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPurchaseEventPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
