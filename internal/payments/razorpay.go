package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	razorpay "github.com/razorpay/razorpay-go"
)

const razorpayGatewayName = "razorpay"

// RazorpayGateway creates orders through the Razorpay Orders API.
type RazorpayGateway struct {
	client *razorpay.Client

	// createOrder is swappable in tests; defaults to the SDK call.
	createOrder func(data map[string]interface{}) (map[string]interface{}, error)
}

// NewRazorpayGateway constructs a gateway backed by the Razorpay SDK.
func NewRazorpayGateway(keyID, keySecret string) (*RazorpayGateway, error) {
	keyID = strings.TrimSpace(keyID)
	keySecret = strings.TrimSpace(keySecret)
	if keyID == "" || keySecret == "" {
		return nil, errors.New("razorpay gateway: key id and secret are required")
	}
	client := razorpay.NewClient(keyID, keySecret)
	g := &RazorpayGateway{client: client}
	g.createOrder = func(data map[string]interface{}) (map[string]interface{}, error) {
		return client.Order.Create(data, nil)
	}
	return g, nil
}

// Name identifies the provider.
func (g *RazorpayGateway) Name() string {
	return razorpayGatewayName
}

// CreateOrder registers an order with Razorpay and returns its handle. The SDK
// is not context aware, so cancellation is only checked before dispatch.
func (g *RazorpayGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	if g == nil || g.createOrder == nil {
		return Order{}, errors.New("razorpay gateway not initialised")
	}
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if req.Amount <= 0 {
		return Order{}, errors.New("razorpay gateway: amount must be positive")
	}
	currency := NormalizeCurrency(req.Currency)
	if currency == "" {
		return Order{}, errors.New("razorpay gateway: currency is required")
	}

	data := map[string]interface{}{
		"amount":   req.Amount,
		"currency": currency,
	}
	if receipt := strings.TrimSpace(req.Receipt); receipt != "" {
		data["receipt"] = receipt
	}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			notes[key] = v
		}
		if len(notes) > 0 {
			data["notes"] = notes
		}
	}

	body, err := g.createOrder(data)
	if err != nil {
		return Order{}, fmt.Errorf("razorpay gateway: create order: %w", err)
	}

	order := Order{
		ID:       stringField(body, "id"),
		Currency: currency,
		Receipt:  stringField(body, "receipt"),
		Status:   stringField(body, "status"),
		Amount:   req.Amount,
	}
	if amount, ok := numberField(body, "amount"); ok {
		order.Amount = amount
	}
	if order.ID == "" {
		return Order{}, errors.New("razorpay gateway: response missing order id")
	}
	return order, nil
}

func stringField(body map[string]interface{}, key string) string {
	if body == nil {
		return ""
	}
	if value, ok := body[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func numberField(body map[string]interface{}, key string) (int64, bool) {
	if body == nil {
		return 0, false
	}
	switch value := body[key].(type) {
	case float64:
		return int64(value), true
	case int64:
		return value, true
	case int:
		return int64(value), true
	default:
		return 0, false
	}
}

var _ Gateway = (*RazorpayGateway)(nil)
