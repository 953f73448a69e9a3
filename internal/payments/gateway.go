package payments

import (
	"context"
	"math"
	"strings"
)

// Order is the gateway-side order handle a checkout session binds to. Amount is
// expressed in the currency's minor units, mirroring what the gateway stores.
type Order struct {
	ID       string
	Amount   int64
	Currency string
	Receipt  string
	Status   string
}

// CreateOrderRequest carries the inputs for registering an order with the
// gateway. Amount must already be converted to minor units.
type CreateOrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Gateway abstracts the payment provider used to open orders for checkout
// sessions. Implementations must be safe for concurrent use.
type Gateway interface {
	Name() string
	CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error)
}

// MinorUnits converts a display-unit amount (e.g. 499.00) into the currency's
// minor units (49900), rounding to the nearest unit to absorb float noise.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// NormalizeCurrency uppercases and trims an ISO 4217 code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
