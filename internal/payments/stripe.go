package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// IntentAPI is the slice of the stripe PaymentIntent API the client needs.
type IntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeClient holds ride fares with manual-capture PaymentIntents and
// captures them when the ride ends.
type StripeClient struct {
	api      IntentAPI
	currency string
}

// NewStripeClient builds a client bound to apiKey.
func NewStripeClient(apiKey, currency string) *StripeClient {
	pi := &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}
	return &StripeClient{api: pi, currency: currency}
}

// Hold reserves the fare. The ride id is sent as the idempotency key so a
// retried dispatch does not double-hold.
func (s *StripeClient) Hold(ctx context.Context, rideID string, fare float64) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(ToMinorUnits(fare)),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("hold-" + rideID)
	params.AddMetadata("ride_id", rideID)
	pi, err := s.api.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously held fare.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.Cancel(paymentIntentID, params)
	return err
}

// ToMinorUnits converts a fare to the smallest currency unit.
func ToMinorUnits(fare float64) int64 {
	if fare <= 0 || math.IsNaN(fare) {
		return 0
	}
	return int64(math.Round(fare * 100))
}
