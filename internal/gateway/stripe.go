package gateway

import (
	"context"
	"strings"
	"time"

	"marketplace-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

// StripeClient implements Client against the Stripe API.
type StripeClient struct {
	api    *client.API
	logger *zap.Logger
}

// NewStripeClient creates a gateway client with the given secret key.
func NewStripeClient(apiKey string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{
		api:    api,
		logger: util.GetLogger(),
	}
}

// RetrievePaymentIntent fetches a payment intent with its latest charge.
func (c *StripeClient) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	defer observe("retrieve_payment_intent", time.Now())

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	intent, err := c.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, &Error{Op: "retrieve_payment_intent", Err: err}
	}

	out := &PaymentIntent{
		ID:       intent.ID,
		Status:   string(intent.Status),
		Currency: string(intent.Currency),
		Amount:   intent.Amount,
	}
	if intent.LatestCharge != nil {
		out.LatestChargeID = intent.LatestCharge.ID
	}
	return out, nil
}

// RetrieveCharge fetches a charge with its balance transaction expanded so
// the settlement currency and exchange rate are available.
func (c *StripeClient) RetrieveCharge(ctx context.Context, id string) (*Charge, error) {
	defer observe("retrieve_charge", time.Now())

	params := &stripe.ChargeParams{}
	params.Context = ctx
	params.AddExpand("balance_transaction")

	charge, err := c.api.Charges.Get(id, params)
	if err != nil {
		return nil, &Error{Op: "retrieve_charge", Err: err}
	}

	out := &Charge{
		ID:             charge.ID,
		Currency:       string(charge.Currency),
		Amount:         charge.Amount,
		Captured:       charge.Captured,
		Refunded:       charge.Refunded,
		AmountRefunded: charge.AmountRefunded,
	}
	if bt := charge.BalanceTransaction; bt != nil {
		out.SettlementCurrency = string(bt.Currency)
		if bt.ExchangeRate != 0 {
			out.ExchangeRate = decimal.NewFromFloat(bt.ExchangeRate)
		}
	}
	return out, nil
}

// CreateTransfer issues a transfer to a connected account. The idempotency
// key makes gateway-side duplicates impossible on retry.
func (c *StripeClient) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	defer observe("create_transfer", time.Now())

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.Destination),
	}
	params.Context = ctx
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	transfer, err := c.api.Transfers.New(params)
	if err != nil {
		return nil, &Error{Op: "create_transfer", Err: err}
	}

	c.logger.Info("Gateway transfer created",
		zap.String("transfer_id", transfer.ID),
		zap.String("destination", req.Destination),
		zap.Int64("amount", transfer.Amount))

	return &Transfer{ID: transfer.ID, Amount: transfer.Amount}, nil
}

// UpdateAccount writes metadata onto a connected account.
func (c *StripeClient) UpdateAccount(ctx context.Context, id string, update AccountUpdate) error {
	defer observe("update_account", time.Now())

	params := &stripe.AccountParams{}
	params.Context = ctx
	for k, v := range update.Metadata {
		params.AddMetadata(k, v)
	}

	if _, err := c.api.Accounts.Update(id, params); err != nil {
		return &Error{Op: "update_account", Err: err}
	}
	return nil
}

func observe(op string, start time.Time) {
	util.GatewayRequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
