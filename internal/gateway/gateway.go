package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentIntentStatusSucceeded is the gateway status meaning funds settled.
const PaymentIntentStatusSucceeded = "succeeded"

// Error wraps a failure talking to the payment gateway. It is recoverable:
// settlement steps that fail with it leave state unchanged and retry on the
// next webhook delivery or sweep.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PaymentIntent is the normalized view of a gateway payment intent.
type PaymentIntent struct {
	ID             string
	Status         string
	Currency       string
	Amount         int64
	LatestChargeID string
}

// Charge is the normalized view of a gateway charge, with its balance
// transaction expanded so currency conversion data is available.
type Charge struct {
	ID             string
	Currency       string
	Amount         int64
	Captured       bool
	Refunded       bool
	AmountRefunded int64
	// SettlementCurrency and ExchangeRate come from the balance transaction.
	// ExchangeRate is zero when the charge settled in its own currency.
	SettlementCurrency string
	ExchangeRate       decimal.Decimal
}

// TransferRequest moves settled funds to a vendor's connected account.
type TransferRequest struct {
	Amount         int64
	Currency       string
	Destination    string
	TransferGroup  string
	IdempotencyKey string
}

// Transfer is the gateway's record of an issued transfer.
type Transfer struct {
	ID     string
	Amount int64
}

// AccountUpdate carries metadata changes for a connected account.
type AccountUpdate struct {
	Metadata map[string]string
}

// Client is the sole path through which funds move. The settlement engine
// never computes funds movement without going through it.
type Client interface {
	RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	RetrieveCharge(ctx context.Context, id string) (*Charge, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	UpdateAccount(ctx context.Context, id string, update AccountUpdate) error
}
