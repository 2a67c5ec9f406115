package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/money"
)

type transferAPI interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// zeroDecimal lists currencies Stripe charges in whole units.
var zeroDecimal = map[string]bool{"JPY": true, "KRW": true, "VND": true, "CLP": true}

// Stripe settles through Stripe Connect. Releases are transfers to the
// recipient's connected account (recipient ids are account ids, acct_...).
// Refunds go back against the PaymentIntent the escrow was funded with.
// Platform fees stay on the platform balance and need no API call.
type Stripe struct {
	transfers transferAPI
	refunds   refundAPI
}

// NewStripe creates a settler using the given secret key.
func NewStripe(secretKey string) *Stripe {
	sc := client.New(secretKey, nil)
	return &Stripe{transfers: sc.Transfers, refunds: sc.Refunds}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) Settle(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	minor, err := toMinor(req.Amount, req.Currency)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	switch req.Type {
	case ledger.TxFee:
		return Result{Reference: "fee_retained:" + req.IdempotencyKey}, nil

	case ledger.TxRelease:
		params := &stripe.TransferParams{
			Amount:        stripe.Int64(minor),
			Currency:      stripe.String(strings.ToLower(req.Currency)),
			Destination:   stripe.String(req.Recipient),
			TransferGroup: stripe.String(req.EscrowID),
		}
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("escrow_id", req.EscrowID)
		if req.MilestoneID != "" {
			params.AddMetadata("milestone_id", req.MilestoneID)
		}
		tr, err := s.transfers.New(params)
		if err != nil {
			return Result{}, classify(err)
		}
		return Result{Reference: tr.ID}, nil

	case ledger.TxRefund:
		if req.FundingReference == "" {
			return Result{}, fmt.Errorf("%w: escrow %s has no funding reference to refund against", ErrRejected, req.EscrowID)
		}
		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(req.FundingReference),
			Amount:        stripe.Int64(minor),
		}
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("escrow_id", req.EscrowID)
		rf, err := s.refunds.New(params)
		if err != nil {
			return Result{}, classify(err)
		}
		return Result{Reference: rf.ID}, nil
	}
	return Result{}, fmt.Errorf("%w: unsupported transaction type %q", ErrRejected, req.Type)
}

func toMinor(amount, currency string) (int64, error) {
	v, ok := money.Parse(amount)
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	exp := 2
	if zeroDecimal[strings.ToUpper(currency)] {
		exp = 0
	}
	return money.ToMinor(v, exp)
}

// classify marks 4xx answers other than rate limiting as rejections.
func classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 &&
		se.HTTPStatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrRejected, se.Msg)
	}
	return err
}
