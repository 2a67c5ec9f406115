package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/smartescrow/internal/circuitbreaker"
	"github.com/mbd888/smartescrow/internal/ledger"
)

func release(key string) Request {
	return Request{
		IdempotencyKey: key,
		EscrowID:       "esc_1",
		MilestoneID:    "ms_1",
		Type:           ledger.TxRelease,
		Amount:         "400.000000",
		Currency:       "USD",
		Recipient:      "acct_freelancer",
	}
}

func TestSimulated_DedupesByKey(t *testing.T) {
	s := NewSimulated()
	ctx := context.Background()

	a, err := s.Settle(ctx, release("k1"))
	require.NoError(t, err)
	b, err := s.Settle(ctx, release("k1"))
	require.NoError(t, err)
	c, err := s.Settle(ctx, release("k2"))
	require.NoError(t, err)

	assert.Equal(t, a.Reference, b.Reference)
	assert.NotEqual(t, a.Reference, c.Reference)
	assert.Equal(t, 2, s.Settled())
	assert.Len(t, s.Calls(), 3)
}

func TestSimulated_InjectedFailure(t *testing.T) {
	s := NewSimulated()
	s.FailWith(func(r Request) error {
		if r.Type == ledger.TxRelease {
			return errors.New("bank offline")
		}
		return nil
	})

	_, err := s.Settle(context.Background(), release("k1"))
	require.Error(t, err)
	assert.Zero(t, s.Settled())

	s.FailWith(nil)
	_, err = s.Settle(context.Background(), release("k1"))
	require.NoError(t, err)
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	s := NewSimulated()
	s.FailWith(func(Request) error { return errors.New("timeout") })
	g := Guard(s, 2, time.Hour)

	for i := 0; i < 2; i++ {
		_, err := g.Settle(context.Background(), release("k"))
		require.Error(t, err)
	}
	_, err := g.Settle(context.Background(), release("k"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Len(t, s.Calls(), 2)
	assert.Equal(t, map[string]string{string(ledger.TxRelease): "open"}, g.OpenCircuits())

	// Other transaction types have their own circuit.
	_, err = g.Settle(context.Background(), Request{IdempotencyKey: "f", Type: ledger.TxFee, Amount: "1"})
	assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestGuarded_RejectionsDoNotTrip(t *testing.T) {
	s := NewSimulated()
	s.FailWith(func(Request) error { return ErrRejected })
	g := Guard(s, 1, time.Hour)

	for i := 0; i < 3; i++ {
		_, err := g.Settle(context.Background(), release("k"))
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.Len(t, s.Calls(), 3)
}

type fakeTransfers struct {
	got *stripe.TransferParams
	err error
}

func (f *fakeTransfers) New(p *stripe.TransferParams) (*stripe.Transfer, error) {
	f.got = p
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.Transfer{ID: "tr_123"}, nil
}

type fakeRefunds struct {
	got *stripe.RefundParams
}

func (f *fakeRefunds) New(p *stripe.RefundParams) (*stripe.Refund, error) {
	f.got = p
	return &stripe.Refund{ID: "re_456"}, nil
}

func TestStripe_Release(t *testing.T) {
	tr := &fakeTransfers{}
	s := &Stripe{transfers: tr, refunds: &fakeRefunds{}}

	res, err := s.Settle(context.Background(), release("idem-1"))
	require.NoError(t, err)
	assert.Equal(t, "tr_123", res.Reference)

	require.NotNil(t, tr.got)
	assert.Equal(t, int64(40000), *tr.got.Amount)
	assert.Equal(t, "usd", *tr.got.Currency)
	assert.Equal(t, "acct_freelancer", *tr.got.Destination)
	assert.Equal(t, "esc_1", *tr.got.TransferGroup)
	assert.Equal(t, "idem-1", *tr.got.IdempotencyKey)
	assert.Equal(t, "ms_1", tr.got.Metadata["milestone_id"])
}

func TestStripe_Refund(t *testing.T) {
	rf := &fakeRefunds{}
	s := &Stripe{transfers: &fakeTransfers{}, refunds: rf}

	req := Request{
		IdempotencyKey: "idem-2", EscrowID: "esc_1", Type: ledger.TxRefund,
		Amount: "12.5", Currency: "USD", Recipient: "client-1",
	}
	_, err := s.Settle(context.Background(), req)
	assert.ErrorIs(t, err, ErrRejected)

	req.FundingReference = "pi_789"
	res, err := s.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "re_456", res.Reference)
	assert.Equal(t, "pi_789", *rf.got.PaymentIntent)
	assert.Equal(t, int64(1250), *rf.got.Amount)
}

func TestStripe_FeeNeedsNoCall(t *testing.T) {
	tr := &fakeTransfers{}
	s := &Stripe{transfers: tr, refunds: &fakeRefunds{}}

	res, err := s.Settle(context.Background(), Request{IdempotencyKey: "k", Type: ledger.TxFee, Amount: "5", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "fee_retained:k", res.Reference)
	assert.Nil(t, tr.got)
}

func TestStripe_Errors(t *testing.T) {
	tr := &fakeTransfers{err: &stripe.Error{HTTPStatusCode: 400, Msg: "No such destination"}}
	s := &Stripe{transfers: tr, refunds: &fakeRefunds{}}
	_, err := s.Settle(context.Background(), release("k"))
	assert.ErrorIs(t, err, ErrRejected)

	tr.err = &stripe.Error{HTTPStatusCode: 503, Msg: "unavailable"}
	_, err = s.Settle(context.Background(), release("k"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)

	// Sub-cent amounts cannot be transferred.
	req := release("k")
	req.Amount = "1.005"
	_, err = s.Settle(context.Background(), req)
	assert.ErrorIs(t, err, ErrRejected)
}
