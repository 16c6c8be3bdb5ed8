package donation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/godonate/pkg/donation"
	"github.com/mihaimyh/godonate/pkg/gateway"
)

func succeededDonation(t *testing.T, f *fixture, amount int64) *donation.Donation {
	t.Helper()
	co := f.checkout(t, donation.CheckoutRequest{AmountCents: amount})
	f.succeed(t, co.Intent.ID, amount, nil)
	return f.load(t, co.Donation.ID)
}

func TestRefund_Partial(t *testing.T) {
	f := newFixture(t)
	d := succeededDonation(t, f, 10000)

	res, err := f.svc.Refund(context.Background(), donation.RefundRequest{DonationID: d.ID, AmountCents: 3000})
	require.NoError(t, err)
	require.NotNil(t, res.Refund)
	assert.Equal(t, int64(3000), res.Refund.AmountCents)
	assert.Equal(t, gateway.RefundReasonRequestedByCustomer, res.Refund.Reason)
	assert.Equal(t, donation.StatusRefunded, res.Donation.Status)
	assert.Equal(t, int64(3000), res.Donation.RefundedCents)

	// The remaining balance can still be refunded.
	res, err = f.svc.Refund(context.Background(), donation.RefundRequest{DonationID: d.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(7000), res.Refund.AmountCents)
	assert.Equal(t, int64(10000), res.Donation.RefundedCents)

	// Fully refunded is idempotent.
	res, err = f.svc.Refund(context.Background(), donation.RefundRequest{DonationID: d.ID})
	require.NoError(t, err)
	assert.Nil(t, res.Refund)
	assert.Equal(t, 2, f.gw.Calls("create_refund"))
}

func TestRefund_Rejections(t *testing.T) {
	f := newFixture(t)
	d := succeededDonation(t, f, 10000)
	pending := f.checkout(t, donation.CheckoutRequest{AmountCents: 1000})

	_, err := f.svc.Refund(context.Background(), donation.RefundRequest{DonationID: d.ID, AmountCents: 10001})
	assert.ErrorIs(t, err, donation.ErrInvalidRefundAmount)

	_, err = f.svc.Refund(context.Background(), donation.RefundRequest{DonationID: d.ID, AmountCents: -1})
	assert.ErrorIs(t, err, donation.ErrInvalidRefundAmount)

	_, err = f.svc.Refund(context.Background(), donation.RefundRequest{DonationID: d.ID, Reason: "bored"})
	assert.ErrorIs(t, err, donation.ErrInvalidRequest)

	_, err = f.svc.Refund(context.Background(), donation.RefundRequest{DonationID: pending.Donation.ID})
	assert.ErrorIs(t, err, gateway.ErrNotRefundable)

	_, err = f.svc.Refund(context.Background(), donation.RefundRequest{DonationID: "missing"})
	assert.ErrorIs(t, err, donation.ErrDonationNotFound)

	assert.Equal(t, 0, f.gw.Calls("create_refund"))
}

func TestRefund_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	d := succeededDonation(t, f, 10000)
	req := donation.RefundRequest{DonationID: d.ID, AmountCents: 1000, Reason: gateway.RefundReasonDuplicate, IdempotencyKey: "rk-1"}

	first, err := f.svc.Refund(context.Background(), req)
	require.NoError(t, err)

	second, err := f.svc.Refund(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Refund.ID, second.Refund.ID)
	assert.Equal(t, int64(1000), second.Donation.RefundedCents)
	assert.Equal(t, 1, f.gw.Calls("create_refund"))

	req.AmountCents = 2000
	_, err = f.svc.Refund(context.Background(), req)
	assert.ErrorIs(t, err, donation.ErrIdempotencyKeyReused)
}

func TestRefund_ProviderAlreadyRefunded(t *testing.T) {
	f := newFixture(t)
	d := succeededDonation(t, f, 5000)
	f.gw.FailCreateRefund = gateway.ErrAlreadyRefunded

	res, err := f.svc.Refund(context.Background(), donation.RefundRequest{DonationID: d.ID})
	require.NoError(t, err)
	assert.Nil(t, res.Refund)
	assert.Equal(t, donation.StatusRefunded, res.Donation.Status)
	assert.Equal(t, int64(5000), res.Donation.RefundedCents)
}

func TestRefund_ConcurrentPartialRefundsAccumulate(t *testing.T) {
	f := newFixture(t)
	d := succeededDonation(t, f, 10000)
	f.gw.Latency = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Refund(context.Background(), donation.RefundRequest{DonationID: d.ID, AmountCents: 3000})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.gw.Calls("create_refund"))
	got := f.load(t, d.ID)
	assert.Equal(t, donation.StatusRefunded, got.Status)
	assert.Equal(t, int64(6000), got.RefundedCents)
	assert.Equal(t, int64(4000), got.RefundableCents())
}
