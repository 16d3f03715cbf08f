package broker

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestQuoteClosePrice(t *testing.T) {
	t.Parallel()

	q := Quote{Symbol: "EURUSD", Bid: decimal.RequireFromString("1.10000"), Ask: decimal.RequireFromString("1.10020")}

	tests := []struct {
		name string
		side Side
		want string
	}{
		{"long closes on bid", Buy, "1.1"},
		{"short closes on ask", Sell, "1.1002"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, q.ClosePrice(tt.side).Equal(decimal.RequireFromString(tt.want)))
		})
	}
	assert.True(t, q.Mid().Equal(decimal.RequireFromString("1.1001")))
}

func TestSignedVolume(t *testing.T) {
	t.Parallel()

	p := Position{Side: Sell, Volume: decimal.NewFromFloat(0.5)}
	assert.Equal(t, "-0.5", p.SignedVolume().String())
	p.Side = Buy
	assert.Equal(t, "0.5", p.SignedVolume().String())
}

func TestRejectedError(t *testing.T) {
	t.Parallel()

	var err error = &RejectedError{Code: 10027, Message: "autotrading disabled"}
	var rej *RejectedError
	assert.True(t, errors.As(err, &rej))
	assert.Equal(t, 10027, rej.Code)
	assert.Equal(t, "order rejected: code 10027: autotrading disabled", err.Error())
}

func TestDealPairCommission(t *testing.T) {
	t.Parallel()

	d := DealPair{
		Entry: Deal{Commission: decimal.RequireFromString("-3.5")},
		Exit:  Deal{Commission: decimal.RequireFromString("-3.5")},
	}
	assert.Equal(t, "-7", d.Commission().String())
}
