package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Amount
		wantErr bool
	}{
		{name: "whole", in: "100", want: 10_000},
		{name: "cents", in: "12.50", want: 1250},
		{name: "one decimal", in: "0.5", want: 50},
		{name: "trailing zeros beyond scale", in: "1.500", want: 150},
		{name: "negative", in: "-3.05", want: -305},
		{name: "too precise", in: "1.005", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "garbage", in: "ten", wantErr: true},
		{name: "overflow", in: "999999999999999999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmount_String(t *testing.T) {
	assert.Equal(t, "0.00", Amount(0).String())
	assert.Equal(t, "0.05", Amount(5).String())
	assert.Equal(t, "100.00", Amount(10_000).String())
	assert.Equal(t, "-12.34", Amount(-1234).String())
}

func TestAmount_JSON(t *testing.T) {
	type payload struct {
		Amount Amount `json:"amount"`
	}
	b, err := json.Marshal(payload{Amount: 1250})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"12.50"}`, string(b))

	var p payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"99.99"}`), &p))
	assert.Equal(t, Amount(9999), p.Amount)

	assert.Error(t, json.Unmarshal([]byte(`{"amount":"1.234"}`), &p))
}

func TestFee(t *testing.T) {
	assert.Equal(t, Amount(1000), Fee(10_000, 1000)) // 10%
	assert.Equal(t, Amount(0), Fee(10_000, 0))
	assert.Equal(t, Amount(0), Fee(-50, 500))
	// 333 × 2.5% = 8.325 → 8
	assert.Equal(t, Amount(8), Fee(333, 250))
}

func TestSplit(t *testing.T) {
	half := decimal.RequireFromString("0.5")
	a, b := Split(10_000, half)
	assert.Equal(t, Amount(5000), a)
	assert.Equal(t, Amount(5000), b)

	third := decimal.RequireFromString("0.3333")
	a, b = Split(101, third)
	assert.Equal(t, Amount(33), a)
	assert.Equal(t, Amount(68), b)
	assert.Equal(t, Amount(101), a+b)

	a, b = Split(777, decimal.Zero)
	assert.Equal(t, Amount(0), a)
	assert.Equal(t, Amount(777), b)
}

func TestParseRatio(t *testing.T) {
	r, err := ParseRatio("0.25")
	require.NoError(t, err)
	assert.True(t, r.Equal(decimal.RequireFromString("0.25")))

	_, err = ParseRatio("1.01")
	assert.Error(t, err)
	_, err = ParseRatio("-0.1")
	assert.Error(t, err)
	_, err = ParseRatio("half")
	assert.Error(t, err)
}
