package fees

import (
	"context"
	"errors"
	"math/big"
	"math/rand/v2"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestTotalFeeAlwaysSumsComponents(t *testing.T) {
	est := NewEstimator(NewSimulatedConditions(42), DefaultRates(), slogt.New(t))
	rng := rand.New(rand.NewPCG(7, 11))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		amount := decimal.NewFromFloat(rng.Float64() * 10000).Round(2)
		currency := []string{"USD", "EUR", "KES"}[rng.IntN(3)]

		preview := est.CalculateFees(ctx, amount, currency)
		require.Truef(t, preview.Balanced(), "preview %d: %+v", i, preview)

		committed := est.CommittedFees(ctx, amount, currency)
		require.Truef(t, committed.Balanced(), "committed %d: %+v", i, committed)
		require.False(t, committed.OnRampFee.IsNegative())
		require.False(t, committed.BlockchainFee.IsNegative())
		require.False(t, committed.OffRampFee.IsNegative())
		require.GreaterOrEqual(t, committed.EstimatedMinutes, 0)
	}
}

func TestPreviewIsFreeForNonPositiveAmounts(t *testing.T) {
	est := NewEstimator(NewSimulatedConditions(1), DefaultRates(), slogt.New(t))
	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		got := est.CalculateFees(context.Background(), amount, "USD")
		require.True(t, got.TotalFee.IsZero())
		require.Equal(t, 0, got.EstimatedMinutes)
	}
}

func TestCommittedFeesApplyMinimum(t *testing.T) {
	est := NewEstimator(FixedConditions{Congestion: CongestionLow, GasPriceGwei: decimal.NewFromInt(30), ProcessingMinutes: 3}, DefaultRates(), slogt.New(t))
	ctx := context.Background()
	tiny := decimal.RequireFromString("0.01")

	preview := est.CalculateFees(ctx, tiny, "USD")
	committed := est.CommittedFees(ctx, tiny, "USD")

	require.True(t, preview.OnRampFee.IsZero())
	require.True(t, committed.OnRampFee.Equal(decimal.RequireFromString("0.25")))
	require.True(t, committed.OffRampFee.Equal(decimal.RequireFromString("0.25")))
	require.True(t, committed.TotalFee.GreaterThan(preview.TotalFee))
}

func TestFeeBreakdownForKnownConditions(t *testing.T) {
	est := NewEstimator(FixedConditions{Congestion: CongestionLow, GasPriceGwei: decimal.NewFromInt(30), ProcessingMinutes: 3}, DefaultRates(), slogt.New(t))

	usd := est.CalculateFees(context.Background(), decimal.NewFromInt(100), "USD")
	require.Equal(t, "1.5", usd.OnRampFee.String())
	require.Equal(t, "1", usd.OffRampFee.String())
	require.Equal(t, "0.5", usd.BlockchainFee.String())
	require.Equal(t, "3", usd.TotalFee.String())
	require.Equal(t, 13, usd.EstimatedMinutes)

	eur := est.CalculateFees(context.Background(), decimal.NewFromInt(100), "EUR")
	require.Equal(t, "2", eur.OnRampFee.String(), "non-USD pays the FX spread")
}

func TestHighCongestionCostsMore(t *testing.T) {
	rates := DefaultRates()
	low := NewEstimator(FixedConditions{Congestion: CongestionLow, GasPriceGwei: decimal.NewFromInt(30), ProcessingMinutes: 3}, rates, nil)
	high := NewEstimator(FixedConditions{Congestion: CongestionHigh, GasPriceGwei: decimal.NewFromInt(90), ProcessingMinutes: 15}, rates, nil)

	amount := decimal.NewFromInt(250)
	l := low.CalculateFees(context.Background(), amount, "USD")
	h := high.CalculateFees(context.Background(), amount, "USD")
	require.True(t, h.BlockchainFee.GreaterThan(l.BlockchainFee))
	require.Greater(t, h.EstimatedMinutes, l.EstimatedMinutes)
}

type failingSource struct{}

func (failingSource) Conditions(context.Context) (NetworkConditions, error) {
	return NetworkConditions{}, errors.New("oracle down")
}

func TestFallbackWhenConditionsUnavailable(t *testing.T) {
	est := NewEstimator(failingSource{}, DefaultRates(), slogt.New(t))
	got := est.CalculateFees(context.Background(), decimal.NewFromInt(10), "USD")
	require.True(t, got.Balanced())
	require.Equal(t, DefaultRates().BaseMinutes+fallbackConditions.ProcessingMinutes, got.EstimatedMinutes)
}

func TestNewEstimateRejectsNegatives(t *testing.T) {
	_, err := NewEstimate(decimal.NewFromInt(-1), decimal.Zero, decimal.Zero, 1)
	require.Error(t, err)
	_, err = NewEstimate(decimal.Zero, decimal.Zero, decimal.Zero, -1)
	require.Error(t, err)

	est, err := NewEstimate(decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(3), 4)
	require.NoError(t, err)
	require.Equal(t, "6", est.TotalFee.String())
}

type stubGasPricer struct {
	wei *big.Int
	err error
}

func (s stubGasPricer) SuggestGasPrice(context.Context) (*big.Int, error) {
	return s.wei, s.err
}

func TestEthConditionsTiers(t *testing.T) {
	cases := []struct {
		gwei int64
		want Congestion
	}{
		{gwei: 12, want: CongestionLow},
		{gwei: 45, want: CongestionMedium},
		{gwei: 150, want: CongestionHigh},
	}
	for _, tc := range cases {
		wei := new(big.Int).Mul(big.NewInt(tc.gwei), big.NewInt(1_000_000_000))
		cond, err := EthConditions{Client: stubGasPricer{wei: wei}}.Conditions(context.Background())
		require.NoError(t, err)
		require.Equal(t, tc.want, cond.Congestion)
		require.True(t, cond.GasPriceGwei.Equal(decimal.NewFromInt(tc.gwei)))
	}

	_, err := EthConditions{Client: stubGasPricer{err: errors.New("rpc down")}}.Conditions(context.Background())
	require.Error(t, err)
	_, err = EthConditions{}.Conditions(context.Background())
	require.Error(t, err)
}

func TestSimulatedConditionsAreDeterministicPerSeed(t *testing.T) {
	a := NewSimulatedConditions(99)
	b := NewSimulatedConditions(99)
	for i := 0; i < 10; i++ {
		ca, _ := a.Conditions(context.Background())
		cb, _ := b.Conditions(context.Background())
		require.Equal(t, ca.Congestion, cb.Congestion)
		require.True(t, ca.GasPriceGwei.Equal(cb.GasPriceGwei))
		require.Equal(t, ca.ProcessingMinutes, cb.ProcessingMinutes)
	}
}
