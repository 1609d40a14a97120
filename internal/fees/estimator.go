package fees

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// Estimate is a fee breakdown. Build it with NewEstimate so TotalFee is
// always the sum of the three components.
type Estimate struct {
	OnRampFee        decimal.Decimal `json:"onRampFee"`
	BlockchainFee    decimal.Decimal `json:"blockchainFee"`
	OffRampFee       decimal.Decimal `json:"offRampFee"`
	TotalFee         decimal.Decimal `json:"totalFee"`
	EstimatedMinutes int             `json:"estimatedTime"`
}

func NewEstimate(onRamp, blockchain, offRamp decimal.Decimal, minutes int) (Estimate, error) {
	if onRamp.IsNegative() || blockchain.IsNegative() || offRamp.IsNegative() {
		return Estimate{}, fmt.Errorf("fees must not be negative")
	}
	if minutes < 0 {
		return Estimate{}, fmt.Errorf("estimated time must not be negative")
	}
	return Estimate{
		OnRampFee:        onRamp,
		BlockchainFee:    blockchain,
		OffRampFee:       offRamp,
		TotalFee:         onRamp.Add(blockchain).Add(offRamp),
		EstimatedMinutes: minutes,
	}, nil
}

func ZeroEstimate() Estimate {
	return Estimate{
		OnRampFee:     decimal.Zero,
		BlockchainFee: decimal.Zero,
		OffRampFee:    decimal.Zero,
		TotalFee:      decimal.Zero,
	}
}

// Balanced reports whether TotalFee still equals the component sum.
func (e Estimate) Balanced() bool {
	return e.TotalFee.Equal(e.OnRampFee.Add(e.BlockchainFee).Add(e.OffRampFee))
}

// Rates are the pricing knobs. Percentages are fractions (0.015 == 1.5%).
type Rates struct {
	OnRampRate        decimal.Decimal
	OffRampRate       decimal.Decimal
	FXSpread          decimal.Decimal
	BlockchainBaseFee decimal.Decimal
	ReferenceGasGwei  decimal.Decimal
	MinimumFee        decimal.Decimal
	BaseMinutes       int
}

func DefaultRates() Rates {
	return Rates{
		OnRampRate:        decimal.RequireFromString("0.015"),
		OffRampRate:       decimal.RequireFromString("0.01"),
		FXSpread:          decimal.RequireFromString("0.005"),
		BlockchainBaseFee: decimal.RequireFromString("0.50"),
		ReferenceGasGwei:  decimal.NewFromInt(30),
		MinimumFee:        decimal.RequireFromString("0.25"),
		BaseMinutes:       10,
	}
}

var fallbackConditions = NetworkConditions{
	Congestion:        CongestionMedium,
	GasPriceGwei:      decimal.NewFromInt(30),
	ProcessingMinutes: 7,
}

type Estimator struct {
	source ConditionsSource
	rates  Rates
	logger *slog.Logger
}

func NewEstimator(source ConditionsSource, rates Rates, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	if rates.ReferenceGasGwei.IsZero() {
		rates.ReferenceGasGwei = DefaultRates().ReferenceGasGwei
	}
	return &Estimator{source: source, rates: rates, logger: logger}
}

// CalculateFees is the preview path: a non-positive amount costs nothing.
func (e *Estimator) CalculateFees(ctx context.Context, amount decimal.Decimal, currency string) Estimate {
	if !amount.IsPositive() {
		return ZeroEstimate()
	}
	return e.estimate(ctx, amount, currency, decimal.Zero)
}

// CommittedFees is used for the stored payment record. Each ramp leg costs at
// least MinimumFee, however small the amount.
func (e *Estimator) CommittedFees(ctx context.Context, amount decimal.Decimal, currency string) Estimate {
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return e.estimate(ctx, amount, currency, e.rates.MinimumFee)
}

func (e *Estimator) estimate(ctx context.Context, amount decimal.Decimal, currency string, floor decimal.Decimal) Estimate {
	cond := e.conditions(ctx)

	onRampRate := e.rates.OnRampRate
	if !strings.EqualFold(strings.TrimSpace(currency), "USD") {
		onRampRate = onRampRate.Add(e.rates.FXSpread)
	}
	onRamp := decimal.Max(amount.Mul(onRampRate).Round(2), floor)
	offRamp := decimal.Max(amount.Mul(e.rates.OffRampRate).Round(2), floor)

	chain := e.rates.BlockchainBaseFee.
		Mul(congestionFactor(cond.Congestion)).
		Mul(cond.GasPriceGwei).
		Div(e.rates.ReferenceGasGwei).
		Round(2)
	if chain.IsNegative() {
		chain = decimal.Zero
	}

	minutes := e.rates.BaseMinutes + cond.ProcessingMinutes
	est, err := NewEstimate(onRamp, chain, offRamp, minutes)
	if err != nil {
		e.logger.Error("fee estimate rejected", "error", err)
		return ZeroEstimate()
	}
	return est
}

func (e *Estimator) conditions(ctx context.Context) NetworkConditions {
	if e.source == nil {
		return fallbackConditions
	}
	cond, err := e.source.Conditions(ctx)
	if err != nil {
		e.logger.Warn("network conditions unavailable, using fallback", "error", err)
		return fallbackConditions
	}
	return cond
}

func congestionFactor(c Congestion) decimal.Decimal {
	switch c {
	case CongestionLow:
		return decimal.NewFromInt(1)
	case CongestionHigh:
		return decimal.RequireFromString("2.5")
	default:
		return decimal.RequireFromString("1.5")
	}
}
