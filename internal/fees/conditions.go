package fees

import (
	"context"
	"fmt"
	"math/big"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"
)

type Congestion string

const (
	CongestionLow    Congestion = "low"
	CongestionMedium Congestion = "medium"
	CongestionHigh   Congestion = "high"
)

// NetworkConditions is a snapshot of the chain the transfer settles on.
type NetworkConditions struct {
	Congestion        Congestion      `json:"congestion"`
	GasPriceGwei      decimal.Decimal `json:"gasPriceGwei"`
	ProcessingMinutes int             `json:"processingMinutes"`
}

// ConditionsSource supplies network conditions. The simulated source can be
// replaced by a real oracle without touching the Estimator.
type ConditionsSource interface {
	Conditions(ctx context.Context) (NetworkConditions, error)
}

// SimulatedConditions draws pseudo-random conditions.
type SimulatedConditions struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedConditions(seed uint64) *SimulatedConditions {
	return &SimulatedConditions{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *SimulatedConditions) Conditions(_ context.Context) (NetworkConditions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roll := s.rng.Float64()
	switch {
	case roll < 0.5:
		return NetworkConditions{
			Congestion:        CongestionLow,
			GasPriceGwei:      decimal.NewFromInt(int64(10 + s.rng.IntN(20))),
			ProcessingMinutes: 2 + s.rng.IntN(4),
		}, nil
	case roll < 0.85:
		return NetworkConditions{
			Congestion:        CongestionMedium,
			GasPriceGwei:      decimal.NewFromInt(int64(30 + s.rng.IntN(30))),
			ProcessingMinutes: 5 + s.rng.IntN(6),
		}, nil
	default:
		return NetworkConditions{
			Congestion:        CongestionHigh,
			GasPriceGwei:      decimal.NewFromInt(int64(60 + s.rng.IntN(60))),
			ProcessingMinutes: 10 + s.rng.IntN(11),
		}, nil
	}
}

// FixedConditions always reports the same snapshot.
type FixedConditions NetworkConditions

func (f FixedConditions) Conditions(context.Context) (NetworkConditions, error) {
	return NetworkConditions(f), nil
}

// GasPricer is the slice of ethclient.Client used by EthConditions.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// EthConditions derives conditions from the node's suggested gas price.
type EthConditions struct {
	Client GasPricer
}

var weiPerGwei = decimal.New(1, 9)

func (e EthConditions) Conditions(ctx context.Context) (NetworkConditions, error) {
	if e.Client == nil {
		return NetworkConditions{}, fmt.Errorf("gas price client not configured")
	}
	wei, err := e.Client.SuggestGasPrice(ctx)
	if err != nil {
		return NetworkConditions{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gwei := decimal.NewFromBigInt(wei, 0).Div(weiPerGwei).Round(2)
	return conditionsForGas(gwei), nil
}

func conditionsForGas(gwei decimal.Decimal) NetworkConditions {
	switch {
	case gwei.LessThan(decimal.NewFromInt(30)):
		return NetworkConditions{Congestion: CongestionLow, GasPriceGwei: gwei, ProcessingMinutes: 3}
	case gwei.LessThan(decimal.NewFromInt(60)):
		return NetworkConditions{Congestion: CongestionMedium, GasPriceGwei: gwei, ProcessingMinutes: 7}
	default:
		return NetworkConditions{Congestion: CongestionHigh, GasPriceGwei: gwei, ProcessingMinutes: 15}
	}
}
