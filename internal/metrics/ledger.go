package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Synthetixio/snx-api/internal/aggregate"
	"github.com/Synthetixio/snx-api/internal/config"
	"github.com/Synthetixio/snx-api/internal/observ"
	"github.com/Synthetixio/snx-api/internal/source"
)

// ledgerTerm is one contract read. Holder names the registry contract
// reported as the term's address when it differs from the called contract,
// as for token balances held by another contract.
type ledgerTerm struct {
	Label    string
	Network  string
	Contract string
	Method   string
	Holder   string
}

func (t ledgerTerm) spec() source.Spec {
	if t.Holder != "" {
		return source.Ledger(t.Network, t.Contract, t.Method, t.Holder)
	}
	return source.Ledger(t.Network, t.Contract, t.Method)
}

var (
	termTotalSupply = ledgerTerm{
		Label: "totalSupply", Network: config.NetworkEthereum,
		Contract: "Synthetix", Method: "totalSupply()",
	}
	termOVMTotalSupply = ledgerTerm{
		Label: "OVMTotalSupply", Network: config.NetworkOptimism,
		Contract: "Synthetix", Method: "totalSupply()",
	}
	termEscrowVested = ledgerTerm{
		Label: "synthetixEscrowVestedBalance", Network: config.NetworkEthereum,
		Contract: "SynthetixEscrow", Method: "totalVestedBalance()",
	}
	termOVMEscrowVested = ledgerTerm{
		Label: "OVMSynthetixEscrowVestedBalance", Network: config.NetworkOptimism,
		Contract: "SynthetixEscrow", Method: "totalVestedBalance()",
	}
	termRewardEscrow = ledgerTerm{
		Label: "rewardEscrowEscrowedBalance", Network: config.NetworkEthereum,
		Contract: "RewardEscrow", Method: "totalEscrowedBalance()",
	}
	termRewardEscrowV2 = ledgerTerm{
		Label: "rewardEscrowV2EscrowedBalance", Network: config.NetworkEthereum,
		Contract: "RewardEscrowV2", Method: "totalEscrowedBalance()",
	}
	termOVMRewardEscrowV2 = ledgerTerm{
		Label: "OVMRewardEscrowV2EscrowedBalance", Network: config.NetworkOptimism,
		Contract: "RewardEscrowV2", Method: "totalEscrowedBalance()",
	}
	termLiquidatorRewards = ledgerTerm{
		Label: "liquidatorRewardsBalance", Network: config.NetworkEthereum,
		Contract: "Synthetix", Method: "balanceOf(address)", Holder: "LiquidatorRewards",
	}
	termOVMLiquidatorRewards = ledgerTerm{
		Label: "OVMLiquidatorRewardsBalance", Network: config.NetworkOptimism,
		Contract: "Synthetix", Method: "balanceOf(address)", Holder: "LiquidatorRewards",
	}
	termBridgeEscrow = ledgerTerm{
		Label: "synthetixBridgeEscrowBalance", Network: config.NetworkEthereum,
		Contract: "Synthetix", Method: "balanceOf(address)", Holder: "SynthetixBridgeEscrow",
	}
)

// healthTerms are the reads /health exercises.
var healthTerms = []ledgerTerm{
	termTotalSupply,
	termOVMTotalSupply,
	termEscrowVested,
	termOVMEscrowVested,
	termRewardEscrowV2,
	termOVMRewardEscrowV2,
	termRewardEscrow,
}

// Contracts maps chain -> response field -> contract address.
type Contracts map[string]map[string]string

type resolvedTerm struct {
	term    ledgerTerm
	value   decimal.Decimal
	address string
}

type termSet map[string]resolvedTerm

func (ts termSet) value(t ledgerTerm) decimal.Decimal { return ts[t.Label].value }

func (ts termSet) contracts() Contracts {
	out := Contracts{}
	for _, r := range ts {
		if out[r.term.Network] == nil {
			out[r.term.Network] = map[string]string{}
		}
		out[r.term.Network][r.term.Label] = r.address
	}
	return out
}

// gather reads every term concurrently. The first failure cancels the rest
// and no partial set is returned.
func (s *Service) gather(ctx context.Context, terms ...ledgerTerm) (termSet, error) {
	g, ctx := errgroup.WithContext(ctx)
	resolved := make([]resolvedTerm, len(terms))
	for i, t := range terms {
		i, t := i, t
		g.Go(func() error {
			v, err := s.src.Fetch(ctx, t.spec())
			if err != nil {
				observ.Warn("ledger_term_failed", map[string]any{"term": t.Label, "error": err.Error()})
				return fmt.Errorf("%s: %w", t.Label, err)
			}
			addr := v.Source
			if t.Holder != "" {
				addr, _ = s.contracts.Address(t.Network, t.Holder)
			}
			resolved[i] = resolvedTerm{term: t, value: v.Decimal, address: addr}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(termSet, len(resolved))
	for _, r := range resolved {
		out[r.term.Label] = r
	}
	return out, nil
}

type TotalSupplyResponse struct {
	TotalSupply    decimal.Decimal `json:"totalSupply"`
	OVMTotalSupply decimal.Decimal `json:"OVMTotalSupply"`
	Contracts      Contracts       `json:"contracts"`
}

type CirculatingSupplyResponse struct {
	CirculatingSupply                decimal.Decimal `json:"circulatingSupply"`
	TotalSupply                      decimal.Decimal `json:"totalSupply"`
	SynthetixEscrowVestedBalance     decimal.Decimal `json:"synthetixEscrowVestedBalance"`
	RewardEscrowEscrowedBalance      decimal.Decimal `json:"rewardEscrowEscrowedBalance"`
	RewardEscrowV2EscrowedBalance    decimal.Decimal `json:"rewardEscrowV2EscrowedBalance"`
	OVMTotalSupply                   decimal.Decimal `json:"OVMTotalSupply"`
	OVMSynthetixEscrowVestedBalance  decimal.Decimal `json:"OVMSynthetixEscrowVestedBalance"`
	OVMRewardEscrowV2EscrowedBalance decimal.Decimal `json:"OVMRewardEscrowV2EscrowedBalance"`
	Contracts                        Contracts       `json:"contracts"`
}

type EscrowVestedResponse struct {
	SynthetixEscrowVestedBalance    decimal.Decimal `json:"synthetixEscrowVestedBalance"`
	OVMSynthetixEscrowVestedBalance decimal.Decimal `json:"OVMSynthetixEscrowVestedBalance"`
	Contracts                       Contracts       `json:"contracts"`
}

type RewardEscrowV2Response struct {
	RewardEscrowV2EscrowedBalance    decimal.Decimal `json:"rewardEscrowV2EscrowedBalance"`
	OVMRewardEscrowV2EscrowedBalance decimal.Decimal `json:"OVMRewardEscrowV2EscrowedBalance"`
	Contracts                        Contracts       `json:"contracts"`
}

type RewardEscrowResponse struct {
	RewardEscrowEscrowedBalance decimal.Decimal `json:"rewardEscrowEscrowedBalance"`
	Contracts                   Contracts       `json:"contracts"`
}

type LiquidatorRewardsResponse struct {
	LiquidatorRewardsBalance    decimal.Decimal `json:"liquidatorRewardsBalance"`
	OVMLiquidatorRewardsBalance decimal.Decimal `json:"OVMLiquidatorRewardsBalance"`
	Contracts                   Contracts       `json:"contracts"`
}

type BridgeEscrowResponse struct {
	SynthetixBridgeEscrowBalance decimal.Decimal `json:"synthetixBridgeEscrowBalance"`
	Contracts                    Contracts       `json:"contracts"`
}

// circulatingSupplyTerms: L1 supply less every escrowed or vesting balance.
// Optimism supply is reported but not part of the sum.
var circulatingSupplyTerms = []struct {
	term ledgerTerm
	sign aggregate.Sign
}{
	{termTotalSupply, aggregate.Plus},
	{termEscrowVested, aggregate.Minus},
	{termRewardEscrow, aggregate.Minus},
	{termRewardEscrowV2, aggregate.Minus},
	{termOVMEscrowVested, aggregate.Minus},
	{termOVMRewardEscrowV2, aggregate.Minus},
}

func (s *Service) circulatingSupply(ctx context.Context, _ Params) (any, error) {
	terms := []ledgerTerm{termOVMTotalSupply}
	for _, c := range circulatingSupplyTerms {
		terms = append(terms, c.term)
	}
	ts, err := s.gather(ctx, terms...)
	if err != nil {
		return nil, err
	}

	inputs := make([]aggregate.Term, 0, len(circulatingSupplyTerms))
	for _, c := range circulatingSupplyTerms {
		r := ts[c.term.Label]
		inputs = append(inputs, aggregate.Term{Label: c.term.Label, Value: r.value, Sign: c.sign, Source: r.address})
	}
	res, err := aggregate.Aggregate(inputs)
	if err != nil {
		return nil, err
	}
	observ.Log("circulating_supply_computed", map[string]any{"value": res.Value.String()})

	return CirculatingSupplyResponse{
		CirculatingSupply:                res.Value,
		TotalSupply:                      ts.value(termTotalSupply),
		SynthetixEscrowVestedBalance:     ts.value(termEscrowVested),
		RewardEscrowEscrowedBalance:      ts.value(termRewardEscrow),
		RewardEscrowV2EscrowedBalance:    ts.value(termRewardEscrowV2),
		OVMTotalSupply:                   ts.value(termOVMTotalSupply),
		OVMSynthetixEscrowVestedBalance:  ts.value(termOVMEscrowVested),
		OVMRewardEscrowV2EscrowedBalance: ts.value(termOVMRewardEscrowV2),
		Contracts:                        ts.contracts(),
	}, nil
}

func (s *Service) ledgerMetrics() []*Metric {
	return []*Metric{
		{
			Name: "total-supply",
			Path: "/total-supply",
			TTL:  time.Minute,
			Compute: func(ctx context.Context, _ Params) (any, error) {
				ts, err := s.gather(ctx, termTotalSupply, termOVMTotalSupply)
				if err != nil {
					return nil, err
				}
				return TotalSupplyResponse{
					TotalSupply:    ts.value(termTotalSupply),
					OVMTotalSupply: ts.value(termOVMTotalSupply),
					Contracts:      ts.contracts(),
				}, nil
			},
		},
		{
			Name:    "circulating-supply",
			Path:    "/circulating-supply",
			TTL:     time.Minute,
			Compute: s.circulatingSupply,
		},
		{
			Name: "synthetixEscrow-vestedBalance",
			Path: "/synthetixescrow/vested-balance",
			TTL:  5 * time.Minute,
			Compute: func(ctx context.Context, _ Params) (any, error) {
				ts, err := s.gather(ctx, termEscrowVested, termOVMEscrowVested)
				if err != nil {
					return nil, err
				}
				return EscrowVestedResponse{
					SynthetixEscrowVestedBalance:    ts.value(termEscrowVested),
					OVMSynthetixEscrowVestedBalance: ts.value(termOVMEscrowVested),
					Contracts:                       ts.contracts(),
				}, nil
			},
		},
		{
			Name: "rewardEscrowV2-escrowedBalance",
			Path: "/rewardescrowv2/escrowed-balance",
			TTL:  time.Minute,
			Compute: func(ctx context.Context, _ Params) (any, error) {
				ts, err := s.gather(ctx, termRewardEscrowV2, termOVMRewardEscrowV2)
				if err != nil {
					return nil, err
				}
				return RewardEscrowV2Response{
					RewardEscrowV2EscrowedBalance:    ts.value(termRewardEscrowV2),
					OVMRewardEscrowV2EscrowedBalance: ts.value(termOVMRewardEscrowV2),
					Contracts:                        ts.contracts(),
				}, nil
			},
		},
		{
			Name: "rewardEscrow-escrowedBalance",
			Path: "/rewardescrow/escrowed-balance",
			TTL:  time.Minute,
			Compute: func(ctx context.Context, _ Params) (any, error) {
				ts, err := s.gather(ctx, termRewardEscrow)
				if err != nil {
					return nil, err
				}
				return RewardEscrowResponse{
					RewardEscrowEscrowedBalance: ts.value(termRewardEscrow),
					Contracts:                   ts.contracts(),
				}, nil
			},
		},
		{
			Name: "liquidatorRewards-balance",
			Path: "/liquidatorrewards/balance",
			TTL:  time.Minute,
			Compute: func(ctx context.Context, _ Params) (any, error) {
				ts, err := s.gather(ctx, termLiquidatorRewards, termOVMLiquidatorRewards)
				if err != nil {
					return nil, err
				}
				return LiquidatorRewardsResponse{
					LiquidatorRewardsBalance:    ts.value(termLiquidatorRewards),
					OVMLiquidatorRewardsBalance: ts.value(termOVMLiquidatorRewards),
					Contracts:                   ts.contracts(),
				}, nil
			},
		},
		{
			Name: "synthetixBridgeEscrow-balance",
			Path: "/synthetixbridgeescrow/balance",
			TTL:  time.Minute,
			Compute: func(ctx context.Context, _ Params) (any, error) {
				ts, err := s.gather(ctx, termBridgeEscrow)
				if err != nil {
					return nil, err
				}
				return BridgeEscrowResponse{
					SynthetixBridgeEscrowBalance: ts.value(termBridgeEscrow),
					Contracts:                    ts.contracts(),
				}, nil
			},
		},
	}
}

// CheckHealth reads every health term uncached, one after another.
func (s *Service) CheckHealth(ctx context.Context) error {
	for _, t := range healthTerms {
		observ.Log("health_check", map[string]any{"term": t.Label})
		if _, err := s.src.Fetch(ctx, t.spec()); err != nil {
			return fmt.Errorf("health %s: %w", t.Label, err)
		}
	}
	observ.Log("health_ok", nil)
	return nil
}
