// Package rebalancer defines the abstract interface to external bridging
// adapters that keep the filler's per-chain inventory topped up (spec.md
// 4.H). The scheduler drives a Rebalancer on an internal timer; the package
// itself never picks a concrete bridge.
package rebalancer

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/pkg/metrics"
)

// EstimateResult predicts the outcome of moving funds from source to
// destination before committing to it.
type EstimateResult struct {
	ExpectedReceived *big.Int
	NativeFee        *big.Int
	MinReceived      *big.Int
	MaxReceived      *big.Int
}

// TransferResult is the outcome of an attempted (or retried) transfer.
type TransferResult struct {
	Success      bool
	TransferID   string
	AmountSent   *big.Int
	AmountRecv   *big.Int
	NativeFee    *big.Int
	Source       filler.ChainTag
	Destination  filler.ChainTag
	Coin         filler.Address20
	Err          error
}

// Rebalancer is implemented by any concrete bridge adapter family (on-chain
// burn-and-mint, OFT, centralized-exchange withdrawal). The core ships no
// concrete adapter; callers inject one.
type Rebalancer interface {
	// Estimate predicts fees, bounds and expected received amount for moving
	// amount of coin from source to destination. coin is the zero address
	// for the chain's native asset.
	Estimate(ctx context.Context, source, destination filler.ChainTag, amount *big.Int, coin filler.Address20) (EstimateResult, error)

	// Send performs the transfer.
	Send(ctx context.Context, source, destination filler.ChainTag, amount *big.Int, coin filler.Address20) (TransferResult, error)

	// Retry replays a prior failed transfer where the adapter supports it.
	Retry(ctx context.Context, failed TransferResult) (TransferResult, error)
}

// Target is one (chain, coin) inventory threshold the runner keeps topped
// up from a single home chain.
type Target struct {
	Chain      filler.ChainTag
	Coin       filler.Address20
	MinBalance *big.Int
	TopUpTo    *big.Int
}

// BalanceReader reads the filler's live balance of coin on chain, reused
// from the contract-interaction layer's wallet-balance lookup.
type BalanceReader interface {
	WalletBalance(ctx context.Context, chain filler.ChainTag, token, owner filler.Address20) (*big.Int, error)
}

// Runner drives a Rebalancer against a fixed home chain and a set of
// inventory targets, invoked by the scheduler's rebalance timer (spec.md
// 4.H, 4.F).
type Runner struct {
	adapter Rebalancer
	reader  BalanceReader
	home    filler.ChainTag
	owner   filler.Address20
	targets []Target
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewRunner builds a rebalance runner. m may be nil.
func NewRunner(adapter Rebalancer, reader BalanceReader, home filler.ChainTag, owner filler.Address20, targets []Target, log *zap.SugaredLogger, m *metrics.Metrics) *Runner {
	return &Runner{adapter: adapter, reader: reader, home: home, owner: owner, targets: targets, log: log, metrics: m}
}

// RunOnce checks every target's balance and, where it has fallen below
// MinBalance, sends enough from the home chain to reach TopUpTo. One
// target's failure never stops the others from being checked.
func (r *Runner) RunOnce(ctx context.Context) []TransferResult {
	var results []TransferResult
	for _, target := range r.targets {
		balance, err := r.reader.WalletBalance(ctx, target.Chain, target.Coin, r.owner)
		if err != nil {
			r.log.Warnw("rebalancer: balance read failed", "chain", target.Chain, "coin", target.Coin, "error", err)
			continue
		}
		if balance.Cmp(target.MinBalance) >= 0 {
			continue
		}
		topUp := new(big.Int).Sub(target.TopUpTo, balance)
		result, err := r.fillTarget(ctx, target, topUp)
		if err != nil {
			r.log.Warnw("rebalancer: transfer failed", "chain", target.Chain, "coin", target.Coin, "error", err)
			r.metrics.IncRebalanceSend(target.Chain.String(), "failure")
			continue
		}
		r.metrics.IncRebalanceSend(target.Chain.String(), "success")
		results = append(results, result)
	}
	return results
}

func (r *Runner) fillTarget(ctx context.Context, target Target, amount *big.Int) (TransferResult, error) {
	estimate, err := r.adapter.Estimate(ctx, r.home, target.Chain, amount, target.Coin)
	if err != nil {
		return TransferResult{}, fmt.Errorf("rebalancer: estimate %s->%s: %w", r.home, target.Chain, err)
	}
	r.log.Infow("rebalancer: estimate", "destination", target.Chain, "expectedReceived", estimate.ExpectedReceived, "nativeFee", estimate.NativeFee)

	result, err := r.adapter.Send(ctx, r.home, target.Chain, amount, target.Coin)
	if err != nil {
		return TransferResult{}, fmt.Errorf("rebalancer: send %s->%s: %w", r.home, target.Chain, err)
	}
	if !result.Success {
		retried, err := r.adapter.Retry(ctx, result)
		if err != nil {
			return result, fmt.Errorf("rebalancer: retry %s->%s: %w", r.home, target.Chain, err)
		}
		return retried, nil
	}
	return result, nil
}
