package rebalancer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller"
)

type fakeAdapter struct {
	sendResult TransferResult
	sendErr    error
	retryErr   error
	sendCalls  int
	retryCalls int
}

func (f *fakeAdapter) Estimate(ctx context.Context, source, destination filler.ChainTag, amount *big.Int, coin filler.Address20) (EstimateResult, error) {
	return EstimateResult{ExpectedReceived: amount, NativeFee: big.NewInt(0)}, nil
}

func (f *fakeAdapter) Send(ctx context.Context, source, destination filler.ChainTag, amount *big.Int, coin filler.Address20) (TransferResult, error) {
	f.sendCalls++
	return f.sendResult, f.sendErr
}

func (f *fakeAdapter) Retry(ctx context.Context, failed TransferResult) (TransferResult, error) {
	f.retryCalls++
	if f.retryErr != nil {
		return TransferResult{}, f.retryErr
	}
	return TransferResult{Success: true, TransferID: "retried"}, nil
}

type fakeBalanceReader struct {
	balances map[string]*big.Int
}

func (f *fakeBalanceReader) WalletBalance(ctx context.Context, chain filler.ChainTag, token, owner filler.Address20) (*big.Int, error) {
	key := string(chain)
	if bal, ok := f.balances[key]; ok {
		return bal, nil
	}
	return big.NewInt(0), nil
}

func TestRunner_RunOnce_SkipsTargetAboveMinBalance(t *testing.T) {
	chain := filler.NewChainTag(10)
	reader := &fakeBalanceReader{balances: map[string]*big.Int{string(chain): big.NewInt(1000)}}
	adapter := &fakeAdapter{}
	targets := []Target{{Chain: chain, MinBalance: big.NewInt(100), TopUpTo: big.NewInt(500)}}

	runner := NewRunner(adapter, reader, filler.NewChainTag(1), filler.Address20{}, targets, zap.NewNop().Sugar(), nil)
	results := runner.RunOnce(context.Background())

	assert.Empty(t, results)
	assert.Equal(t, 0, adapter.sendCalls)
}

func TestRunner_RunOnce_SendsWhenBelowMinBalance(t *testing.T) {
	chain := filler.NewChainTag(10)
	reader := &fakeBalanceReader{balances: map[string]*big.Int{string(chain): big.NewInt(10)}}
	adapter := &fakeAdapter{sendResult: TransferResult{Success: true, TransferID: "tx1", AmountSent: big.NewInt(490)}}
	targets := []Target{{Chain: chain, MinBalance: big.NewInt(100), TopUpTo: big.NewInt(500)}}

	runner := NewRunner(adapter, reader, filler.NewChainTag(1), filler.Address20{}, targets, zap.NewNop().Sugar(), nil)
	results := runner.RunOnce(context.Background())

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1, adapter.sendCalls)
	assert.Equal(t, 0, adapter.retryCalls)
}

func TestRunner_RunOnce_RetriesOnFailedSend(t *testing.T) {
	chain := filler.NewChainTag(10)
	reader := &fakeBalanceReader{balances: map[string]*big.Int{string(chain): big.NewInt(10)}}
	adapter := &fakeAdapter{sendResult: TransferResult{Success: false}}
	targets := []Target{{Chain: chain, MinBalance: big.NewInt(100), TopUpTo: big.NewInt(500)}}

	runner := NewRunner(adapter, reader, filler.NewChainTag(1), filler.Address20{}, targets, zap.NewNop().Sugar(), nil)
	results := runner.RunOnce(context.Background())

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "retried", results[0].TransferID)
	assert.Equal(t, 1, adapter.retryCalls)
}

func TestRunner_RunOnce_ContinuesPastOneTargetFailure(t *testing.T) {
	chainA := filler.NewChainTag(10)
	chainB := filler.NewChainTag(20)
	reader := &fakeBalanceReader{balances: map[string]*big.Int{
		string(chainA): big.NewInt(0),
		string(chainB): big.NewInt(0),
	}}
	adapter := &fakeAdapter{sendErr: errors.New("bridge down")}
	targets := []Target{
		{Chain: chainA, MinBalance: big.NewInt(100), TopUpTo: big.NewInt(500)},
		{Chain: chainB, MinBalance: big.NewInt(100), TopUpTo: big.NewInt(500)},
	}

	runner := NewRunner(adapter, reader, filler.NewChainTag(1), filler.Address20{}, targets, zap.NewNop().Sugar(), nil)
	results := runner.RunOnce(context.Background())

	assert.Empty(t, results)
	assert.Equal(t, 2, adapter.sendCalls)
}
