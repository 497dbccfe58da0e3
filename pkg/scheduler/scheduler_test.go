package scheduler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/pkg/cache"
	"github.com/duskrelay/intentfiller/pkg/chainclient"
	"github.com/duskrelay/intentfiller/pkg/policy"
	"github.com/duskrelay/intentfiller/pkg/strategy"
)

type fakeLayer struct {
	usdValue      decimal.Decimal
	usdErr        error
	confirmations uint64
	confirmErr    error
}

func (f *fakeLayer) ValueUSDDecimal(ctx context.Context, order *filler.Order) (decimal.Decimal, error) {
	return f.usdValue, f.usdErr
}

func (f *fakeLayer) Confirmations(ctx context.Context, chain filler.ChainTag, txHash common.Hash) (uint64, error) {
	return f.confirmations, f.confirmErr
}

func newTestOrder(source, dest filler.ChainTag) *filler.Order {
	return &filler.Order{
		Source:      source,
		Destination: dest,
		Inputs:      []filler.AssetAmount{{Token: common.HexToAddress("0x01"), Amount: big.NewInt(1)}},
		Output:      filler.OutputData{Assets: []filler.AssetAmount{{Token: common.HexToAddress("0x02"), Amount: big.NewInt(1)}}},
	}
}

func TestRequiredConfirmations_DefaultsToOneWithNoCurve(t *testing.T) {
	s := &Scheduler{confirmationCurves: map[filler.ChainTag]*policy.Curve{}}
	got := s.requiredConfirmations(filler.NewChainTag(1), decimal.NewFromInt(500))
	assert.Equal(t, int64(1), got)
}

func TestRequiredConfirmations_EvaluatesConfiguredCurve(t *testing.T) {
	curve, err := policy.NewConfirmationCurve([]policy.Point{
		{Amount: decimal.NewFromInt(0), Value: decimal.NewFromInt(1)},
		{Amount: decimal.NewFromInt(1000), Value: decimal.NewFromInt(12)},
	})
	require.NoError(t, err)
	chain := filler.NewChainTag(1)
	s := &Scheduler{confirmationCurves: map[filler.ChainTag]*policy.Curve{chain: curve}}
	got := s.requiredConfirmations(chain, decimal.NewFromInt(1000))
	assert.Equal(t, int64(12), got)
}

func TestEvaluate_SkipsIneligibleAndPicksHighestScore(t *testing.T) {
	s := &Scheduler{
		log: zap.NewNop().Sugar(),
		strategies: []strategy.Strategy{
			testStrategy{name: "a", canFill: false, score: 100},
			testStrategy{name: "b", canFill: true, score: 5},
			testStrategy{name: "c", canFill: true, score: 50},
		},
	}
	score, chosen := s.evaluate(context.Background(), newTestOrder(filler.NewChainTag(1), filler.NewChainTag(2)))
	require.NotNil(t, chosen)
	assert.Equal(t, "c", chosen.Name())
	assert.Equal(t, 50.0, score)
}

func TestEvaluate_ReturnsNilWhenNoneProfitable(t *testing.T) {
	s := &Scheduler{
		log: zap.NewNop().Sugar(),
		strategies: []strategy.Strategy{
			testStrategy{name: "a", canFill: true, score: 0},
			testStrategy{name: "b", canFill: true, score: -5},
		},
	}
	_, chosen := s.evaluate(context.Background(), newTestOrder(filler.NewChainTag(1), filler.NewChainTag(2)))
	assert.Nil(t, chosen)
}

func TestEvaluate_SkipsStrategyErroringOnProfitability(t *testing.T) {
	s := &Scheduler{
		log: zap.NewNop().Sugar(),
		strategies: []strategy.Strategy{
			testStrategy{name: "a", canFill: true, scoreErr: errors.New("boom")},
			testStrategy{name: "b", canFill: true, score: 10},
		},
	}
	_, chosen := s.evaluate(context.Background(), newTestOrder(filler.NewChainTag(1), filler.NewChainTag(2)))
	require.NotNil(t, chosen)
	assert.Equal(t, "b", chosen.Name())
}

func TestAnalyze_DropsWhenSolverSelectionUncached(t *testing.T) {
	c := cache.New(time.Minute)
	var dropped int32
	s := New(Config{
		Cache: c,
		Log:   zap.NewNop().Sugar(),
		OnOrderDropped: func(o *filler.Order, reason string) {
			atomic.AddInt32(&dropped, 1)
		},
	})
	order := newTestOrder(filler.NewChainTag(1), filler.NewChainTag(2))
	s.analyze(context.Background(), order)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dropped))
}

func TestAnalyze_DropsWhenSolverSelectionOnButNoCoordinator(t *testing.T) {
	c := cache.New(time.Minute)
	dest := filler.NewChainTag(2)
	c.SetSolverSelection(dest, true)
	var dropped int32
	s := New(Config{
		Cache: c,
		Log:   zap.NewNop().Sugar(),
		OnOrderDropped: func(o *filler.Order, reason string) {
			atomic.AddInt32(&dropped, 1)
		},
	})
	order := newTestOrder(filler.NewChainTag(1), dest)
	s.analyze(context.Background(), order)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dropped))
}

func TestAnalyze_WatchOnlyEmitsDetectedAndSkipsExecution(t *testing.T) {
	c := cache.New(time.Minute)
	dest := filler.NewChainTag(2)
	c.SetSolverSelection(dest, false)
	var detected int32
	s := New(Config{
		Cache:       c,
		Log:         zap.NewNop().Sugar(),
		Descriptors: []filler.ChainDescriptor{{Tag: dest, WatchOnly: true}},
		OnOrderDetected: func(o *filler.Order) {
			atomic.AddInt32(&detected, 1)
		},
	})
	order := newTestOrder(filler.NewChainTag(1), dest)
	s.analyze(context.Background(), order)
	assert.EqualValues(t, 1, atomic.LoadInt32(&detected))
}

func TestAnalyze_DispatchesWhenConfirmedAndProfitable(t *testing.T) {
	c := cache.New(time.Minute)
	dest := filler.NewChainTag(2)
	c.SetSolverSelection(dest, false)
	layer := &fakeLayer{usdValue: decimal.NewFromInt(100), confirmations: 5}
	var filled int32
	s := New(Config{
		Cache:      c,
		Log:        zap.NewNop().Sugar(),
		Layer:      layer,
		Strategies: []strategy.Strategy{testStrategy{name: "same-token", canFill: true, score: 10}},
		Signers:    map[filler.ChainTag]*chainclient.Pair{dest: {}},
		OnOrderFilled: func(o *filler.Order, strat strategy.Strategy, res strategy.Result) {
			atomic.AddInt32(&filled, 1)
		},
	})
	defer s.Stop()

	order := newTestOrder(filler.NewChainTag(1), dest)
	s.analyze(context.Background(), order)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&filled) == 1 }, time.Second, 10*time.Millisecond)
}

func TestDestQueueFor_ReusesQueuePerChain(t *testing.T) {
	s := New(Config{Cache: cache.New(time.Minute), Log: zap.NewNop().Sugar()})
	defer s.Stop()
	chain := filler.NewChainTag(5)
	q1 := s.destQueueFor(chain)
	q2 := s.destQueueFor(chain)
	assert.Equal(t, q1, q2)
}

func TestDispatch_RunsJobOnDestinationQueue(t *testing.T) {
	s := New(Config{Cache: cache.New(time.Minute), Log: zap.NewNop().Sugar()})
	defer s.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	chain := filler.NewChainTag(7)
	queue := s.destQueueFor(chain)
	queue <- func() { wg.Done() }

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run on destination queue")
	}
}

func TestStop_IsIdempotent(t *testing.T) {
	s := New(Config{Cache: cache.New(time.Minute), Log: zap.NewNop().Sugar()})
	s.Stop()
	s.Stop()
}

type testStrategy struct {
	name     string
	canFill  bool
	score    float64
	scoreErr error
}

func (t testStrategy) Name() string { return t.name }
func (t testStrategy) CanFill(ctx context.Context, order *filler.Order) bool { return t.canFill }
func (t testStrategy) CalculateProfitability(ctx context.Context, order *filler.Order) (float64, error) {
	return t.score, t.scoreErr
}
func (t testStrategy) ExecuteOrder(ctx context.Context, order *filler.Order, coordinator strategy.Coordinator, signer *chainclient.Pair) (strategy.Result, error) {
	return strategy.Result{}, nil
}
