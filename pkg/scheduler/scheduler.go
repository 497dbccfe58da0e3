// Package scheduler implements the filler's two-tier queue: a global
// bounded-concurrency analysis queue and one serial per-destination-chain
// dispatch queue, plus the confirmation waiter and rebalance timer that sit
// around them (spec.md 4.F).
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/pkg/cache"
	"github.com/duskrelay/intentfiller/pkg/chainclient"
	"github.com/duskrelay/intentfiller/pkg/metrics"
	"github.com/duskrelay/intentfiller/pkg/policy"
	"github.com/duskrelay/intentfiller/pkg/rebalancer"
	"github.com/duskrelay/intentfiller/pkg/strategy"
)

// ValuationLayer is the subset of *contractclient.Layer the scheduler needs:
// USD valuation for the confirmation-curve lookup and a way to poll a
// source transaction's confirmation count.
type ValuationLayer interface {
	ValueUSDDecimal(ctx context.Context, order *filler.Order) (decimal.Decimal, error)
	Confirmations(ctx context.Context, chain filler.ChainTag, txHash common.Hash) (uint64, error)
}

// confirmationPollInterval is how often the waiter re-checks a source
// transaction's confirmation count (spec.md 4.F).
const confirmationPollInterval = 300 * time.Millisecond

// rebalanceInitialDelay and rebalanceInterval drive the independent
// rebalancing timer (spec.md 4.F).
const (
	rebalanceInitialDelay = 30 * time.Second
	rebalanceInterval     = 5 * time.Minute
)

// destQueueDepth bounds the per-destination serial queue so a burst of
// admissions cannot grow it unbounded; back-pressure happens at the
// channel send, not inside the worker.
const destQueueDepth = 256

// Scheduler owns the global queue, the per-destination serial queues, and
// the rebalance timer (spec.md 4.F, 5, "Ownership").
type Scheduler struct {
	cache              *cache.Cache
	layer              ValuationLayer
	confirmationCurves map[filler.ChainTag]*policy.Curve
	strategies         []strategy.Strategy
	coordinator        strategy.Coordinator
	signers            map[filler.ChainTag]*chainclient.Pair
	descriptors        map[filler.ChainTag]filler.ChainDescriptor
	rebalanceRunner    *rebalancer.Runner
	metrics            *metrics.Metrics

	onOrderDetected func(*filler.Order)
	onOrderFilled   func(*filler.Order, strategy.Strategy, strategy.Result)
	onOrderDropped  func(*filler.Order, string)

	globalSem      *semaphore.Weighted
	globalInFlight int64

	mu         sync.Mutex
	destQueues map[filler.ChainTag]chan func()
	wg         sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once

	log *zap.SugaredLogger
}

// Config bundles the dependencies and callbacks a Scheduler needs at
// construction time.
type Config struct {
	Cache               *cache.Cache
	Layer               ValuationLayer
	ConfirmationCurves  map[filler.ChainTag]*policy.Curve
	Strategies          []strategy.Strategy
	Coordinator         strategy.Coordinator
	Signers             map[filler.ChainTag]*chainclient.Pair
	Descriptors         []filler.ChainDescriptor
	RebalanceRunner     *rebalancer.Runner
	Metrics             *metrics.Metrics
	MaxConcurrentOrders int64

	OnOrderDetected func(*filler.Order)
	OnOrderFilled   func(*filler.Order, strategy.Strategy, strategy.Result)
	OnOrderDropped  func(*filler.Order, string)

	Log *zap.SugaredLogger
}

// New builds a Scheduler. MaxConcurrentOrders defaults to 5 when <= 0
// (spec.md 3, "Queue State").
func New(cfg Config) *Scheduler {
	maxConcurrent := cfg.MaxConcurrentOrders
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	descriptors := make(map[filler.ChainTag]filler.ChainDescriptor, len(cfg.Descriptors))
	for _, d := range cfg.Descriptors {
		descriptors[d.Tag] = d
	}
	return &Scheduler{
		cache:              cfg.Cache,
		layer:              cfg.Layer,
		confirmationCurves: cfg.ConfirmationCurves,
		strategies:         cfg.Strategies,
		coordinator:        cfg.Coordinator,
		signers:            cfg.Signers,
		descriptors:        descriptors,
		rebalanceRunner:    cfg.RebalanceRunner,
		metrics:            cfg.Metrics,
		onOrderDetected:    cfg.OnOrderDetected,
		onOrderFilled:      cfg.OnOrderFilled,
		onOrderDropped:     cfg.OnOrderDropped,
		globalSem:          semaphore.NewWeighted(maxConcurrent),
		destQueues:         make(map[filler.ChainTag]chan func()),
		stopCh:             make(chan struct{}),
		log:                cfg.Log,
	}
}

// Submit enqueues a freshly detected order onto the global analysis queue
// (spec.md 4.F, "Admission"). Non-blocking: the closure itself acquires
// the concurrency semaphore.
func (s *Scheduler) Submit(order *filler.Order) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.recoverPanic("global queue closure", order)

		ctx := context.Background()
		if err := s.globalSem.Acquire(ctx, 1); err != nil {
			return
		}
		s.metrics.SetGlobalQueueDepth(float64(atomic.AddInt64(&s.globalInFlight, 1)))
		defer func() {
			s.metrics.SetGlobalQueueDepth(float64(atomic.AddInt64(&s.globalInFlight, -1)))
		}()
		defer s.globalSem.Release(1)

		s.analyze(ctx, order)
	}()
}

func (s *Scheduler) recoverPanic(stage string, order *filler.Order) {
	if r := recover(); r != nil {
		s.log.Errorw("scheduler: recovered panic", "stage", stage, "commitment", order.Commitment, "panic", r)
	}
}

// analyze runs the global-queue closure: solver-selection admission,
// watch-only short-circuit, USD valuation, confirmation wait, and strategy
// evaluation (spec.md 4.F steps 1-6).
func (s *Scheduler) analyze(ctx context.Context, order *filler.Order) {
	solverSelection, known := s.cache.SolverSelection(order.Destination)
	if !known {
		s.drop(order, "solver-selection flag not cached for destination")
		return
	}
	if solverSelection && s.coordinator == nil {
		s.drop(order, "solver-selection on but coordinator unconfigured")
		return
	}

	if desc, ok := s.descriptors[order.Destination]; ok && desc.WatchOnly {
		s.metrics.IncOrderDetected(order.Destination.String())
		if s.onOrderDetected != nil {
			s.onOrderDetected(order)
		}
		return
	}

	usdValue, err := s.layer.ValueUSDDecimal(ctx, order)
	if err != nil {
		s.drop(order, fmt.Sprintf("usd valuation failed: %v", err))
		return
	}

	required := s.requiredConfirmations(order.Source, usdValue)

	confirmed := make(chan bool, 1)
	go s.waitForConfirmations(ctx, order, required, confirmed)

	_, chosenStrategy := s.evaluate(ctx, order)

	if !<-confirmed {
		s.drop(order, "context cancelled while waiting for confirmations")
		return
	}

	if chosenStrategy == nil {
		s.drop(order, "no strategy yielded positive profitability")
		return
	}

	s.dispatch(order, chosenStrategy, solverSelection)
}

// requiredConfirmations evaluates the source chain's confirmation curve at
// usdValue, defaulting to 1 when no curve is configured for that chain.
func (s *Scheduler) requiredConfirmations(source filler.ChainTag, usdValue decimal.Decimal) int64 {
	curve, ok := s.confirmationCurves[source]
	if !ok {
		return 1
	}
	n := curve.EvaluateInt(usdValue)
	if n < 1 {
		return 1
	}
	return n
}

// waitForConfirmations polls the source transaction's confirmation count
// every 300ms until it reaches required or the context is cancelled
// (spec.md 4.F step 5).
func (s *Scheduler) waitForConfirmations(ctx context.Context, order *filler.Order, required int64, done chan<- bool) {
	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()
	for {
		count, err := s.layer.Confirmations(ctx, order.Source, order.TransactionHash)
		if err == nil && int64(count) >= required {
			done <- true
			return
		}
		if err != nil {
			s.log.Debugw("scheduler: confirmation poll failed, retrying", "commitment", order.Commitment, "error", err)
		}
		select {
		case <-ctx.Done():
			done <- false
			return
		case <-s.stopCh:
			done <- false
			return
		case <-ticker.C:
		}
	}
}

// evaluate runs every configured strategy's CanFill/CalculateProfitability
// and returns the highest strictly-positive scorer, or nil if none qualify
// (spec.md 4.F step 5, "evaluator").
func (s *Scheduler) evaluate(ctx context.Context, order *filler.Order) (float64, strategy.Strategy) {
	var bestScore float64
	var best strategy.Strategy
	for _, strat := range s.strategies {
		if !strat.CanFill(ctx, order) {
			continue
		}
		score, err := strat.CalculateProfitability(ctx, order)
		if err != nil {
			s.log.Warnw("scheduler: profitability evaluation failed", "strategy", strat.Name(), "commitment", order.Commitment, "error", err)
			continue
		}
		if score > 0 && (best == nil || score > bestScore) {
			bestScore = score
			best = strat
		}
	}
	return bestScore, best
}

// dispatch hands the chosen strategy's execution off to the
// destination-specific serial queue (spec.md 4.F, "Per-destination serial
// queue").
func (s *Scheduler) dispatch(order *filler.Order, chosen strategy.Strategy, solverSelection bool) {
	queue := s.destQueueFor(order.Destination)
	select {
	case queue <- func() { s.execute(order, chosen, solverSelection) }:
		s.metrics.SetDestQueueDepth(order.Destination.String(), float64(len(queue)))
	case <-s.stopCh:
	}
}

func (s *Scheduler) destQueueFor(chain filler.ChainTag) chan func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.destQueues[chain]
	if ok {
		return q
	}
	q = make(chan func(), destQueueDepth)
	s.destQueues[chain] = q
	s.wg.Add(1)
	go s.runDestQueue(q)
	return q
}

func (s *Scheduler) runDestQueue(q chan func()) {
	defer s.wg.Done()
	for {
		select {
		case job, ok := <-q:
			if !ok {
				return
			}
			s.runJob(job)
		case <-s.stopCh:
			s.drainRemaining(q)
			return
		}
	}
}

func (s *Scheduler) drainRemaining(q chan func()) {
	for {
		select {
		case job, ok := <-q:
			if !ok {
				return
			}
			s.runJob(job)
		default:
			return
		}
	}
}

func (s *Scheduler) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("scheduler: recovered panic in destination queue", "panic", r)
		}
	}()
	job()
}

// execute runs the chosen strategy's ExecuteOrder, passing the coordinator
// only when solver selection is active for this destination (spec.md 4.F
// step 6, per-destination step 1).
func (s *Scheduler) execute(order *filler.Order, chosen strategy.Strategy, solverSelection bool) {
	var coordinator strategy.Coordinator
	if solverSelection {
		coordinator = s.coordinator
	}

	signer, ok := s.signers[order.Destination]
	if !ok {
		s.drop(order, fmt.Sprintf("no signer configured for destination %s", order.Destination))
		return
	}

	result, err := chosen.ExecuteOrder(context.Background(), order, coordinator, signer)
	if err != nil {
		s.log.Warnw("scheduler: order execution failed", "strategy", chosen.Name(), "commitment", order.Commitment, "error", err)
		return
	}
	s.metrics.IncOrderFilled(chosen.Name())
	if s.onOrderFilled != nil {
		s.onOrderFilled(order, chosen, result)
	}
}

// drop logs the full, possibly error-specific reason but only ever feeds a
// bounded reason code into metrics: detail text (e.g. an RPC error message)
// would otherwise give the dropped-orders counter unbounded label
// cardinality.
func (s *Scheduler) drop(order *filler.Order, reason string) {
	s.log.Infow("scheduler: order dropped", "commitment", order.Commitment, "reason", reason)
	s.metrics.IncOrderDropped(dropReasonCode(reason))
	if s.onOrderDropped != nil {
		s.onOrderDropped(order, reason)
	}
}

// dropReasonCode collapses a drop reason into one of a small, fixed set of
// metric label values.
func dropReasonCode(reason string) string {
	switch {
	case strings.HasPrefix(reason, "solver-selection flag not cached"):
		return "solver-selection-uncached"
	case strings.HasPrefix(reason, "solver-selection on but coordinator"):
		return "solver-selection-no-coordinator"
	case strings.HasPrefix(reason, "usd valuation failed"):
		return "valuation-failed"
	case strings.HasPrefix(reason, "context cancelled"):
		return "confirmation-wait-cancelled"
	case strings.HasPrefix(reason, "no strategy yielded"):
		return "no-profitable-strategy"
	case strings.HasPrefix(reason, "no signer configured"):
		return "signer-missing"
	default:
		return "other"
	}
}

// RunRebalanceLoop fires the rebalance runner 30s after start, then every
// 5 minutes, until Stop is called (spec.md 4.F, "Rebalancing").
func (s *Scheduler) RunRebalanceLoop(ctx context.Context) {
	if s.rebalanceRunner == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(rebalanceInitialDelay)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-timer.C:
				s.metrics.IncRebalanceRun()
				results := s.rebalanceRunner.RunOnce(ctx)
				s.log.Infow("scheduler: rebalance run complete", "transfers", len(results))
				timer.Reset(rebalanceInterval)
			}
		}
	}()
}

// Stop cancels the rebalancing timer, signals every queue to drain, and
// waits for in-flight closures to finish running to completion (spec.md
// 4.F, "Shutdown"). Ongoing closures run to completion; no new work is
// admitted after Stop is called.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
