// Package cache implements the filler's process-local TTL cache: a single
// map, a single lock, short synchronous operations, no I/O (spec.md 4.B).
// Every read returns a value the caller owns outright; mutating it can never
// corrupt the stored record.
package cache

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/pkg/metrics"
)

// DefaultTTL is the cache's time-to-live when the caller doesn't override it
// via cacheTtlMs (spec.md 6).
const DefaultTTL = 60 * time.Second

type entry struct {
	value     any
	createdAt time.Time
}

// Cache is the single shared mutable resource touched by every pipeline
// stage (spec.md 5). All operations take the same lock and return quickly.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	m       map[string]entry
	metrics *metrics.Metrics
}

// New builds a cache with the given TTL; ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, m: make(map[string]entry)}
}

// SetMetrics attaches the collectors that Get/Set record hit/miss counts
// against. Optional; a cache with no metrics attached behaves identically,
// just unobserved.
func (c *Cache) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

func (c *Cache) isFresh(e entry, now time.Time) bool {
	return now.Sub(e.createdAt) < c.ttl
}

// get is the untyped core read: fresh hit only (spec.md 8, invariant 3).
func (c *Cache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[key]
	hit := ok && c.isFresh(e, time.Now())
	c.metrics.ObserveCacheLookup(hit)
	if !hit {
		return nil, false
	}
	return e.value, true
}

// set is the untyped core write. Every write opportunistically sweeps
// expired entries first, so the map never grows past roughly one TTL
// window's worth of distinct keys.
func (c *Cache) set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()
	c.m[key] = entry{value: v, createdAt: time.Now()}
}

func (c *Cache) sweepLocked() {
	now := time.Now()
	for k, e := range c.m {
		if !c.isFresh(e, now) {
			delete(c.m, k)
		}
	}
}

// Sweep forces an eager sweep; exposed for tests and periodic housekeeping.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
}

// Len reports the number of entries currently stored, stale or not; used
// only for metrics (pkg/metrics), never for correctness decisions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// --- Gas estimate keyspace (by commitment) ---------------------------------

// GasEstimate is the full tuple the contract layer caches after a successful
// gas estimation (spec.md 4.D).
type GasEstimate struct {
	TotalCostInSourceFeeToken *big.Int
	DispatchFee               *big.Int
	NativeDispatchFee         *big.Int
	CallGasLimit              uint64
	VerificationGasLimit      uint64
	PreVerificationGas        uint64
	MaxFeePerGas              *big.Int
	MaxPriorityFeePerGas      *big.Int
}

func (g GasEstimate) clone() GasEstimate {
	copyBig := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		return new(big.Int).Set(v)
	}
	return GasEstimate{
		TotalCostInSourceFeeToken: copyBig(g.TotalCostInSourceFeeToken),
		DispatchFee:               copyBig(g.DispatchFee),
		NativeDispatchFee:         copyBig(g.NativeDispatchFee),
		CallGasLimit:              g.CallGasLimit,
		VerificationGasLimit:      g.VerificationGasLimit,
		PreVerificationGas:        g.PreVerificationGas,
		MaxFeePerGas:              copyBig(g.MaxFeePerGas),
		MaxPriorityFeePerGas:      copyBig(g.MaxPriorityFeePerGas),
	}
}

var errNonPositiveGasCost = errors.New("cache: gas estimate total cost must be positive")

func gasKey(commitment common.Hash) string {
	return "gas:" + commitment.Hex()
}

// SetGasEstimate stores the estimate for commitment. Rejects a non-positive
// total cost as a programmer error (spec.md 4.B).
func (c *Cache) SetGasEstimate(commitment common.Hash, est GasEstimate) error {
	if est.TotalCostInSourceFeeToken == nil || est.TotalCostInSourceFeeToken.Sign() <= 0 {
		return errNonPositiveGasCost
	}
	c.set(gasKey(commitment), est.clone())
	return nil
}

// GasEstimate returns the cached estimate for commitment, if fresh.
func (c *Cache) GasEstimate(commitment common.Hash) (GasEstimate, bool) {
	v, ok := c.get(gasKey(commitment))
	if !ok {
		return GasEstimate{}, false
	}
	return v.(GasEstimate).clone(), true
}

// --- Fee-token keyspace (by chain tag) --------------------------------------

type feeTokenEntry struct {
	Token    filler.Address20
	Decimals uint8
}

func feeTokenKey(chain filler.ChainTag) string { return "feetoken:" + chain.String() }

// SetFeeToken caches the chain's fee token and its decimals.
func (c *Cache) SetFeeToken(chain filler.ChainTag, token filler.Address20, decimals uint8) {
	c.set(feeTokenKey(chain), feeTokenEntry{Token: token, Decimals: decimals})
}

// FeeToken returns the cached fee token and decimals for chain.
func (c *Cache) FeeToken(chain filler.ChainTag) (filler.Address20, uint8, bool) {
	v, ok := c.get(feeTokenKey(chain))
	if !ok {
		return filler.Address20{}, 0, false
	}
	e := v.(feeTokenEntry)
	return e.Token, e.Decimals, true
}

// --- Per-byte-fee keyspace (by source/dest chain pair) ----------------------

func perByteFeeKey(source, dest filler.ChainTag) string {
	return fmt.Sprintf("perbytefee:%s>%s", source, dest)
}

// SetPerByteFee caches the per-byte cross-chain message fee for a directed
// chain pair.
func (c *Cache) SetPerByteFee(source, dest filler.ChainTag, fee *big.Int) {
	c.set(perByteFeeKey(source, dest), new(big.Int).Set(fee))
}

// PerByteFee returns the cached per-byte fee for a directed chain pair.
func (c *Cache) PerByteFee(source, dest filler.ChainTag) (*big.Int, bool) {
	v, ok := c.get(perByteFeeKey(source, dest))
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(v.(*big.Int)), true
}

// --- Token-decimals keyspace (by chain tag + token address) -----------------

func tokenDecimalsKey(chain filler.ChainTag, token filler.Address20) string {
	return fmt.Sprintf("decimals:%s:%s", chain, token.Hex())
}

// SetTokenDecimals caches a token's decimals on a given chain.
func (c *Cache) SetTokenDecimals(chain filler.ChainTag, token filler.Address20, decimals uint8) {
	c.set(tokenDecimalsKey(chain, token), decimals)
}

// TokenDecimals returns the cached decimals for a token on a given chain.
func (c *Cache) TokenDecimals(chain filler.ChainTag, token filler.Address20) (uint8, bool) {
	v, ok := c.get(tokenDecimalsKey(chain, token))
	if !ok {
		return 0, false
	}
	return v.(uint8), true
}

// --- Solver-selection flag keyspace (by chain tag) --------------------------

func solverSelectionKey(chain filler.ChainTag) string { return "solverselection:" + chain.String() }

// SetSolverSelection caches whether a destination chain currently requires
// bid submission instead of a direct fill.
func (c *Cache) SetSolverSelection(chain filler.ChainTag, on bool) {
	c.set(solverSelectionKey(chain), on)
}

// SolverSelection returns the cached solver-selection flag for chain.
func (c *Cache) SolverSelection(chain filler.ChainTag) (bool, bool) {
	v, ok := c.get(solverSelectionKey(chain))
	if !ok {
		return false, false
	}
	return v.(bool), true
}

// --- Planned filler-output keyspace (by commitment) -------------------------

func plannedOutputsKey(commitment common.Hash) string { return "plannedout:" + commitment.Hex() }

// SetPlannedOutputs caches the managed-asset strategy's per-leg output
// allocation so ExecuteOrder can rebuild the batched calldata without
// recomputing it (spec.md 4.G).
func (c *Cache) SetPlannedOutputs(commitment common.Hash, outputs []filler.AssetAmount) {
	clone := make([]filler.AssetAmount, len(outputs))
	for i, o := range outputs {
		clone[i] = filler.AssetAmount{Token: o.Token, Amount: new(big.Int).Set(o.Amount)}
	}
	c.set(plannedOutputsKey(commitment), clone)
}

// PlannedOutputs returns the cached planned outputs for commitment.
func (c *Cache) PlannedOutputs(commitment common.Hash) ([]filler.AssetAmount, bool) {
	v, ok := c.get(plannedOutputsKey(commitment))
	if !ok {
		return nil, false
	}
	stored := v.([]filler.AssetAmount)
	clone := make([]filler.AssetAmount, len(stored))
	for i, o := range stored {
		clone[i] = filler.AssetAmount{Token: o.Token, Amount: new(big.Int).Set(o.Amount)}
	}
	return clone, true
}
