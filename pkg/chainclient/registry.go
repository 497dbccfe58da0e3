// Package chainclient owns the filler's single source of ethclient.Client
// instances and the filler's signing key, one pair per configured chain id
// (spec.md 4.C).
package chainclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Overridable as plain vars (not const) so tests can shrink the retry
// window instead of waiting out the real dial timeout.
var (
	dialTimeout = 30 * time.Second
	dialRetries = 3
	dialDelay   = time.Second
)

// Pair is the cached client pair for one chain id: a public client always,
// and the filler's signing key only when one was supplied for that chain
// (watch-only chains dial without a key).
type Pair struct {
	Public *ethclient.Client
	Key    *ecdsa.PrivateKey
}

// Registry is a first-writer-wins, per-chain-id cache of client pairs. It
// carries no ordering guarantees beyond that: concurrent first accesses to
// the same chain id may both dial, but only one dialed client survives in
// the map (spec.md 4.C).
type Registry struct {
	mu    sync.Mutex
	pairs map[uint64]*Pair
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{pairs: make(map[uint64]*Pair)}
}

// Get returns the cached pair for chainID, dialing and constructing it on
// first access. rpcURL and the optional key are only consulted the first
// time; subsequent calls ignore them and return the cached singleton.
func (r *Registry) Get(ctx context.Context, chainID uint64, rpcURL string, key *ecdsa.PrivateKey) (*Pair, error) {
	r.mu.Lock()
	if p, ok := r.pairs[chainID]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	client, err := dialWithRetry(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial chain %d: %w", chainID, err)
	}

	p := &Pair{Public: client, Key: key}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.pairs[chainID]; ok {
		return existing, nil
	}
	r.pairs[chainID] = p
	return p, nil
}

func dialWithRetry(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	var lastErr error
	for attempt := 0; attempt < dialRetries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		client, err := ethclient.DialContext(dialCtx, rpcURL)
		cancel()
		if err == nil {
			return client, nil
		}
		lastErr = err
		if attempt < dialRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(dialDelay):
			}
		}
	}
	return nil, lastErr
}

// Len reports the number of chain ids currently holding a dialed pair; used
// for metrics only.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}
