// Package strategy implements the filler's two concrete fill strategies
// behind a single shared contract: feasibility, profitability, execution
// (spec.md 4.G).
package strategy

import (
	"context"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/pkg/chainclient"
)

// Result is what ExecuteOrder returns on success: the transaction id that
// settled the fill, either an on-chain tx hash or a coordinator extrinsic
// hash.
type Result struct {
	TransactionID string
}

// Strategy is the shared contract both concrete fill strategies implement
// (spec.md 4.G).
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// CanFill reports whether this strategy is structurally eligible to
	// handle order at all (symbol/side matching), independent of price.
	CanFill(ctx context.Context, order *filler.Order) bool

	// CalculateProfitability returns the strategy's profitability score
	// for order, in the scheduler's USD-style float terms. A
	// non-positive score marks the order ineligible for this strategy.
	CalculateProfitability(ctx context.Context, order *filler.Order) (float64, error)

	// ExecuteOrder fills order, optionally through the coordinator when
	// solverSelection is on. coordinator may be nil.
	ExecuteOrder(ctx context.Context, order *filler.Order, coordinator Coordinator, signer *chainclient.Pair) (Result, error)
}

// Coordinator is the subset of the coordinator client a strategy needs to
// submit a bid; kept narrow here so strategy doesn't import the
// coordinator package directly.
type Coordinator interface {
	SubmitBid(ctx context.Context, commitment [32]byte, encodedUserOp []byte) (BidReceipt, error)
}

// BidReceipt mirrors the coordinator's submitBid acknowledgement.
type BidReceipt struct {
	Success       bool
	ExtrinsicHash string
	BlockHash     string
}

// BidStore persists every bid attempt, successful or not, keyed by
// commitment (spec.md 3, "Bid record").
type BidStore interface {
	RecordBid(ctx context.Context, commitment [32]byte, destination filler.ChainTag, receipt BidReceipt, bidErr error) error
}
