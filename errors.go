package filler

import "errors"

// Sentinel errors surfaced across the pipeline. Callers match these with
// errors.Is; stage-local wrapping always uses %w so the sentinel survives.
var (
	// ErrInvalidConfig is returned by curve/chain-descriptor construction when
	// the supplied configuration violates an invariant (spec.md 4.A).
	ErrInvalidConfig = errors.New("filler: invalid configuration")

	// ErrUnsupportedToken is returned by USD valuation when a leg's token is
	// not USDC/USDT on its chain (spec.md 4.D).
	ErrUnsupportedToken = errors.New("filler: unsupported token for valuation")

	// ErrEstimateMissing is a programmer error: bid preparation was attempted
	// before profitability evaluation populated the gas-estimate cache entry.
	ErrEstimateMissing = errors.New("filler: gas estimate missing from cache")

	// ErrBadAddressShape is returned converting a 32-byte wire address back to
	// 20 bytes when the high 12 bytes are not zero-padded.
	ErrBadAddressShape = errors.New("filler: address is not left-padded bytes20")

	// ErrNoMappedClient mirrors the teacher's "no mapped client" failure: a
	// chain id was referenced that the registry was never configured for.
	ErrNoMappedClient = errors.New("filler: no client registered for chain")

	// ErrIntentAlreadyFilled signals that the destination settler already
	// reports a non-zero order status; the admission is a no-op.
	ErrIntentAlreadyFilled = errors.New("filler: intent already filled")

	// ErrCoordinatorUnavailable is returned when solver-selection mode is on
	// for a destination but no coordinator was configured.
	ErrCoordinatorUnavailable = errors.New("filler: coordinator not configured")

	// ErrSolverSelectionUnknown is returned when the cache has no
	// solver-selection flag cached yet for a destination chain.
	ErrSolverSelectionUnknown = errors.New("filler: solver-selection flag not cached")

	// ErrLegLengthMismatch is returned by strategies when inputs/outputs
	// don't pair up 1:1.
	ErrLegLengthMismatch = errors.New("filler: inputs and outputs length mismatch")

	// ErrChainTagInvalid is returned when a wire chain tag doesn't parse as
	// "EVM-<chainId>".
	ErrChainTagInvalid = errors.New("filler: chain tag does not parse")
)
