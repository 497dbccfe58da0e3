package filler

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainTag is the wire form "EVM-<chainId>" used across config, caches and
// logs. It is comparable and usable as a map key.
type ChainTag string

// NewChainTag builds the canonical tag for a numeric chain id.
func NewChainTag(chainID uint64) ChainTag {
	return ChainTag(fmt.Sprintf("EVM-%d", chainID))
}

// ChainID parses the numeric id back out of the tag.
func (t ChainTag) ChainID() (uint64, error) {
	parts := strings.SplitN(string(t), "-", 2)
	if len(parts) != 2 || parts[0] != "EVM" {
		return 0, fmt.Errorf("%w: %q", ErrChainTagInvalid, t)
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrChainTagInvalid, t, err)
	}
	return id, nil
}

func (t ChainTag) String() string { return string(t) }

// Address32 is the 32-byte left-padded wire form of a contract address, as
// carried in event logs and order encodings.
type Address32 [32]byte

// Address20 is a canonical 20-byte contract address.
type Address20 = common.Address

// NativeAsset is the reserved all-zero address denoting the chain's native
// coin rather than an ERC-20.
var NativeAsset = Address20{}

// ToAddress32 left-pads a 20-byte address into its 32-byte wire form.
func ToAddress32(a Address20) Address32 {
	var out Address32
	copy(out[12:], a[:])
	return out
}

// ToAddress20 recovers the 20-byte address from a 32-byte wire form. Fails if
// the high 12 bytes are not zero (spec.md 8, round-trip law).
func ToAddress20(a Address32) (Address20, error) {
	for _, b := range a[:12] {
		if b != 0 {
			return Address20{}, ErrBadAddressShape
		}
	}
	var out Address20
	copy(out[:], a[12:])
	return out, nil
}

// AssetAmount is one (token, amount) leg of an order's inputs or outputs.
type AssetAmount struct {
	Token  Address20
	Amount *big.Int
}

// PredispatchData is the optional pre-fill step: extra assets moved and
// calldata executed before the fill itself runs.
type PredispatchData struct {
	Assets []AssetAmount
	Call   []byte
}

// OutputData describes what the filler must deliver and to whom.
type OutputData struct {
	Beneficiary Address20
	Assets      []AssetAmount
	Call        []byte
}

// Order is the fully assembled unit of work (spec.md 3). It is created once
// by the event monitor and treated as read-only by every downstream stage
// except the cache-mediated planned-output attachment in the managed-asset
// strategy.
type Order struct {
	Commitment      common.Hash
	User            Address20
	Source          ChainTag
	Destination     ChainTag
	Deadline        *big.Int
	Nonce           *big.Int
	Fees            *big.Int
	Session         common.Hash
	Predispatch     *PredispatchData
	Inputs          []AssetAmount
	Output          OutputData
	TransactionHash common.Hash
}

// LegsMatch reports whether inputs and outputs are length-paired, a
// precondition both concrete strategies require (spec.md 4.G).
func (o *Order) LegsMatch() bool {
	return len(o.Inputs) == len(o.Output.Assets)
}

// computeCommitment computes the deterministic digest over the canonical order
// encoding: every field in fixed order, variable-length arrays
// length-prefixed, so that two in-memory orders equal in every field always
// hash equal (spec.md 8, invariant 5) and any field difference changes the
// digest. Evaluated on the chain-tag wire form, never the numeric one, so it
// is unambiguous across representations.
func (o *Order) computeCommitment() common.Hash {
	var buf []byte
	writeBytes := func(b []byte) {
		var lenBuf [8]byte
		big.NewInt(int64(len(b))).FillBytes(lenBuf[:])
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, b...)
	}
	writeBig := func(v *big.Int) {
		if v == nil {
			v = new(big.Int)
		}
		writeBytes(v.Bytes())
	}

	buf = append(buf, o.User.Bytes()...)
	writeBytes([]byte(o.Source))
	writeBytes([]byte(o.Destination))
	writeBig(o.Deadline)
	writeBig(o.Nonce)
	writeBig(o.Fees)
	buf = append(buf, o.Session.Bytes()...)

	if o.Predispatch != nil {
		writeBig(big.NewInt(int64(len(o.Predispatch.Assets))))
		for _, a := range o.Predispatch.Assets {
			buf = append(buf, a.Token.Bytes()...)
			writeBig(a.Amount)
		}
		writeBytes(o.Predispatch.Call)
	}

	writeBig(big.NewInt(int64(len(o.Inputs))))
	for _, in := range o.Inputs {
		buf = append(buf, in.Token.Bytes()...)
		writeBig(in.Amount)
	}

	buf = append(buf, o.Output.Beneficiary.Bytes()...)
	writeBig(big.NewInt(int64(len(o.Output.Assets))))
	for _, out := range o.Output.Assets {
		buf = append(buf, out.Token.Bytes()...)
		writeBig(out.Amount)
	}
	writeBytes(o.Output.Call)

	return crypto.Keccak256Hash(buf)
}

// AssignCommitment derives and stores the order's commitment. Called once by
// the event monitor after call-trace reconstruction completes; the result
// MUST equal whatever id the chain itself reports (spec.md 3).
func (o *Order) AssignCommitment() common.Hash {
	o.Commitment = o.computeCommitment()
	return o.Commitment
}

// FillOptions is the extra data a gateway's fillOrder call needs beyond the
// order itself: who ultimately receives the outputs and the concrete amounts
// the filler is promising for this execution (spec.md 4.D).
type FillOptions struct {
	Beneficiary Address20     `abi:"beneficiary"`
	Outputs     []AssetAmount `abi:"outputs"`
	Deadline    *big.Int      `abi:"deadline"`
}

// PackedUserOperation is the ERC-4337-style account-abstraction operation
// the bid path submits to the coordinator (spec.md glossary, "UserOp").
// AccountGasLimits and GasFees pack two uint128 values per ERC-4337's
// convention of halving a bytes32 slot.
type PackedUserOperation struct {
	Sender             Address20 `abi:"sender"`
	Nonce              *big.Int  `abi:"nonce"`
	InitCode           []byte    `abi:"initCode"`
	CallData           []byte    `abi:"callData"`
	AccountGasLimits   [32]byte  `abi:"accountGasLimits"`
	PreVerificationGas *big.Int  `abi:"preVerificationGas"`
	GasFees            [32]byte `abi:"gasFees"`
	PaymasterAndData   []byte   `abi:"paymasterAndData"`
	Signature          []byte   `abi:"signature"`
}

// PackGasLimits packs two uint128 values into a single bytes32 slot, high
// half first, per ERC-4337's AccountGasLimits/GasFees encoding.
func PackGasLimits(hi, lo uint64) [32]byte {
	var out [32]byte
	new(big.Int).SetUint64(hi).FillBytes(out[:16])
	new(big.Int).SetUint64(lo).FillBytes(out[16:])
	return out
}

// ChainDescriptor is the static configuration of one chain known to the
// filler (spec.md 3).
type ChainDescriptor struct {
	ChainID              uint64
	Tag                  ChainTag
	RPCEndpoint          string
	GatewayAddress       Address20
	HostAddress          Address20
	FeeToken             Address20
	FeeTokenDecimals     uint8
	USDCAddress          Address20
	USDTAddress          Address20
	ManagedAssets        []Address20
	EntryPointAddress    Address20
	CoordinatorEndpoint  string
	CoordinatorKey       string
	WatchOnly            bool
	GasPriceOracleURL    string
}
