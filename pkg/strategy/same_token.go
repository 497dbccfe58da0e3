package strategy

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/internal/util"
	"github.com/duskrelay/intentfiller/pkg/cache"
	"github.com/duskrelay/intentfiller/pkg/chainclient"
	"github.com/duskrelay/intentfiller/pkg/contractclient"
	"github.com/duskrelay/intentfiller/pkg/policy"
)

// SameToken fills orders whose every leg moves the same stablecoin symbol
// (USDC→USDC or USDT→USDT) across chains, profiting on the filler's
// basis-point spread plus any leftover order fee after gas (spec.md 4.G).
type SameToken struct {
	layer       *contractclient.Layer
	cache       *cache.Cache
	bpsCurve    *policy.Curve
	gatewayABI  abi.ABI
	descriptors map[filler.ChainTag]filler.ChainDescriptor
	bidStore    BidStore
	log         *zap.SugaredLogger
}

// NewSameToken builds the same-token strategy.
func NewSameToken(layer *contractclient.Layer, c *cache.Cache, bpsCurve *policy.Curve, gatewayABI abi.ABI, descriptors []filler.ChainDescriptor, bidStore BidStore, log *zap.SugaredLogger) *SameToken {
	byTag := make(map[filler.ChainTag]filler.ChainDescriptor, len(descriptors))
	for _, d := range descriptors {
		byTag[d.Tag] = d
	}
	return &SameToken{layer: layer, cache: c, bpsCurve: bpsCurve, gatewayABI: gatewayABI, descriptors: byTag, bidStore: bidStore, log: log}
}

func (s *SameToken) Name() string { return "same-token" }

// CanFill requires every (input, output) pair to resolve to the same
// supported stablecoin symbol on their respective chains.
func (s *SameToken) CanFill(ctx context.Context, order *filler.Order) bool {
	if !order.LegsMatch() {
		return false
	}
	srcDesc, ok := s.descriptors[order.Source]
	if !ok {
		return false
	}
	dstDesc, ok := s.descriptors[order.Destination]
	if !ok {
		return false
	}
	for i, in := range order.Inputs {
		out := order.Output.Assets[i]
		symbol, ok := stableSymbol(srcDesc, in.Token)
		if !ok {
			return false
		}
		outSymbol, ok := stableSymbol(dstDesc, out.Token)
		if !ok || outSymbol != symbol {
			return false
		}
	}
	return true
}

func stableSymbol(desc filler.ChainDescriptor, token filler.Address20) (string, bool) {
	switch token {
	case desc.USDCAddress:
		return "USDC", true
	case desc.USDTAddress:
		return "USDT", true
	default:
		return "", false
	}
}

// CalculateProfitability sums per-leg slippage profit (the filler's
// basis-point cut under the user's promised output) plus fee profit
// (order fees minus gas cost, floored at zero), all normalized to the
// destination fee-token decimals (spec.md 4.G).
func (s *SameToken) CalculateProfitability(ctx context.Context, order *filler.Order) (float64, error) {
	dstDesc, ok := s.descriptors[order.Destination]
	if !ok {
		return 0, fmt.Errorf("strategy: unknown destination chain %s", order.Destination)
	}
	_, feeDecimals, err := s.layer.FeeToken(ctx, order.Destination)
	if err != nil {
		return 0, err
	}

	usdValue, err := s.layer.ValueUSDDecimal(ctx, order)
	if err != nil {
		return 0, err
	}
	bps := uint32(s.bpsCurve.EvaluateInt(usdValue))

	totalSlippage := big.NewInt(0)
	for i, in := range order.Inputs {
		out := order.Output.Assets[i]
		inDecimals, err := s.layer.TokenDecimals(ctx, order.Source, in.Token)
		if err != nil {
			return 0, err
		}
		outDecimals, err := s.layer.TokenDecimals(ctx, order.Destination, out.Token)
		if err != nil {
			return 0, err
		}

		converted := util.AdjustDecimals(in.Amount, inDecimals, outDecimals)
		fillerMaxOutput := util.ApplyBpsComplement(converted, bps)
		if out.Amount.Cmp(fillerMaxOutput) > 0 {
			return 0, nil
		}
		slippage := new(big.Int).Sub(converted, fillerMaxOutput)
		normalized := util.AdjustDecimals(slippage, outDecimals, feeDecimals)
		totalSlippage.Add(totalSlippage, normalized)
	}

	var feeProfit *big.Int
	if est, ok := s.cache.GasEstimate(order.Commitment); ok {
		feeProfit = new(big.Int).Sub(order.Fees, est.TotalCostInSourceFeeToken)
		if feeProfit.Sign() < 0 {
			feeProfit = big.NewInt(0)
		}
		feeProfit = util.AdjustDecimals(feeProfit, dstDesc.FeeTokenDecimals, feeDecimals)
	} else {
		feeProfit = big.NewInt(0)
	}

	total := new(big.Int).Add(totalSlippage, feeProfit)
	usd := util.AmountToUSD(total, feeDecimals)
	f, _ := usd.Float64()
	return f, nil
}

// ExecuteOrder ensures approvals, then either submits a bid through the
// coordinator or performs a direct fillOrder call (spec.md 4.G).
func (s *SameToken) ExecuteOrder(ctx context.Context, order *filler.Order, coordinator Coordinator, signer *chainclient.Pair) (Result, error) {
	owner := crypto.PubkeyToAddress(signer.Key.PublicKey)
	dstDesc := s.descriptors[order.Destination]
	opts := filler.FillOptions{Beneficiary: order.Output.Beneficiary, Outputs: order.Output.Assets, Deadline: order.Deadline}

	required, err := s.requiredApprovals(ctx, order)
	if err != nil {
		return Result{}, err
	}
	if err := s.layer.EnsureApprovals(ctx, owner, dstDesc.GatewayAddress, required, signer); err != nil {
		return Result{}, err
	}

	if coordinator != nil {
		commitment, encoded, err := s.layer.PrepareBidUserOp(order, opts, owner, order.Nonce, nil)
		if err != nil {
			return Result{}, err
		}
		receipt, bidErr := coordinator.SubmitBid(ctx, commitment, encoded)
		if s.bidStore != nil {
			_ = s.bidStore.RecordBid(ctx, commitment, order.Destination, receipt, bidErr)
		}
		if bidErr != nil {
			return Result{}, bidErr
		}
		return Result{TransactionID: receipt.ExtrinsicHash}, nil
	}

	return s.fillDirect(ctx, order, opts, owner, signer)
}

func (s *SameToken) requiredApprovals(ctx context.Context, order *filler.Order) (map[filler.Address20]*big.Int, error) {
	required := make(map[filler.Address20]*big.Int)
	for _, out := range order.Output.Assets {
		if out.Token == filler.NativeAsset {
			continue
		}
		existing, ok := required[out.Token]
		if !ok {
			existing = big.NewInt(0)
		}
		required[out.Token] = new(big.Int).Add(existing, out.Amount)
	}
	feeToken, _, err := s.layer.FeeToken(ctx, order.Destination)
	if err != nil {
		return nil, err
	}
	if feeToken != filler.NativeAsset {
		existing, ok := required[feeToken]
		if !ok {
			existing = big.NewInt(0)
		}
		if est, ok := s.cache.GasEstimate(order.Commitment); ok {
			required[feeToken] = new(big.Int).Add(existing, est.TotalCostInSourceFeeToken)
		} else {
			required[feeToken] = existing
		}
	}
	return required, nil
}

// nativeValue sums the native-coin outputs plus any native dispatch fee,
// the value the direct fillOrder call must pay (spec.md 4.G).
func nativeValue(order *filler.Order, est cache.GasEstimate) *big.Int {
	total := big.NewInt(0)
	for _, out := range order.Output.Assets {
		if out.Token == filler.NativeAsset {
			total.Add(total, out.Amount)
		}
	}
	if est.NativeDispatchFee != nil {
		total.Add(total, est.NativeDispatchFee)
	}
	return total
}

// fillDirect performs the direct contract call to the gateway's fillOrder,
// retrying once without the explicit gas override on write failure, and
// mapping a non-success receipt status to a soft failure (spec.md 4.G).
func (s *SameToken) fillDirect(ctx context.Context, order *filler.Order, opts filler.FillOptions, owner filler.Address20, signer *chainclient.Pair) (Result, error) {
	dstDesc := s.descriptors[order.Destination]
	cc := contractclient.NewContractClient(signer.Public, dstDesc.GatewayAddress, s.gatewayABI)

	est, _ := s.cache.GasEstimate(order.Commitment)
	value := nativeValue(order, est)

	receipt, err := cc.Send(ctx, contractclient.Premium, value, &owner, signer.Key, "fillOrder", orderToFillTuple(order), opts)
	if err != nil {
		receipt, err = cc.Send(ctx, contractclient.Standard, value, &owner, signer.Key, "fillOrder", orderToFillTuple(order), opts)
		if err != nil {
			return Result{}, fmt.Errorf("strategy: fillOrder retry failed: %w", err)
		}
	}
	if !util.Succeeded(receipt) {
		return Result{}, fmt.Errorf("strategy: fillOrder reverted at execution (soft failure)")
	}
	return Result{TransactionID: receipt.TxHash.Hex()}, nil
}

// orderToFillTuple projects an Order into the ABI-encodable shape the
// gateway's fillOrder expects.
func orderToFillTuple(o *filler.Order) struct {
	User        filler.Address20 `abi:"user"`
	Source      *big.Int         `abi:"source"`
	Destination *big.Int         `abi:"destination"`
	Deadline    *big.Int         `abi:"deadline"`
	Nonce       *big.Int         `abi:"nonce"`
	Fees        *big.Int         `abi:"fees"`
	Session     [32]byte         `abi:"session"`
} {
	srcID, _ := o.Source.ChainID()
	dstID, _ := o.Destination.ChainID()
	return struct {
		User        filler.Address20 `abi:"user"`
		Source      *big.Int         `abi:"source"`
		Destination *big.Int         `abi:"destination"`
		Deadline    *big.Int         `abi:"deadline"`
		Nonce       *big.Int         `abi:"nonce"`
		Fees        *big.Int         `abi:"fees"`
		Session     [32]byte         `abi:"session"`
	}{
		User:        o.User,
		Source:      new(big.Int).SetUint64(srcID),
		Destination: new(big.Int).SetUint64(dstID),
		Deadline:    o.Deadline,
		Nonce:       o.Nonce,
		Fees:        o.Fees,
		Session:     o.Session,
	}
}
