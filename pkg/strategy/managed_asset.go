package strategy

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/internal/util"
	"github.com/duskrelay/intentfiller/pkg/cache"
	"github.com/duskrelay/intentfiller/pkg/chainclient"
	"github.com/duskrelay/intentfiller/pkg/contractclient"
	"github.com/duskrelay/intentfiller/pkg/policy"
)

// leg side classification for the managed-asset swap.
type side int

const (
	sideUnknown side = iota
	sideStable
	sideManaged
)

// ManagedAsset fills same-chain orders swapping a stable (USDC/USDT) leg
// against a configured managed asset, priced off a USD price curve and
// capped by both a per-order USD budget and the filler's live wallet
// balance of the output token (spec.md 4.G).
type ManagedAsset struct {
	layer       *contractclient.Layer
	cache       *cache.Cache
	priceCurve  *policy.Curve
	maxOrderUSD decimal.Decimal
	gatewayABI  abi.ABI
	erc20ABI    abi.ABI
	erc7821ABI  abi.ABI
	descriptors map[filler.ChainTag]filler.ChainDescriptor
	bidStore    BidStore
	owner       filler.Address20
	log         *zap.SugaredLogger
}

// NewManagedAsset builds the managed-asset strategy. owner is the filler's
// own address, used for the live wallet-balance reads profitability
// evaluation needs before any signer is involved in a specific fill.
func NewManagedAsset(layer *contractclient.Layer, c *cache.Cache, priceCurve *policy.Curve, maxOrderUSD decimal.Decimal, gatewayABI, erc20ABI, erc7821ABI abi.ABI, descriptors []filler.ChainDescriptor, bidStore BidStore, owner filler.Address20, log *zap.SugaredLogger) *ManagedAsset {
	byTag := make(map[filler.ChainTag]filler.ChainDescriptor, len(descriptors))
	for _, d := range descriptors {
		byTag[d.Tag] = d
	}
	return &ManagedAsset{layer: layer, cache: c, priceCurve: priceCurve, maxOrderUSD: maxOrderUSD, gatewayABI: gatewayABI, erc20ABI: erc20ABI, erc7821ABI: erc7821ABI, descriptors: byTag, bidStore: bidStore, owner: owner, log: log}
}

func (s *ManagedAsset) Name() string { return "managed-asset" }

func classifyLeg(desc filler.ChainDescriptor, token filler.Address20) side {
	if token == desc.USDCAddress || token == desc.USDTAddress {
		return sideStable
	}
	for _, m := range desc.ManagedAssets {
		if m == token {
			return sideManaged
		}
	}
	return sideUnknown
}

// CanFill requires a same-chain order where every leg pairs a stable token
// against a managed asset, in either direction (spec.md 4.G).
func (s *ManagedAsset) CanFill(ctx context.Context, order *filler.Order) bool {
	if !order.LegsMatch() {
		return false
	}
	if order.Source != order.Destination {
		return false
	}
	desc, ok := s.descriptors[order.Source]
	if !ok {
		return false
	}
	for i, in := range order.Inputs {
		out := order.Output.Assets[i]
		inSide := classifyLeg(desc, in.Token)
		outSide := classifyLeg(desc, out.Token)
		if inSide == sideUnknown || outSide == sideUnknown || inSide == outSide {
			return false
		}
	}
	return true
}

// CalculateProfitability greedily allocates the order's capped USD budget
// across legs, pricing managed-asset output off the price curve and
// capping each leg's allocation at the filler's live wallet balance for
// its output token; balances are memoized across legs so a single wallet
// reserve is never double-counted (spec.md 4.G).
func (s *ManagedAsset) CalculateProfitability(ctx context.Context, order *filler.Order) (float64, error) {
	desc, ok := s.descriptors[order.Source]
	if !ok {
		return 0, fmt.Errorf("strategy: unknown chain %s", order.Source)
	}

	orderUSD := decimal.Zero
	for i, in := range order.Inputs {
		out := order.Output.Assets[i]
		inSide := classifyLeg(desc, in.Token)
		var stableToken filler.Address20
		var stableAmount *big.Int
		if inSide == sideStable {
			stableToken, stableAmount = in.Token, in.Amount
		} else {
			stableToken, stableAmount = out.Token, out.Amount
		}
		decimals, err := s.layer.TokenDecimals(ctx, order.Source, stableToken)
		if err != nil {
			return 0, err
		}
		orderUSD = orderUSD.Add(util.AmountToUSD(stableAmount, decimals))
	}

	budget := orderUSD
	if budget.GreaterThan(s.maxOrderUSD) {
		budget = s.maxOrderUSD
	}
	price := s.priceCurve.Evaluate(budget)

	balances := make(map[filler.Address20]*big.Int)
	remaining := budget
	planned := make([]filler.AssetAmount, 0, len(order.Inputs))
	anyNonZero := false

	for i, in := range order.Inputs {
		out := order.Output.Assets[i]
		inSide := classifyLeg(desc, in.Token)

		var legUSD decimal.Decimal
		if inSide == sideStable {
			inDecimals, err := s.layer.TokenDecimals(ctx, order.Source, in.Token)
			if err != nil {
				return 0, err
			}
			legUSD = util.AmountToUSD(in.Amount, inDecimals)
		} else {
			outDecimals, err := s.layer.TokenDecimals(ctx, order.Source, out.Token)
			if err != nil {
				return 0, err
			}
			legUSD = util.AmountToUSD(out.Amount, outDecimals)
		}
		if legUSD.GreaterThan(remaining) {
			legUSD = remaining
		}
		if legUSD.LessThanOrEqual(decimal.Zero) {
			planned = append(planned, filler.AssetAmount{Token: out.Token, Amount: big.NewInt(0)})
			continue
		}

		var outputUSD decimal.Decimal
		if inSide == sideStable {
			// stable -> managed: policy output is usd / price.
			if price.IsZero() {
				outputUSD = decimal.Zero
			} else {
				outputUSD = legUSD.Div(price)
			}
		} else {
			// managed -> stable: policy output is usd directly.
			outputUSD = legUSD
		}

		outDecimals, err := s.layer.TokenDecimals(ctx, order.Source, out.Token)
		if err != nil {
			return 0, err
		}
		outputAmount := util.USDToAmount(outputUSD, outDecimals)

		balance, ok := balances[out.Token]
		if !ok {
			b, err := s.layer.WalletBalance(ctx, order.Source, out.Token, s.owner)
			if err != nil {
				return 0, err
			}
			balance = b
			balances[out.Token] = b
		}
		if outputAmount.Cmp(balance) > 0 {
			outputAmount = new(big.Int).Set(balance)
		}
		balances[out.Token] = new(big.Int).Sub(balance, outputAmount)

		if outputAmount.Sign() > 0 {
			anyNonZero = true
		}
		planned = append(planned, filler.AssetAmount{Token: out.Token, Amount: outputAmount})
		remaining = remaining.Sub(legUSD)
	}

	if !anyNonZero {
		return 0, nil
	}

	s.cache.SetPlannedOutputs(order.Commitment, planned)
	f, _ := budget.Float64()
	return f, nil
}

// ExecuteOrder requires the coordinator path: it batches approvals plus the
// fillOrder call as a single ERC-7821 execution and submits it as a bid
// (spec.md 4.G).
func (s *ManagedAsset) ExecuteOrder(ctx context.Context, order *filler.Order, coordinator Coordinator, signer *chainclient.Pair) (Result, error) {
	if coordinator == nil {
		return Result{}, fmt.Errorf("strategy: managed-asset fills require a coordinator")
	}
	owner := crypto.PubkeyToAddress(signer.Key.PublicKey)
	desc := s.descriptors[order.Destination]

	planned, ok := s.cache.PlannedOutputs(order.Commitment)
	if !ok {
		return Result{}, filler.ErrEstimateMissing
	}

	required, err := s.requiredApprovals(ctx, order, planned)
	if err != nil {
		return Result{}, err
	}
	approvalCalls, err := s.buildApprovalCalls(ctx, owner, desc.GatewayAddress, required, signer)
	if err != nil {
		return Result{}, err
	}

	opts := filler.FillOptions{Beneficiary: order.Output.Beneficiary, Outputs: planned, Deadline: order.Deadline}
	est, _ := s.cache.GasEstimate(order.Commitment)
	fillCallData, err := s.gatewayABI.Pack("fillOrder", orderToFillTuple(order), opts)
	if err != nil {
		return Result{}, fmt.Errorf("strategy: pack fillOrder calldata: %w", err)
	}
	calls := append(approvalCalls, batchCall{
		Target: desc.GatewayAddress,
		Value:  nativeValue(order, est),
		Data:   fillCallData,
	})

	batchData, err := s.erc7821ABI.Pack("execute", erc7821SingleBatchMode, calls)
	if err != nil {
		return Result{}, fmt.Errorf("strategy: pack erc7821 batch: %w", err)
	}

	commitment, encoded, err := s.layer.PrepareBidUserOpWithCallData(order.Commitment, batchData, owner, order.Nonce, nil)
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

// erc7821SingleBatchMode is the ERC-7821 mode selector for a single,
// non-reverting batch of calls with no opData.
var erc7821SingleBatchMode = [32]byte{0x01}

// batchCall mirrors the ERC-7821 Call tuple: target, value, calldata.
type batchCall struct {
	Target filler.Address20 `abi:"target"`
	Value  *big.Int         `abi:"value"`
	Data   []byte           `abi:"data"`
}

func (s *ManagedAsset) requiredApprovals(ctx context.Context, order *filler.Order, planned []filler.AssetAmount) (map[filler.Address20]*big.Int, error) {
	required := make(map[filler.Address20]*big.Int)
	for _, out := range planned {
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

// buildApprovalCalls reads live allowance for every required token and
// returns an approve(gateway, MaxUint256) batch call for each one that
// falls short, to be bundled into the ERC-7821 batch rather than sent as
// a separate transaction (spec.md 4.G).
func (s *ManagedAsset) buildApprovalCalls(ctx context.Context, owner, spender filler.Address20, required map[filler.Address20]*big.Int, signer *chainclient.Pair) ([]batchCall, error) {
	maxUint := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	var calls []batchCall

	for token, amount := range required {
		if token == filler.NativeAsset {
			continue
		}
		cc := contractclient.NewContractClient(signer.Public, token, s.erc20ABI)
		out, err := cc.Call(ctx, &owner, "allowance", owner, spender)
		if err != nil || len(out) != 1 {
			return nil, fmt.Errorf("strategy: read allowance for %s: %w", token, err)
		}
		allowance, ok := out[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("strategy: allowance() returned unexpected type")
		}
		if allowance.Cmp(amount) >= 0 {
			continue
		}

		data, err := s.erc20ABI.Pack("approve", spender, maxUint)
		if err != nil {
			return nil, fmt.Errorf("strategy: pack approve calldata: %w", err)
		}
		calls = append(calls, batchCall{Target: token, Value: big.NewInt(0), Data: data})
	}
	return calls, nil
}
