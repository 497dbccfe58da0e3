package contractclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/internal/util"
	"github.com/duskrelay/intentfiller/pkg/cache"
	"github.com/duskrelay/intentfiller/pkg/chainclient"
)

// gasOracleTimeout bounds a single external gas-price-oracle request so a
// slow or hung oracle can never delay gas estimation past the RPC fallback
// path (spec.md 4.D).
const gasOracleTimeout = 3 * time.Second

// nativeAssetDecimals is assumed for the all-zero token address (spec.md 4.D).
const nativeAssetDecimals = 18

// fallbackTokenDecimals is used when a live decimals() read fails; the
// contract layer logs a warning rather than surfacing the error, per the
// documented best-effort policy.
const fallbackTokenDecimals = 18

// DefaultGasFallback is the conservative gas-cost constant used when live
// estimation raises (spec.md 9's carried knob). Units are native wei.
const DefaultGasFallback = 6_000_000

// Layer is the contract interaction layer: token decimals, approvals,
// fee-token discovery, restricted USD valuation, gas estimation and bid
// UserOp preparation, all backed by the shared TTL cache (spec.md 4.D).
type Layer struct {
	registry *chainclient.Registry
	cache    *cache.Cache
	log      *zap.SugaredLogger

	gatewayABI    abi.ABI
	erc20ABI      abi.ABI
	entryPointABI abi.ABI

	descriptors map[filler.ChainTag]filler.ChainDescriptor
	httpClient  *http.Client
}

// NewLayer builds a contract layer over the given chain descriptors.
func NewLayer(registry *chainclient.Registry, c *cache.Cache, log *zap.SugaredLogger, gatewayABI, erc20ABI, entryPointABI abi.ABI, descriptors []filler.ChainDescriptor) *Layer {
	l := &Layer{
		registry:      registry,
		cache:         c,
		log:           log,
		gatewayABI:    gatewayABI,
		erc20ABI:      erc20ABI,
		entryPointABI: entryPointABI,
		descriptors:   make(map[filler.ChainTag]filler.ChainDescriptor, len(descriptors)),
		httpClient:    &http.Client{Timeout: gasOracleTimeout},
	}
	for _, d := range descriptors {
		l.descriptors[d.Tag] = d
	}
	return l
}

// WarmCache populates fee tokens, stable-coin decimals and per-byte fees for
// every configured chain and ordered chain pair (spec.md 4.D Init).
func (l *Layer) WarmCache(ctx context.Context) {
	for _, d := range l.descriptors {
		if token, decimals, err := l.discoverFeeToken(ctx, d); err != nil {
			l.log.Warnw("fee token discovery failed during warm-up", "chain", d.Tag, "error", err)
		} else {
			l.cache.SetFeeToken(d.Tag, token, decimals)
		}

		for _, stable := range []filler.Address20{d.USDCAddress, d.USDTAddress} {
			if stable == filler.NativeAsset {
				continue
			}
			if _, err := l.TokenDecimals(ctx, d.Tag, stable); err != nil {
				l.log.Warnw("stablecoin decimals warm-up failed", "chain", d.Tag, "token", stable, "error", err)
			}
		}
	}

	for _, src := range l.descriptors {
		for _, dst := range l.descriptors {
			if src.Tag == dst.Tag {
				continue
			}
			if _, err := l.PerByteFee(ctx, src.Tag, dst.Tag); err != nil {
				l.log.Warnw("per-byte fee warm-up failed", "source", src.Tag, "destination", dst.Tag, "error", err)
			}
		}
	}
}

// TokenDecimals returns the decimals of token on chain, treating the
// all-zero address as the native asset (18 decimals, never cached since it
// never needs a read). Read failures fall back to 18 and are logged, never
// returned as an error (spec.md 4.D).
func (l *Layer) TokenDecimals(ctx context.Context, chain filler.ChainTag, token filler.Address20) (uint8, error) {
	if token == filler.NativeAsset {
		return nativeAssetDecimals, nil
	}
	if d, ok := l.cache.TokenDecimals(chain, token); ok {
		return d, nil
	}

	chainID, err := chain.ChainID()
	if err != nil {
		return 0, err
	}
	desc, ok := l.descriptors[chain]
	if !ok {
		return 0, fmt.Errorf("contractclient: unknown chain %s", chain)
	}
	pair, err := l.registry.Get(ctx, chainID, desc.RPCEndpoint, nil)
	if err != nil {
		l.log.Warnw("decimals read failed, falling back", "chain", chain, "token", token, "error", err)
		return fallbackTokenDecimals, nil
	}

	cc := NewContractClient(pair.Public, token, l.erc20ABI)
	out, err := cc.Call(ctx, nil, "decimals")
	if err != nil || len(out) != 1 {
		l.log.Warnw("decimals read failed, falling back", "chain", chain, "token", token, "error", err)
		return fallbackTokenDecimals, nil
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		l.log.Warnw("decimals read returned unexpected type, falling back", "chain", chain, "token", token)
		return fallbackTokenDecimals, nil
	}

	l.cache.SetTokenDecimals(chain, token, decimals)
	return decimals, nil
}

// WalletBalance reads the filler's live balance of token on chain, native
// coin or ERC-20 alike. Never cached: the managed-asset strategy needs a
// fresh read per evaluation to avoid over-allocating against a stale
// number (spec.md 4.G).
func (l *Layer) WalletBalance(ctx context.Context, chain filler.ChainTag, token, owner filler.Address20) (*big.Int, error) {
	chainID, err := chain.ChainID()
	if err != nil {
		return nil, err
	}
	desc, ok := l.descriptors[chain]
	if !ok {
		return nil, fmt.Errorf("contractclient: unknown chain %s", chain)
	}
	pair, err := l.registry.Get(ctx, chainID, desc.RPCEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("contractclient: dial for balance read: %w", err)
	}

	if token == filler.NativeAsset {
		return pair.Public.BalanceAt(ctx, owner, nil)
	}

	cc := NewContractClient(pair.Public, token, l.erc20ABI)
	out, err := cc.Call(ctx, nil, "balanceOf", owner)
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("contractclient: read balanceOf(%s): %w", owner, err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("contractclient: balanceOf() returned unexpected type")
	}
	return balance, nil
}

// Confirmations reports how many blocks, from txHash's containing block
// through the current head, exist (1 when the transaction is in the head
// block), used by the scheduler's confirmation waiter (spec.md 4.F).
// Returns 0, nil if the transaction is not yet mined.
func (l *Layer) Confirmations(ctx context.Context, chain filler.ChainTag, txHash common.Hash) (uint64, error) {
	chainID, err := chain.ChainID()
	if err != nil {
		return 0, err
	}
	desc, ok := l.descriptors[chain]
	if !ok {
		return 0, fmt.Errorf("contractclient: unknown chain %s", chain)
	}
	pair, err := l.registry.Get(ctx, chainID, desc.RPCEndpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("contractclient: dial for confirmation read: %w", err)
	}

	receipt, err := pair.Public.TransactionReceipt(ctx, txHash)
	if err != nil {
		return 0, nil
	}
	current, err := pair.Public.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("contractclient: read block number: %w", err)
	}
	if current < receipt.BlockNumber.Uint64() {
		return 0, nil
	}
	return current - receipt.BlockNumber.Uint64() + 1, nil
}

// discoverFeeToken reads feeToken() then decimals() from the host contract
// (spec.md 4.D).
func (l *Layer) discoverFeeToken(ctx context.Context, desc filler.ChainDescriptor) (filler.Address20, uint8, error) {
	chainID, err := desc.Tag.ChainID()
	if err != nil {
		return filler.Address20{}, 0, err
	}
	pair, err := l.registry.Get(ctx, chainID, desc.RPCEndpoint, nil)
	if err != nil {
		return filler.Address20{}, 0, fmt.Errorf("contractclient: dial for fee token discovery: %w", err)
	}

	host := NewContractClient(pair.Public, desc.HostAddress, l.gatewayABI)
	out, err := host.Call(ctx, nil, "feeToken")
	if err != nil || len(out) != 1 {
		return filler.Address20{}, 0, fmt.Errorf("contractclient: read feeToken(): %w", err)
	}
	token, ok := out[0].(common.Address)
	if !ok {
		return filler.Address20{}, 0, fmt.Errorf("contractclient: feeToken() returned unexpected type")
	}

	decimals, err := l.TokenDecimals(ctx, desc.Tag, token)
	if err != nil {
		return filler.Address20{}, 0, err
	}
	return token, decimals, nil
}

// FeeToken returns the cached fee token and decimals for chain, discovering
// and caching it on a cache miss.
func (l *Layer) FeeToken(ctx context.Context, chain filler.ChainTag) (filler.Address20, uint8, error) {
	if token, decimals, ok := l.cache.FeeToken(chain); ok {
		return token, decimals, nil
	}
	desc, ok := l.descriptors[chain]
	if !ok {
		return filler.Address20{}, 0, fmt.Errorf("contractclient: unknown chain %s", chain)
	}
	token, decimals, err := l.discoverFeeToken(ctx, desc)
	if err != nil {
		return filler.Address20{}, 0, err
	}
	l.cache.SetFeeToken(chain, token, decimals)
	return token, decimals, nil
}

// PerByteFee returns the cross-chain per-byte message fee for a directed
// chain pair, reading from the source host contract and caching on a miss.
func (l *Layer) PerByteFee(ctx context.Context, source, dest filler.ChainTag) (*big.Int, error) {
	if fee, ok := l.cache.PerByteFee(source, dest); ok {
		return fee, nil
	}
	desc, ok := l.descriptors[source]
	if !ok {
		return nil, fmt.Errorf("contractclient: unknown source chain %s", source)
	}
	destID, err := dest.ChainID()
	if err != nil {
		return nil, err
	}
	chainID, err := source.ChainID()
	if err != nil {
		return nil, err
	}
	pair, err := l.registry.Get(ctx, chainID, desc.RPCEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("contractclient: dial for per-byte fee: %w", err)
	}

	host := NewContractClient(pair.Public, desc.HostAddress, l.gatewayABI)
	out, err := host.Call(ctx, nil, "perByteFee", big.NewInt(0).SetUint64(destID))
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("contractclient: read perByteFee(%s): %w", dest, err)
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("contractclient: perByteFee() returned unexpected type")
	}
	l.cache.SetPerByteFee(source, dest, fee)
	return fee, nil
}

// UnsupportedToken marks the USD valuation restriction violation.
var UnsupportedToken = filler.ErrUnsupportedToken

// ValueUSDDecimal prices an order's inputs and outputs, restricted to
// USDC/USDT legs on their respective chains (spec.md 4.D). Any other token
// is rejected.
func (l *Layer) ValueUSDDecimal(ctx context.Context, order *filler.Order) (decimal.Decimal, error) {
	srcDesc, ok := l.descriptors[order.Source]
	if !ok {
		return decimal.Zero, fmt.Errorf("contractclient: unknown source chain %s", order.Source)
	}
	dstDesc, ok := l.descriptors[order.Destination]
	if !ok {
		return decimal.Zero, fmt.Errorf("contractclient: unknown destination chain %s", order.Destination)
	}

	total := decimal.Zero
	for _, in := range order.Inputs {
		if in.Token != srcDesc.USDCAddress && in.Token != srcDesc.USDTAddress {
			return decimal.Zero, UnsupportedToken
		}
		decimals, err := l.TokenDecimals(ctx, order.Source, in.Token)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(util.AmountToUSD(in.Amount, decimals))
	}
	for _, out := range order.Output.Assets {
		if out.Token != dstDesc.USDCAddress && out.Token != dstDesc.USDTAddress {
			return decimal.Zero, UnsupportedToken
		}
		decimals, err := l.TokenDecimals(ctx, order.Destination, out.Token)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(util.AmountToUSD(out.Amount, decimals))
	}

	return total, nil
}

// ValueUSD is ValueUSDDecimal projected to float64 for callers (the
// scheduler) that only need an ordering-comparable score.
func (l *Layer) ValueUSD(ctx context.Context, order *filler.Order) (float64, error) {
	d, err := l.ValueUSDDecimal(ctx, order)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}

// EnsureApprovals sends approve(spender, MaxUint256) for every token whose
// live allowance falls short of the required amount (spec.md 4.D). Tokens
// already sufficiently approved are skipped — a no-op, grounded on the
// teacher's ensureApproval allowance check.
func (l *Layer) EnsureApprovals(ctx context.Context, owner, spender filler.Address20, required map[filler.Address20]*big.Int, signer *chainclient.Pair) error {
	maxUint := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	for token, amount := range required {
		if token == filler.NativeAsset {
			continue
		}
		cc := NewContractClient(signer.Public, token, l.erc20ABI)

		out, err := cc.Call(ctx, &owner, "allowance", owner, spender)
		if err != nil || len(out) != 1 {
			return fmt.Errorf("contractclient: read allowance for %s: %w", token, err)
		}
		allowance, ok := out[0].(*big.Int)
		if !ok {
			return fmt.Errorf("contractclient: allowance() returned unexpected type")
		}
		if allowance.Cmp(amount) >= 0 {
			continue
		}

		if _, err := cc.Send(ctx, Premium, nil, &owner, signer.Key, "approve", spender, maxUint); err != nil {
			return fmt.Errorf("contractclient: approve %s: %w", token, err)
		}
	}
	return nil
}

// EstimateGas estimates and caches the full gas tuple for filling order,
// using the host's estimateFillGas view. On any failure it falls back to
// DefaultGasFallback as the total cost and logs the condition rather than
// propagating the error, matching the documented best-effort policy
// (spec.md 4.D, 9).
func (l *Layer) EstimateGas(ctx context.Context, order *filler.Order, opts filler.FillOptions, signer *chainclient.Pair) cache.GasEstimate {
	desc, ok := l.descriptors[order.Destination]
	if !ok {
		l.log.Warnw("gas estimation for unknown chain, using fallback", "chain", order.Destination, "commitment", order.Commitment)
		return l.fallbackEstimate(order.Commitment)
	}

	host := NewContractClient(signer.Public, desc.HostAddress, l.gatewayABI)
	out, err := host.Call(ctx, nil, "estimateFillGas", orderToTuple(order), opts)
	if err != nil || len(out) != 3 {
		l.log.Warnw("gas estimation failed, using fallback", "commitment", order.Commitment, "error", err)
		return l.fallbackEstimate(order.Commitment)
	}

	callGasLimit, ok1 := out[0].(uint64)
	verificationGasLimit, ok2 := out[1].(uint64)
	preVerificationGas, ok3 := out[2].(uint64)
	if !ok1 || !ok2 || !ok3 {
		l.log.Warnw("gas estimation returned unexpected types, using fallback", "commitment", order.Commitment)
		return l.fallbackEstimate(order.Commitment)
	}

	tip, feeCap, err := l.suggestFeesFor(ctx, signer.Public, desc.GasPriceOracleURL)
	if err != nil {
		l.log.Warnw("fee suggestion failed, using fallback", "commitment", order.Commitment, "error", err)
		return l.fallbackEstimate(order.Commitment)
	}

	totalGas := callGasLimit + verificationGasLimit + preVerificationGas
	totalCost := new(big.Int).Mul(new(big.Int).SetUint64(totalGas), feeCap)

	est := cache.GasEstimate{
		TotalCostInSourceFeeToken: totalCost,
		DispatchFee:               big.NewInt(0),
		NativeDispatchFee:         big.NewInt(0),
		CallGasLimit:              callGasLimit,
		VerificationGasLimit:      verificationGasLimit,
		PreVerificationGas:        preVerificationGas,
		MaxFeePerGas:              feeCap,
		MaxPriorityFeePerGas:      tip,
	}
	if err := l.cache.SetGasEstimate(order.Commitment, est); err != nil {
		l.log.Warnw("refusing to cache non-positive gas estimate, using fallback", "commitment", order.Commitment, "error", err)
		return l.fallbackEstimate(order.Commitment)
	}
	return est
}

func (l *Layer) fallbackEstimate(commitment common.Hash) cache.GasEstimate {
	est := cache.GasEstimate{TotalCostInSourceFeeToken: big.NewInt(DefaultGasFallback)}
	_ = l.cache.SetGasEstimate(commitment, est)
	return est
}

// suggestFeesFor resolves a tip cap and fee cap for a fill, consulting the
// destination chain's external gas-price oracle first (when configured) and
// falling back to the RPC-suggested tip cap on any oracle failure (spec.md
// 4.D, "an optional external gas-price oracle may be consulted for
// designated chains, with on-RPC fallback").
func (l *Layer) suggestFeesFor(ctx context.Context, client interface {
	SuggestGasTipCap(context.Context) (*big.Int, error)
}, oracleURL string) (*big.Int, *big.Int, error) {
	if tip, ok := l.consultGasOracle(ctx, oracleURL); ok {
		return tip, new(big.Int).Mul(tip, big.NewInt(2)), nil
	}

	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	feeCap := new(big.Int).Mul(tip, big.NewInt(2))
	return tip, feeCap, nil
}

// gasOracleResponse is the minimal JSON shape expected back from a
// configured external gas-price oracle: a suggested priority-fee tip cap in
// wei, as a decimal string to survive values too large for a JSON number.
type gasOracleResponse struct {
	TipCapWei string `json:"tipCapWei"`
}

// consultGasOracle best-effort queries oracleURL for a tip cap. Any failure
// — unreachable, non-200, unparseable, non-numeric — returns ok=false so the
// caller falls back to the RPC-suggested price rather than failing the fill.
func (l *Layer) consultGasOracle(ctx context.Context, oracleURL string) (tip *big.Int, ok bool) {
	if oracleURL == "" {
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, oracleURL, nil)
	if err != nil {
		l.log.Warnw("gas price oracle request could not be built, falling back to RPC", "url", oracleURL, "error", err)
		return nil, false
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		l.log.Warnw("gas price oracle unreachable, falling back to RPC", "url", oracleURL, "error", err)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		l.log.Warnw("gas price oracle returned non-200, falling back to RPC", "url", oracleURL, "status", resp.StatusCode)
		return nil, false
	}

	var out gasOracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		l.log.Warnw("gas price oracle returned unparseable body, falling back to RPC", "url", oracleURL, "error", err)
		return nil, false
	}

	tip, parsed := new(big.Int).SetString(out.TipCapWei, 10)
	if !parsed || tip.Sign() <= 0 {
		l.log.Warnw("gas price oracle returned non-positive tipCapWei, falling back to RPC", "url", oracleURL, "value", out.TipCapWei)
		return nil, false
	}
	return tip, true
}

// orderToTuple projects an Order into the ABI-encodable shape the gateway
// contract expects, expanding ChainTag into its numeric chain id.
func orderToTuple(o *filler.Order) struct {
	User        common.Address `abi:"user"`
	Source      *big.Int       `abi:"source"`
	Destination *big.Int       `abi:"destination"`
	Deadline    *big.Int       `abi:"deadline"`
	Nonce       *big.Int       `abi:"nonce"`
	Fees        *big.Int       `abi:"fees"`
	Session     [32]byte       `abi:"session"`
} {
	srcID, _ := o.Source.ChainID()
	dstID, _ := o.Destination.ChainID()
	return struct {
		User        common.Address `abi:"user"`
		Source      *big.Int       `abi:"source"`
		Destination *big.Int       `abi:"destination"`
		Deadline    *big.Int       `abi:"deadline"`
		Nonce       *big.Int       `abi:"nonce"`
		Fees        *big.Int       `abi:"fees"`
		Session     [32]byte       `abi:"session"`
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

// PrepareBidUserOp builds and ABI-encodes the bid's PackedUserOperation from
// the cached gas estimate plus the promised outputs (spec.md 4.D). Fails
// with ErrEstimateMissing if profitability evaluation never ran (and so
// never cached an estimate) for this commitment.
func (l *Layer) PrepareBidUserOp(order *filler.Order, opts filler.FillOptions, sender filler.Address20, nonce *big.Int, signature []byte) (common.Hash, []byte, error) {
	callData, err := l.gatewayABI.Pack("fillOrder", orderToTuple(order), opts)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("contractclient: pack fillOrder calldata: %w", err)
	}
	return l.PrepareBidUserOpWithCallData(order.Commitment, callData, sender, nonce, signature)
}

// PrepareBidUserOpWithCallData is PrepareBidUserOp's shared core: it accepts
// already-built calldata so callers that submit something other than a bare
// fillOrder call (the managed-asset strategy's batched approve+fill) can
// still reuse the cached gas estimate and UserOp packing (spec.md 4.G).
func (l *Layer) PrepareBidUserOpWithCallData(commitment common.Hash, callData []byte, sender filler.Address20, nonce *big.Int, signature []byte) (common.Hash, []byte, error) {
	est, ok := l.cache.GasEstimate(commitment)
	if !ok {
		return common.Hash{}, nil, filler.ErrEstimateMissing
	}

	op := filler.PackedUserOperation{
		Sender:             sender,
		Nonce:              nonce,
		InitCode:           nil,
		CallData:           callData,
		AccountGasLimits:   filler.PackGasLimits(est.VerificationGasLimit, est.CallGasLimit),
		PreVerificationGas: new(big.Int).SetUint64(est.PreVerificationGas),
		GasFees:            packFeeLimits(est.MaxPriorityFeePerGas, est.MaxFeePerGas),
		PaymasterAndData:   nil,
		Signature:          signature,
	}

	encoded, err := l.entryPointABI.Pack("getUserOpHash", op)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("contractclient: encode packed user operation: %w", err)
	}
	return commitment, encoded, nil
}

func packFeeLimits(tip, feeCap *big.Int) [32]byte {
	var out [32]byte
	if tip == nil {
		tip = big.NewInt(0)
	}
	if feeCap == nil {
		feeCap = big.NewInt(0)
	}
	tip.FillBytes(out[:16])
	feeCap.FillBytes(out[16:])
	return out
}
