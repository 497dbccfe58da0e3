package strategy

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/pkg/cache"
	"github.com/duskrelay/intentfiller/pkg/chainclient"
	"github.com/duskrelay/intentfiller/pkg/contractclient"
	"github.com/duskrelay/intentfiller/pkg/policy"
)

const testERC7821ABIJSON = `[
  {"type":"function","name":"execute","stateMutability":"payable","inputs":[
    {"name":"mode","type":"bytes32"},
    {"name":"calls","type":"tuple[]","components":[
      {"name":"target","type":"address"},
      {"name":"value","type":"uint256"},
      {"name":"data","type":"bytes"}
    ]}
  ],"outputs":[]}
]`

func testERC7821ABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(testERC7821ABIJSON))
	require.NoError(t, err)
	return parsed
}

func testPriceCurve(t *testing.T, price int64) *policy.Curve {
	t.Helper()
	c, err := policy.NewPriceCurve([]policy.Point{
		{Amount: decimal.NewFromInt(0), Value: decimal.NewFromInt(price)},
	})
	require.NoError(t, err)
	return c
}

func newManagedAssetHarness(t *testing.T, descriptors []filler.ChainDescriptor, maxOrderUSD decimal.Decimal, price int64) *ManagedAsset {
	t.Helper()
	gatewayABI := testGatewayABI(t)
	layer := contractclient.NewLayer(chainclient.New(), cache.New(time.Minute), zap.NewNop().Sugar(), gatewayABI, gatewayABI, gatewayABI, descriptors)
	return NewManagedAsset(layer, cache.New(time.Minute), testPriceCurve(t, price), maxOrderUSD, gatewayABI, gatewayABI, testERC7821ABI(t), descriptors, nil, filler.Address20{}, zap.NewNop().Sugar())
}

func TestManagedAsset_CanFill_RejectsCrossChain(t *testing.T) {
	src := filler.NewChainTag(1)
	dst := filler.NewChainTag(2)
	descriptors := []filler.ChainDescriptor{{Tag: src}, {Tag: dst}}
	s := newManagedAssetHarness(t, descriptors, decimal.NewFromInt(1000), 2)

	order := &filler.Order{
		Source:      src,
		Destination: dst,
		Inputs:      []filler.AssetAmount{{Token: common.HexToAddress("0x01"), Amount: big.NewInt(1)}},
		Output:      filler.OutputData{Assets: []filler.AssetAmount{{Token: common.HexToAddress("0x02"), Amount: big.NewInt(1)}}},
	}
	assert.False(t, s.CanFill(context.Background(), order))
}

func TestManagedAsset_CanFill_AcceptsStableManagedPair(t *testing.T) {
	chain := filler.NewChainTag(1)
	usdc := common.HexToAddress("0xaa")
	managed := common.HexToAddress("0xbb")
	descriptors := []filler.ChainDescriptor{{Tag: chain, USDCAddress: usdc, ManagedAssets: []filler.Address20{managed}}}
	s := newManagedAssetHarness(t, descriptors, decimal.NewFromInt(1000), 2)

	order := &filler.Order{
		Source:      chain,
		Destination: chain,
		Inputs:      []filler.AssetAmount{{Token: usdc, Amount: big.NewInt(100)}},
		Output:      filler.OutputData{Assets: []filler.AssetAmount{{Token: managed, Amount: big.NewInt(50)}}},
	}
	assert.True(t, s.CanFill(context.Background(), order))
}

func TestManagedAsset_CanFill_RejectsBothLegsStable(t *testing.T) {
	chain := filler.NewChainTag(1)
	usdc := common.HexToAddress("0xaa")
	usdt := common.HexToAddress("0xcc")
	descriptors := []filler.ChainDescriptor{{Tag: chain, USDCAddress: usdc, USDTAddress: usdt}}
	s := newManagedAssetHarness(t, descriptors, decimal.NewFromInt(1000), 2)

	order := &filler.Order{
		Source:      chain,
		Destination: chain,
		Inputs:      []filler.AssetAmount{{Token: usdc, Amount: big.NewInt(100)}},
		Output:      filler.OutputData{Assets: []filler.AssetAmount{{Token: usdt, Amount: big.NewInt(100)}}},
	}
	assert.False(t, s.CanFill(context.Background(), order))
}

func TestClassifyLeg_UnknownTokenIsUnknown(t *testing.T) {
	desc := filler.ChainDescriptor{USDCAddress: common.HexToAddress("0xaa")}
	assert.Equal(t, sideUnknown, classifyLeg(desc, common.HexToAddress("0xff")))
}

func TestNativeValue_AndBatchCall_FieldsRoundTrip(t *testing.T) {
	call := batchCall{Target: common.HexToAddress("0x01"), Value: big.NewInt(5), Data: []byte{0x01}}
	assert.Equal(t, common.HexToAddress("0x01"), call.Target)
	assert.Equal(t, big.NewInt(5), call.Value)
}
