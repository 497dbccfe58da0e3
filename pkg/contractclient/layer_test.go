package contractclient

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/pkg/cache"
	"github.com/duskrelay/intentfiller/pkg/chainclient"
)

func newTestLayer(t *testing.T, descriptors []filler.ChainDescriptor) *Layer {
	t.Helper()
	emptyABI := mustABI(t)
	return NewLayer(chainclient.New(), cache.New(time.Minute), zap.NewNop().Sugar(), emptyABI, emptyABI, emptyABI, descriptors)
}

func TestValueUSD_RejectsNonStableInputToken(t *testing.T) {
	src := filler.NewChainTag(1)
	dst := filler.NewChainTag(2)
	descriptors := []filler.ChainDescriptor{
		{Tag: src, USDCAddress: common.HexToAddress("0xaa")},
		{Tag: dst, USDCAddress: common.HexToAddress("0xbb")},
	}
	l := newTestLayer(t, descriptors)

	order := &filler.Order{
		Source:      src,
		Destination: dst,
		Inputs:      []filler.AssetAmount{{Token: common.HexToAddress("0xdeadbeef"), Amount: big.NewInt(1)}},
	}

	_, err := l.ValueUSD(context.Background(), order)
	require.Error(t, err)
	assert.ErrorIs(t, err, filler.ErrUnsupportedToken)
}

func TestFallbackEstimate_UsesDefaultGasFallback(t *testing.T) {
	l := newTestLayer(t, nil)
	commitment := common.HexToHash("0x01")

	est := l.fallbackEstimate(commitment)
	assert.Equal(t, int64(DefaultGasFallback), est.TotalCostInSourceFeeToken.Int64())

	cached, ok := l.cache.GasEstimate(commitment)
	require.True(t, ok)
	assert.Equal(t, int64(DefaultGasFallback), cached.TotalCostInSourceFeeToken.Int64())
}

func TestPrepareBidUserOp_FailsWithoutCachedEstimate(t *testing.T) {
	l := newTestLayer(t, nil)
	order := &filler.Order{Commitment: common.HexToHash("0x02")}

	_, _, err := l.PrepareBidUserOp(order, filler.FillOptions{}, common.Address{}, big.NewInt(0), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, filler.ErrEstimateMissing)
}

func TestPackGasLimits_PacksHighAndLowHalves(t *testing.T) {
	packed := filler.PackGasLimits(10, 20)
	assert.Equal(t, byte(10), packed[15])
	assert.Equal(t, byte(20), packed[31])
}
