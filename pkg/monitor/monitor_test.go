package monitor

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller"
)

const testGatewayABIJSON = `[
  {"type":"event","name":"OrderPlaced","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"source","type":"uint256","indexed":true},
    {"name":"destination","type":"uint256","indexed":true},
    {"name":"deadline","type":"uint256"},
    {"name":"nonce","type":"uint256"},
    {"name":"fees","type":"uint256"},
    {"name":"session","type":"bytes32"},
    {"name":"inputs","type":"tuple[]","components":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
    {"name":"outputs","type":"tuple[]","components":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]}
  ]}
]`

func testGatewayABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(testGatewayABIJSON))
	require.NoError(t, err)
	return parsed
}

type fakeReader struct {
	mu         sync.Mutex
	blockNum   uint64
	logs       []types.Log
	logsErr    error
	txData     map[common.Hash][]byte
	blockCalls int
}

func (f *fakeReader) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockCalls++
	return f.blockNum, nil
}

func (f *fakeReader) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return f.logs, nil
}

func (f *fakeReader) TransactionData(ctx context.Context, txHash common.Hash) ([]byte, error) {
	return f.txData[txHash], nil
}

func TestScanner_AdvancesWatermarkOnCleanScan(t *testing.T) {
	reader := &fakeReader{blockNum: 100}
	s := New(filler.NewChainTag(1), common.HexToAddress("0x01"), testGatewayABI(t), reader, 1, func(*filler.Order) {}, zap.NewNop().Sugar(), nil)

	s.scanLocked(context.Background())
	assert.Equal(t, uint64(100), s.LastScanned())
}

func TestScanner_DoesNotAdvanceWatermarkOnScanError(t *testing.T) {
	reader := &fakeReader{blockNum: 100, logsErr: errors.New("rpc down")}
	s := New(filler.NewChainTag(1), common.HexToAddress("0x01"), testGatewayABI(t), reader, 50, func(*filler.Order) {}, zap.NewNop().Sugar(), nil)

	before := s.LastScanned()
	s.scanLocked(context.Background())
	assert.Equal(t, before, s.LastScanned())
	assert.Equal(t, uint64(49), before)
}

func TestScanner_CapsRangeAtMaxRangeSize(t *testing.T) {
	reader := &fakeReader{blockNum: 5000}
	s := New(filler.NewChainTag(1), common.HexToAddress("0x01"), testGatewayABI(t), reader, 1, func(*filler.Order) {}, zap.NewNop().Sugar(), nil)

	s.scanLocked(context.Background())
	assert.Equal(t, uint64(1+maxRangeSize), s.LastScanned(), "first scan must cap at from+maxRangeSize blocks from the start")
}

func TestTick_SkipsWhenScanAlreadyInFlight(t *testing.T) {
	reader := &fakeReader{blockNum: 100}
	s := New(filler.NewChainTag(1), common.HexToAddress("0x01"), testGatewayABI(t), reader, 1, func(*filler.Order) {}, zap.NewNop().Sugar(), nil)

	s.mu.Lock()
	s.tick(context.Background())
	s.mu.Unlock()

	assert.Equal(t, 0, reader.blockCalls, "a busy mutex must skip the tick entirely")
}

func TestStop_DrainsInFlightScanBeforeReturning(t *testing.T) {
	reader := &fakeReader{blockNum: 100}
	s := New(filler.NewChainTag(1), common.HexToAddress("0x01"), testGatewayABI(t), reader, 1, func(*filler.Order) {}, zap.NewNop().Sugar(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	time.Sleep(5 * time.Millisecond)
	cancel()
	s.Stop()
}

func TestDecodeAssetAmounts_RejectsWrongType(t *testing.T) {
	assert.Nil(t, decodeAssetAmounts("not a slice"))
}

func TestDecodeAssetAmounts_ConvertsToAssetAmount(t *testing.T) {
	items := []tokenAmount{{Token: common.HexToAddress("0x01"), Amount: big.NewInt(10)}}
	out := decodeAssetAmounts(items)
	require.Len(t, out, 1)
	assert.Equal(t, common.HexToAddress("0x01"), out[0].Token)
	assert.Equal(t, int64(10), out[0].Amount.Int64())
}

func TestApplyOutputArg_SetsBeneficiaryAndCall(t *testing.T) {
	var dst filler.OutputData
	applyOutputArg(&dst, outputArg{Beneficiary: common.HexToAddress("0x02"), Call: []byte{0xde, 0xad}})
	assert.Equal(t, common.HexToAddress("0x02"), dst.Beneficiary)
	assert.Equal(t, []byte{0xde, 0xad}, dst.Call)
}

func TestDecodePredispatchArg_WrongTypeReturnsNil(t *testing.T) {
	assert.Nil(t, decodePredispatchArg(42))
}
