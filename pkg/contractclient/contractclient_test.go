package contractclient

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testABIJSON = `[
  {"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
  {"type":"function","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"}
]`

func mustABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(testABIJSON))
	require.NoError(t, err)
	return parsed
}

func TestDecodeTransaction_RecoversMethodAndArgs(t *testing.T) {
	contractABI := mustABI(t)
	cc := NewContractClient(nil, common.HexToAddress("0x01"), contractABI)

	to := common.HexToAddress("0x02")
	amount := big.NewInt(1_000_000)
	packed, err := contractABI.Pack("transfer", to, amount)
	require.NoError(t, err)

	decoded, err := cc.DecodeTransaction(packed)
	require.NoError(t, err)
	assert.Equal(t, "transfer", decoded.MethodName)
	assert.Equal(t, to, decoded.Args["to"])
	assert.Equal(t, 0, amount.Cmp(decoded.Args["amount"].(*big.Int)))
}

func TestDecodeTransaction_RejectsShortInput(t *testing.T) {
	contractABI := mustABI(t)
	cc := NewContractClient(nil, common.HexToAddress("0x01"), contractABI)

	_, err := cc.DecodeTransaction([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestDecodeTransaction_RejectsUnknownSelector(t *testing.T) {
	contractABI := mustABI(t)
	cc := NewContractClient(nil, common.HexToAddress("0x01"), contractABI)

	_, err := cc.DecodeTransaction([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	require.Error(t, err)
}

func TestAddress_ReturnsBoundAddress(t *testing.T) {
	contractABI := mustABI(t)
	addr := common.HexToAddress("0x0123456789012345678901234567890123456789")
	cc := NewContractClient(nil, addr, contractABI)
	assert.Equal(t, addr, cc.Address())
}
