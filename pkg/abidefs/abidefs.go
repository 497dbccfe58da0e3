// Package abidefs holds the parsed ABI fragments the filler binds against:
// the intent gateway/host contract, ERC-20, the ERC-4337 entry point and
// ERC-7821 batch execution (spec.md 4.D, 4.E, 4.G). Each is parsed once at
// package init; a malformed fragment is a build-time programmer error, not
// a runtime condition any caller can recover from.
package abidefs

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("abidefs: malformed ABI fragment: " + err.Error())
	}
	return parsed
}

// GatewayABI covers both the per-chain gateway contract (placeOrder,
// OrderPlaced) and the host contract bound at the same shape
// (feeToken, perByteFee, estimateFillGas, fillOrder) — the gateway and
// the host are the same deployed contract on every chain this filler
// targets (spec.md 3, glossary "Host contract").
var GatewayABI = mustParseABI(`[
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
  ]},
  {"type":"function","name":"placeOrder","stateMutability":"payable","inputs":[
    {"name":"order","type":"tuple","components":[
      {"name":"user","type":"address"},
      {"name":"source","type":"uint256"},
      {"name":"destination","type":"uint256"},
      {"name":"deadline","type":"uint256"},
      {"name":"nonce","type":"uint256"},
      {"name":"fees","type":"uint256"},
      {"name":"session","type":"bytes32"}
    ]},
    {"name":"output","type":"tuple","components":[
      {"name":"beneficiary","type":"address"},
      {"name":"call","type":"bytes"}
    ]},
    {"name":"predispatch","type":"tuple","components":[
      {"name":"call","type":"bytes"}
    ]}
  ],"outputs":[]},
  {"type":"function","name":"fillOrder","stateMutability":"payable","inputs":[
    {"name":"order","type":"tuple","components":[
      {"name":"user","type":"address"},
      {"name":"source","type":"uint256"},
      {"name":"destination","type":"uint256"},
      {"name":"deadline","type":"uint256"},
      {"name":"nonce","type":"uint256"},
      {"name":"fees","type":"uint256"},
      {"name":"session","type":"bytes32"}
    ]},
    {"name":"opts","type":"tuple","components":[
      {"name":"beneficiary","type":"address"},
      {"name":"outputs","type":"tuple[]","components":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
      {"name":"deadline","type":"uint256"}
    ]}
  ],"outputs":[]},
  {"type":"function","name":"estimateFillGas","stateMutability":"view","inputs":[
    {"name":"order","type":"tuple","components":[
      {"name":"user","type":"address"},
      {"name":"source","type":"uint256"},
      {"name":"destination","type":"uint256"},
      {"name":"deadline","type":"uint256"},
      {"name":"nonce","type":"uint256"},
      {"name":"fees","type":"uint256"},
      {"name":"session","type":"bytes32"}
    ]},
    {"name":"opts","type":"tuple","components":[
      {"name":"beneficiary","type":"address"},
      {"name":"outputs","type":"tuple[]","components":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
      {"name":"deadline","type":"uint256"}
    ]}
  ],"outputs":[
    {"name":"callGasLimit","type":"uint64"},
    {"name":"verificationGasLimit","type":"uint64"},
    {"name":"preVerificationGas","type":"uint64"}
  ]},
  {"type":"function","name":"feeToken","stateMutability":"view","inputs":[],"outputs":[
    {"name":"token","type":"address"},
    {"name":"decimals","type":"uint8"}
  ]},
  {"type":"function","name":"perByteFee","stateMutability":"view","inputs":[
    {"name":"destinationChainId","type":"uint256"}
  ],"outputs":[{"name":"fee","type":"uint256"}]}
]`)

// ERC20ABI covers the subset of the standard token interface the filler
// reads and writes: decimals, balance and allowance reads, and the
// unlimited-allowance approval the managed-asset strategy batches
// alongside its fill call.
var ERC20ABI = mustParseABI(`[
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`)

// EntryPointABI covers the single ERC-4337 entry point view the bid path
// needs: hashing a packed UserOperation before it is signed over.
var EntryPointABI = mustParseABI(`[
  {"type":"function","name":"getUserOpHash","stateMutability":"view","inputs":[
    {"name":"op","type":"tuple","components":[
      {"name":"sender","type":"address"},
      {"name":"nonce","type":"uint256"},
      {"name":"initCode","type":"bytes"},
      {"name":"callData","type":"bytes"},
      {"name":"accountGasLimits","type":"bytes32"},
      {"name":"preVerificationGas","type":"uint256"},
      {"name":"gasFees","type":"bytes32"},
      {"name":"paymasterAndData","type":"bytes"},
      {"name":"signature","type":"bytes"}
    ]}
  ],"outputs":[{"name":"","type":"bytes32"}]}
]`)

// ERC7821ABI covers the minimal batch-execution interface the managed-asset
// strategy uses to bundle approvals with its fill call in one transaction.
var ERC7821ABI = mustParseABI(`[
  {"type":"function","name":"execute","stateMutability":"payable","inputs":[
    {"name":"mode","type":"bytes32"},
    {"name":"calls","type":"tuple[]","components":[
      {"name":"target","type":"address"},
      {"name":"value","type":"uint256"},
      {"name":"data","type":"bytes"}
    ]}
  ],"outputs":[]}
]`)
