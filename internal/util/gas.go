package util

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// ExtractGasCost computes GasUsed * EffectiveGasPrice from a mined receipt,
// the same total the teacher recorded per TransactionRecord.
func ExtractGasCost(receipt *types.Receipt) (*big.Int, error) {
	if receipt == nil {
		return nil, errors.New("nil receipt")
	}
	if receipt.EffectiveGasPrice == nil {
		return nil, errors.New("receipt missing effective gas price")
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	return cost, nil
}

// Succeeded reports whether the receipt's status indicates a successful
// transaction, mapping anything else to the "soft failure" the spec
// describes for contract-call reversion at execution (spec.md 7).
func Succeeded(receipt *types.Receipt) bool {
	return receipt != nil && receipt.Status == types.ReceiptStatusSuccessful
}
