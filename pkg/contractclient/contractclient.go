// Package contractclient is the generic ABI-call/decode wrapper every
// higher-level component builds on: one bound contract address, one ABI,
// one underlying ethclient.Client (spec.md 4.D).
package contractclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxKind selects how Send builds the outer transaction envelope.
type TxKind int

const (
	// Standard lets the node pick gas price and nonce.
	Standard TxKind = iota
	// Premium adds the contract layer's gas-price premium (spec.md 4.D).
	Premium
)

// DecodedCall is a contract method call recovered from raw transaction
// input bytes: the matched ABI method and its decoded arguments keyed by
// parameter name.
type DecodedCall struct {
	MethodName string
	Args       map[string]interface{}
}

// ContractClient binds one address and one ABI to an underlying client and
// exposes read (Call), write (Send) and decode operations.
type ContractClient struct {
	client  *ethclient.Client
	address common.Address
	abi     abi.ABI
}

// NewContractClient builds a client bound to address using abi for both
// encoding outbound calls and decoding inbound call data.
func NewContractClient(client *ethclient.Client, address common.Address, contractABI abi.ABI) *ContractClient {
	return &ContractClient{client: client, address: address, abi: contractABI}
}

// Address returns the bound contract address.
func (c *ContractClient) Address() common.Address { return c.address }

// TransactionData fetches the raw input bytes of a mined transaction.
func (c *ContractClient) TransactionData(ctx context.Context, txHash common.Hash) ([]byte, error) {
	tx, _, err := c.client.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("contractclient: fetch tx %s: %w", txHash, err)
	}
	return tx.Data(), nil
}

// DecodeTransaction matches raw call data (4-byte selector + packed args)
// against the bound ABI and returns the method name and named arguments.
func (c *ContractClient) DecodeTransaction(data []byte) (*DecodedCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("contractclient: call data too short: %d bytes", len(data))
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("contractclient: unrecognized selector: %w", err)
	}
	args := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("contractclient: unpack %s args: %w", method.Name, err)
	}
	return &DecodedCall{MethodName: method.Name, Args: args}, nil
}

// Call performs a read-only eth_call against methodName with args, from an
// optional caller address, and returns the unpacked outputs.
func (c *ContractClient) Call(ctx context.Context, caller *common.Address, methodName string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(methodName, args...)
	if err != nil {
		return nil, fmt.Errorf("contractclient: pack %s: %w", methodName, err)
	}

	msg := ethereum.CallMsg{To: &c.address, Data: input}
	if caller != nil {
		msg.From = *caller
	}

	out, err := c.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contractclient: call %s: %w", methodName, err)
	}
	return c.abi.Unpack(methodName, out)
}

// Send builds, signs and submits a transaction calling methodName with
// args, paying value in native coin, then waits for the receipt.
func (c *ContractClient) Send(ctx context.Context, kind TxKind, value *big.Int, from *common.Address, key *ecdsa.PrivateKey, methodName string, args ...interface{}) (*types.Receipt, error) {
	input, err := c.abi.Pack(methodName, args...)
	if err != nil {
		return nil, fmt.Errorf("contractclient: pack %s: %w", methodName, err)
	}
	if value == nil {
		value = big.NewInt(0)
	}

	sender := crypto.PubkeyToAddress(key.PublicKey)
	if from != nil {
		sender = *from
	}

	nonce, err := c.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("contractclient: fetch nonce: %w", err)
	}

	gasTipCap, gasFeeCap, err := c.suggestFees(ctx, kind)
	if err != nil {
		return nil, err
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: sender, To: &c.address, Value: value, Data: input})
	if err != nil {
		return nil, fmt.Errorf("contractclient: estimate gas for %s: %w", methodName, err)
	}

	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("contractclient: fetch chain id: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &c.address,
		Value:     value,
		Data:      input,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("contractclient: sign %s: %w", methodName, err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("contractclient: submit %s: %w", methodName, err)
	}

	return bind.WaitMined(ctx, c.client, signed)
}

// premiumBps is the 20% gas-price premium applied on the Premium path to
// reduce the chance of an underpriced transaction (spec.md 4.D).
const premiumBps = 12000

func (c *ContractClient) suggestFees(ctx context.Context, kind TxKind) (tip, feeCap *big.Int, err error) {
	tip, err = c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("contractclient: suggest tip cap: %w", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("contractclient: fetch head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap = new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	if kind == Premium {
		tip = new(big.Int).Quo(new(big.Int).Mul(tip, big.NewInt(premiumBps)), big.NewInt(10000))
		feeCap = new(big.Int).Quo(new(big.Int).Mul(feeCap, big.NewInt(premiumBps)), big.NewInt(10000))
	}
	return tip, feeCap, nil
}
