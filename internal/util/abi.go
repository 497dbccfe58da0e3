// Package util holds small infrastructure helpers shared across the filler's
// packages: ABI loading, secret decryption, gas-cost extraction and
// fixed-point decimal conversions. None of it is domain logic.
package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// hardhatArtifact is the subset of a Hardhat compilation artifact we need:
// the ABI fragment, discarding bytecode and source metadata.
type hardhatArtifact struct {
	ABI json.RawMessage `json:"abi"`
}

// LoadABIFromHardhatArtifact reads a Hardhat-style artifact JSON file and
// parses its "abi" field into a go-ethereum abi.ABI, the same loader shape
// the teacher used for the router and pool ABIs.
func LoadABIFromHardhatArtifact(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read artifact %s: %w", path, err)
	}

	var artifact hardhatArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return abi.ABI{}, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if len(artifact.ABI) == 0 {
		return abi.ABI{}, fmt.Errorf("artifact %s has no abi field", path)
	}

	parsed, err := abi.JSON(bytes.NewReader(artifact.ABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("decode abi from %s: %w", path, err)
	}
	return parsed, nil
}

// LoadABI parses a bare ABI JSON array (no Hardhat wrapper), for contracts
// whose ABI is vendored directly rather than as a build artifact.
func LoadABI(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read abi %s: %w", path, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("decode abi %s: %w", path, err)
	}
	return parsed, nil
}
