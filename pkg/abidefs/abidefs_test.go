package abidefs

import "testing"

func TestGatewayABI_HasExpectedMembers(t *testing.T) {
	for _, name := range []string{"placeOrder", "fillOrder", "estimateFillGas", "feeToken", "perByteFee"} {
		if _, ok := GatewayABI.Methods[name]; !ok {
			t.Errorf("GatewayABI missing method %q", name)
		}
	}
	if _, ok := GatewayABI.Events["OrderPlaced"]; !ok {
		t.Error("GatewayABI missing event OrderPlaced")
	}
}

func TestERC20ABI_HasExpectedMembers(t *testing.T) {
	for _, name := range []string{"decimals", "balanceOf", "allowance", "approve"} {
		if _, ok := ERC20ABI.Methods[name]; !ok {
			t.Errorf("ERC20ABI missing method %q", name)
		}
	}
}

func TestEntryPointABI_HasGetUserOpHash(t *testing.T) {
	if _, ok := EntryPointABI.Methods["getUserOpHash"]; !ok {
		t.Error("EntryPointABI missing method getUserOpHash")
	}
}

func TestERC7821ABI_HasExecute(t *testing.T) {
	if _, ok := ERC7821ABI.Methods["execute"]; !ok {
		t.Error("ERC7821ABI missing method execute")
	}
}
