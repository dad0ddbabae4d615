package web3

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitionsAndResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	content := []byte(`default: sepolia
chains:
  sepolia:
    rpc_url: https://sepolia.example
    confirmations: 3
  local:
    type: EVM
    rpc_url: http://127.0.0.1:8545
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	name, chain, err := defs.Resolve("", "")
	if err != nil || name != "sepolia" || chain.Confirmations != 3 || chain.Type != "evm" {
		t.Fatalf("unexpected default chain %s %+v %v", name, chain, err)
	}
	_, local, err := defs.Resolve("local", "")
	if err != nil || local.Type != "evm" || local.Confirmations != 1 {
		t.Fatalf("unexpected local chain %+v %v", local, err)
	}
	if _, _, err := defs.Resolve("mainnet", ""); err == nil {
		t.Fatal("unknown chain should fail")
	}
}

func TestResolveFallsBackToRPC(t *testing.T) {
	defs, _ := LoadChainDefinitions("")
	name, chain, err := defs.Resolve("", "http://node:8545")
	if err != nil || name != "default" || chain.RPCURL != "http://node:8545" {
		t.Fatalf("unexpected fallback %s %+v %v", name, chain, err)
	}
	if _, _, err := defs.Resolve("", ""); err == nil {
		t.Fatal("expected error without any chain")
	}
}

func TestFormatVerifier(t *testing.T) {
	good := "0x8a2f1c3e5d7b9a0c4e6f8a1b3c5d7e9f0a2b4c6d8e0f1a3b5c7d9e1f2a4b6c8d"
	if err := (FormatVerifier{}).VerifyTransaction(context.Background(), good); err != nil {
		t.Fatalf("valid hash rejected: %v", err)
	}
	for _, bad := range []string{"", "0x1234", "8a2f", "0xzz"} {
		if err := (FormatVerifier{}).VerifyTransaction(context.Background(), bad); !errors.Is(err, ErrInvalidTxRef) {
			t.Fatalf("%q: expected invalid ref, got %v", bad, err)
		}
	}
}
