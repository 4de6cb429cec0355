package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"

	"dlmm-keeper/internal/config"
)

func TestLoadWalletInlineKey(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	w, err := LoadWallet(config.WalletConfig{PrivateKey: base58.Encode(priv)})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	if w.PublicKey() != base58.Encode(pub) {
		t.Errorf("public key = %s, want %s", w.PublicKey(), base58.Encode(pub))
	}
}

func TestLoadWalletKeypairFile(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	nums := make([]int, len(priv))
	for i, b := range priv {
		nums[i] = int(b)
	}
	data, err := json.Marshal(nums)
	if err != nil {
		t.Fatalf("marshal keypair: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write keypair: %v", err)
	}

	w, err := LoadWallet(config.WalletConfig{KeypairPath: path})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	if w.PublicKey() != base58.Encode(pub) {
		t.Errorf("public key = %s, want %s", w.PublicKey(), base58.Encode(pub))
	}
}

func TestLoadWalletRejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := LoadWallet(config.WalletConfig{}); err == nil {
		t.Error("empty config should fail")
	}
	if _, err := LoadWallet(config.WalletConfig{PrivateKey: base58.Encode([]byte{1, 2, 3})}); err == nil {
		t.Error("short key should fail")
	}
	if _, err := LoadWallet(config.WalletConfig{KeypairPath: filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Error("missing keypair file should fail")
	}
}

func TestWalletSignVerifies(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	w, err := walletFromSecret(priv)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}

	msg := []byte("bin liquidity message")
	if !ed25519.Verify(pub, msg, w.Sign(msg)) {
		t.Error("signature does not verify")
	}
}
