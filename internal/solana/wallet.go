package solana

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"

	"dlmm-keeper/internal/config"
	"dlmm-keeper/pkg/types"
)

// Wallet holds the keeper's ed25519 keypair.
type Wallet struct {
	priv   ed25519.PrivateKey
	pubB58 string
}

// LoadWallet reads the keypair from config: an inline base58-encoded 64-byte
// secret, or a solana-cli JSON keypair file (an array of byte values).
func LoadWallet(cfg config.WalletConfig) (*Wallet, error) {
	const op = "solana.loadWallet"

	switch {
	case cfg.PrivateKey != "":
		raw, err := base58.Decode(cfg.PrivateKey)
		if err != nil {
			return nil, types.E(types.KindValidation, op, fmt.Errorf("decode private key: %w", err))
		}
		return walletFromSecret(raw)

	case cfg.KeypairPath != "":
		data, err := os.ReadFile(cfg.KeypairPath)
		if err != nil {
			return nil, types.E(types.KindValidation, op, err)
		}
		var nums []int
		if err := json.Unmarshal(data, &nums); err != nil {
			return nil, types.E(types.KindValidation, op, fmt.Errorf("parse keypair file: %w", err))
		}
		raw := make([]byte, len(nums))
		for i, v := range nums {
			if v < 0 || v > 255 {
				return nil, types.Errorf(types.KindValidation, op, "keypair byte %d out of range", i)
			}
			raw[i] = byte(v)
		}
		return walletFromSecret(raw)

	default:
		return nil, types.Errorf(types.KindValidation, op, "no wallet key configured")
	}
}

func walletFromSecret(raw []byte) (*Wallet, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return nil, types.Errorf(types.KindValidation, "solana.loadWallet",
			"secret key is %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &Wallet{priv: priv, pubB58: base58.Encode(pub)}, nil
}

// PublicKey returns the base58 wallet address.
func (w *Wallet) PublicKey() string { return w.pubB58 }

// Sign signs msg with the wallet key.
func (w *Wallet) Sign(msg []byte) []byte { return ed25519.Sign(w.priv, msg) }
