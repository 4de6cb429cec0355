package solana

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"dlmm-keeper/pkg/types"
)

// Wire layout: compact-u16 signature count, 64 bytes per signature, then the
// message. Versioned messages carry a one-byte prefix with the high bit set;
// either way the header is three bytes followed by the static account keys,
// and the fee payer is the first key.

func decodeCompactU16(b []byte) (value, size int, err error) {
	shift := 0
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("truncated compact-u16")
		}
		v := int(b[i])
		value |= (v & 0x7f) << shift
		if v&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("compact-u16 overruns three bytes")
}

// feePayer extracts the first static account key of an encoded transaction.
func feePayer(tx []byte) (string, error) {
	sigCount, n, err := decodeCompactU16(tx)
	if err != nil {
		return "", fmt.Errorf("signature count: %w", err)
	}
	msgStart := n + sigCount*ed25519.SignatureSize
	if len(tx) < msgStart {
		return "", errors.New("truncated signature section")
	}

	msg := tx[msgStart:]
	if len(msg) > 0 && msg[0]&0x80 != 0 {
		msg = msg[1:] // versioned prefix
	}
	if len(msg) < 3 {
		return "", errors.New("truncated message header")
	}
	msg = msg[3:]

	keyCount, n, err := decodeCompactU16(msg)
	if err != nil {
		return "", fmt.Errorf("account key count: %w", err)
	}
	if keyCount == 0 || len(msg) < n+32 {
		return "", errors.New("no account keys")
	}
	return base58.Encode(msg[n : n+32]), nil
}

// SignTransaction fills the fee-payer signature slot of a base64-encoded
// transaction and returns the signed payload. The wallet must be the fee
// payer; anything else is Unauthorized.
func SignTransaction(w *Wallet, txB64 string) (string, error) {
	const op = "solana.signTransaction"

	raw, err := base64.StdEncoding.DecodeString(txB64)
	if err != nil {
		return "", types.E(types.KindValidation, op, fmt.Errorf("decode transaction: %w", err))
	}

	payer, err := feePayer(raw)
	if err != nil {
		return "", types.E(types.KindValidation, op, err)
	}
	if payer != w.PublicKey() {
		return "", types.Errorf(types.KindUnauthorized, op,
			"fee payer %s is not the keeper wallet %s", payer, w.PublicKey())
	}

	sigCount, n, err := decodeCompactU16(raw)
	if err != nil {
		return "", types.E(types.KindValidation, op, err)
	}
	if sigCount == 0 {
		return "", types.Errorf(types.KindValidation, op, "transaction has no signature slots")
	}

	msgStart := n + sigCount*ed25519.SignatureSize
	sig := w.Sign(raw[msgStart:])
	copy(raw[n:n+ed25519.SignatureSize], sig)

	return base64.StdEncoding.EncodeToString(raw), nil
}
