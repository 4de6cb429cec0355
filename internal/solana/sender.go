package solana

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sender signs, submits, and confirms transactions. Submission is serialized
// so concurrent strategies sharing one wallet never interleave in-flight
// transactions.
type Sender struct {
	mu             sync.Mutex
	gw             *Gateway
	wallet         *Wallet
	confirmTimeout time.Duration
	logger         *slog.Logger
}

func NewSender(gw *Gateway, w *Wallet, confirmTimeout time.Duration, logger *slog.Logger) *Sender {
	if confirmTimeout <= 0 {
		confirmTimeout = 30 * time.Second
	}
	return &Sender{
		gw:             gw,
		wallet:         w,
		confirmTimeout: confirmTimeout,
		logger:         logger.With("component", "sender"),
	}
}

// Wallet returns the base58 address transactions are signed with.
func (s *Sender) Wallet() string { return s.wallet.PublicKey() }

// Send signs an unsigned base64 transaction, submits it, and waits for
// confirmation. The signature is returned even when confirmation fails so
// callers can log or re-poll it.
func (s *Sender) Send(ctx context.Context, unsignedB64 string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signed, err := SignTransaction(s.wallet, unsignedB64)
	if err != nil {
		return "", err
	}

	sig, err := s.gw.SendTransaction(ctx, signed)
	if err != nil {
		return "", err
	}
	s.logger.Debug("transaction submitted", "signature", sig)

	if err := s.gw.ConfirmSignature(ctx, sig, s.confirmTimeout); err != nil {
		s.logger.Warn("transaction not confirmed", "signature", sig, "error", err)
		return sig, err
	}
	s.logger.Info("transaction confirmed", "signature", sig)
	return sig, nil
}
