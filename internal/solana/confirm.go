package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dlmm-keeper/pkg/types"
)

const confirmPollInterval = time.Second

type sigStatus struct {
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

func (s *sigStatus) failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

var commitmentRank = map[types.Commitment]int{
	types.CommitmentProcessed: 0,
	types.CommitmentConfirmed: 1,
	types.CommitmentFinalized: 2,
}

func commitmentReached(got string, want types.Commitment) bool {
	g, ok := commitmentRank[types.Commitment(got)]
	if !ok {
		return false
	}
	w, ok := commitmentRank[want]
	if !ok {
		w = commitmentRank[types.CommitmentConfirmed]
	}
	return g >= w
}

// getSignatureStatus returns the node's view of one signature, or nil if the
// cluster has not seen it yet. A single endpoint pass per poll.
func (g *Gateway) getSignatureStatus(ctx context.Context, sig string) (*sigStatus, error) {
	var result struct {
		Value []*sigStatus `json:"value"`
	}
	params := []any{[]string{sig}, map[string]any{"searchTransactionHistory": true}}
	if err := g.once(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) == 0 {
		return nil, nil
	}
	return result.Value[0], nil
}

// ConfirmSignature polls once per second until sig reaches the configured
// commitment or timeout passes. Three outcomes: nil (confirmed), a terminal
// error (failed on chain), or a timeout error wrapping types.ErrConfirmTimeout.
// Transient poll failures are tolerated until the deadline.
func (g *Gateway) ConfirmSignature(ctx context.Context, sig string, timeout time.Duration) error {
	const op = "rpc.confirm"
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		status, err := g.getSignatureStatus(ctx, sig)
		switch {
		case err != nil:
			if !types.HasKind(err, types.KindTransientRPC) {
				return err
			}
			g.logger.Warn("confirmation poll failed", "signature", sig, "error", err)
		case status != nil:
			if status.failed() {
				return types.Errorf(types.KindOnChainTerminal, op,
					"transaction %s failed on chain: %s", sig, status.Err)
			}
			if commitmentReached(status.ConfirmationStatus, g.commitment) {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return types.E(types.KindTransientRPC, op,
				fmt.Errorf("%w: %s not %s within %s", types.ErrConfirmTimeout, sig, g.commitment, timeout))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
