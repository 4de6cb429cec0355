package types

import (
	"errors"
	"fmt"
)

// ErrConfirmTimeout marks a submitted transaction whose confirmation never
// arrived before the deadline. The transaction may still have landed, so
// operations that mutate state must not blindly retry on it.
var ErrConfirmTimeout = errors.New("confirmation timeout")

// Kind classifies an error for the retry and API layers. The zero value is
// Internal so unclassified failures never look retryable.
type Kind int

const (
	KindInternal          Kind = iota // invariant violation, programming error
	KindTransientRPC                  // network, 5xx, gateway timeout, rate limit
	KindOnChainTerminal               // program error, insufficient funds, slippage exceeded
	KindSlippageTransient             // route expired, price moved; retry with a fresh quote
	KindValidation                    // bad schema, illegal state transition
	KindNotFound                      // unknown instance or position
	KindUnauthorized                  // wallet not permitted
)

func (k Kind) String() string {
	switch k {
	case KindTransientRPC:
		return "transient-rpc"
	case KindOnChainTerminal:
		return "on-chain-terminal"
	case KindSlippageTransient:
		return "slippage-transient"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not-found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Retryable reports whether the kind is transient by nature. Operation
// policies further restrict this per op type.
func (k Kind) Retryable() bool {
	return k == KindTransientRPC || k == KindSlippageTransient
}

// Error is a classified error. Op names the failing operation
// ("dlmm.openPosition"), Msg carries a reason when there is no cause to wrap.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification of err. Unclassified (or nil) errors
// report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HasKind reports whether err is classified as one of kinds.
func HasKind(err error, kinds ...Kind) bool {
	k := KindOf(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
