// Package backend provides the chain adapter abstraction: a uniform
// capability surface over one blockchain (create escrow, redeem, refund,
// query state, finality marker, event stream). One implementation exists
// per chain family; the engine never dispatches on chain names.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Capability errors. Adapters map chain-specific rejections onto these so
// the engine can resolve idempotency without knowing the chain.
var (
	// ErrSubmission covers RPC or signing failures after retries.
	ErrSubmission = errors.New("chain submission failed")
	// ErrInsufficientFunds is surfaced by the chain when the balance or
	// safety deposit does not cover the call.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateSwap means the chain reports the swap id already exists.
	ErrDuplicateSwap = errors.New("swap id already exists")
	// ErrInvalidPreimage means the chain rejected the preimage.
	ErrInvalidPreimage = errors.New("invalid preimage")
	// ErrAlreadyRedeemed means the escrow was already redeemed.
	ErrAlreadyRedeemed = errors.New("swap already redeemed")
	// ErrSwapExpired means the escrow timelock has passed; redeem rejected.
	ErrSwapExpired = errors.New("swap expired")
	// ErrNotExpired means the escrow timelock has not passed; refund rejected.
	ErrNotExpired = errors.New("swap not yet expired")
	// ErrUnauthorized means the caller may not perform the operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrEscrowNotFound means no escrow exists for the swap id.
	ErrEscrowNotFound = errors.New("escrow not found")
)

// EventKind identifies an on-chain escrow event.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventRedeemed EventKind = "redeemed"
	EventRefunded EventKind = "refunded"
)

// Event is one on-chain escrow event. Delivery is at-least-once and
// unordered beyond "eventually delivered"; consumers must be idempotent.
type Event struct {
	Kind           EventKind
	SwapID         string
	Preimage       [32]byte // set only for EventRedeemed
	TxHash         string
	FinalityMarker uint64
}

// CreateParams are the inputs to an escrow creation call.
type CreateParams struct {
	SwapID        string
	Maker         string
	Recipient     string
	Token         string // empty for the native token
	Amount        *big.Int
	Hashlock      [32]byte
	Timelock      int64 // absolute unix timestamp
	SafetyDeposit *big.Int
}

// SubmitResult is the outcome of a confirmed submission.
type SubmitResult struct {
	TxHash         string
	FinalityMarker uint64
}

// EscrowState is the chain's current view of one escrow.
type EscrowState struct {
	Sender    string
	Recipient string
	Token     string
	Amount    *big.Int
	Hashlock  [32]byte
	Timelock  int64
	Redeemed  bool
	Refunded  bool
}

// Backend is the capability surface over one chain.
//
// All submissions are idempotent from the caller's point of view: a retried
// SubmitCreateEscrow for an id that already exists resolves via escrow state
// instead of surfacing ErrDuplicateSwap for an identical escrow.
type Backend interface {
	// ChainID returns the chain id this backend serves.
	ChainID() string

	// SubmitCreateEscrow submits an escrow creation and waits for inclusion.
	SubmitCreateEscrow(ctx context.Context, params CreateParams) (*SubmitResult, error)

	// SubmitRedeem submits a redemption with the given preimage.
	SubmitRedeem(ctx context.Context, swapID string, preimage [32]byte) (*SubmitResult, error)

	// SubmitRefund submits a refund for an expired escrow.
	SubmitRefund(ctx context.Context, swapID string) (*SubmitResult, error)

	// GetEscrowState returns the current escrow state, or ErrEscrowNotFound.
	GetEscrowState(ctx context.Context, swapID string) (*EscrowState, error)

	// IsExpired reports whether the escrow's timelock has passed.
	IsExpired(ctx context.Context, swapID string) (bool, error)

	// CurrentFinalityMarker returns the chain's monotonic finality counter
	// (block height or equivalent).
	CurrentFinalityMarker(ctx context.Context) (uint64, error)

	// Events returns a stream of escrow events. The channel closes when the
	// underlying source fails or ctx is cancelled; callers restart it.
	// Duplicates are possible across restarts.
	Events(ctx context.Context) (<-chan Event, error)

	// Close releases the backend's connections.
	Close()
}

// Registry resolves chain ids to backends. Built once at startup.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates a registry over the given backends.
func NewRegistry(backends ...Backend) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		id := b.ChainID()
		if _, dup := r.backends[id]; dup {
			return nil, fmt.Errorf("duplicate backend for chain %s", id)
		}
		r.backends[id] = b
	}
	return r, nil
}

// Get resolves a chain id.
func (r *Registry) Get(chainID string) (Backend, error) {
	b, ok := r.backends[chainID]
	if !ok {
		return nil, fmt.Errorf("no backend registered for chain %s", chainID)
	}
	return b, nil
}

// ChainIDs returns all registered chain ids.
func (r *Registry) ChainIDs() []string {
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every registered backend.
func (r *Registry) Close() {
	for _, b := range r.backends {
		b.Close()
	}
}

// retryAttempts bounds transient-error retries at the adapter boundary.
const retryAttempts = 3

// withRetry runs fn, retrying transient failures with exponential backoff
// (500ms, 1s, 2s). Semantic rejections are returned immediately; the caller
// re-reads chain state before escalating those.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrSubmission, err)
}

// isTransient reports whether an error is worth retrying. Semantic
// rejections carry one of the package sentinels and are never retried.
func isTransient(err error) bool {
	for _, sentinel := range []error{
		ErrDuplicateSwap, ErrInvalidPreimage, ErrAlreadyRedeemed,
		ErrSwapExpired, ErrNotExpired, ErrUnauthorized,
		ErrInsufficientFunds, ErrEscrowNotFound,
	} {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
