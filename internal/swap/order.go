// Package swap implements the cross-chain HTLC swap engine: order
// lifecycle, two-phase escrow orchestration, secret relay, and expiry
// handling. Chain access goes through the backend registry; the engine
// never dispatches on chain names.
package swap

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lockswap-exchange/lockswap/internal/backend"
	"github.com/lockswap-exchange/lockswap/internal/chain"
	"github.com/lockswap-exchange/lockswap/internal/secret"
	"github.com/lockswap-exchange/lockswap/internal/storage"
	"github.com/lockswap-exchange/lockswap/pkg/helpers"
)

// Order validation errors
var (
	ErrSameChain       = errors.New("from and to chains must differ")
	ErrUnknownChain    = errors.New("unsupported chain")
	ErrBadAmount       = errors.New("amount must be a positive integer in base units")
	ErrBadHashlock     = errors.New("hashlock must be a 32-byte hex value")
	ErrBadTimelock     = errors.New("timelock outside accepted bounds")
	ErrBadAddress      = errors.New("address is required")
	ErrInvalidStatus   = errors.New("invalid order status transition")
	ErrWrongPreimage   = errors.New("preimage does not match hashlock")
	ErrEscrowUnderfund = errors.New("on-chain escrow does not match order")
)

// orderTransitions is the full set of legal status moves. Anything not
// listed is rejected; terminal states have no successors.
var orderTransitions = map[storage.OrderStatus][]storage.OrderStatus{
	storage.OrderStatusPending:  {storage.OrderStatusMatched, storage.OrderStatusCancelled, storage.OrderStatusFailed},
	storage.OrderStatusMatched:  {storage.OrderStatusEscrowed, storage.OrderStatusFailed},
	storage.OrderStatusEscrowed: {storage.OrderStatusClaimed, storage.OrderStatusRefunded, storage.OrderStatusFailed},
}

// CanTransition reports whether from -> to is a legal order move.
func CanTransition(from, to storage.OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// predecessors returns every status from which `to` is reachable. This
// is the guard set handed to the conditional status update, which is
// what makes concurrent duplicate triggers collapse to one winner.
func predecessors(to storage.OrderStatus) []storage.OrderStatus {
	var from []storage.OrderStatus
	for st, nexts := range orderTransitions {
		for _, next := range nexts {
			if next == to {
				from = append(from, st)
			}
		}
	}
	return from
}

// CreateOrderParams are the caller-supplied inputs to order creation.
type CreateOrderParams struct {
	Maker     string `json:"maker"`
	FromChain string `json:"from_chain"`
	ToChain   string `json:"to_chain"`
	FromToken string `json:"from_token,omitempty"`
	ToToken   string `json:"to_token,omitempty"`

	// Amount in base units of the source asset, as a decimal string.
	Amount string `json:"amount"`

	// Hashlock is optional. When empty the engine generates the preimage
	// and returns it to the caller exactly once; it is not persisted.
	Hashlock string `json:"hashlock,omitempty"`

	// Timelock is the absolute unix expiry of the source escrow.
	Timelock int64 `json:"timelock"`
}

// validate checks params against the chain registry. Validation errors
// are never retried.
func (p *CreateOrderParams) validate(now time.Time) error {
	if p.Maker == "" {
		return ErrBadAddress
	}
	if p.FromChain == p.ToChain {
		return ErrSameChain
	}
	fromParams, ok := chain.Get(p.FromChain)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChain, p.FromChain)
	}
	if _, ok := chain.Get(p.ToChain); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChain, p.ToChain)
	}

	amount, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("%w: %q", ErrBadAmount, p.Amount)
	}

	if p.Hashlock != "" {
		if _, ok := helpers.HexToHash32(p.Hashlock); !ok {
			return ErrBadHashlock
		}
	}

	expiry := time.Unix(p.Timelock, 0)
	if expiry.Before(now.Add(fromParams.MinTimelock)) || expiry.After(now.Add(fromParams.MaxTimelock)) {
		return fmt.Errorf("%w: must expire between %s and %s from now",
			ErrBadTimelock, fromParams.MinTimelock, fromParams.MaxTimelock)
	}
	return nil
}

// CreateOrderResult is returned from order creation. Preimage is set
// only when the engine generated the hashlock; it is never stored and
// never returned again.
type CreateOrderResult struct {
	Order    *storage.OrderRecord `json:"order"`
	Preimage string               `json:"preimage,omitempty"`
}

// newOrderRecord builds the pending order row. Generates the hashlock
// when the caller did not supply one.
func newOrderRecord(params *CreateOrderParams, now time.Time) (*storage.OrderRecord, string, error) {
	if err := params.validate(now); err != nil {
		return nil, "", err
	}

	hashlock := strings.ToLower(params.Hashlock)
	preimageHex := ""
	if hashlock == "" {
		preimage, hash, err := secret.Generate()
		if err != nil {
			return nil, "", err
		}
		hashlock = helpers.BytesToHex(hash[:])
		preimageHex = helpers.BytesToHex(preimage[:])
	}

	id := uuid.New().String()
	return &storage.OrderRecord{
		ID:        id,
		Status:    storage.OrderStatusPending,
		Maker:     params.Maker,
		FromChain: params.FromChain,
		ToChain:   params.ToChain,
		FromToken: params.FromToken,
		ToToken:   params.ToToken,
		Amount:    params.Amount,
		Hashlock:  hashlock,
		Timelock:  params.Timelock,
		SwapKey:   backend.SwapKeyHex(id),
	}, preimageHex, nil
}
