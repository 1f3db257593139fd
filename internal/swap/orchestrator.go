package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lockswap-exchange/lockswap/internal/backend"
	"github.com/lockswap-exchange/lockswap/internal/chain"
	"github.com/lockswap-exchange/lockswap/internal/config"
	"github.com/lockswap-exchange/lockswap/internal/secret"
	"github.com/lockswap-exchange/lockswap/internal/storage"
	"github.com/lockswap-exchange/lockswap/pkg/helpers"
	"github.com/lockswap-exchange/lockswap/pkg/logging"
)

// AddressResolver returns the relayer's own address on a chain.
type AddressResolver func(chainID string) (string, error)

// Engine drives the order lifecycle: creation, matching, two-phase
// escrow orchestration, secret relay, and refunds. One engine instance
// owns the database; all mutating paths go through the guard.
type Engine struct {
	store       *storage.Storage
	backends    *backend.Registry
	guard       *Guard
	cfg         *config.Config
	relayerAddr AddressResolver
	log         *logging.Logger

	// notify is called after every order status change. The RPC layer
	// hangs its websocket broadcast here.
	notify func(order *storage.OrderRecord)

	// clock and pollInterval are swappable for tests. A zero pollInterval
	// falls back to the chain registry value.
	clock        func() time.Time
	pollInterval time.Duration
}

// NewEngine wires the engine. The guard must be the process-wide
// instance shared with the reconciler and monitor.
func NewEngine(store *storage.Storage, backends *backend.Registry, guard *Guard, cfg *config.Config, relayerAddr AddressResolver) *Engine {
	return &Engine{
		store:       store,
		backends:    backends,
		guard:       guard,
		cfg:         cfg,
		relayerAddr: relayerAddr,
		log:         logging.GetDefault().Component("engine"),
		clock:       time.Now,
	}
}

// SetNotify registers the status-change callback.
func (e *Engine) SetNotify(fn func(order *storage.OrderRecord)) {
	e.notify = fn
}

func (e *Engine) notifyOrder(id string) {
	if e.notify == nil {
		return
	}
	if order, err := e.store.GetOrder(id); err == nil {
		e.notify(order)
	}
}

// CreateOrder validates params and persists a pending order. When no
// hashlock is supplied the generated preimage is returned exactly once.
func (e *Engine) CreateOrder(params *CreateOrderParams) (*CreateOrderResult, error) {
	order, preimage, err := newOrderRecord(params, e.clock())
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveOrder(order); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	e.log.Info("Order created",
		"order", order.ID, "from", order.FromChain, "to", order.ToChain, "amount", order.Amount)
	e.notifyOrder(order.ID)
	return &CreateOrderResult{Order: order, Preimage: preimage}, nil
}

// CancelOrder cancels a pending order. Orders with chain-side activity
// cannot be cancelled; they resolve through claim or refund.
func (e *Engine) CancelOrder(orderID string) error {
	if err := e.guard.Acquire(orderID); err != nil {
		return err
	}
	defer e.guard.Release(orderID)

	ok, err := e.store.UpdateOrderStatus(orderID, storage.OrderStatusCancelled, storage.OrderStatusPending)
	if err != nil {
		return err
	}
	if !ok {
		order, err := e.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: order %s is %s", ErrInvalidStatus, orderID, order.Status)
	}

	e.log.Info("Order cancelled", "order", orderID)
	e.notifyOrder(orderID)
	return nil
}

// MatchOrder records the taker and moves the order to matched.
func (e *Engine) MatchOrder(orderID, taker string) error {
	if taker == "" {
		return ErrBadAddress
	}
	if err := e.guard.Acquire(orderID); err != nil {
		return err
	}
	defer e.guard.Release(orderID)

	order, err := e.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order.Status != storage.OrderStatusPending {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidStatus, orderID, order.Status)
	}

	order.Taker = taker
	order.Status = storage.OrderStatusMatched
	if err := e.store.SaveOrder(order); err != nil {
		return err
	}

	e.log.Info("Order matched", "order", orderID, "taker", taker)
	e.notifyOrder(orderID)
	return nil
}

// ExecuteSwap runs the two-phase escrow creation for a matched order:
// source escrow first, then a finality wait on the source chain, then
// the destination escrow. The destination escrow never exists before
// the source escrow is final. Safe to re-drive after a crash; already
// completed phases resolve through escrow state instead of duplicating.
func (e *Engine) ExecuteSwap(ctx context.Context, orderID string) error {
	if err := e.guard.Acquire(orderID); err != nil {
		return err
	}
	defer e.guard.Release(orderID)

	order, err := e.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	switch order.Status {
	case storage.OrderStatusMatched, storage.OrderStatusEscrowed:
	default:
		return fmt.Errorf("%w: order %s is %s", ErrInvalidStatus, orderID, order.Status)
	}

	srcEscrow, err := e.ensureEscrow(ctx, order, storage.EscrowRoleSource)
	if err != nil {
		e.recordFailure(order.ID, fmt.Sprintf("source escrow: %v", err))
		return fmt.Errorf("source escrow on %s: %w", order.FromChain, err)
	}

	if err := e.waitFinality(ctx, order.FromChain, srcEscrow.CreateMarker, order.ID); err != nil {
		return fmt.Errorf("finality wait on %s: %w", order.FromChain, err)
	}

	// Re-validate the source escrow before funding the destination side:
	// it must still exist and be neither redeemed nor refunded.
	if err := e.validateSourceEscrow(ctx, order); err != nil {
		e.failLocked(order.ID, fmt.Sprintf("source escrow validation: %v", err))
		return err
	}

	if _, err := e.ensureEscrow(ctx, order, storage.EscrowRoleDestination); err != nil {
		// The source side stays locked; the expiry monitor refunds it if
		// the destination side never recovers.
		if errors.Is(err, ErrEscrowUnderfund) {
			e.failLocked(order.ID, fmt.Sprintf("destination escrow: %v", err))
		} else {
			e.recordFailure(order.ID, fmt.Sprintf("destination escrow: %v", err))
		}
		return fmt.Errorf("destination escrow on %s: %w", order.ToChain, err)
	}

	ok, err := e.store.UpdateOrderStatus(orderID, storage.OrderStatusEscrowed, storage.OrderStatusMatched)
	if err != nil {
		return err
	}
	if ok {
		e.log.Info("Order escrowed on both chains", "order", orderID)
		e.notifyOrder(orderID)
	}
	return nil
}

// validateSourceEscrow re-reads the source escrow from the chain after
// the finality wait. It must still exist and hold funds; a swap whose
// source side vanished or resolved gets no destination escrow.
func (e *Engine) validateSourceEscrow(ctx context.Context, order *storage.OrderRecord) error {
	b, err := e.backends.Get(order.FromChain)
	if err != nil {
		return err
	}
	state, err := b.GetEscrowState(ctx, order.SwapKey)
	if err != nil {
		return fmt.Errorf("source escrow on %s: %w", order.FromChain, err)
	}
	if state.Redeemed {
		return fmt.Errorf("source escrow on %s already redeemed", order.FromChain)
	}
	if state.Refunded {
		return fmt.Errorf("source escrow on %s already refunded", order.FromChain)
	}
	return nil
}

// ensureEscrow creates one side's escrow if it does not already exist,
// locally or on chain. Duplicate-id rejections resolve by re-reading
// chain state and comparing against the order.
func (e *Engine) ensureEscrow(ctx context.Context, order *storage.OrderRecord, role storage.EscrowRole) (*storage.EscrowRecord, error) {
	chainID := order.FromChain
	if role == storage.EscrowRoleDestination {
		chainID = order.ToChain
	}

	existing, err := e.store.GetEscrow(order.ID, chainID, role)
	if err == nil && existing.CreateTxHash != "" {
		return existing, nil
	}
	if err != nil && !errors.Is(err, storage.ErrEscrowNotFound) {
		return nil, err
	}

	params, err := e.escrowParams(order, role)
	if err != nil {
		return nil, err
	}

	b, err := e.backends.Get(chainID)
	if err != nil {
		return nil, err
	}

	txID, err := e.store.AppendTransaction(&storage.TxRecord{
		OrderID: order.ID,
		Chain:   chainID,
		Type:    storage.TxTypeCreation,
	})
	if err != nil {
		return nil, err
	}

	result, err := b.SubmitCreateEscrow(ctx, params)
	if errors.Is(err, backend.ErrDuplicateSwap) {
		// A prior attempt landed. Resolve idempotently against chain state.
		state, stateErr := b.GetEscrowState(ctx, params.SwapID)
		if stateErr != nil {
			e.store.ResolveTransaction(txID, storage.TxStatusFailed, "", stateErr.Error())
			return nil, fmt.Errorf("duplicate escrow id but state unreadable: %w", stateErr)
		}
		if state.Hashlock != params.Hashlock || state.Amount.Cmp(params.Amount) != 0 {
			e.store.ResolveTransaction(txID, storage.TxStatusFailed, "", err.Error())
			return nil, fmt.Errorf("%w: swap id %s", ErrEscrowUnderfund, params.SwapID)
		}
		marker, _ := b.CurrentFinalityMarker(ctx)
		result = &backend.SubmitResult{FinalityMarker: marker}
		e.store.ResolveTransaction(txID, storage.TxStatusConfirmed, "", "prior submission found on chain")
	} else if err != nil {
		e.store.ResolveTransaction(txID, storage.TxStatusFailed, "", err.Error())
		return nil, err
	} else {
		e.store.ResolveTransaction(txID, storage.TxStatusConfirmed, result.TxHash, "")
	}

	record := &storage.EscrowRecord{
		OrderID:      order.ID,
		Chain:        chainID,
		Role:         role,
		Status:       storage.EscrowStatusCreated,
		Sender:       params.Maker,
		Recipient:    params.Recipient,
		Token:        params.Token,
		Amount:       params.Amount.String(),
		Hashlock:     helpers.BytesToHex(params.Hashlock[:]),
		Timelock:     params.Timelock,
		CreateTxHash: result.TxHash,
		CreateMarker: result.FinalityMarker,
	}
	if err := e.store.SaveEscrow(record); err != nil {
		return nil, err
	}

	e.log.Info("Escrow created",
		"order", order.ID, "chain", chainID, "role", role, "tx", result.TxHash)
	return record, nil
}

// escrowParams builds the chain submission for one side of the swap.
func (e *Engine) escrowParams(order *storage.OrderRecord, role storage.EscrowRole) (backend.CreateParams, error) {
	hashlock, ok := helpers.HexToHash32(order.Hashlock)
	if !ok {
		return backend.CreateParams{}, ErrBadHashlock
	}
	amount, ok := new(big.Int).SetString(order.Amount, 10)
	if !ok {
		return backend.CreateParams{}, ErrBadAmount
	}

	chainID := order.FromChain
	token := order.FromToken
	timelock := order.Timelock
	sender := order.Maker
	recipient := order.Taker
	if role == storage.EscrowRoleDestination {
		chainID = order.ToChain
		token = order.ToToken
		timelock = e.destinationTimelock(order)
		relayer, err := e.relayerAddr(chainID)
		if err != nil {
			return backend.CreateParams{}, err
		}
		sender = relayer
		recipient = order.Maker
	}

	params, _ := chain.Get(chainID)
	deposit, err := helpers.ParseDecimal(e.cfg.SafetyDeposit(chainID), params.Decimals)
	if err != nil {
		return backend.CreateParams{}, fmt.Errorf("bad safety deposit for %s: %w", chainID, err)
	}

	return backend.CreateParams{
		SwapID:        order.SwapKey,
		Maker:         sender,
		Recipient:     recipient,
		Token:         token,
		Amount:        amount,
		Hashlock:      hashlock,
		Timelock:      timelock,
		SafetyDeposit: deposit,
	}, nil
}

// destinationTimelock places the destination expiry halfway between now
// and the source expiry. The destination side always expires first, so
// the counterparty claim window closes before the source refund opens.
func (e *Engine) destinationTimelock(order *storage.OrderRecord) int64 {
	now := e.clock().Unix()
	if order.Timelock <= now {
		return now
	}
	return now + (order.Timelock-now)/2
}

// waitFinality blocks until the chain's finality marker has advanced
// RequiredConfirmations past the escrow's creation marker. The wait is
// unbounded; after StuckWarnAfter it logs operator-visible warnings on
// every poll cycle.
func (e *Engine) waitFinality(ctx context.Context, chainID string, createMarker uint64, orderID string) error {
	b, err := e.backends.Get(chainID)
	if err != nil {
		return err
	}
	params, _ := chain.Get(chainID)
	target := createMarker + e.cfg.RequiredConfirmations(chainID)

	interval := e.pollInterval
	if interval <= 0 {
		interval = params.FinalityPollInterval
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	started := e.clock()
	warned := false

	for {
		marker, err := b.CurrentFinalityMarker(ctx)
		if err == nil && marker >= target {
			return nil
		}
		if err != nil {
			e.log.Warn("Finality poll failed", "chain", chainID, "order", orderID, "error", err)
		}

		if waited := e.clock().Sub(started); waited > e.cfg.Orchestrator.StuckWarnAfter {
			e.log.Warn("Finality wait exceeds threshold",
				"chain", chainID, "order", orderID, "waited", waited.Round(time.Second), "target", target)
			warned = true
		}

		select {
		case <-ctx.Done():
			if warned {
				e.log.Error("Finality wait abandoned", "chain", chainID, "order", orderID)
			}
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ProcessRedemption relays a preimage revealed on one chain to the
// escrow on the other side of the swap. The target names the escrow to
// redeem. Propagation is at-most-once: a target escrow already claimed
// locally is never redeemed again.
func (e *Engine) ProcessRedemption(ctx context.Context, orderID string, target storage.EscrowRole, preimage [secret.Size]byte) error {
	if err := e.guard.Acquire(orderID); err != nil {
		return err
	}
	defer e.guard.Release(orderID)

	order, err := e.store.GetOrder(orderID)
	if err != nil {
		return err
	}

	hashlock, ok := helpers.HexToHash32(order.Hashlock)
	if !ok {
		return ErrBadHashlock
	}
	if !secret.Verify(preimage, hashlock) {
		return fmt.Errorf("%w: order %s", ErrWrongPreimage, orderID)
	}

	// The secret is persisted only once observed on chain.
	preimageHex := helpers.BytesToHex(preimage[:])
	if order.Secret == "" {
		if err := e.store.SetOrderSecret(orderID, preimageHex); err != nil {
			return err
		}
	}

	targetChain := order.FromChain
	if target == storage.EscrowRoleDestination {
		targetChain = order.ToChain
	}

	escrow, err := e.store.GetEscrow(orderID, targetChain, target)
	if err != nil {
		return err
	}
	if escrow.Status == storage.EscrowStatusClaimed {
		return nil
	}

	b, err := e.backends.Get(targetChain)
	if err != nil {
		return err
	}

	txID, err := e.store.AppendTransaction(&storage.TxRecord{
		OrderID: orderID,
		Chain:   targetChain,
		Type:    storage.TxTypeClaim,
	})
	if err != nil {
		return err
	}

	result, err := b.SubmitRedeem(ctx, order.SwapKey, preimage)
	txHash := ""
	switch {
	case errors.Is(err, backend.ErrAlreadyRedeemed):
		e.store.ResolveTransaction(txID, storage.TxStatusConfirmed, "", "already redeemed on chain")
	case err != nil:
		e.store.ResolveTransaction(txID, storage.TxStatusFailed, "", err.Error())
		return fmt.Errorf("redeem on %s: %w", targetChain, err)
	default:
		txHash = result.TxHash
		e.store.ResolveTransaction(txID, storage.TxStatusConfirmed, txHash, "")
	}

	if _, err := e.store.UpdateEscrowStatus(orderID, targetChain, target, storage.EscrowStatusClaimed, txHash); err != nil {
		return err
	}
	if ok, err := e.store.UpdateOrderStatus(orderID, storage.OrderStatusClaimed, predecessors(storage.OrderStatusClaimed)...); err != nil {
		return err
	} else if ok {
		e.log.Info("Swap claimed on both chains", "order", orderID, "tx", txHash)
		e.notifyOrder(orderID)
	}
	return nil
}

// ProcessRefund refunds one expired escrow. A claimed escrow is never
// refunded; refund rejections caused by a racing redeem resolve by
// re-reading chain state.
func (e *Engine) ProcessRefund(ctx context.Context, escrow *storage.EscrowRecord) error {
	if err := e.guard.Acquire(escrow.OrderID); err != nil {
		return err
	}
	defer e.guard.Release(escrow.OrderID)

	current, err := e.store.GetEscrow(escrow.OrderID, escrow.Chain, escrow.Role)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}

	order, err := e.store.GetOrder(escrow.OrderID)
	if err != nil {
		return err
	}

	b, err := e.backends.Get(escrow.Chain)
	if err != nil {
		return err
	}

	txID, err := e.store.AppendTransaction(&storage.TxRecord{
		OrderID: escrow.OrderID,
		Chain:   escrow.Chain,
		Type:    storage.TxTypeRefund,
	})
	if err != nil {
		return err
	}

	result, err := b.SubmitRefund(ctx, order.SwapKey)
	txHash := ""
	switch {
	case errors.Is(err, backend.ErrAlreadyRedeemed):
		// Lost the race to a redeem. The reconciler settles the claim path.
		e.store.ResolveTransaction(txID, storage.TxStatusFailed, "", "escrow was redeemed")
		state, stateErr := b.GetEscrowState(ctx, order.SwapKey)
		if stateErr == nil && state.Redeemed {
			e.store.UpdateEscrowStatus(escrow.OrderID, escrow.Chain, escrow.Role, storage.EscrowStatusClaimed, "")
		}
		return nil
	case errors.Is(err, backend.ErrNotExpired):
		e.store.ResolveTransaction(txID, storage.TxStatusFailed, "", err.Error())
		return err
	case err != nil:
		e.store.ResolveTransaction(txID, storage.TxStatusFailed, "", err.Error())
		return fmt.Errorf("refund on %s: %w", escrow.Chain, err)
	default:
		txHash = result.TxHash
		e.store.ResolveTransaction(txID, storage.TxStatusConfirmed, txHash, "")
	}

	if _, err := e.store.UpdateEscrowStatus(escrow.OrderID, escrow.Chain, escrow.Role, storage.EscrowStatusRefunded, txHash); err != nil {
		return err
	}
	e.log.Info("Escrow refunded", "order", escrow.OrderID, "chain", escrow.Chain, "role", escrow.Role, "tx", txHash)

	// The order is refunded once the source side's funds are back. The
	// destination side may still refund afterwards; that only updates
	// its own escrow row.
	if escrow.Role == storage.EscrowRoleSource {
		if ok, err := e.store.UpdateOrderStatus(escrow.OrderID, storage.OrderStatusRefunded, predecessors(storage.OrderStatusRefunded)...); err != nil {
			return err
		} else if ok {
			e.notifyOrder(escrow.OrderID)
		}
	}
	return nil
}

// recordFailure annotates the order without forcing a terminal state;
// re-driving the order stays possible while funds may be locked.
func (e *Engine) recordFailure(orderID, reason string) {
	if err := e.store.SetOrderFailure(orderID, reason); err != nil {
		e.log.Error("Failed to record failure reason", "order", orderID, "error", err)
	}
}

// failLocked marks an order failed. Caller holds the guard. Escrows
// already on chain stay refundable; the expiry monitor handles them.
func (e *Engine) failLocked(orderID, reason string) {
	e.recordFailure(orderID, reason)
	ok, err := e.store.UpdateOrderStatus(orderID, storage.OrderStatusFailed, predecessors(storage.OrderStatusFailed)...)
	if err != nil {
		e.log.Error("Failed to mark order failed", "order", orderID, "error", err)
		return
	}
	if ok {
		e.log.Error("Order failed", "order", orderID, "reason", reason)
		e.notifyOrder(orderID)
	}
}

// FailOrder marks an order failed with an operator-supplied reason.
// Used to abandon a stuck order and for invariant violations found by
// the monitor sweep.
func (e *Engine) FailOrder(orderID, reason string) error {
	if err := e.guard.Acquire(orderID); err != nil {
		return err
	}
	defer e.guard.Release(orderID)

	if _, err := e.store.GetOrder(orderID); err != nil {
		return err
	}
	e.failLocked(orderID, reason)
	return nil
}

// InFlight reports how many orders currently hold the processing guard.
func (e *Engine) InFlight() int {
	return e.guard.Count()
}

// GetOrder returns one order with its escrow rows.
func (e *Engine) GetOrder(orderID string) (*storage.OrderRecord, []*storage.EscrowRecord, error) {
	order, err := e.store.GetOrder(orderID)
	if err != nil {
		return nil, nil, err
	}
	escrows, err := e.store.ListEscrowsByOrder(orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, escrows, nil
}

// ListOrders proxies the store listing for the RPC layer.
func (e *Engine) ListOrders(status storage.OrderStatus, limit int) ([]*storage.OrderRecord, error) {
	return e.store.ListOrders(status, limit)
}

// Transactions returns the submission audit trail for an order.
func (e *Engine) Transactions(orderID string) ([]*storage.TxRecord, error) {
	return e.store.ListTransactionsByOrder(orderID)
}
