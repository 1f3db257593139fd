package swap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lockswap-exchange/lockswap/internal/backend"
	"github.com/lockswap-exchange/lockswap/internal/secret"
	"github.com/lockswap-exchange/lockswap/internal/storage"
	"github.com/lockswap-exchange/lockswap/pkg/helpers"
	"github.com/lockswap-exchange/lockswap/pkg/logging"
)

// ChainStatus is one chain's reconciler health, exposed over RPC.
type ChainStatus struct {
	Running     bool      `json:"running"`
	Events      uint64    `json:"events"`
	Restarts    uint64    `json:"restarts"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Reconciler consumes escrow events from every registered backend and
// folds them into local state. Delivery is at-least-once; every handler
// is idempotent, so duplicates collapse harmlessly.
type Reconciler struct {
	engine   *Engine
	store    *storage.Storage
	backends *backend.Registry
	log      *logging.Logger

	mu     sync.Mutex
	status map[string]*ChainStatus

	wg sync.WaitGroup
}

// NewReconciler creates a reconciler over the engine's backends.
func NewReconciler(engine *Engine) *Reconciler {
	return &Reconciler{
		engine:   engine,
		store:    engine.store,
		backends: engine.backends,
		log:      logging.GetDefault().Component("reconciler"),
		status:   make(map[string]*ChainStatus),
	}
}

// Start launches one event loop per registered chain. Loops run until
// ctx is cancelled; a dropped stream restarts with backoff.
func (r *Reconciler) Start(ctx context.Context) {
	for _, chainID := range r.backends.ChainIDs() {
		r.mu.Lock()
		r.status[chainID] = &ChainStatus{Running: true}
		r.mu.Unlock()

		r.wg.Add(1)
		go r.run(ctx, chainID)
	}
}

// Wait blocks until every event loop has exited.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Status returns a snapshot of every chain's loop health.
func (r *Reconciler) Status() map[string]ChainStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ChainStatus, len(r.status))
	for id, st := range r.status {
		out[id] = *st
	}
	return out
}

func (r *Reconciler) run(ctx context.Context, chainID string) {
	defer r.wg.Done()
	defer r.setRunning(chainID, false)

	b, err := r.backends.Get(chainID)
	if err != nil {
		r.log.Error("No backend for chain", "chain", chainID, "error", err)
		return
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		events, err := b.Events(ctx)
		if err != nil {
			r.recordError(chainID, err)
			r.log.Warn("Event stream failed to open, retrying", "chain", chainID, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		r.log.Info("Event stream open", "chain", chainID)

		for event := range events {
			r.recordEvent(chainID)
			r.handleEvent(ctx, chainID, event)
		}

		if ctx.Err() != nil {
			return
		}
		r.bumpRestarts(chainID)
		r.log.Warn("Event stream closed, restarting", "chain", chainID)
	}
}

// handleEvent folds one on-chain event into local state.
func (r *Reconciler) handleEvent(ctx context.Context, chainID string, event backend.Event) {
	order, err := r.store.GetOrderBySwapKey(event.SwapID)
	if errors.Is(err, storage.ErrOrderNotFound) {
		// Foreign swap on a shared contract; not ours to track.
		r.log.Debug("Event for unknown swap", "chain", chainID, "swap", event.SwapID)
		return
	}
	if err != nil {
		r.log.Error("Order lookup failed", "chain", chainID, "swap", event.SwapID, "error", err)
		return
	}

	role := storage.EscrowRoleSource
	if chainID == order.ToChain {
		role = storage.EscrowRoleDestination
	}

	switch event.Kind {
	case backend.EventCreated:
		ok, err := r.store.UpdateEscrowStatus(order.ID, chainID, role, storage.EscrowStatusFunded, "")
		if err != nil {
			r.log.Error("Failed to mark escrow funded", "order", order.ID, "chain", chainID, "error", err)
			return
		}
		if ok {
			r.log.Info("Escrow funded", "order", order.ID, "chain", chainID, "role", role, "tx", event.TxHash)
		}

	case backend.EventRedeemed:
		r.handleRedeemed(ctx, chainID, role, order, event)

	case backend.EventRefunded:
		ok, err := r.store.UpdateEscrowStatus(order.ID, chainID, role, storage.EscrowStatusRefunded, event.TxHash)
		if err != nil {
			r.log.Error("Failed to mark escrow refunded", "order", order.ID, "chain", chainID, "error", err)
			return
		}
		if !ok {
			return
		}
		r.log.Info("Escrow refund observed", "order", order.ID, "chain", chainID, "role", role, "tx", event.TxHash)
		if role == storage.EscrowRoleSource {
			if ok, _ := r.store.UpdateOrderStatus(order.ID, storage.OrderStatusRefunded, predecessors(storage.OrderStatusRefunded)...); ok {
				r.engine.notifyOrder(order.ID)
			}
		}
	}
}

// handleRedeemed verifies the revealed preimage and relays it to the
// escrow on the other chain. Events carrying a preimage that does not
// hash to the order's hashlock are dropped; they cannot have authorized
// a real redeem.
func (r *Reconciler) handleRedeemed(ctx context.Context, chainID string, role storage.EscrowRole, order *storage.OrderRecord, event backend.Event) {
	hashlock, ok := helpers.HexToHash32(order.Hashlock)
	if !ok {
		r.log.Error("Order carries malformed hashlock", "order", order.ID)
		return
	}
	if !secret.Verify(event.Preimage, hashlock) {
		r.log.Warn("Dropping redeem event with invalid preimage",
			"order", order.ID, "chain", chainID, "tx", event.TxHash)
		return
	}

	if order.Secret == "" {
		if err := r.store.SetOrderSecret(order.ID, helpers.BytesToHex(event.Preimage[:])); err != nil {
			r.log.Error("Failed to persist revealed secret", "order", order.ID, "error", err)
		}
	}

	if _, err := r.store.UpdateEscrowStatus(order.ID, chainID, role, storage.EscrowStatusClaimed, event.TxHash); err != nil {
		r.log.Error("Failed to mark escrow claimed", "order", order.ID, "chain", chainID, "error", err)
		return
	}
	r.log.Info("Redeem observed", "order", order.ID, "chain", chainID, "role", role, "tx", event.TxHash)

	// Relay the preimage to the counterpart escrow. The relay marks the
	// order claimed once both sides are resolved.
	target := storage.EscrowRoleSource
	if role == storage.EscrowRoleSource {
		target = storage.EscrowRoleDestination
	}
	err := r.engine.ProcessRedemption(ctx, order.ID, target, event.Preimage)
	switch {
	case errors.Is(err, ErrAlreadyProcessing):
		// A concurrent relay holds the order; redelivery settles it.
		r.log.Debug("Redemption relay already in flight", "order", order.ID)
	case err != nil:
		r.log.Error("Failed to relay redemption", "order", order.ID, "error", err)
	}
}

func (r *Reconciler) setRunning(chainID string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.status[chainID]; ok {
		st.Running = running
	}
}

func (r *Reconciler) recordEvent(chainID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.status[chainID]; ok {
		st.Events++
		st.LastEventAt = time.Now()
	}
}

func (r *Reconciler) recordError(chainID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.status[chainID]; ok {
		st.LastError = err.Error()
	}
}

func (r *Reconciler) bumpRestarts(chainID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.status[chainID]; ok {
		st.Restarts++
	}
}
