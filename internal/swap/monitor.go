package swap

import (
	"context"
	"errors"
	"time"

	"github.com/lockswap-exchange/lockswap/internal/backend"
	"github.com/lockswap-exchange/lockswap/internal/storage"
	"github.com/lockswap-exchange/lockswap/pkg/logging"
)

// Monitor scans open escrows and drives refunds once timelocks pass.
// The local clock decides when to attempt a refund; the chain has the
// final say, so a rejected attempt just waits for the next scan.
type Monitor struct {
	engine   *Engine
	interval time.Duration
	log      *logging.Logger

	force chan forceRequest
}

type forceRequest struct {
	orderID string
	reply   chan int
}

// NewMonitor creates an expiry monitor over the engine.
func NewMonitor(engine *Engine, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		engine:   engine,
		interval: interval,
		log:      logging.GetDefault().Component("monitor"),
		force:    make(chan forceRequest),
	}
}

// Start runs the scan loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("Expiry monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Expiry monitor stopped")
			return
		case <-ticker.C:
			m.scan(ctx, forceRequest{})
			m.sweepInvariants()
		case req := <-m.force:
			m.scan(ctx, req)
		}
	}
}

// ForceCheck triggers an immediate scan and reports how many refunds
// were attempted. An empty orderID scans everything; otherwise only
// that order's escrows are considered. Blocks until the scan completes.
func (m *Monitor) ForceCheck(ctx context.Context, orderID string) (int, error) {
	req := forceRequest{orderID: orderID, reply: make(chan int, 1)}
	select {
	case m.force <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-req.reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// scan walks open escrows and attempts a refund for each expired one.
func (m *Monitor) scan(ctx context.Context, req forceRequest) {
	attempted := 0
	defer func() {
		if req.reply != nil {
			req.reply <- attempted
		}
	}()

	escrows, err := m.engine.store.ListOpenEscrows()
	if err != nil {
		m.log.Error("Failed to list open escrows", "error", err)
		return
	}

	now := m.engine.clock().Unix()
	for _, escrow := range escrows {
		if escrow.Timelock > now {
			// Rows are ordered by timelock; nothing later is expired.
			break
		}
		if req.orderID != "" && escrow.OrderID != req.orderID {
			continue
		}

		if escrow.Status != storage.EscrowStatusExpired {
			if _, err := m.engine.store.UpdateEscrowStatus(escrow.OrderID, escrow.Chain, escrow.Role, storage.EscrowStatusExpired, ""); err != nil {
				m.log.Error("Failed to mark escrow expired", "order", escrow.OrderID, "chain", escrow.Chain, "error", err)
			}
		}

		attempted++
		err := m.engine.ProcessRefund(ctx, escrow)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyProcessing):
			m.log.Debug("Order busy, refund deferred", "order", escrow.OrderID, "chain", escrow.Chain)
		case errors.Is(err, backend.ErrNotExpired):
			// Local clock ahead of chain time; retry next scan.
			m.log.Debug("Chain reports escrow not yet expired", "order", escrow.OrderID, "chain", escrow.Chain)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		default:
			m.log.Warn("Refund attempt failed", "order", escrow.OrderID, "chain", escrow.Chain, "error", err)
		}
	}
}

// sweepInvariants checks that every escrowed order still has both of
// its escrow rows. A missing row means the store was tampered with or
// corrupted; the order is failed loudly rather than left to orchestrate
// against half a swap.
func (m *Monitor) sweepInvariants() {
	orders, err := m.engine.store.ListActiveOrders()
	if err != nil {
		m.log.Error("Failed to list active orders", "error", err)
		return
	}

	for _, order := range orders {
		if order.Status != storage.OrderStatusEscrowed {
			continue
		}
		escrows, err := m.engine.store.ListEscrowsByOrder(order.ID)
		if err != nil {
			m.log.Error("Failed to list escrows", "order", order.ID, "error", err)
			continue
		}
		if len(escrows) >= 2 {
			continue
		}
		m.log.Error("Escrowed order is missing escrow rows",
			"order", order.ID, "rows", len(escrows))
		if err := m.engine.FailOrder(order.ID, "escrow rows missing for escrowed order"); err != nil && !errors.Is(err, ErrAlreadyProcessing) {
			m.log.Error("Failed to fail inconsistent order", "order", order.ID, "error", err)
		}
	}
}
