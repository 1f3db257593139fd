package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lockswap-exchange/lockswap/internal/chain"
	"github.com/lockswap-exchange/lockswap/internal/storage"
	"github.com/lockswap-exchange/lockswap/internal/swap"
)

// ordersCreate creates a new swap order.
//
// Params: swap.CreateOrderParams.
// Result includes the generated preimage when the caller supplied no
// hashlock; it is returned exactly once and never again.
func (s *Server) ordersCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p swap.CreateOrderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.engine.CreateOrder(&p)
}

type orderIDParams struct {
	ID string `json:"id"`
}

// ordersGet returns one order with its escrow rows.
func (s *Server) ordersGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("invalid params: order id is required")
	}

	order, escrows, err := s.engine.GetOrder(p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"order":   order,
		"escrows": escrows,
	}, nil
}

type ordersListParams struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ordersList returns orders, newest first.
func (s *Server) ordersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ordersListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	orders, err := s.engine.ListOrders(storage.OrderStatus(p.Status), p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	}, nil
}

// ordersCancel cancels a pending order.
func (s *Server) ordersCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("invalid params: order id is required")
	}
	if err := s.engine.CancelOrder(p.ID); err != nil {
		return nil, err
	}
	return map[string]string{"id": p.ID, "status": string(storage.OrderStatusCancelled)}, nil
}

type ordersTakeParams struct {
	ID    string `json:"id"`
	Taker string `json:"taker"`
}

// ordersTake matches an order and starts escrow orchestration in the
// background. The caller follows progress over the websocket or by
// polling orders_get.
func (s *Server) ordersTake(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ordersTakeParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("invalid params: order id is required")
	}

	if err := s.engine.MatchOrder(p.ID, p.Taker); err != nil {
		return nil, err
	}

	go func() {
		if err := s.engine.ExecuteSwap(context.Background(), p.ID); err != nil {
			s.log.Error("Swap execution failed", "order", p.ID, "error", err)
		}
	}()

	return map[string]string{"id": p.ID, "status": string(storage.OrderStatusMatched)}, nil
}

type ordersFailParams struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// ordersFail abandons a stuck order, marking it failed. Escrows already
// on chain stay refundable through the expiry monitor.
func (s *Server) ordersFail(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ordersFailParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("invalid params: order id is required")
	}
	if p.Reason == "" {
		p.Reason = "abandoned by operator"
	}
	if err := s.engine.FailOrder(p.ID, p.Reason); err != nil {
		return nil, err
	}
	return map[string]string{"id": p.ID, "status": string(storage.OrderStatusFailed)}, nil
}

// swapExecute re-drives escrow orchestration for a matched order, used
// after a restart or a transient failure.
func (s *Server) swapExecute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("invalid params: order id is required")
	}

	go func() {
		if err := s.engine.ExecuteSwap(context.Background(), p.ID); err != nil {
			s.log.Error("Swap execution failed", "order", p.ID, "error", err)
		}
	}()
	return map[string]interface{}{"id": p.ID, "started": true}, nil
}

// swapTransactions returns the submission audit trail for an order.
func (s *Server) swapTransactions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("invalid params: order id is required")
	}

	records, err := s.engine.Transactions(p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"transactions": records,
		"count":        len(records),
	}, nil
}

// relayerStatus reports per-chain reconciler health and websocket
// client count.
func (s *Server) relayerStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := map[string]interface{}{}
	if s.reconciler != nil {
		result["chains"] = s.reconciler.Status()
	}
	if s.engine != nil {
		result["in_flight_orders"] = s.engine.InFlight()
	}
	if s.wsHub != nil {
		result["ws_clients"] = s.wsHub.ClientCount()
	}
	return result, nil
}

type monitorCheckParams struct {
	OrderID string `json:"order_id,omitempty"`
}

// monitorCheck forces an immediate expiry scan, optionally restricted
// to one order.
func (s *Server) monitorCheck(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.monitor == nil {
		return nil, fmt.Errorf("expiry monitor is not running")
	}
	var p monitorCheckParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	attempted, err := s.monitor.ForceCheck(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"refunds_attempted": attempted}, nil
}

// chainInfo is the public view of one chain registry entry.
type chainInfo struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Family                string `json:"family"`
	Decimals              uint8  `json:"decimals"`
	RequiredConfirmations uint64 `json:"required_confirmations"`
	MinTimelockSeconds    int64  `json:"min_timelock_seconds"`
	MaxTimelockSeconds    int64  `json:"max_timelock_seconds"`
}

// chainsList returns the supported chain registry.
func (s *Server) chainsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var chains []chainInfo
	for _, id := range chain.IDs() {
		p, _ := chain.Get(id)
		chains = append(chains, chainInfo{
			ID:                    p.ID,
			Name:                  p.Name,
			Family:                string(p.Family),
			Decimals:              p.Decimals,
			RequiredConfirmations: p.RequiredConfirmations,
			MinTimelockSeconds:    int64(p.MinTimelock.Seconds()),
			MaxTimelockSeconds:    int64(p.MaxTimelock.Seconds()),
		})
	}
	return map[string]interface{}{"chains": chains}, nil
}
