// Package storage - Order persistence.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Order persistence errors
var (
	ErrOrderNotFound = errors.New("order not found")
)

// OrderStatus represents the current state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusEscrowed  OrderStatus = "escrowed"
	OrderStatusClaimed   OrderStatus = "claimed"
	OrderStatusRefunded  OrderStatus = "refunded"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (st OrderStatus) Terminal() bool {
	switch st {
	case OrderStatusClaimed, OrderStatusRefunded, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// OrderRecord is a persisted swap order. Amounts are decimal strings in
// the source chain's base units, printed from big.Int.
type OrderRecord struct {
	ID     string      `json:"id"`
	Status OrderStatus `json:"status"`

	Maker string `json:"maker"`
	Taker string `json:"taker,omitempty"`

	FromChain string `json:"from_chain"`
	ToChain   string `json:"to_chain"`
	FromToken string `json:"from_token,omitempty"`
	ToToken   string `json:"to_token,omitempty"`
	Amount    string `json:"amount"`

	// Hashlock is the 0x-hex SHA-256 hash of the preimage. Secret stays
	// empty until the preimage is observed on chain.
	Hashlock string `json:"hashlock"`
	Secret   string `json:"secret,omitempty"`
	Timelock int64  `json:"timelock"`
	SwapKey  string `json:"swap_key"`

	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// SaveOrder saves or updates an order record.
// Uses UPSERT pattern - creates if not exists, updates if exists.
func (s *Storage) SaveOrder(order *OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	query := `
		INSERT INTO orders (
			id, status, maker, taker,
			from_chain, to_chain, from_token, to_token, amount,
			hashlock, secret, timelock, swap_key,
			failure_reason, created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			taker = excluded.taker,
			secret = excluded.secret,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.Exec(query,
		order.ID,
		string(order.Status),
		order.Maker,
		order.Taker,
		order.FromChain,
		order.ToChain,
		order.FromToken,
		order.ToToken,
		order.Amount,
		order.Hashlock,
		order.Secret,
		order.Timelock,
		order.SwapKey,
		order.FailureReason,
		order.CreatedAt.Unix(),
		order.UpdatedAt.Unix(),
		timeToUnixOrZero(order.CompletedAt),
	)
	return err
}

// UpdateOrderStatus moves an order to a new status, but only if the
// current status is one of allowedFrom. Returns false when the guard
// did not match, which callers treat as a stale or duplicate trigger.
func (s *Storage) UpdateOrderStatus(id string, to OrderStatus, allowedFrom ...OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(allowedFrom) == 0 {
		return false, fmt.Errorf("no source statuses given for order %s", id)
	}

	now := time.Now().Unix()
	completedAt := int64(0)
	if to.Terminal() {
		completedAt = now
	}

	placeholders := "?"
	args := []interface{}{string(to), now, completedAt, completedAt, id, string(allowedFrom[0])}
	for _, st := range allowedFrom[1:] {
		placeholders += ", ?"
		args = append(args, string(st))
	}

	query := fmt.Sprintf(`
		UPDATE orders
		SET status = ?, updated_at = ?,
		    completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
		WHERE id = ? AND status IN (%s)
	`, placeholders)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetOrderSecret records the revealed preimage on an order.
func (s *Storage) SetOrderSecret(id, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE orders SET secret = ?, updated_at = ? WHERE id = ?
	`, secret, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SetOrderFailure records a failure reason without changing status.
func (s *Storage) SetOrderFailure(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE orders SET failure_reason = ?, updated_at = ? WHERE id = ?
	`, reason, time.Now().Unix(), id)
	return err
}

// GetOrder retrieves an order by ID.
func (s *Storage) GetOrder(id string) (*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanOrder(s.db.QueryRow(`
		SELECT id, status, maker, taker,
		       from_chain, to_chain, from_token, to_token, amount,
		       hashlock, secret, timelock, swap_key,
		       failure_reason, created_at, updated_at, completed_at
		FROM orders WHERE id = ?
	`, id))
}

// GetOrderBySwapKey retrieves an order by its on-chain swap key.
func (s *Storage) GetOrderBySwapKey(swapKey string) (*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanOrder(s.db.QueryRow(`
		SELECT id, status, maker, taker,
		       from_chain, to_chain, from_token, to_token, amount,
		       hashlock, secret, timelock, swap_key,
		       failure_reason, created_at, updated_at, completed_at
		FROM orders WHERE swap_key = ?
	`, swapKey))
}

// ListOrders returns orders, newest first. An empty status lists all.
func (s *Storage) ListOrders(status OrderStatus, limit int) ([]*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, status, maker, taker,
		       from_chain, to_chain, from_token, to_token, amount,
		       hashlock, secret, timelock, swap_key,
		       failure_reason, created_at, updated_at, completed_at
		FROM orders
	`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*OrderRecord
	for rows.Next() {
		order, err := s.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// ListActiveOrders returns every order in a non-terminal status. This is
// what the expiry monitor and crash recovery iterate over.
func (s *Storage) ListActiveOrders() ([]*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, status, maker, taker,
		       from_chain, to_chain, from_token, to_token, amount,
		       hashlock, secret, timelock, swap_key,
		       failure_reason, created_at, updated_at, completed_at
		FROM orders
		WHERE status IN ('pending', 'matched', 'escrowed')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*OrderRecord
	for rows.Next() {
		order, err := s.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Storage) scanOrder(row rowScanner) (*OrderRecord, error) {
	var order OrderRecord
	var status string
	var taker, fromToken, toToken, secret, failureReason sql.NullString
	var createdAt, updatedAt, completedAt int64

	err := row.Scan(
		&order.ID, &status, &order.Maker, &taker,
		&order.FromChain, &order.ToChain, &fromToken, &toToken, &order.Amount,
		&order.Hashlock, &secret, &order.Timelock, &order.SwapKey,
		&failureReason, &createdAt, &updatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	order.Status = OrderStatus(status)
	order.Taker = taker.String
	order.FromToken = fromToken.String
	order.ToToken = toToken.String
	order.Secret = secret.String
	order.FailureReason = failureReason.String
	order.CreatedAt = time.Unix(createdAt, 0)
	order.UpdatedAt = time.Unix(updatedAt, 0)
	order.CompletedAt = unixToTimeOrZero(completedAt)
	return &order, nil
}
