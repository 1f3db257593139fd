// Package storage - Escrow persistence.
// Each escrowed order owns two rows, one per chain, keyed by
// (order_id, chain, role).
package storage

import (
	"database/sql"
	"errors"
	"time"
)

// Escrow persistence errors
var (
	ErrEscrowNotFound = errors.New("escrow not found")
)

// EscrowRole identifies which side of a swap an escrow row belongs to.
type EscrowRole string

const (
	EscrowRoleSource      EscrowRole = "source"
	EscrowRoleDestination EscrowRole = "destination"
)

// EscrowStatus represents the lifecycle of one on-chain escrow.
type EscrowStatus string

const (
	EscrowStatusCreated  EscrowStatus = "created"
	EscrowStatusFunded   EscrowStatus = "funded"
	EscrowStatusClaimed  EscrowStatus = "claimed"
	EscrowStatusRefunded EscrowStatus = "refunded"
	EscrowStatusExpired  EscrowStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (st EscrowStatus) Terminal() bool {
	return st == EscrowStatusClaimed || st == EscrowStatusRefunded
}

// EscrowRecord is the local view of one on-chain escrow.
type EscrowRecord struct {
	OrderID string       `json:"order_id"`
	Chain   string       `json:"chain"`
	Role    EscrowRole   `json:"role"`
	Status  EscrowStatus `json:"status"`

	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Token     string `json:"token,omitempty"`
	Amount    string `json:"amount"`
	Hashlock  string `json:"hashlock"`
	Timelock  int64  `json:"timelock"`

	CreateTxHash string `json:"create_tx_hash,omitempty"`
	CreateMarker uint64 `json:"create_marker"`
	ClaimTxHash  string `json:"claim_tx_hash,omitempty"`
	RefundTxHash string `json:"refund_tx_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveEscrow saves or updates an escrow record.
func (s *Storage) SaveEscrow(escrow *EscrowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if escrow.CreatedAt.IsZero() {
		escrow.CreatedAt = now
	}
	escrow.UpdatedAt = now

	query := `
		INSERT INTO escrows (
			order_id, chain, role, status,
			sender, recipient, token, amount, hashlock, timelock,
			create_tx_hash, create_marker, claim_tx_hash, refund_tx_hash,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id, chain, role) DO UPDATE SET
			status = excluded.status,
			create_tx_hash = excluded.create_tx_hash,
			create_marker = excluded.create_marker,
			claim_tx_hash = excluded.claim_tx_hash,
			refund_tx_hash = excluded.refund_tx_hash,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		escrow.OrderID,
		escrow.Chain,
		string(escrow.Role),
		string(escrow.Status),
		escrow.Sender,
		escrow.Recipient,
		escrow.Token,
		escrow.Amount,
		escrow.Hashlock,
		escrow.Timelock,
		escrow.CreateTxHash,
		escrow.CreateMarker,
		escrow.ClaimTxHash,
		escrow.RefundTxHash,
		escrow.CreatedAt.Unix(),
		escrow.UpdatedAt.Unix(),
	)
	return err
}

// UpdateEscrowStatus moves an escrow to a new status, guarded by its
// current status. Terminal rows never move again; a false return means
// the guard did not match.
func (s *Storage) UpdateEscrowStatus(orderID, chain string, role EscrowRole, to EscrowStatus, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE escrows
		SET status = ?, updated_at = ?,
		    claim_tx_hash = CASE WHEN ? = 'claimed' AND ? != '' THEN ? ELSE claim_tx_hash END,
		    refund_tx_hash = CASE WHEN ? = 'refunded' AND ? != '' THEN ? ELSE refund_tx_hash END
		WHERE order_id = ? AND chain = ? AND role = ?
		  AND status NOT IN ('claimed', 'refunded')
	`
	st := string(to)
	res, err := s.db.Exec(query,
		st, time.Now().Unix(),
		st, txHash, txHash,
		st, txHash, txHash,
		orderID, chain, string(role),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetEscrow retrieves one escrow row.
func (s *Storage) GetEscrow(orderID, chain string, role EscrowRole) (*EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanEscrow(s.db.QueryRow(`
		SELECT order_id, chain, role, status,
		       sender, recipient, token, amount, hashlock, timelock,
		       create_tx_hash, create_marker, claim_tx_hash, refund_tx_hash,
		       created_at, updated_at
		FROM escrows WHERE order_id = ? AND chain = ? AND role = ?
	`, orderID, chain, string(role)))
}

// GetEscrowByRole retrieves one escrow row by order and role alone.
func (s *Storage) GetEscrowByRole(orderID string, role EscrowRole) (*EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanEscrow(s.db.QueryRow(`
		SELECT order_id, chain, role, status,
		       sender, recipient, token, amount, hashlock, timelock,
		       create_tx_hash, create_marker, claim_tx_hash, refund_tx_hash,
		       created_at, updated_at
		FROM escrows WHERE order_id = ? AND role = ?
	`, orderID, string(role)))
}

// ListEscrowsByOrder returns all escrow rows for an order.
func (s *Storage) ListEscrowsByOrder(orderID string) ([]*EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT order_id, chain, role, status,
		       sender, recipient, token, amount, hashlock, timelock,
		       create_tx_hash, create_marker, claim_tx_hash, refund_tx_hash,
		       created_at, updated_at
		FROM escrows WHERE order_id = ?
		ORDER BY role ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []*EscrowRecord
	for rows.Next() {
		escrow, err := s.scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, escrow)
	}
	return escrows, rows.Err()
}

// ListOpenEscrows returns every escrow in a non-terminal status, oldest
// timelock first. The expiry monitor scans this set.
func (s *Storage) ListOpenEscrows() ([]*EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT order_id, chain, role, status,
		       sender, recipient, token, amount, hashlock, timelock,
		       create_tx_hash, create_marker, claim_tx_hash, refund_tx_hash,
		       created_at, updated_at
		FROM escrows
		WHERE status IN ('created', 'funded', 'expired')
		ORDER BY timelock ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []*EscrowRecord
	for rows.Next() {
		escrow, err := s.scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, escrow)
	}
	return escrows, rows.Err()
}

func (s *Storage) scanEscrow(row rowScanner) (*EscrowRecord, error) {
	var escrow EscrowRecord
	var role, status string
	var token, createTx, claimTx, refundTx sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&escrow.OrderID, &escrow.Chain, &role, &status,
		&escrow.Sender, &escrow.Recipient, &token, &escrow.Amount,
		&escrow.Hashlock, &escrow.Timelock,
		&createTx, &escrow.CreateMarker, &claimTx, &refundTx,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	escrow.Role = EscrowRole(role)
	escrow.Status = EscrowStatus(status)
	escrow.Token = token.String
	escrow.CreateTxHash = createTx.String
	escrow.ClaimTxHash = claimTx.String
	escrow.RefundTxHash = refundTx.String
	escrow.CreatedAt = time.Unix(createdAt, 0)
	escrow.UpdatedAt = time.Unix(updatedAt, 0)
	return &escrow, nil
}
