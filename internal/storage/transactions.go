// Package storage - Append-only transaction log.
package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TxType identifies the kind of chain submission.
type TxType string

const (
	TxTypeCreation TxType = "creation"
	TxTypeClaim    TxType = "claim"
	TxTypeRefund   TxType = "refund"
)

// TxStatus is the submission outcome.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// TxRecord is one row in the audit log. Rows are never updated except
// to resolve a pending submission.
type TxRecord struct {
	ID      string   `json:"id"`
	OrderID string   `json:"order_id"`
	Chain   string   `json:"chain"`
	Type    TxType   `json:"tx_type"`
	TxHash  string   `json:"tx_hash,omitempty"`
	Status  TxStatus `json:"status"`
	Error   string   `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AppendTransaction records a submission outcome. Returns the row id.
func (s *Storage) AppendTransaction(tx *TxRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if tx.Status == "" {
		tx.Status = TxStatusPending
	}

	_, err := s.db.Exec(`
		INSERT INTO transactions (id, order_id, chain, tx_type, tx_hash, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.OrderID, tx.Chain, string(tx.Type),
		tx.TxHash, string(tx.Status), tx.Error, tx.CreatedAt.Unix(),
	)
	return tx.ID, err
}

// ResolveTransaction marks a pending row confirmed or failed.
func (s *Storage) ResolveTransaction(id string, status TxStatus, txHash, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE transactions
		SET status = ?, tx_hash = CASE WHEN ? != '' THEN ? ELSE tx_hash END, error_message = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), txHash, txHash, errMsg, id)
	return err
}

// ListTransactionsByOrder returns the audit trail for one order,
// oldest first.
func (s *Storage) ListTransactionsByOrder(orderID string) ([]*TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, order_id, chain, tx_type, tx_hash, status, error_message, created_at
		FROM transactions
		WHERE order_id = ?
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TxRecord
	for rows.Next() {
		var rec TxRecord
		var txType, status string
		var txHash, errMsg sql.NullString
		var createdAt int64

		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.Chain, &txType,
			&txHash, &status, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		rec.Type = TxType(txType)
		rec.Status = TxStatus(status)
		rec.TxHash = txHash.String
		rec.Error = errMsg.String
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, &rec)
	}
	return records, rows.Err()
}
