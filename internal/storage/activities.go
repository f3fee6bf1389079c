package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/ledger"
)

// ErrActivityExists is returned when an activity id is reused.
var ErrActivityExists = errors.New("activity already exists")

// AddActivity appends a to the history of its position.
func (s *Storage) AddActivity(a *ledger.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO activities (id, contract_id, type, txid, message, network, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.PositionID, string(a.Type), nullString(a.TxID), a.Message, string(a.Network), a.CreatedAt.Unix())
	if isUniqueConstraintError(err) {
		return ErrActivityExists
	}
	if err != nil {
		return fmt.Errorf("failed to add activity: %w", err)
	}
	return nil
}

// ListActivities returns activities oldest first. An empty positionID
// lists the history of every position.
func (s *Storage) ListActivities(positionID string) ([]*ledger.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, contract_id, type, txid, message, network, created_at FROM activities`
	var args []interface{}
	if positionID != "" {
		query += ` WHERE contract_id = ?`
		args = append(args, positionID)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var activities []*ledger.Activity
	for rows.Next() {
		var a ledger.Activity
		var typ, network string
		var txid, message *string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.PositionID, &typ, &txid, &message, &network, &createdAt); err != nil {
			return nil, err
		}
		a.Type = ledger.ActivityType(typ)
		a.Network = config.NetworkType(network)
		if txid != nil {
			a.TxID = *txid
		}
		if message != nil {
			a.Message = *message
		}
		a.CreatedAt = time.Unix(createdAt, 0)
		activities = append(activities, &a)
	}
	return activities, rows.Err()
}

// HasActivity reports whether positionID already has an activity of type t.
func (s *Storage) HasActivity(positionID string, t ledger.ActivityType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM activities WHERE contract_id = ? AND type = ?`,
		positionID, string(t),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count activities: %w", err)
	}
	return count > 0, nil
}
