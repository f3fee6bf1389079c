package storage

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/ledger"
)

// ErrPositionNotFound is returned when no contract has the requested id.
var ErrPositionNotFound = errors.New("position not found")

const contractColumns = `
	id, network, collateral, synthetic, oracles, payout, thresholds,
	txid, vout, confirmed, marker, covenant_script, payout_script,
	borrower_pubkey, created_at`

// SavePosition inserts or updates p.
func (s *Storage) SavePosition(p *ledger.Position) error {
	collateral, err := json.Marshal(p.Collateral)
	if err != nil {
		return err
	}
	synthetic, err := json.Marshal(p.Synthetic)
	if err != nil {
		return err
	}
	oracles, err := json.Marshal(p.Oracles)
	if err != nil {
		return err
	}
	thresholds, err := json.Marshal(p.Thresholds)
	if err != nil {
		return err
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO contracts (`+contractColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			collateral = excluded.collateral,
			synthetic = excluded.synthetic,
			oracles = excluded.oracles,
			payout = excluded.payout,
			thresholds = excluded.thresholds,
			txid = excluded.txid,
			vout = excluded.vout,
			confirmed = excluded.confirmed,
			marker = excluded.marker,
			covenant_script = excluded.covenant_script,
			payout_script = excluded.payout_script,
			borrower_pubkey = excluded.borrower_pubkey,
			updated_at = excluded.updated_at
	`,
		p.ID, string(p.Network), string(collateral), string(synthetic), string(oracles),
		p.Payout.String(), string(thresholds),
		nullString(p.TxID), p.Vout, boolToInt(p.Confirmed), nullString(string(p.Marker)),
		nullString(hex.EncodeToString(p.CovenantScript)),
		nullString(hex.EncodeToString(p.PayoutScript)),
		nullString(hex.EncodeToString(p.BorrowerPubKey)),
		createdAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// GetPosition returns the position with id.
func (s *Storage) GetPosition(id string) (*ledger.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

// ListPositions returns the positions on network, oldest first.
func (s *Storage) ListPositions(network config.NetworkType) ([]*ledger.Position, error) {
	return s.queryPositions(`
		SELECT `+contractColumns+` FROM contracts
		WHERE network = ? ORDER BY created_at, id
	`, string(network))
}

// UnconfirmedPositions returns positions with a broadcast transaction that
// has not been seen confirmed yet.
func (s *Storage) UnconfirmedPositions(network config.NetworkType) ([]*ledger.Position, error) {
	return s.queryPositions(`
		SELECT `+contractColumns+` FROM contracts
		WHERE network = ? AND txid IS NOT NULL AND confirmed = 0
			AND (marker IS NULL OR marker != ?)
		ORDER BY created_at, id
	`, string(network), string(ledger.MarkerRedeemed))
}

func (s *Storage) queryPositions(query string, args ...interface{}) ([]*ledger.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []*ledger.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanPosition(row scanner) (*ledger.Position, error) {
	var p ledger.Position
	var network, collateral, synthetic, oracles, payout, thresholds string
	var txid, marker, covenantScript, payoutScript, borrowerPubKey sql.NullString
	var confirmed int
	var createdAt int64

	if err := row.Scan(
		&p.ID, &network, &collateral, &synthetic, &oracles, &payout, &thresholds,
		&txid, &p.Vout, &confirmed, &marker, &covenantScript, &payoutScript,
		&borrowerPubKey, &createdAt,
	); err != nil {
		return nil, err
	}

	p.Network = config.NetworkType(network)
	if err := json.Unmarshal([]byte(collateral), &p.Collateral); err != nil {
		return nil, fmt.Errorf("invalid collateral: %w", err)
	}
	if err := json.Unmarshal([]byte(synthetic), &p.Synthetic); err != nil {
		return nil, fmt.Errorf("invalid synthetic: %w", err)
	}
	if err := json.Unmarshal([]byte(oracles), &p.Oracles); err != nil {
		return nil, fmt.Errorf("invalid oracles: %w", err)
	}
	if err := json.Unmarshal([]byte(thresholds), &p.Thresholds); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	var err error
	if p.Payout, err = decimal.NewFromString(payout); err != nil {
		return nil, fmt.Errorf("invalid payout: %w", err)
	}

	p.TxID = txid.String
	p.Confirmed = confirmed == 1
	p.Marker = ledger.Marker(marker.String)
	if p.CovenantScript, err = decodeHexColumn(covenantScript); err != nil {
		return nil, err
	}
	if p.PayoutScript, err = decodeHexColumn(payoutScript); err != nil {
		return nil, err
	}
	if p.BorrowerPubKey, err = decodeHexColumn(borrowerPubKey); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

func decodeHexColumn(v sql.NullString) ([]byte, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	return hex.DecodeString(v.String)
}
