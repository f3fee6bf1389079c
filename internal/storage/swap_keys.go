package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fuji-money/fujiswap/internal/config"
)

// ErrSwapKeyNotFound is returned when no key is stored for a contract.
var ErrSwapKeyNotFound = errors.New("swap key not found")

// SwapKeyStatus records whether swap creation succeeded with the key.
type SwapKeyStatus string

const (
	SwapKeySuccess SwapKeyStatus = "success"
	SwapKeyFailure SwapKeyStatus = "failure"
)

// SwapKey is the persisted ephemeral key of the latest swap attempt for a
// contract. PrivateKey and Preimage are plaintext in memory; they are
// sealed on disk when the storage has a passphrase.
type SwapKey struct {
	ContractID         string        `json:"contractId"`
	Task               config.Task   `json:"task"`
	PublicKey          string        `json:"publicKey"`
	PrivateKey         []byte        `json:"-"`
	Preimage           []byte        `json:"-"`
	Status             SwapKeyStatus `json:"status"`
	SwapID             string        `json:"swapId,omitempty"`
	TimeoutBlockHeight uint32        `json:"timeoutBlockHeight,omitempty"`
	RedeemScript       string        `json:"redeemScript,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
}

// SaveSwapKey stores k, replacing any earlier key for the same contract.
func (s *Storage) SaveSwapKey(k *SwapKey) error {
	if k.ContractID == "" {
		return fmt.Errorf("swap key has no contract id")
	}

	privKey, preimage, sealed := k.PrivateKey, k.Preimage, false
	if s.sealer != nil {
		var err error
		if privKey, err = s.sealer.Seal(k.PrivateKey); err != nil {
			return fmt.Errorf("failed to seal private key: %w", err)
		}
		if len(k.Preimage) > 0 {
			if preimage, err = s.sealer.Seal(k.Preimage); err != nil {
				return fmt.Errorf("failed to seal preimage: %w", err)
			}
		}
		sealed = true
	}

	ts := k.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO swap_keys (
			contract_id, task, public_key, private_key, preimage, sealed,
			status, swap_id, timeout_block_height, redeem_script, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contract_id) DO UPDATE SET
			task = excluded.task,
			public_key = excluded.public_key,
			private_key = excluded.private_key,
			preimage = excluded.preimage,
			sealed = excluded.sealed,
			status = excluded.status,
			swap_id = excluded.swap_id,
			timeout_block_height = excluded.timeout_block_height,
			redeem_script = excluded.redeem_script,
			timestamp = excluded.timestamp
	`,
		k.ContractID, string(k.Task), k.PublicKey, privKey, preimage, boolToInt(sealed),
		string(k.Status), nullString(k.SwapID), k.TimeoutBlockHeight, nullString(k.RedeemScript), ts.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save swap key: %w", err)
	}
	return nil
}

// GetSwapKey returns the key for contractID with its secrets opened.
func (s *Storage) GetSwapKey(contractID string) (*SwapKey, error) {
	s.mu.RLock()
	row := s.db.QueryRow(`
		SELECT contract_id, task, public_key, private_key, preimage, sealed,
			   status, swap_id, timeout_block_height, redeem_script, timestamp
		FROM swap_keys WHERE contract_id = ?
	`, contractID)
	k, sealed, err := scanSwapKey(row)
	s.mu.RUnlock()

	if err == sql.ErrNoRows {
		return nil, ErrSwapKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap key: %w", err)
	}

	if sealed {
		if s.sealer == nil {
			return nil, ErrSealedKey
		}
		if k.PrivateKey, err = s.sealer.Open(k.PrivateKey); err != nil {
			return nil, err
		}
		if len(k.Preimage) > 0 {
			if k.Preimage, err = s.sealer.Open(k.Preimage); err != nil {
				return nil, err
			}
		}
	}
	return k, nil
}

// ListSwapKeys returns every stored key, newest first, without secrets.
func (s *Storage) ListSwapKeys() ([]*SwapKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT contract_id, task, public_key, private_key, preimage, sealed,
			   status, swap_id, timeout_block_height, redeem_script, timestamp
		FROM swap_keys ORDER BY timestamp DESC, contract_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list swap keys: %w", err)
	}
	defer rows.Close()

	var keys []*SwapKey
	for rows.Next() {
		k, _, err := scanSwapKey(rows)
		if err != nil {
			return nil, err
		}
		k.PrivateKey, k.Preimage = nil, nil
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSwapKey(row scanner) (*SwapKey, bool, error) {
	var k SwapKey
	var task, status string
	var swapID, redeemScript sql.NullString
	var timeout sql.NullInt64
	var sealed int
	var ts int64

	if err := row.Scan(
		&k.ContractID, &task, &k.PublicKey, &k.PrivateKey, &k.Preimage, &sealed,
		&status, &swapID, &timeout, &redeemScript, &ts,
	); err != nil {
		return nil, false, err
	}

	k.Task = config.Task(task)
	k.Status = SwapKeyStatus(status)
	k.SwapID = swapID.String
	k.RedeemScript = redeemScript.String
	if timeout.Valid {
		k.TimeoutBlockHeight = uint32(timeout.Int64)
	}
	k.Timestamp = time.Unix(ts, 0)
	return &k, sealed == 1, nil
}
