package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Esplora is a client for the Esplora REST API (blockstream.info/liquid).
type Esplora struct {
	baseURL    string
	httpClient *http.Client
}

// NewEsplora creates an Esplora client.
func NewEsplora(baseURL string) *Esplora {
	return &Esplora{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL returns the API root.
func (e *Esplora) BaseURL() string {
	return e.baseURL
}

// GetAddressUTXOs returns unspent outputs for an address.
func (e *Esplora) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value           uint64 `json:"value"`
		Asset           string `json:"asset"`
		ValueCommitment string `json:"valuecommitment"`
		AssetCommitment string `json:"assetcommitment"`
	}

	if err := e.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:            u.TxID,
			Vout:            u.Vout,
			Value:           u.Value,
			Asset:           u.Asset,
			ValueCommitment: u.ValueCommitment,
			AssetCommitment: u.AssetCommitment,
			Confirmed:       u.Status.Confirmed,
			BlockHeight:     u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// GetTransactionHex returns the raw transaction hex.
func (e *Esplora) GetTransactionHex(ctx context.Context, txID string) (string, error) {
	body, err := e.getText(ctx, "/tx/"+txID+"/hex")
	if err != nil {
		return "", err
	}
	return body, nil
}

// GetTxStatus returns the confirmation status of a transaction.
func (e *Esplora) GetTxStatus(ctx context.Context, txID string) (*TxStatus, error) {
	var status TxStatus
	if err := e.get(ctx, "/tx/"+txID+"/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetBlockHeight returns the current tip height.
func (e *Esplora) GetBlockHeight(ctx context.Context) (uint32, error) {
	body, err := e.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	var height uint32
	if err := json.Unmarshal([]byte(body), &height); err != nil {
		return 0, fmt.Errorf("invalid tip height %q: %w", body, err)
	}
	return height, nil
}

// BroadcastTransaction broadcasts a raw transaction via POST /tx.
func (e *Esplora) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}

	txid := strings.TrimSpace(string(body))
	if !isTxID(txid) {
		return "", fmt.Errorf("%w: malformed txid %q", ErrBroadcastFailed, txid)
	}
	return txid, nil
}

// get performs a GET request and decodes the JSON response.
func (e *Esplora) get(ctx context.Context, path string, result interface{}) error {
	resp, err := e.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(result)
}

// getText performs a GET request and returns the trimmed body.
func (e *Esplora) getText(ctx context.Context, path string) (string, error) {
	resp, err := e.do(ctx, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (e *Esplora) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	// Add cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/tx/"):
		resp.Body.Close()
		return nil, ErrTxNotFound
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrAddressNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

func isTxID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
