package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fuji-money/fujiswap/internal/config"
)

// RPCError is a JSON-RPC error returned by the wallet.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCClient is a Provider backed by a JSON-RPC 2.0 wallet bridge over
// HTTP.
type RPCClient struct {
	url        string
	httpClient *http.Client
	requestID  atomic.Uint64
}

var _ Provider = (*RPCClient)(nil)

// NewRPCClient creates a wallet client for the bridge at url.
func NewRPCClient(url string) *RPCClient {
	return &RPCClient{
		url: strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{
			// Signing may wait for the user to approve.
			Timeout: 5 * time.Minute,
		},
	}
}

// IsEnabled reports whether the wallet allows this client.
func (c *RPCClient) IsEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := c.call(ctx, "isEnabled", &enabled)
	return enabled, err
}

// GetNetwork returns the wallet network.
func (c *RPCClient) GetNetwork(ctx context.Context) (config.NetworkType, error) {
	var s string
	if err := c.call(ctx, "getNetwork", &s); err != nil {
		return "", err
	}
	return config.ParseNetwork(s)
}

// GetBalances returns spendable balances per asset.
func (c *RPCClient) GetBalances(ctx context.Context) ([]Balance, error) {
	var balances []Balance
	err := c.call(ctx, "getBalances", &balances)
	return balances, err
}

// GetAddresses returns every address the wallet has derived.
func (c *RPCClient) GetAddresses(ctx context.Context) ([]Address, error) {
	var addrs []Address
	err := c.call(ctx, "getAddresses", &addrs)
	return addrs, err
}

// GetNextAddress derives a new receiving address.
func (c *RPCClient) GetNextAddress(ctx context.Context) (*Address, error) {
	var addr Address
	if err := c.call(ctx, "getNextAddress", &addr); err != nil {
		return nil, err
	}
	return &addr, nil
}

// GetNextChangeAddress derives a new change address.
func (c *RPCClient) GetNextChangeAddress(ctx context.Context) (*Address, error) {
	var addr Address
	if err := c.call(ctx, "getNextChangeAddress", &addr); err != nil {
		return nil, err
	}
	return &addr, nil
}

// GetCoins returns the wallet's unspent outputs.
func (c *RPCClient) GetCoins(ctx context.Context) ([]Coin, error) {
	var coins []Coin
	err := c.call(ctx, "getCoins", &coins)
	return coins, err
}

// SignTransaction asks the wallet to sign the inputs it owns.
func (c *RPCClient) SignTransaction(ctx context.Context, psetBase64 string) (string, error) {
	var signed string
	if err := c.call(ctx, "signTransaction", &signed, psetBase64); err != nil {
		return "", err
	}
	if signed == "" {
		return "", fmt.Errorf("wallet returned an empty transaction")
	}
	return signed, nil
}

// BroadcastTransaction broadcasts a raw transaction through the wallet.
func (c *RPCClient) BroadcastTransaction(ctx context.Context, txHex string) (string, error) {
	var txid string
	if err := c.call(ctx, "broadcastTransaction", &txid, txHex); err != nil {
		return "", err
	}
	return txid, nil
}

func (c *RPCClient) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.requestID.Add(1),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wallet %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet %s: unexpected status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("wallet %s: invalid response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("wallet %s: invalid result: %w", method, err)
	}
	return nil
}
