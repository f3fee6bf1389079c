package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fuji-money/fujiswap/internal/backend"
	"github.com/fuji-money/fujiswap/internal/boltz"
	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/covenant"
	"github.com/fuji-money/fujiswap/internal/ledger"
	"github.com/fuji-money/fujiswap/internal/node"
	"github.com/fuji-money/fujiswap/internal/storage"
	"github.com/fuji-money/fujiswap/internal/swap"
	"github.com/fuji-money/fujiswap/internal/wallet"
)

// Every remote call blocks until the attempt is cancelled, so attempts
// stay in flight for the duration of a test.
type blockingServices struct{}

func (blockingServices) CreateReverseSwap(ctx context.Context, req boltz.ReverseSwapRequest) (*boltz.ReverseSwapResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingServices) CreateSwap(ctx context.Context, req boltz.SwapRequest) (*boltz.SwapResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingServices) GetLimits(ctx context.Context) (config.Limits, error) {
	<-ctx.Done()
	return config.Limits{}, ctx.Err()
}

func (blockingServices) WatchFunding(ctx context.Context, address string, deadline time.Time) ([]backend.UTXO, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingServices) GetTransactionHex(ctx context.Context, txid string) (string, error) {
	return "", backend.ErrTxNotFound
}

func (blockingServices) GetBlockHeight(ctx context.Context) (uint32, error) { return 100, nil }

func (blockingServices) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	return "", backend.ErrBroadcastFailed
}

func (blockingServices) GetTxStatus(ctx context.Context, txid string) (*backend.TxStatus, error) {
	return &backend.TxStatus{}, nil
}

func (blockingServices) Propose(ctx context.Context, task config.Task, psetBase64 string, position *ledger.Position) (*covenant.Proposal, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type testWallet struct{}

func (testWallet) IsEnabled(ctx context.Context) (bool, error) { return true, nil }
func (testWallet) GetNetwork(ctx context.Context) (config.NetworkType, error) {
	return config.Regtest, nil
}
func (testWallet) GetBalances(ctx context.Context) ([]wallet.Balance, error) {
	return []wallet.Balance{{Asset: config.LBTCAssetID(config.Regtest), Amount: 5000}}, nil
}
func (testWallet) GetAddresses(ctx context.Context) ([]wallet.Address, error) { return nil, nil }
func (testWallet) GetNextAddress(ctx context.Context) (*wallet.Address, error) {
	return &wallet.Address{Script: "0014" + strings.Repeat("11", 20)}, nil
}
func (testWallet) GetNextChangeAddress(ctx context.Context) (*wallet.Address, error) {
	return &wallet.Address{Script: "0014" + strings.Repeat("22", 20)}, nil
}
func (testWallet) GetCoins(ctx context.Context) ([]wallet.Coin, error) { return nil, nil }
func (testWallet) SignTransaction(ctx context.Context, psetBase64 string) (string, error) {
	return "", errors.New("nothing to sign")
}
func (testWallet) BroadcastTransaction(ctx context.Context, txHex string) (string, error) {
	return "", errors.New("not supported")
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := node.DefaultConfig()
	cfg.Network = config.Regtest
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.KeyPassphraseEnv = ""

	svc := blockingServices{}
	n, err := node.NewWithServices(context.Background(), cfg, node.Services{
		Chain:    svc,
		Swaps:    svc,
		Covenant: svc,
		Wallet:   testWallet{},
	})
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("failed to start node: %v", err)
	}

	s := NewServer(n)
	ctx, cancel := context.WithCancel(context.Background())
	go s.WSHub().Run(ctx)
	events, unsubscribe := n.Subscribe()
	go s.WSHub().ForwardStages(ctx, events)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		unsubscribe()
		n.Stop()
	})
	return s, ts
}

// call posts a JSON-RPC request and decodes the response.
func call(t *testing.T, ts *httptest.Server, method string, params interface{}) *Response {
	t.Helper()

	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &out
}

// decodeResult re-decodes a generic result into v.
func decodeResult(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
}

func proposeParams() map[string]interface{} {
	return map[string]interface{}{
		"offer": map[string]interface{}{
			"collateralAssetId": config.LBTCAssetID(config.Regtest),
			"collateralPrice":   "30000",
			"syntheticAssetId":  "synthetic",
			"syntheticTicker":   "FUSD",
			"syntheticPrice":    "1",
			"syntheticQuantity": 15_000_000_000,
			"oracles":           []string{"id0"},
			"payout":            "0.25",
		},
		"targetRatio":    "200",
		"covenantScript": "51",
		"payoutScript":   "52",
	}
}

func proposePosition(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	var info struct {
		ID    string       `json:"id"`
		State ledger.State `json:"state"`
	}
	decodeResult(t, call(t, ts, "contracts_propose", proposeParams()), &info)
	if info.ID == "" {
		t.Fatal("proposal returned no id")
	}
	return info.ID
}

func TestProtocolErrors(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{invalid json`, ParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"node_info","id":1}`, InvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"peers_list","id":1}`, MethodNotFound},
		{"bad params", `{"jsonrpc":"2.0","method":"contracts_get","params":{"id":5},"id":1}`, InvalidParams},
		{"missing id", `{"jsonrpc":"2.0","method":"contracts_get","params":{},"id":1}`, InvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %s, want application/json", ct)
			}

			var parsed Response
			if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if parsed.Error == nil {
				t.Fatal("expected an error response")
			}
			if parsed.Error.Code != tt.code {
				t.Errorf("Error.Code = %d, want %d", parsed.Error.Code, tt.code)
			}
		})
	}
}

func TestHTTPMethodCheck(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, ts.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodOptions, ts.URL, nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %s", got)
	}
}

func TestNodeInfo(t *testing.T) {
	_, ts := newTestServer(t)

	var info NodeInfoResult
	decodeResult(t, call(t, ts, "node_info", nil), &info)

	if info.Network != config.Regtest {
		t.Errorf("Network = %s, want regtest", info.Network)
	}
	if info.Version != Version {
		t.Errorf("Version = %s, want %s", info.Version, Version)
	}
	if info.Endpoints.EsploraURL == "" {
		t.Error("expected resolved endpoints")
	}
}

func TestContracts(t *testing.T) {
	_, ts := newTestServer(t)

	id := proposePosition(t, ts)

	var got struct {
		ID         string       `json:"id"`
		State      ledger.State `json:"state"`
		Ratio      string       `json:"ratio"`
		Collateral ledger.Asset `json:"collateral"`
	}
	decodeResult(t, call(t, ts, "contracts_get", map[string]string{"id": id}), &got)
	if got.State != ledger.StateUnconfirmed {
		t.Errorf("State = %s, want unconfirmed", got.State)
	}
	if got.Collateral.Quantity != 1_000_000 {
		t.Errorf("collateral = %d, want 1000000", got.Collateral.Quantity)
	}
	if got.Ratio != "200" {
		t.Errorf("Ratio = %s, want 200", got.Ratio)
	}

	var list ContractsListResult
	decodeResult(t, call(t, ts, "contracts_list", nil), &list)
	if list.Count != 1 {
		t.Errorf("Count = %d, want 1", list.Count)
	}

	var activities ActivitiesListResult
	decodeResult(t, call(t, ts, "activities_list", map[string]string{"positionId": id}), &activities)
	if activities.Count != 0 {
		t.Errorf("expected no activities for a proposal, got %d", activities.Count)
	}

	resp := call(t, ts, "contracts_get", map[string]string{"id": "missing"})
	if resp.Error == nil || resp.Error.Code != NotFound {
		t.Errorf("expected NotFound, got %+v", resp.Error)
	}
}

func TestContractsProposeRejections(t *testing.T) {
	_, ts := newTestServer(t)

	params := proposeParams()
	params["covenantScript"] = "zz"
	resp := call(t, ts, "contracts_propose", params)
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("bad hex: expected InvalidParams, got %+v", resp.Error)
	}

	params = proposeParams()
	params["targetRatio"] = "120"
	resp = call(t, ts, "contracts_propose", params)
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "minimum") {
		t.Errorf("low ratio: unexpected error %+v", resp.Error)
	}
}

func TestSwapAttemptLifecycle(t *testing.T) {
	_, ts := newTestServer(t)
	id := proposePosition(t, ts)

	var info AttemptInfo
	decodeResult(t, call(t, ts, "swap_borrow", map[string]string{"positionId": id}), &info)
	if info.Stage != swap.StageNeedsInvoice {
		t.Errorf("Stage = %s, want needs_invoice", info.Stage)
	}
	if info.Task != config.TaskBorrow || info.PositionID != id || info.AttemptID == "" {
		t.Errorf("unexpected attempt %+v", info)
	}

	resp := call(t, ts, "swap_borrow", map[string]string{"positionId": id})
	if resp.Error == nil || resp.Error.Code != AttemptActive {
		t.Errorf("second attempt: expected AttemptActive, got %+v", resp.Error)
	}

	resp = call(t, ts, "direct_borrow", map[string]string{"positionId": id})
	if resp.Error == nil || resp.Error.Code != AttemptActive {
		t.Errorf("direct attempt: expected AttemptActive, got %+v", resp.Error)
	}

	decodeResult(t, call(t, ts, "swap_status", map[string]string{"positionId": id}), &info)
	if info.Stage != swap.StageNeedsInvoice {
		t.Errorf("status Stage = %s, want needs_invoice", info.Stage)
	}

	resp = call(t, ts, "swap_retry", map[string]string{"positionId": id})
	if resp.Error == nil {
		t.Error("retry of a running attempt must fail")
	}

	decodeResult(t, call(t, ts, "swap_reset", map[string]string{"positionId": id}), &info)
	if info.Stage != swap.StageIdle {
		t.Errorf("after reset Stage = %s, want idle", info.Stage)
	}

	resp = call(t, ts, "swap_status", map[string]string{"positionId": "missing"})
	if resp.Error == nil || resp.Error.Code != NotFound {
		t.Errorf("expected NotFound, got %+v", resp.Error)
	}
}

func TestSwapParamChecks(t *testing.T) {
	_, ts := newTestServer(t)
	id := proposePosition(t, ts)

	tests := []struct {
		method string
		params interface{}
	}{
		{"swap_borrow", map[string]string{}},
		{"swap_topup", map[string]string{"positionId": id}},
		{"swap_redeem", map[string]string{"positionId": id}},
		{"direct_topup", map[string]interface{}{"positionId": id, "targetRatio": "-1"}},
		{"activities_list", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			resp := call(t, ts, tt.method, tt.params)
			if resp.Error == nil || resp.Error.Code != InvalidParams {
				t.Errorf("expected InvalidParams, got %+v", resp.Error)
			}
		})
	}
}

func TestDirectRedeemOfProposal(t *testing.T) {
	_, ts := newTestServer(t)
	id := proposePosition(t, ts)

	resp := call(t, ts, "direct_redeem", map[string]string{"positionId": id})
	if resp.Error == nil || resp.Error.Code != Validation {
		t.Fatalf("expected Validation, got %+v", resp.Error)
	}
}

func TestAuditAndWallet(t *testing.T) {
	_, ts := newTestServer(t)
	id := proposePosition(t, ts)

	var info AttemptInfo
	decodeResult(t, call(t, ts, "swap_borrow", map[string]string{"positionId": id}), &info)

	var journal JournalResult
	decodeResult(t, call(t, ts, "swap_journal", map[string]interface{}{"attemptId": info.AttemptID}), &journal)
	if len(journal.Entries) == 0 {
		t.Fatal("expected journal entries for the attempt")
	}
	if journal.Entries[0].Key != info.AttemptID {
		t.Errorf("entry key = %s, want %s", journal.Entries[0].Key, info.AttemptID)
	}
	if journal.Last != journal.Entries[len(journal.Entries)-1].Index {
		t.Errorf("Last = %d, want index of the final entry", journal.Last)
	}

	var keys SwapKeysResult
	decodeResult(t, call(t, ts, "swap_keys", nil), &keys)
	if keys.Keys == nil {
		t.Error("expected an empty list rather than null")
	}

	var status WalletStatusResult
	decodeResult(t, call(t, ts, "wallet_status", nil), &status)
	if !status.Connected {
		t.Errorf("expected a connected wallet, error %q", status.Error)
	}
	if status.Balances[config.LBTCAssetID(config.Regtest)] != 5000 {
		t.Errorf("unexpected balances %v", status.Balances)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"params", invalidParams("bad"), InvalidParams},
		{"position", fmt.Errorf("load: %w", storage.ErrPositionNotFound), NotFound},
		{"attempt", node.ErrNoAttempt, NotFound},
		{"active", swap.ErrAttemptActive, AttemptActive},
		{"validation", &swap.ValidationError{Check: swap.CheckScript}, Validation},
		{"rejection", &swap.CounterpartyRejection{Reason: "no"}, Rejected},
		{"timeout", &swap.TimeoutError{Err: backend.ErrFundingExpired}, Transient},
		{"other", errors.New("boom"), InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := errorCode(tt.err)
			if code != tt.code {
				t.Errorf("errorCode() = %d, want %d", code, tt.code)
			}
		})
	}
}

func TestWebSocketStageEvents(t *testing.T) {
	_, ts := newTestServer(t)
	id := proposePosition(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(WSSubscription{Action: "subscribe", Events: []string{string(EventSwapStage)}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	// Let the hub apply the subscription before events flow.
	time.Sleep(50 * time.Millisecond)

	var info AttemptInfo
	decodeResult(t, call(t, ts, "swap_borrow", map[string]string{"positionId": id}), &info)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no stage event received: %v", err)
		}

		var msg struct {
			Type EventType       `json:"type"`
			Data swap.StageEvent `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		if msg.Type != EventSwapStage {
			continue
		}
		if msg.Data.PositionID != id || msg.Data.AttemptID != info.AttemptID {
			t.Errorf("unexpected event %+v", msg.Data)
		}
		if msg.Data.Stage != swap.StageNeedsInvoice {
			t.Errorf("Stage = %s, want needs_invoice", msg.Data.Stage)
		}
		return
	}
}

func TestWebSocketHubShutdown(t *testing.T) {
	hub := NewWSHub()
	if hub.ClientCount() != 0 {
		t.Errorf("initial ClientCount = %d, want 0", hub.ClientCount())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	hub.Broadcast(EventNodeStatus, map[string]string{"status": "ok"})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestSubscriptionFilters(t *testing.T) {
	c := &WSClient{
		subscriptions: make(map[EventType]bool),
		positions:     make(map[string]bool),
	}

	stage := func(position string) *WSEvent {
		return &WSEvent{Type: EventSwapStage, position: position}
	}
	wallet := &WSEvent{Type: EventWallet}

	if !c.subscribed(stage("a")) || !c.subscribed(wallet) {
		t.Fatal("a client without subscriptions must receive everything")
	}

	c.handleSubscription(&WSSubscription{Action: "subscribe", Events: []string{string(EventSwapStage)}, Positions: []string{"a"}})
	if !c.subscribed(stage("a")) {
		t.Error("expected stage events of position a")
	}
	if c.subscribed(stage("b")) {
		t.Error("stage events of position b must be filtered")
	}
	if c.subscribed(wallet) {
		t.Error("wallet events must be filtered")
	}

	c.handleSubscription(&WSSubscription{Action: "unsubscribe", Positions: []string{"a"}})
	if !c.subscribed(stage("b")) {
		t.Error("removing the last position filter must allow every position")
	}

	c.handleSubscription(&WSSubscription{Action: "bogus", Events: []string{string(EventWallet)}})
	if c.subscribed(wallet) {
		t.Error("unknown actions must be ignored")
	}
}
