package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vulpemventures/go-elements/address"
	"github.com/vulpemventures/go-elements/network"
)

const testTxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func testAddress(t *testing.T) string {
	t.Helper()
	program := sha256.Sum256([]byte("lockup"))
	addr, err := address.ToBech32(&address.Bech32{
		Prefix:  network.Regtest.Bech32,
		Version: 0,
		Program: program[:],
	})
	if err != nil {
		t.Fatalf("failed to encode address: %v", err)
	}
	return addr
}

// fakeChain serves an Esplora API under /api and an Electrum websocket
// under /electrum.
type fakeChain struct {
	t *testing.T

	mu           sync.Mutex
	utxoReplies  []string
	utxoCalls    int
	methods      []string
	notify       int
	broadcastMsg string

	server *httptest.Server
}

func newFakeChain(t *testing.T) *fakeChain {
	f := &fakeChain{t: t, broadcastMsg: `{"jsonrpc":"2.0","id":%d,"result":"` + testTxID + `"}`}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/address/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		reply := "[]"
		if f.utxoCalls < len(f.utxoReplies) {
			reply = f.utxoReplies[f.utxoCalls]
		} else if len(f.utxoReplies) > 0 {
			reply = f.utxoReplies[len(f.utxoReplies)-1]
		}
		f.utxoCalls++
		io.WriteString(w, reply)
	})
	mux.HandleFunc("/api/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "1200\n")
	})
	mux.HandleFunc("/api/tx/"+testTxID+"/status", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"confirmed":true,"block_height":1190,"block_hash":"00ff"}`)
	})
	mux.HandleFunc("/api/tx", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) == "bad" {
			http.Error(w, "sendrawtransaction RPC error: bad-txns", http.StatusBadRequest)
			return
		}
		io.WriteString(w, testTxID)
	})
	mux.HandleFunc("/electrum", f.serveElectrum)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeChain) electrumURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/electrum"
}

func (f *fakeChain) esplora() *Esplora {
	return NewEsplora(f.server.URL + "/api/")
}

func (f *fakeChain) seen(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.methods {
		if m == method {
			return true
		}
	}
	return false
}

func (f *fakeChain) serveElectrum(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		notify := f.notify
		broadcastMsg := f.broadcastMsg
		f.mu.Unlock()

		switch req.Method {
		case methodSubscribe:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":`+itoa(req.ID)+`,"result":null}`))
			for i := 0; i < notify; i++ {
				msg := `{"jsonrpc":"2.0","method":"` + methodSubscribe + `","params":[` + string(req.Params[0]) + `,"abcd"]}`
				conn.WriteMessage(websocket.TextMessage, []byte(msg))
			}
		case methodUnsubscribe:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":`+itoa(req.ID)+`,"result":true}`))
		case methodBroadcast:
			conn.WriteMessage(websocket.TextMessage, []byte(strings.Replace(broadcastMsg, "%d", itoa(req.ID), 1)))
		}
	}
}

func itoa(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestScriptHash(t *testing.T) {
	script := []byte{0x00, 0x14, 0x01, 0x02}
	h := sha256.Sum256(script)

	got := ScriptHash(script)
	if got[:2] != hex.EncodeToString(h[31:]) {
		t.Errorf("ScriptHash() = %s, first byte should be last byte of sha256", got)
	}
	if len(got) != 64 {
		t.Errorf("ScriptHash() length = %d, want 64", len(got))
	}
}

func TestAddressScriptHash(t *testing.T) {
	addr := testAddress(t)
	if _, err := AddressScriptHash(addr); err != nil {
		t.Fatalf("AddressScriptHash() error = %v", err)
	}
	if _, err := AddressScriptHash("not-an-address"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestEsploraGetAddressUTXOs(t *testing.T) {
	f := newFakeChain(t)
	f.utxoReplies = []string{`[
		{"txid":"` + testTxID + `","vout":1,"status":{"confirmed":true,"block_height":1190},"value":100500,"asset":"5ac9f65c0efcc4775e0baec4ec03abdde22473cd3cf33c0419ca290e0751b225"},
		{"txid":"` + testTxID + `","vout":2,"status":{"confirmed":false},"valuecommitment":"08aa","assetcommitment":"0abb"}
	]`}

	utxos, err := f.esplora().GetAddressUTXOs(context.Background(), testAddress(t))
	if err != nil {
		t.Fatalf("GetAddressUTXOs() error = %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("got %d utxos, want 2", len(utxos))
	}
	if utxos[0].Value != 100500 || !utxos[0].Confirmed || utxos[0].BlockHeight != 1190 {
		t.Errorf("unexpected first utxo: %+v", utxos[0])
	}
	if !utxos[1].Confidential() || utxos[1].Confirmed {
		t.Errorf("second utxo should be unconfirmed and confidential: %+v", utxos[1])
	}
}

func TestEsploraHeightAndStatus(t *testing.T) {
	f := newFakeChain(t)
	e := f.esplora()

	height, err := e.GetBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("GetBlockHeight() error = %v", err)
	}
	if height != 1200 {
		t.Errorf("height = %d, want 1200", height)
	}

	status, err := e.GetTxStatus(context.Background(), testTxID)
	if err != nil {
		t.Fatalf("GetTxStatus() error = %v", err)
	}
	if !status.Confirmed || status.BlockHeight != 1190 {
		t.Errorf("unexpected status: %+v", status)
	}

	if _, err := e.GetTxStatus(context.Background(), strings.Repeat("0", 64)); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("unknown tx error = %v, want ErrTxNotFound", err)
	}
}

func TestEsploraBroadcast(t *testing.T) {
	f := newFakeChain(t)
	e := f.esplora()

	txid, err := e.BroadcastTransaction(context.Background(), "0200")
	if err != nil {
		t.Fatalf("BroadcastTransaction() error = %v", err)
	}
	if txid != testTxID {
		t.Errorf("txid = %s, want %s", txid, testTxID)
	}

	_, err = e.BroadcastTransaction(context.Background(), "bad")
	if !errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("error = %v, want ErrBroadcastFailed", err)
	}
	if err != nil && !strings.Contains(err.Error(), "bad-txns") {
		t.Errorf("error should carry server message, got %v", err)
	}
}

func TestWaitForFundingResolvesOnce(t *testing.T) {
	f := newFakeChain(t)
	f.notify = 3
	f.utxoReplies = []string{
		`[]`,
		`[{"txid":"` + testTxID + `","vout":0,"status":{"confirmed":false},"value":100500}]`,
	}

	w := NewWatcher(f.electrumURL(), f.esplora())
	w.SetPollInterval(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := w.Subscribe(ctx, testAddress(t))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	utxos, err := w.WaitForFunding(ctx, sub, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("WaitForFunding() error = %v", err)
	}
	if len(utxos) != 1 || utxos[0].TxID != testTxID {
		t.Fatalf("unexpected utxos: %+v", utxos)
	}

	if _, err := w.WaitForFunding(ctx, sub, time.Now().Add(time.Second)); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second wait error = %v, want ErrAlreadyResolved", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !f.seen(methodUnsubscribe) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !f.seen(methodUnsubscribe) {
		t.Error("subscription was not unsubscribed after resolution")
	}
}

func TestWaitForFundingExpires(t *testing.T) {
	f := newFakeChain(t)

	w := NewWatcher(f.electrumURL(), f.esplora())
	w.SetPollInterval(10 * time.Millisecond)

	start := time.Now()
	_, err := w.WatchFunding(context.Background(), testAddress(t), time.Now().Add(100*time.Millisecond))
	if !errors.Is(err, ErrFundingExpired) {
		t.Fatalf("error = %v, want ErrFundingExpired", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("deadline did not fire on time")
	}
}

func TestWaitForFundingCancelled(t *testing.T) {
	f := newFakeChain(t)
	w := NewWatcher(f.electrumURL(), f.esplora())

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := w.Subscribe(ctx, testAddress(t))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var done atomic.Bool
	go func() {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
		cancel()
	}()

	_, err = w.WaitForFunding(ctx, sub, time.Now().Add(time.Minute))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if !done.Load() {
		t.Error("wait returned before cancellation")
	}
}

func TestBroadcast(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr bool
		errText string
	}{
		{
			name:  "txid result",
			reply: `{"jsonrpc":"2.0","id":%d,"result":"` + testTxID + `"}`,
		},
		{
			name:    "error envelope",
			reply:   `{"jsonrpc":"2.0","id":%d,"error":{"code":1,"message":"min relay fee not met"}}`,
			wantErr: true,
			errText: "min relay fee not met",
		},
		{
			name:    "string error",
			reply:   `{"jsonrpc":"2.0","id":%d,"error":"bad-txns-inputs-missingorspent"}`,
			wantErr: true,
			errText: "missingorspent",
		},
		{
			name:    "missing result",
			reply:   `{"jsonrpc":"2.0","id":%d}`,
			wantErr: true,
		},
		{
			name:    "non-string result",
			reply:   `{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`,
			wantErr: true,
		},
		{
			name:    "empty result",
			reply:   `{"jsonrpc":"2.0","id":%d,"result":""}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeChain(t)
			f.broadcastMsg = tt.reply
			w := NewWatcher(f.electrumURL(), f.esplora())

			txid, err := w.Broadcast(context.Background(), "0200")
			if tt.wantErr {
				if !errors.Is(err, ErrBroadcastFailed) {
					t.Fatalf("error = %v, want ErrBroadcastFailed", err)
				}
				if tt.errText != "" && !strings.Contains(err.Error(), tt.errText) {
					t.Errorf("error %q should contain %q", err.Error(), tt.errText)
				}
				return
			}
			if err != nil {
				t.Fatalf("Broadcast() error = %v", err)
			}
			if txid != testTxID {
				t.Errorf("txid = %s, want %s", txid, testTxID)
			}
		})
	}
}
