package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fuji-money/fujiswap/pkg/logging"
)

const (
	methodSubscribe   = "blockchain.scripthash.subscribe"
	methodUnsubscribe = "blockchain.scripthash.unsubscribe"
	methodBroadcast   = "blockchain.transaction.broadcast"
)

// DefaultPollInterval is how often a funding wait queries Esplora when the
// subscription socket has gone quiet or dropped.
const DefaultPollInterval = 30 * time.Second

// Watcher waits for funding at swap lockup addresses and broadcasts
// finalized transactions.
type Watcher struct {
	electrumURL  string
	electrumCfg  *ElectrumConfig
	esplora      *Esplora
	pollInterval time.Duration
	log          *logging.Logger
}

// NewWatcher creates a watcher over an Electrum websocket endpoint and an
// Esplora API.
func NewWatcher(electrumURL string, esplora *Esplora) *Watcher {
	return &Watcher{
		electrumURL:  electrumURL,
		esplora:      esplora,
		pollInterval: DefaultPollInterval,
		log:          logging.GetDefault().Component("watcher"),
	}
}

// SetPollInterval changes the Esplora fallback poll interval.
func (w *Watcher) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

// SetElectrumConfig overrides the connection settings of new sockets.
func (w *Watcher) SetElectrumConfig(cfg ElectrumConfig) {
	w.electrumCfg = &cfg
}

// Esplora returns the HTTP backend used for lookups.
func (w *Watcher) Esplora() *Esplora {
	return w.esplora
}

// Subscription is a script hash subscription for one address. It owns its
// websocket connection and resolves at most once.
type Subscription struct {
	Address    string
	ScriptHash string

	client  *ElectrumClient
	signals chan struct{}

	waiting   atomic.Bool
	closeOnce sync.Once
}

// signal records activity, coalescing bursts into one pending wake-up.
func (s *Subscription) signal() {
	select {
	case s.signals <- struct{}{}:
	default:
	}
}

// forward turns script hash notifications into activity signals.
func (s *Subscription) forward() {
	for n := range s.client.Notifications() {
		if n.Method != methodSubscribe || len(n.Params) == 0 {
			continue
		}
		var sh string
		if err := json.Unmarshal(n.Params[0], &sh); err != nil || sh != s.ScriptHash {
			continue
		}
		s.signal()
	}
}

// Close unsubscribes and closes the socket. It is safe to call more than
// once and from any goroutine.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.client.Call(ctx, methodUnsubscribe, s.ScriptHash)
		s.client.Close()
	})
}

// Subscribe opens a script hash subscription for address on a fresh
// socket. The subscribe response itself counts as the first activity
// signal, so funds that arrived earlier are picked up by the first lookup.
func (w *Watcher) Subscribe(ctx context.Context, address string) (*Subscription, error) {
	sh, err := AddressScriptHash(address)
	if err != nil {
		return nil, err
	}

	client, err := DialElectrum(ctx, w.electrumURL, w.electrumCfg)
	if err != nil {
		return nil, err
	}

	if _, err := client.Call(ctx, methodSubscribe, sh); err != nil {
		client.Close()
		return nil, fmt.Errorf("subscribe %s: %w", address, err)
	}

	sub := &Subscription{
		Address:    address,
		ScriptHash: sh,
		client:     client,
		signals:    make(chan struct{}, 1),
	}
	sub.signal()
	go sub.forward()

	w.log.Debug("Subscribed to address", "address", address, "scripthash", sh)
	return sub, nil
}

// WaitForFunding blocks until at least one unspent output exists at the
// subscribed address, the deadline passes, or ctx ends. On every return
// the subscription is closed. A second wait on the same handle returns
// ErrAlreadyResolved.
func (w *Watcher) WaitForFunding(ctx context.Context, sub *Subscription, deadline time.Time) ([]UTXO, error) {
	if !sub.waiting.CompareAndSwap(false, true) {
		return nil, ErrAlreadyResolved
	}
	defer sub.Close()

	expiry := time.NewTimer(time.Until(deadline))
	defer expiry.Stop()

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expiry.C:
			return nil, fmt.Errorf("%w: no funds at %s by %s", ErrFundingExpired, sub.Address, deadline.Format(time.RFC3339))
		case <-sub.signals:
		case <-poll.C:
		}

		utxos, err := w.esplora.GetAddressUTXOs(ctx, sub.Address)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.log.Warn("UTXO lookup failed", "address", sub.Address, "error", err)
			continue
		}
		if len(utxos) > 0 {
			w.log.Info("Funding observed", "address", sub.Address, "outputs", len(utxos))
			return utxos, nil
		}
	}
}

// WatchFunding subscribes to address and waits for funding until deadline.
func (w *Watcher) WatchFunding(ctx context.Context, address string, deadline time.Time) ([]UTXO, error) {
	sub, err := w.Subscribe(ctx, address)
	if err != nil {
		return nil, err
	}
	return w.WaitForFunding(ctx, sub, deadline)
}

// Broadcast sends a raw transaction over a fresh socket and returns its
// txid. Error envelopes and responses without a txid are broadcast
// failures.
func (w *Watcher) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	client, err := DialElectrum(ctx, w.electrumURL, w.electrumCfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer client.Close()

	result, err := client.Call(ctx, methodBroadcast, rawTxHex)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", fmt.Errorf("%w: malformed response %s", ErrBroadcastFailed, string(result))
	}
	if !isTxID(txid) {
		return "", fmt.Errorf("%w: missing txid in response %s", ErrBroadcastFailed, string(result))
	}

	w.log.Info("Transaction broadcast", "txid", txid)
	return txid, nil
}

// GetTransactionHex fetches a raw transaction from Esplora.
func (w *Watcher) GetTransactionHex(ctx context.Context, txid string) (string, error) {
	return w.esplora.GetTransactionHex(ctx, txid)
}

// GetBlockHeight fetches the tip height from Esplora.
func (w *Watcher) GetBlockHeight(ctx context.Context) (uint32, error) {
	return w.esplora.GetBlockHeight(ctx)
}

// GetTxStatus fetches a transaction's confirmation status from Esplora.
func (w *Watcher) GetTxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	return w.esplora.GetTxStatus(ctx, txid)
}
