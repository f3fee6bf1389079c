package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/pkg/logging"
)

// EventType names a wallet session event.
type EventType string

const (
	EventEnabled   EventType = "ENABLED"
	EventDisabled  EventType = "DISABLED"
	EventNetwork   EventType = "NETWORK"
	EventSpentUtxo EventType = "SPENT_UTXO"
	EventNewUtxo   EventType = "NEW_UTXO"
)

// Event is delivered to session listeners.
type Event struct {
	Type    EventType          `json:"type"`
	Network config.NetworkType `json:"network"`
	Asset   string             `json:"asset,omitempty"`
}

type listener struct {
	event EventType
	fn    func(Event)
}

// Session is an explicit connection to a wallet provider. It tracks
// whether the wallet is enabled and on the expected network, and turns
// changes it observes into events.
type Session struct {
	provider Provider
	network  config.NetworkType
	log      *logging.Logger

	mu        sync.RWMutex
	connected bool
	balances  map[string]uint64
	listeners map[string]listener
}

// NewSession creates a disconnected session for provider on network.
func NewSession(provider Provider, network config.NetworkType) *Session {
	return &Session{
		provider:  provider,
		network:   network,
		log:       logging.GetDefault().Component("wallet"),
		balances:  make(map[string]uint64),
		listeners: make(map[string]listener),
	}
}

// Provider returns the underlying wallet provider.
func (s *Session) Provider() Provider {
	return s.provider
}

// Network returns the network the session expects.
func (s *Session) Network() config.NetworkType {
	return s.network
}

// Connected reports whether the session is connected.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Balances returns the last observed balances.
func (s *Session) Balances() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out
}

// Connect checks that the wallet is enabled and on the session network.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	balances, err := s.provider.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}

	s.mu.Lock()
	s.balances = balanceMap(balances)
	wasConnected := s.connected
	s.connected = true
	s.mu.Unlock()

	if !wasConnected {
		s.log.Info("Wallet connected", "network", s.network)
		s.emit(Event{Type: EventEnabled, Network: s.network})
	}
	return nil
}

// Disconnect marks the session disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if wasConnected {
		s.log.Info("Wallet disconnected")
		s.emit(Event{Type: EventDisabled, Network: s.network})
	}
}

func (s *Session) check(ctx context.Context) error {
	enabled, err := s.provider.IsEnabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrNotEnabled
	}
	net, err := s.provider.GetNetwork(ctx)
	if err != nil {
		return err
	}
	if net != s.network {
		return fmt.Errorf("%w: %s, want %s", ErrWrongNetwork, net, s.network)
	}
	return nil
}

// On registers fn for event and returns an id for Off.
func (s *Session) On(event EventType, fn func(Event)) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.listeners[id] = listener{event: event, fn: fn}
	s.mu.Unlock()
	return id
}

// Off removes a listener.
func (s *Session) Off(id string) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	s.mu.RLock()
	var fns []func(Event)
	for _, l := range s.listeners {
		if l.event == ev.Type {
			fns = append(fns, l.fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Refresh polls the wallet once. A disabled wallet or a network switch
// disconnects the session; balance changes emit utxo events.
func (s *Session) Refresh(ctx context.Context) error {
	if !s.Connected() {
		if err := s.Connect(ctx); err != nil {
			return err
		}
		return nil
	}

	enabled, err := s.provider.IsEnabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		s.Disconnect()
		return ErrNotEnabled
	}

	net, err := s.provider.GetNetwork(ctx)
	if err != nil {
		return err
	}
	if net != s.network {
		s.emit(Event{Type: EventNetwork, Network: net})
		s.Disconnect()
		return fmt.Errorf("%w: %s, want %s", ErrWrongNetwork, net, s.network)
	}

	balances, err := s.provider.GetBalances(ctx)
	if err != nil {
		return err
	}
	next := balanceMap(balances)

	s.mu.Lock()
	prev := s.balances
	s.balances = next
	s.mu.Unlock()

	for asset, amount := range prev {
		if next[asset] < amount {
			s.emit(Event{Type: EventSpentUtxo, Network: s.network, Asset: asset})
		}
	}
	for asset, amount := range next {
		if amount > prev[asset] {
			s.emit(Event{Type: EventNewUtxo, Network: s.network, Asset: asset})
		}
	}
	return nil
}

// Run refreshes the session every interval until ctx ends.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.log.Debug("Wallet refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func balanceMap(balances []Balance) map[string]uint64 {
	m := make(map[string]uint64, len(balances))
	for _, b := range balances {
		m[b.Asset] += b.Amount
	}
	return m
}
