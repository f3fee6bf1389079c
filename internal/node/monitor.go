package node

import (
	"context"
	"time"

	"github.com/fuji-money/fujiswap/internal/backend"
	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/ledger"
	"github.com/fuji-money/fujiswap/pkg/logging"
)

// PositionStore is the storage the confirmation monitor works on.
type PositionStore interface {
	ListPositions(network config.NetworkType) ([]*ledger.Position, error)
	UnconfirmedPositions(network config.NetworkType) ([]*ledger.Position, error)
	SavePosition(p *ledger.Position) error
	AddActivity(a *ledger.Activity) error
	HasActivity(positionID string, t ledger.ActivityType) (bool, error)
}

// TxStatusSource reports the confirmation status of a transaction.
type TxStatusSource interface {
	GetTxStatus(ctx context.Context, txid string) (*backend.TxStatus, error)
}

// ConfirmationMonitor periodically checks positions whose last
// transaction is unconfirmed, and records liquidations of confirmed ones.
type ConfirmationMonitor struct {
	store    PositionStore
	chain    TxStatusSource
	network  config.NetworkType
	interval time.Duration
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConfirmationMonitor creates a monitor for positions on network.
func NewConfirmationMonitor(store PositionStore, chain TxStatusSource, network config.NetworkType, interval time.Duration) *ConfirmationMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &ConfirmationMonitor{
		store:    store,
		chain:    chain,
		network:  network,
		interval: interval,
		log:      logging.GetDefault().Component("monitor"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the monitor background goroutine.
func (m *ConfirmationMonitor) Start() {
	go m.Run(m.ctx)
}

// Stop stops a monitor started with Start.
func (m *ConfirmationMonitor) Stop() {
	m.cancel()
	m.log.Info("Confirmation monitor stopped")
}

// Run checks positions every interval until ctx ends.
func (m *ConfirmationMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("Confirmation monitor started", "interval", m.interval, "network", m.network)

	// Check once on startup
	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one pass over the stored positions.
func (m *ConfirmationMonitor) Check(ctx context.Context) {
	m.checkConfirmations(ctx)
	m.checkLiquidations()
}

func (m *ConfirmationMonitor) checkConfirmations(ctx context.Context) {
	positions, err := m.store.UnconfirmedPositions(m.network)
	if err != nil {
		m.log.Warn("Failed to list unconfirmed positions", "error", err)
		return
	}

	for _, p := range positions {
		if ctx.Err() != nil {
			return
		}

		status, err := m.chain.GetTxStatus(ctx, p.TxID)
		if err != nil {
			m.log.Debug("Failed to get tx status", "position", p.ID, "txid", p.TxID, "error", err)
			continue
		}
		if !status.Confirmed {
			continue
		}

		p.Confirmed = true
		if p.Marker == ledger.MarkerTopuped {
			p.Marker = ledger.MarkerNone
		}
		if err := m.store.SavePosition(p); err != nil {
			m.log.Warn("Failed to save confirmed position", "position", p.ID, "error", err)
			continue
		}
		m.log.Info("Position confirmed", "position", p.ID, "txid", p.TxID, "height", status.BlockHeight)
	}
}

func (m *ConfirmationMonitor) checkLiquidations() {
	positions, err := m.store.ListPositions(m.network)
	if err != nil {
		m.log.Warn("Failed to list positions", "error", err)
		return
	}

	for _, p := range positions {
		if p.State() != ledger.StateLiquidated {
			continue
		}

		seen, err := m.store.HasActivity(p.ID, ledger.ActivityLiquidated)
		if err != nil {
			m.log.Warn("Failed to check activities", "position", p.ID, "error", err)
			continue
		}
		if seen {
			continue
		}

		if err := m.store.AddActivity(ledger.NewActivity(p, ledger.ActivityLiquidated, p.TxID)); err != nil {
			m.log.Warn("Failed to record liquidation", "position", p.ID, "error", err)
			continue
		}
		m.log.Warn("Position liquidated", "position", p.ID)
	}
}
