package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fuji-money/fujiswap/internal/backend"
	"github.com/fuji-money/fujiswap/internal/boltz"
	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/covenant"
	"github.com/fuji-money/fujiswap/internal/storage"
	"github.com/fuji-money/fujiswap/internal/swap"
	"github.com/fuji-money/fujiswap/internal/wallet"
	"github.com/fuji-money/fujiswap/pkg/logging"
)

// Node errors
var (
	ErrNoAttempt     = errors.New("no swap attempt for position")
	ErrDirectNoRetry = errors.New("direct attempts are not retried, run the operation again")
)

// Chain is what the node needs from the chain backend: everything an
// attempt uses plus confirmation lookups.
type Chain interface {
	swap.Chain
	TxStatusSource
}

// Services are the remote counterparties of the node.
type Services struct {
	Chain    Chain
	Swaps    swap.SwapService
	Covenant swap.Covenant
	Wallet   wallet.Provider
}

// DialServices builds the HTTP and websocket clients for endpoints.
func DialServices(endpoints config.Endpoints) Services {
	esplora := backend.NewEsplora(endpoints.EsploraURL)
	return Services{
		Chain:    backend.NewWatcher(endpoints.ElectrumURL, esplora),
		Swaps:    boltz.NewClient(endpoints.BoltzURL),
		Covenant: covenant.NewClient(endpoints.CovenantURL),
		Wallet:   wallet.NewRPCClient(endpoints.WalletURL),
	}
}

// attempt is a registry entry. running is set while a direct attempt is
// prepared or executing, since its controller only leaves Idle once Run
// launches it.
type attempt struct {
	ctrl    *swap.Controller
	direct  bool
	running bool
	unsub   func()
}

// Node owns storage, the remote services and the registry of swap
// attempts, one per position.
type Node struct {
	config   *Config
	log      *logging.Logger
	store    *storage.Storage
	journal  *storage.Journal
	services Services
	session  *wallet.Session
	swapCfg  swap.Config
	executor *swap.Executor
	monitor  *ConfirmationMonitor

	mu       sync.RWMutex
	attempts map[string]*attempt

	subMu   sync.Mutex
	subs    map[int]chan swap.StageEvent
	nextSub int

	// State
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// New creates a node for cfg talking to the configured endpoints.
func New(ctx context.Context, cfg *Config) (*Node, error) {
	return NewWithServices(ctx, cfg, DialServices(cfg.ResolvedEndpoints()))
}

// NewWithServices creates a node over the given services. It opens the
// database and the stage journal under the data directory.
func NewWithServices(ctx context.Context, cfg *Config, svc Services) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.New(&storage.Config{
		DataDir:       cfg.Storage.DataDir,
		KeyPassphrase: cfg.KeyPassphrase(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	journal, err := storage.OpenJournal(filepath.Join(expandPath(cfg.Storage.DataDir), "journal"))
	if err != nil {
		store.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	n := &Node{
		config:   cfg,
		log:      logging.GetDefault().Component("node"),
		store:    store,
		journal:  journal,
		services: svc,
		session:  wallet.NewSession(svc.Wallet, cfg.Network),
		attempts: make(map[string]*attempt),
		subs:     make(map[int]chan swap.StageEvent),
		ctx:      ctx,
		cancel:   cancel,
	}

	n.swapCfg = swap.Config{
		Network:      cfg.Network,
		Chain:        svc.Chain,
		Swaps:        svc.Swaps,
		Covenant:     svc.Covenant,
		Wallet:       svc.Wallet,
		Store:        store,
		Journal:      journal,
		PaymentPause: time.Second,
	}
	n.executor = swap.NewExecutor(n.swapCfg)
	n.monitor = NewConfirmationMonitor(store, svc.Chain, cfg.Network, cfg.Monitor.Interval)

	return n, nil
}

// Start marks the node as running. The monitor and wallet session are run
// by the caller through Monitor().Run and Session().Run.
func (n *Node) Start() error {
	n.startTime = time.Now()
	n.log.Info("Node started", "network", n.config.Network, "data_dir", n.config.Storage.DataDir)
	return nil
}

// Stop resets every running attempt and closes storage.
func (n *Node) Stop() error {
	n.cancel()

	n.mu.Lock()
	attempts := make([]*attempt, 0, len(n.attempts))
	for _, a := range n.attempts {
		attempts = append(attempts, a)
	}
	n.mu.Unlock()

	for _, a := range attempts {
		if !a.ctrl.Stage().IsTerminal() && a.ctrl.Stage() != swap.StageIdle {
			a.ctrl.Reset()
		}
		a.unsub()
	}

	n.subMu.Lock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
	n.subMu.Unlock()

	var errs []error
	if err := n.journal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	if n.startTime.IsZero() {
		return 0
	}
	return time.Since(n.startTime)
}

// Config returns the node configuration.
func (n *Node) Config() *Config {
	return n.config
}

// Network returns the network the node runs on.
func (n *Node) Network() config.NetworkType {
	return n.config.Network
}

// Storage returns the node storage.
func (n *Node) Storage() *storage.Storage {
	return n.store
}

// Journal returns the stage journal.
func (n *Node) Journal() *storage.Journal {
	return n.journal
}

// Session returns the wallet session.
func (n *Node) Session() *wallet.Session {
	return n.session
}

// Monitor returns the confirmation monitor.
func (n *Node) Monitor() *ConfirmationMonitor {
	return n.monitor
}

// =============================================================================
// Attempts
// =============================================================================

// StartSwap registers and starts a lightning attempt for op. A position
// with an attempt still in flight is rejected.
func (n *Node) StartSwap(op swap.Operation) (*swap.Controller, error) {
	id := op.Position().ID

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkIdle(id); err != nil {
		return nil, err
	}

	c := swap.NewController(n.swapCfg, op)
	a := n.register(id, c, false)
	if err := c.Start(n.ctx); err != nil {
		a.unsub()
		delete(n.attempts, id)
		return nil, err
	}

	n.log.Info("Swap attempt started", "position", id, "task", op.Task(), "attempt", c.AttemptID())
	return c, nil
}

// ExecuteDirect runs a wallet-funded operation and waits for it. It
// shares the registry with lightning attempts.
func (n *Node) ExecuteDirect(ctx context.Context, op swap.Operation) (*swap.Result, error) {
	id := op.Position().ID

	c, err := n.executor.Prepare(op)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	if err := n.checkIdle(id); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	a := n.register(id, c, true)
	a.running = true
	n.mu.Unlock()

	res, err := n.executor.Run(ctx, c)

	n.mu.Lock()
	a.running = false
	n.mu.Unlock()

	if err != nil {
		n.log.Warn("Direct attempt failed", "position", id, "task", op.Task(), "error", err)
		return nil, err
	}
	n.log.Info("Direct attempt finished", "position", id, "task", op.Task(), "txid", res.TxID)
	return res, nil
}

// Attempt returns the latest attempt for a position.
func (n *Node) Attempt(positionID string) (*swap.Controller, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	a, ok := n.attempts[positionID]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoAttempt, positionID)
	}
	return a.ctrl, nil
}

// Retry restarts a failed lightning attempt with a fresh key.
func (n *Node) Retry(positionID string) (*swap.Controller, error) {
	n.mu.RLock()
	a, ok := n.attempts[positionID]
	n.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoAttempt, positionID)
	}
	if a.direct {
		return nil, ErrDirectNoRetry
	}
	if err := a.ctrl.Retry(n.ctx); err != nil {
		return nil, err
	}
	n.log.Info("Swap attempt retried", "position", positionID, "attempt", a.ctrl.AttemptID())
	return a.ctrl, nil
}

// Reset cancels the attempt of a position and returns it to Idle.
func (n *Node) Reset(positionID string) (*swap.Controller, error) {
	n.mu.RLock()
	a, ok := n.attempts[positionID]
	n.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoAttempt, positionID)
	}
	a.ctrl.Reset()
	n.log.Info("Swap attempt reset", "position", positionID)
	return a.ctrl, nil
}

// checkIdle must be called with n.mu held.
func (n *Node) checkIdle(positionID string) error {
	a, ok := n.attempts[positionID]
	if !ok {
		return nil
	}
	stage := a.ctrl.Stage()
	if a.running || (stage != swap.StageIdle && !stage.IsTerminal()) {
		return fmt.Errorf("%w for position %s (%s)", swap.ErrAttemptActive, positionID, stage)
	}
	return nil
}

// register replaces the attempt of a position and forwards its events to
// node subscribers. Must be called with n.mu held.
func (n *Node) register(positionID string, c *swap.Controller, direct bool) *attempt {
	if old, ok := n.attempts[positionID]; ok {
		old.unsub()
	}

	events, unsub := c.Subscribe()
	a := &attempt{ctrl: c, direct: direct, unsub: unsub}
	n.attempts[positionID] = a

	go func() {
		for ev := range events {
			n.broadcast(ev)
		}
	}()
	return a
}

// Subscribe returns stage events of every attempt the node runs. Slow
// subscribers miss events.
func (n *Node) Subscribe() (<-chan swap.StageEvent, func()) {
	n.subMu.Lock()
	defer n.subMu.Unlock()

	id := n.nextSub
	n.nextSub++
	ch := make(chan swap.StageEvent, 64)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.subMu.Lock()
			defer n.subMu.Unlock()
			if sub, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub)
			}
		})
	}
}

func (n *Node) broadcast(ev swap.StageEvent) {
	n.subMu.Lock()
	defer n.subMu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
