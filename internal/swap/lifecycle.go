// Package swap drives covenant operations funded over lightning through
// submarine swaps. A Controller verifies everything the swap provider
// returns, waits for the lockup, has the covenant co-sign and broadcasts.
package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/fuji-money/fujiswap/internal/backend"
	"github.com/fuji-money/fujiswap/internal/boltz"
	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/covenant"
	"github.com/fuji-money/fujiswap/internal/ledger"
	"github.com/fuji-money/fujiswap/internal/storage"
	"github.com/fuji-money/fujiswap/internal/txbuilder"
	"github.com/fuji-money/fujiswap/internal/wallet"
	"github.com/fuji-money/fujiswap/pkg/logging"
)

// Chain is the chain access an attempt needs.
type Chain interface {
	WatchFunding(ctx context.Context, address string, deadline time.Time) ([]backend.UTXO, error)
	GetTransactionHex(ctx context.Context, txid string) (string, error)
	GetBlockHeight(ctx context.Context) (uint32, error)
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}

// SwapService creates swaps with the lightning swap provider.
type SwapService interface {
	CreateReverseSwap(ctx context.Context, req boltz.ReverseSwapRequest) (*boltz.ReverseSwapResponse, error)
	CreateSwap(ctx context.Context, req boltz.SwapRequest) (*boltz.SwapResponse, error)
	GetLimits(ctx context.Context) (config.Limits, error)
}

// Covenant co-signs operations on a position.
type Covenant interface {
	Propose(ctx context.Context, task config.Task, psetBase64 string, position *ledger.Position) (*covenant.Proposal, error)
}

// Wallet is the part of the wallet provider an attempt uses.
type Wallet interface {
	GetNextAddress(ctx context.Context) (*wallet.Address, error)
	GetNextChangeAddress(ctx context.Context) (*wallet.Address, error)
	GetCoins(ctx context.Context) ([]wallet.Coin, error)
	SignTransaction(ctx context.Context, psetBase64 string) (string, error)
}

// Store persists keys, positions and activities.
type Store interface {
	SaveSwapKey(k *storage.SwapKey) error
	SavePosition(p *ledger.Position) error
	AddActivity(a *ledger.Activity) error
}

// Journal records every stage change.
type Journal interface {
	Append(key string, v any) (uint64, error)
}

// Config holds the dependencies of a controller.
type Config struct {
	Network  config.NetworkType
	Chain    Chain
	Swaps    SwapService
	Covenant Covenant
	Wallet   Wallet
	Store    Store
	Journal  Journal

	// PaymentPause is held between PaymentReceived and the next stage.
	PaymentPause time.Duration
}

// Result is the outcome of a successful attempt.
type Result struct {
	TxID     string           `json:"txid"`
	Vout     uint32           `json:"vout"`
	Position *ledger.Position `json:"position"`
	Activity *ledger.Activity `json:"activity"`
}

const subscriberBuffer = 16

// Controller runs one operation through the swap stages. It is safe for
// concurrent use; the stages themselves run on a single goroutine.
type Controller struct {
	cfg    Config
	op     Operation
	direct bool
	log    *logging.Logger

	mu        sync.RWMutex
	attemptID string
	stage     Stage
	invoice   string
	err       error
	result    *Result
	cancel    context.CancelFunc
	resetting bool
	done      chan struct{}
	subs      map[int]chan StageEvent
	nextSub   int

	// Owned by the running attempt.
	key      *EphemeralKey
	reverse  *ReverseSwap
	forward  *SubmarineSwap
	funding  *backend.UTXO
	skeleton *txbuilder.Skeleton
}

// NewController creates an idle controller for op.
func NewController(cfg Config, op Operation) *Controller {
	return &Controller{
		cfg:   cfg,
		op:    op,
		log:   logging.GetDefault().Component("swap"),
		stage: StageIdle,
		subs:  make(map[int]chan StageEvent),
	}
}

// logger tags the controller log with the current attempt.
func (c *Controller) logger() *logging.Logger {
	return c.log.Attempt(c.AttemptID(), c.op.Position().ID, string(c.op.Task()))
}

func (c *Controller) eventLogger(ev StageEvent) *logging.Logger {
	return c.log.Attempt(ev.AttemptID, ev.PositionID, string(ev.Task))
}

// Operation returns the operation the controller drives.
func (c *Controller) Operation() Operation { return c.op }

// AttemptID returns the id of the current attempt.
func (c *Controller) AttemptID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attemptID
}

// Stage returns the current stage.
func (c *Controller) Stage() Stage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stage
}

// Invoice returns the invoice to pay, or the one being paid out on a
// forward swap. It is empty outside the invoice stages.
func (c *Controller) Invoice() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.invoice
}

// Err returns the error that failed the attempt.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Result returns the outcome once the attempt succeeded.
func (c *Controller) Result() *Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.result == nil {
		return nil
	}
	r := *c.result
	return &r
}

// Done is closed when the running attempt stops. It is nil before Start.
func (c *Controller) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Start runs a lightning attempt in the background. ctx bounds the whole
// attempt, not just the call.
func (c *Controller) Start(ctx context.Context) error {
	if !config.TaskEnabled(c.op.Task(), true) {
		return fmt.Errorf("%w: %s over lightning", ErrTaskDisabled, c.op.Task())
	}
	if err := c.op.Check(); err != nil {
		return err
	}
	return c.launch(ctx, StageIdle, StageNeedsInvoice, c.swapSteps())
}

// Retry starts a fresh attempt after a failure, with a new key and new
// swap parameters.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.RLock()
	stage, done := c.stage, c.done
	c.mu.RUnlock()

	if stage != StageFailure {
		return ErrNotFailed
	}
	if done != nil {
		<-done
	}
	if err := c.op.Check(); err != nil {
		return err
	}
	return c.launch(ctx, StageFailure, StageNeedsInvoice, c.swapSteps())
}

// Reset cancels the attempt, waits for it to stop and returns to Idle.
// The key and skeleton are discarded.
func (c *Controller) Reset() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.resetting = true
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.discard()
	c.cancel = nil
	c.resetting = false
	c.err = nil
	c.result = nil
	c.invoice = ""
	c.stage = StageIdle
	ev := c.event(StageIdle)
	c.mu.Unlock()

	c.publish(ev)
}

// Subscribe returns a channel of stage events and a function that ends
// the subscription. Slow subscribers miss events rather than block the
// attempt.
func (c *Controller) Subscribe() (<-chan StageEvent, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan StageEvent, subscriberBuffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// step is the work done inside one stage.
type step struct {
	stage Stage
	check string
	run   func(ctx context.Context) error
}

func (c *Controller) swapSteps() []step {
	return []step{
		{StageNeedsInvoice, CheckInvoice, c.requestSwap},
		{StageNeedsPayment, CheckAmount, c.awaitFunding},
		{StagePaymentReceived, CheckBuild, c.buildAndPropose},
		{StageNeedsFujiApproval, CheckBuild, c.sign},
		{StageNeedsConfirmation, CheckBuild, c.finalizeAndBroadcast},
		{StageNeedsFinishing, CheckBuild, c.finish},
	}
}

func (c *Controller) directSteps() []step {
	return []step{
		{StageNeedsFujiApproval, CheckBuild, func(ctx context.Context) error {
			if err := c.buildAndPropose(ctx); err != nil {
				return err
			}
			return c.sign(ctx)
		}},
		{StageNeedsConfirmation, CheckBuild, c.finalizeAndBroadcast},
		{StageNeedsFinishing, CheckBuild, c.finish},
	}
}

func (c *Controller) launch(parent context.Context, from, first Stage, steps []step) error {
	c.mu.Lock()
	if c.stage != from {
		c.mu.Unlock()
		if from == StageFailure {
			return ErrNotFailed
		}
		return ErrAttemptActive
	}
	if !CanTransition(from, first) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, first)
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	c.discard()
	c.attemptID = uuid.New().String()
	c.err = nil
	c.result = nil
	c.invoice = ""
	c.cancel = cancel
	c.resetting = false
	c.done = done
	c.stage = first
	ev := c.event(first)
	c.mu.Unlock()

	c.publish(ev)
	c.eventLogger(ev).Info("Swap attempt started")
	go c.run(ctx, steps, done)
	return nil
}

func (c *Controller) run(ctx context.Context, steps []step, done chan struct{}) {
	defer close(done)

	for i, s := range steps {
		if i > 0 {
			if err := c.transition(s.stage); err != nil {
				c.fail(err)
				return
			}
		}
		if err := s.run(ctx); err != nil {
			if ctx.Err() == nil {
				c.fail(classify(s.check, err))
				return
			}
			c.mu.RLock()
			resetting := c.resetting
			c.mu.RUnlock()
			if resetting {
				c.logger().Debug("Swap attempt cancelled", "stage", s.stage)
				return
			}
			// The caller's context ended the attempt.
			c.fail(&TimeoutError{Err: fmt.Errorf("attempt stopped in %s: %w", s.stage, ctx.Err())})
			return
		}
	}

	if err := c.transition(StageSuccess); err != nil {
		c.fail(err)
	}
}

func (c *Controller) transition(to Stage) error {
	c.mu.Lock()
	from := c.stage
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.stage = to
	ev := c.event(to)
	c.mu.Unlock()

	c.eventLogger(ev).Debug("Stage changed", "from", from, "to", to)
	c.publish(ev)
	return nil
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.invoice = ""
	c.stage = StageFailure
	ev := c.event(StageFailure)
	c.mu.Unlock()

	c.eventLogger(ev).Warn("Swap attempt failed", "error", err, "retryable", Retryable(err))
	c.publish(ev)
}

// event builds the event for stage. Caller must hold c.mu.
func (c *Controller) event(stage Stage) StageEvent {
	ev := StageEvent{
		AttemptID:  c.attemptID,
		PositionID: c.op.Position().ID,
		Task:       c.op.Task(),
		Stage:      stage,
		Invoice:    c.invoice,
		Time:       time.Now(),
	}
	if stage == StageFailure && c.err != nil {
		ev.Error = c.err.Error()
	}
	if c.result != nil {
		ev.TxID = c.result.TxID
	}
	return ev
}

func (c *Controller) publish(ev StageEvent) {
	if c.cfg.Journal != nil {
		if _, err := c.cfg.Journal.Append(ev.AttemptID, ev); err != nil {
			c.eventLogger(ev).Warn("Failed to journal stage", "stage", ev.Stage, "error", err)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// discard zeroes the attempt secrets. Caller must hold c.mu.
func (c *Controller) discard() {
	c.key.Zero()
	c.key = nil
	c.reverse = nil
	c.forward = nil
	c.funding = nil
	c.skeleton = nil
}

func (c *Controller) setInvoice(invoice string) {
	c.mu.Lock()
	c.invoice = invoice
	c.mu.Unlock()
}

// requestSwap creates and verifies the swap.
func (c *Controller) requestSwap(ctx context.Context) error {
	key, err := NewEphemeralKey()
	if err != nil {
		return err
	}
	c.key = key

	if c.op.Direction() == Forward {
		return c.requestForwardSwap(ctx)
	}
	return c.requestReverseSwap(ctx)
}

func (c *Controller) requestReverseSwap(ctx context.Context) error {
	pos := c.op.Position()
	if pos.Collateral.ID != config.LBTCAssetID(c.cfg.Network) {
		return &ValidationError{Check: CheckAmount, Err: fmt.Errorf("lightning deposits only fund L-BTC collateral")}
	}

	amount := c.op.SwapAmount()
	deposit := amount - config.FeeAmount
	lnLimits := c.limits(ctx)
	limits := config.DepositLimits(lnLimits)
	if limits.OutOfBounds(deposit) {
		return &ValidationError{
			Check: CheckLimits,
			Err:   fmt.Errorf("deposit %d outside [%d, %d]", deposit, limits.Minimal, limits.Maximal),
		}
	}

	hash := c.key.PaymentHash()
	resp, err := c.cfg.Swaps.CreateReverseSwap(ctx, boltz.ReverseSwapRequest{
		OnchainAmount:  amount,
		PreimageHash:   hex.EncodeToString(hash[:]),
		ClaimPublicKey: c.key.PubKeyHex(),
	})

	record := &storage.SwapKey{
		ContractID: pos.ID,
		Task:       c.op.Task(),
		PublicKey:  c.key.PubKeyHex(),
		PrivateKey: c.key.Serialize(),
		Preimage:   c.key.Preimage(),
		Status:     storage.SwapKeySuccess,
		Timestamp:  time.Now(),
	}
	if err != nil {
		record.Status = storage.SwapKeyFailure
	} else {
		record.SwapID = resp.ID
		record.TimeoutBlockHeight = resp.TimeoutBlockHeight
		record.RedeemScript = resp.RedeemScript
	}
	if saveErr := c.cfg.Store.SaveSwapKey(record); saveErr != nil {
		return fmt.Errorf("failed to persist swap key: %w", saveErr)
	}
	if err != nil {
		return fmt.Errorf("failed to create reverse swap: %w", err)
	}

	redeemScript, err := hex.DecodeString(resp.RedeemScript)
	if err != nil {
		return &ValidationError{Check: CheckScript, Err: err}
	}
	rs := &ReverseSwap{
		ID:                 resp.ID,
		Preimage:           c.key.Preimage(),
		PreimageHash:       hash[:],
		ClaimPublicKey:     c.key.PubKey(),
		Invoice:            resp.Invoice,
		OnchainAmount:      resp.OnchainAmount,
		LockupAddress:      resp.LockupAddress,
		RedeemScript:       redeemScript,
		TimeoutBlockHeight: resp.TimeoutBlockHeight,
	}
	tip, err := c.cfg.Chain.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tip height: %w", err)
	}
	if err := rs.Validate(c.cfg.Network, tip); err != nil {
		return err
	}
	if lnLimits.OutOfBounds(rs.InvoiceAmount) {
		return &ValidationError{
			Check: CheckLimits,
			Err:   fmt.Errorf("invoice for %d sats outside [%d, %d]", rs.InvoiceAmount, lnLimits.Minimal, lnLimits.Maximal),
		}
	}
	if rs.OnchainAmount < amount {
		return &ValidationError{
			Check: CheckAmount,
			Err:   fmt.Errorf("swap locks %d, requested %d", rs.OnchainAmount, amount),
		}
	}
	// A surplus becomes change, which must clear the dust limit.
	if surplus := rs.OnchainAmount - amount; surplus > 0 && surplus < config.MinDustLimit {
		return &ValidationError{
			Check: CheckAmount,
			Err:   fmt.Errorf("swap locks %d, a surplus of %d over %d is below dust", rs.OnchainAmount, surplus, amount),
		}
	}

	c.reverse = rs
	c.setInvoice(rs.Invoice)
	c.logger().Info("Reverse swap accepted", "swap", rs.ID, "onchain", rs.OnchainAmount, "invoice", rs.InvoiceAmount)
	return nil
}

func (c *Controller) requestForwardSwap(ctx context.Context) error {
	fop, ok := c.op.(ForwardOperation)
	if !ok || fop.PayoutInvoice() == "" {
		return &ValidationError{Check: CheckInvoice, Err: fmt.Errorf("forward swap needs an invoice")}
	}
	inv, err := DecodeInvoice(fop.PayoutInvoice(), c.cfg.Network)
	if err != nil {
		return &ValidationError{Check: CheckInvoice, Err: err}
	}
	if inv.Expired(time.Now()) {
		return &ValidationError{Check: CheckInvoice, Err: fmt.Errorf("invoice expired at %s", inv.ExpiresAt)}
	}

	resp, err := c.cfg.Swaps.CreateSwap(ctx, boltz.SwapRequest{
		Invoice:         inv.Raw,
		RefundPublicKey: c.key.PubKeyHex(),
	})

	record := &storage.SwapKey{
		ContractID: c.op.Position().ID,
		Task:       c.op.Task(),
		PublicKey:  c.key.PubKeyHex(),
		PrivateKey: c.key.Serialize(),
		Status:     storage.SwapKeySuccess,
		Timestamp:  time.Now(),
	}
	if err != nil {
		record.Status = storage.SwapKeyFailure
	} else {
		record.SwapID = resp.ID
		record.TimeoutBlockHeight = resp.TimeoutBlockHeight
		record.RedeemScript = resp.RedeemScript
	}
	if saveErr := c.cfg.Store.SaveSwapKey(record); saveErr != nil {
		return fmt.Errorf("failed to persist swap key: %w", saveErr)
	}
	if err != nil {
		return fmt.Errorf("failed to create swap: %w", err)
	}

	redeemScript, err := hex.DecodeString(resp.RedeemScript)
	if err != nil {
		return &ValidationError{Check: CheckScript, Err: err}
	}
	fs := &SubmarineSwap{
		ID:                 resp.ID,
		Invoice:            inv.Raw,
		InvoiceAmount:      inv.AmountSat,
		PaymentHash:        inv.PaymentHash[:],
		RefundPublicKey:    c.key.PubKey(),
		Address:            resp.Address,
		RedeemScript:       redeemScript,
		ExpectedAmount:     resp.ExpectedAmount,
		TimeoutBlockHeight: resp.TimeoutBlockHeight,
	}
	tip, err := c.cfg.Chain.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tip height: %w", err)
	}
	if err := fs.Validate(c.key.PubKey(), c.op.SwapAmount(), tip); err != nil {
		return err
	}

	c.forward = fs
	c.setInvoice(fs.Invoice)
	c.logger().Info("Swap accepted", "swap", fs.ID, "expected", fs.ExpectedAmount)
	return nil
}

func (c *Controller) limits(ctx context.Context) config.Limits {
	limits, err := c.cfg.Swaps.GetLimits(ctx)
	if err != nil || limits.Maximal == 0 {
		if err != nil {
			c.logger().Debug("Using default lightning limits", "error", err)
		}
		return config.DefaultLightningLimits
	}
	return limits
}

// awaitFunding waits for the reverse swap lockup. Forward swaps are
// funded by the transaction itself and pass straight through.
func (c *Controller) awaitFunding(ctx context.Context) error {
	if c.op.Direction() == Forward {
		return nil
	}

	inv, err := DecodeInvoice(c.reverse.Invoice, c.cfg.Network)
	if err != nil {
		return &ValidationError{Check: CheckInvoice, Err: err}
	}
	tip, err := c.cfg.Chain.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tip height: %w", err)
	}
	deadline := FundingDeadline(inv.ExpiresAt, c.reverse.TimeoutBlockHeight, tip, time.Now())

	c.logger().Info("Waiting for swap lockup", "address", c.reverse.LockupAddress, "deadline", deadline)
	utxos, err := c.cfg.Chain.WatchFunding(ctx, c.reverse.LockupAddress, deadline)
	if err != nil {
		if errors.Is(err, backend.ErrFundingExpired) {
			return &TimeoutError{Err: err}
		}
		return err
	}
	if len(utxos) == 0 {
		return ErrNoFunding
	}

	c.funding = &utxos[0]
	c.setInvoice("")
	return nil
}

// claimCoin turns the funding output into the claim input.
func (c *Controller) claimCoin(ctx context.Context) (*txbuilder.Coin, error) {
	txHex, err := c.cfg.Chain.GetTransactionHex(ctx, c.funding.TxID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lockup transaction: %w", err)
	}
	tx, err := transaction.NewTxFromHex(txHex)
	if err != nil {
		return nil, &ValidationError{Check: CheckAddress, Err: err}
	}
	if int(c.funding.Vout) >= len(tx.Outputs) {
		return nil, &ValidationError{Check: CheckAddress, Err: fmt.Errorf("lockup output %d missing", c.funding.Vout)}
	}
	out := tx.Outputs[c.funding.Vout]
	if !bytes.Equal(out.Script, WitnessScriptHash(c.reverse.RedeemScript)) {
		return nil, &ValidationError{Check: CheckAddress, Err: fmt.Errorf("funding output does not pay the lockup script")}
	}

	// Confidential lockups are taken at the promised value.
	value := c.reverse.OnchainAmount
	if len(out.Value) > 0 && out.Value[0] == 1 {
		if value, err = elementsutil.ValueFromBytes(out.Value); err != nil {
			return nil, &ValidationError{Check: CheckAmount, Err: err}
		}
		if value < c.reverse.OnchainAmount {
			return nil, &ValidationError{
				Check: CheckAmount,
				Err:   fmt.Errorf("lockup holds %d, swap promised %d", value, c.reverse.OnchainAmount),
			}
		}
		if value != c.reverse.OnchainAmount {
			c.logger().Warn("Lockup differs from the swap amount", "lockup", value, "promised", c.reverse.OnchainAmount)
		}
	}

	return &txbuilder.Coin{
		TxID:         c.funding.TxID,
		Vout:         c.funding.Vout,
		Asset:        config.LBTCAssetID(c.cfg.Network),
		Value:        value,
		Script:       out.Script,
		WitnessUtxo:  out,
		RedeemScript: c.reverse.RedeemScript,
	}, nil
}

// buildAndPropose builds the skeleton and has the covenant accept it.
func (c *Controller) buildAndPropose(ctx context.Context) error {
	in := BuildInput{Network: c.cfg.Network}

	if c.reverse != nil {
		claim, err := c.claimCoin(ctx)
		if err != nil {
			return err
		}
		in.Claim = claim
	}

	coins, err := c.cfg.Wallet.GetCoins(ctx)
	if err != nil {
		return fmt.Errorf("failed to load wallet coins: %w", err)
	}
	if in.Coins, err = wallet.BuilderCoins(coins); err != nil {
		return err
	}

	change, err := c.destination(ctx, true)
	if err != nil {
		return err
	}
	in.Change = change

	if c.forward != nil {
		in.Receive = txbuilder.Destination{Script: WitnessScriptHash(c.forward.RedeemScript)}
		in.Amount = c.forward.ExpectedAmount
	} else if in.Receive, err = c.destination(ctx, false); err != nil {
		return err
	}

	sk, err := c.op.Build(in)
	if err != nil {
		return &ValidationError{Check: CheckBuild, Err: err}
	}
	psetBase64, err := sk.Base64()
	if err != nil {
		return err
	}

	proposal, err := c.cfg.Covenant.Propose(ctx, c.op.Task(), psetBase64, c.op.Position())
	if err != nil {
		return err
	}
	theirs, err := proposal.Pset()
	if err != nil {
		return &ValidationError{Check: CheckProposal, Err: err}
	}
	witnesses, err := proposal.WitnessStacks()
	if err != nil {
		return &ValidationError{Check: CheckProposal, Err: err}
	}
	if err := sk.ApplyProposal(theirs, witnesses); err != nil {
		return &ValidationError{Check: CheckProposal, Err: err}
	}

	c.skeleton = sk
	if c.cfg.PaymentPause > 0 && !c.direct {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PaymentPause):
		}
	}
	return nil
}

func (c *Controller) destination(ctx context.Context, change bool) (txbuilder.Destination, error) {
	var addr *wallet.Address
	var err error
	if change {
		addr, err = c.cfg.Wallet.GetNextChangeAddress(ctx)
	} else {
		addr, err = c.cfg.Wallet.GetNextAddress(ctx)
	}
	if err != nil {
		return txbuilder.Destination{}, fmt.Errorf("failed to get wallet address: %w", err)
	}
	return addr.Destination()
}

// sign adds the claim signature and has the wallet sign its inputs.
func (c *Controller) sign(ctx context.Context) error {
	sk := c.skeleton
	if c.reverse != nil {
		for _, idx := range sk.Layout.ClaimInputs {
			if err := sk.SignClaimInput(idx, c.key.PrivKey(), c.reverse.RedeemScript); err != nil {
				return &SigningError{Err: err}
			}
		}
	}

	unsigned, err := sk.Base64()
	if err != nil {
		return err
	}
	signed, err := c.cfg.Wallet.SignTransaction(ctx, unsigned)
	if err != nil {
		return &SigningError{Err: err}
	}
	signedPset, err := psetv2.NewPsetFromBase64(signed)
	if err != nil {
		return &SigningError{Err: fmt.Errorf("wallet returned an invalid transaction: %w", err)}
	}
	if err := sk.ApplySigned(signedPset); err != nil {
		return &ValidationError{Check: CheckProposal, Err: err}
	}
	return nil
}

// finalizeAndBroadcast completes every witness and broadcasts.
func (c *Controller) finalizeAndBroadcast(ctx context.Context) error {
	sk := c.skeleton
	if c.reverse != nil {
		for _, idx := range sk.Layout.ClaimInputs {
			if err := txbuilder.FinalizeSwapClaimInput(sk, idx, c.key.PubKey(), c.key.Preimage(), c.reverse.RedeemScript); err != nil {
				return err
			}
		}
	}
	if err := txbuilder.FinalizeCovenantInputs(sk); err != nil {
		return &ValidationError{Check: CheckProposal, Err: err}
	}
	if err := txbuilder.FinalizeWalletInputs(sk); err != nil {
		return err
	}

	rawTx, txid, err := txbuilder.Extract(sk)
	if err != nil {
		return err
	}
	broadcastID, err := c.cfg.Chain.Broadcast(ctx, rawTx)
	if err != nil {
		return &BroadcastError{Err: err}
	}
	if broadcastID != txid {
		c.logger().Warn("Broadcast returned a different txid", "want", txid, "got", broadcastID)
	}

	c.mu.Lock()
	c.result = &Result{TxID: txid}
	c.mu.Unlock()
	c.logger().Info("Transaction broadcast", "txid", txid)
	return nil
}

// finish records the new position state.
func (c *Controller) finish(ctx context.Context) error {
	c.mu.RLock()
	txid := c.result.TxID
	c.mu.RUnlock()

	pos, activity := c.op.Complete(txid, c.skeleton)
	if err := c.cfg.Store.SavePosition(pos); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	if err := c.cfg.Store.AddActivity(activity); err != nil {
		return fmt.Errorf("failed to add activity: %w", err)
	}

	c.mu.Lock()
	c.result = &Result{TxID: txid, Vout: pos.Vout, Position: pos, Activity: activity}
	c.discard()
	c.mu.Unlock()
	return nil
}
