package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/fuji-money/fujiswap/internal/backend"
	"github.com/fuji-money/fujiswap/internal/boltz"
	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/covenant"
	"github.com/fuji-money/fujiswap/internal/ledger"
	"github.com/fuji-money/fujiswap/internal/storage"
	"github.com/fuji-money/fujiswap/internal/wallet"
)

var (
	regtestLBTC  = config.LBTCAssetID(config.Regtest)
	walletScript = WitnessScriptHash([]byte("borrower"))
)

func testTxID(b byte) string {
	return strings.Repeat(string("0123456789abcdef"[b%16]), 64)
}

// testPosition holds 0.01 L-BTC at 30000 against 150 FUSD at 1, a 200%
// ratio paying out 2500 sats on redeem.
func testPosition() *ledger.Position {
	return &ledger.Position{
		ID:      "position-1",
		Network: config.Regtest,
		Collateral: ledger.Asset{
			ID: regtestLBTC, Ticker: "L-BTC", Precision: 8,
			Quantity: 1_000_000, Value: decimal.NewFromInt(30000), MinRatio: 150,
		},
		Synthetic: ledger.Asset{
			ID: config.FUSDMainnetID, Ticker: "FUSD", Precision: 8,
			Quantity: 15_000_000_000, Value: decimal.NewFromInt(1), IsSynthetic: true,
		},
		Payout:         decimal.RequireFromString("0.25"),
		CovenantScript: WitnessScriptHash([]byte("covenant")),
		PayoutScript:   WitnessScriptHash([]byte("issuer")),
	}
}

func onchainPosition() *ledger.Position {
	p := testPosition()
	p.TxID = testTxID(9)
	p.Confirmed = true
	return p
}

type fakeSwaps struct {
	mu            sync.Mutex
	wrongClaimKey bool
	expected      uint64
	reverseCalls  int
	forwardCalls  int
	script        []byte
	onchain       uint64

	// surplus is locked on top of the requested amount; lockupExtra is
	// paid on top of what the swap promised.
	surplus     uint64
	lockupExtra uint64
}

func (f *fakeSwaps) CreateReverseSwap(_ context.Context, req boltz.ReverseSwapRequest) (*boltz.ReverseSwapResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverseCalls++

	hash, err := hex.DecodeString(req.PreimageHash)
	if err != nil {
		return nil, err
	}
	claim, err := hex.DecodeString(req.ClaimPublicKey)
	if err != nil {
		return nil, err
	}
	if f.wrongClaimKey {
		claim = testPubKey(3)
	}
	script, err := BuildReverseSwapScript(hash, claim, testPubKey(2), testTimelock)
	if err != nil {
		return nil, err
	}
	addr, err := LockupAddress(script, config.Regtest)
	if err != nil {
		return nil, err
	}
	var paymentHash [32]byte
	copy(paymentHash[:], hash)
	invoice, err := encodeInvoice(paymentHash, req.OnchainAmount+1000, time.Now(), time.Hour)
	if err != nil {
		return nil, err
	}

	f.script, f.onchain = script, req.OnchainAmount+f.surplus
	return &boltz.ReverseSwapResponse{
		ID:                 "reverse-1",
		Invoice:            invoice,
		RedeemScript:       hex.EncodeToString(script),
		LockupAddress:      addr,
		OnchainAmount:      f.onchain,
		TimeoutBlockHeight: testTimelock,
	}, nil
}

func (f *fakeSwaps) CreateSwap(_ context.Context, req boltz.SwapRequest) (*boltz.SwapResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardCalls++

	inv, err := DecodeInvoice(req.Invoice, config.Regtest)
	if err != nil {
		return nil, err
	}
	refund, err := hex.DecodeString(req.RefundPublicKey)
	if err != nil {
		return nil, err
	}
	script, err := BuildForwardSwapScript(ripemd160Of(inv.PaymentHash[:]), testPubKey(1), refund, testTimelock)
	if err != nil {
		return nil, err
	}
	addr, err := LockupAddress(script, config.Regtest)
	if err != nil {
		return nil, err
	}
	return &boltz.SwapResponse{
		ID:                 "swap-1",
		Address:            addr,
		RedeemScript:       hex.EncodeToString(script),
		ExpectedAmount:     f.expected,
		TimeoutBlockHeight: testTimelock,
	}, nil
}

func (f *fakeSwaps) GetLimits(context.Context) (config.Limits, error) {
	return config.Limits{}, errors.New("limits unavailable")
}

func (f *fakeSwaps) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reverseCalls, f.forwardCalls
}

type fakeChain struct {
	swaps *fakeSwaps

	mu         sync.Mutex
	fundErr    error
	block      bool
	watchCalls int
	broadcasts []string
}

func (f *fakeChain) lockupTx() *transaction.Transaction {
	f.swaps.mu.Lock()
	script, onchain := f.swaps.script, f.swaps.onchain+f.swaps.lockupExtra
	f.swaps.mu.Unlock()

	asset, _ := elementsutil.AssetHashToBytes(regtestLBTC)
	value, _ := elementsutil.ValueToBytes(onchain)
	tx := transaction.NewTx(2)
	tx.AddInput(transaction.NewTxInput(bytes.Repeat([]byte{7}, 32), 0))
	tx.AddOutput(transaction.NewTxOutput(asset, value, WitnessScriptHash(script)))
	return tx
}

func (f *fakeChain) WatchFunding(ctx context.Context, _ string, _ time.Time) ([]backend.UTXO, error) {
	f.mu.Lock()
	f.watchCalls++
	fundErr, block := f.fundErr, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fundErr != nil {
		return nil, fundErr
	}
	return []backend.UTXO{{TxID: f.lockupTx().TxHash().String(), Vout: 0}}, nil
}

func (f *fakeChain) GetTransactionHex(context.Context, string) (string, error) {
	return f.lockupTx().ToHex()
}

func (f *fakeChain) GetBlockHeight(context.Context) (uint32, error) {
	return testTimelock - 100, nil
}

func (f *fakeChain) Broadcast(_ context.Context, rawTx string) (string, error) {
	tx, err := transaction.NewTxFromHex(rawTx)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, rawTx)
	return tx.TxHash().String(), nil
}

func (f *fakeChain) set(fundErr error, block bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundErr, f.block = fundErr, block
}

func (f *fakeChain) lastBroadcast(t *testing.T) *transaction.Transaction {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.broadcasts)
	tx, err := transaction.NewTxFromHex(f.broadcasts[len(f.broadcasts)-1])
	require.NoError(t, err)
	return tx
}

func (f *fakeChain) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchCalls, len(f.broadcasts)
}

type fakeCovenant struct {
	mu        sync.Mutex
	reject    error
	witnesses map[string][]string
	calls     int
}

func (f *fakeCovenant) Propose(_ context.Context, _ config.Task, psetBase64 string, _ *ledger.Position) (*covenant.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.reject != nil {
		return nil, f.reject
	}
	return &covenant.Proposal{PartialTransaction: psetBase64, Witnesses: f.witnesses}, nil
}

// fakeWallet finalizes every input paying its own script with a dummy
// witness.
type fakeWallet struct {
	coins   []wallet.Coin
	signErr error
}

func (f *fakeWallet) address() *wallet.Address {
	return &wallet.Address{ConfidentialAddress: "el1qq", Script: hex.EncodeToString(walletScript)}
}

func (f *fakeWallet) GetNextAddress(context.Context) (*wallet.Address, error) {
	return f.address(), nil
}

func (f *fakeWallet) GetNextChangeAddress(context.Context) (*wallet.Address, error) {
	return f.address(), nil
}

func (f *fakeWallet) GetCoins(context.Context) ([]wallet.Coin, error) {
	return f.coins, nil
}

func (f *fakeWallet) SignTransaction(_ context.Context, psetBase64 string) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	ptx, err := psetv2.NewPsetFromBase64(psetBase64)
	if err != nil {
		return "", err
	}
	for i := range ptx.Inputs {
		in := &ptx.Inputs[i]
		if in.WitnessUtxo != nil && bytes.Equal(in.WitnessUtxo.Script, walletScript) {
			in.FinalScriptWitness = []byte{0x01, 0x01, 0x01}
		}
	}
	return ptx.ToBase64()
}

type fakeStore struct {
	mu         sync.Mutex
	keys       []*storage.SwapKey
	positions  map[string]*ledger.Position
	activities []*ledger.Activity
}

func (f *fakeStore) SaveSwapKey(k *storage.SwapKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, k)
	return nil
}

func (f *fakeStore) SavePosition(p *ledger.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[p.ID] = p.Clone()
	return nil
}

func (f *fakeStore) AddActivity(a *ledger.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, a)
	return nil
}

func (f *fakeStore) snapshot() ([]*storage.SwapKey, map[string]*ledger.Position, []*ledger.Activity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*storage.SwapKey(nil), f.keys...), f.positions, append([]*ledger.Activity(nil), f.activities...)
}

type fakeJournal struct {
	mu     sync.Mutex
	events []StageEvent
}

func (f *fakeJournal) Append(key string, v any) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := v.(StageEvent)
	if ev.AttemptID != key {
		return 0, errors.New("journal key is not the attempt id")
	}
	f.events = append(f.events, ev)
	return uint64(len(f.events)), nil
}

func (f *fakeJournal) stages(attemptID string) []Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Stage
	for _, ev := range f.events {
		if ev.AttemptID == attemptID {
			out = append(out, ev.Stage)
		}
	}
	return out
}

type testEnv struct {
	swaps    *fakeSwaps
	chain    *fakeChain
	covenant *fakeCovenant
	wallet   *fakeWallet
	store    *fakeStore
	journal  *fakeJournal
}

func newTestEnv() *testEnv {
	swaps := &fakeSwaps{}
	return &testEnv{
		swaps:    swaps,
		chain:    &fakeChain{swaps: swaps},
		covenant: &fakeCovenant{},
		wallet:   &fakeWallet{},
		store:    &fakeStore{positions: make(map[string]*ledger.Position)},
		journal:  &fakeJournal{},
	}
}

func (e *testEnv) config() Config {
	return Config{
		Network:  config.Regtest,
		Chain:    e.chain,
		Swaps:    e.swaps,
		Covenant: e.covenant,
		Wallet:   e.wallet,
		Store:    e.store,
		Journal:  e.journal,
	}
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("attempt stuck in %s", c.Stage())
	}
}

func collect(t *testing.T, events <-chan StageEvent, n int) []StageEvent {
	t.Helper()
	var out []StageEvent
	for len(out) < n {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-time.After(10 * time.Second):
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func waitStage(t *testing.T, events <-chan StageEvent, stage Stage) StageEvent {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Stage == stage {
				return ev
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("never reached %s", stage)
		}
	}
}

func stagesOf(events []StageEvent) []Stage {
	out := make([]Stage, len(events))
	for i, ev := range events {
		out[i] = ev.Stage
	}
	return out
}

var lightningStages = []Stage{
	StageNeedsInvoice,
	StageNeedsPayment,
	StagePaymentReceived,
	StageNeedsFujiApproval,
	StageNeedsConfirmation,
	StageNeedsFinishing,
	StageSuccess,
}

func TestControllerBorrowOverLightning(t *testing.T) {
	env := newTestEnv()
	c := NewController(env.config(), NewBorrowOp(testPosition()))
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	assert.Equal(t, StageIdle, c.Stage())
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)

	require.NoError(t, c.Err())
	assert.Equal(t, StageSuccess, c.Stage())
	assert.Empty(t, c.Invoice())

	got := collect(t, events, len(lightningStages))
	assert.Equal(t, lightningStages, stagesOf(got))
	assert.NotEmpty(t, got[1].Invoice, "invoice is shown while waiting for payment")
	assert.Empty(t, got[2].Invoice, "invoice is hidden once paid")
	assert.Equal(t, lightningStages, env.journal.stages(c.AttemptID()))

	res := c.Result()
	require.NotNil(t, res)
	assert.Len(t, res.TxID, 64)
	assert.Equal(t, res.TxID, got[len(got)-1].TxID)
	assert.Equal(t, uint32(0), res.Vout)
	assert.Equal(t, res.TxID, res.Position.TxID)
	assert.Equal(t, ledger.StateUnconfirmed, res.Position.State())
	assert.Equal(t, ledger.ActivityCreation, res.Activity.Type)

	reverseCalls, _ := env.swaps.calls()
	assert.Equal(t, 1, reverseCalls)
	assert.Equal(t, 1_000_500, int(env.swaps.onchain), "collateral plus fee")

	keys, positions, activities := env.store.snapshot()
	require.Len(t, keys, 1)
	assert.Equal(t, storage.SwapKeySuccess, keys[0].Status)
	assert.Equal(t, "reverse-1", keys[0].SwapID)
	assert.Len(t, keys[0].Preimage, 32)
	assert.Equal(t, uint32(testTimelock), keys[0].TimeoutBlockHeight)
	require.Contains(t, positions, "position-1")
	assert.Equal(t, res.TxID, positions["position-1"].TxID)
	require.Len(t, activities, 1)
	assert.Equal(t, res.TxID, activities[0].TxID)

	_, broadcasts := env.chain.counts()
	assert.Equal(t, 1, broadcasts)

	// A finished controller does not start again.
	assert.ErrorIs(t, c.Start(context.Background()), ErrAttemptActive)
}

func TestControllerFundingTimeout(t *testing.T) {
	env := newTestEnv()
	env.chain.set(backend.ErrFundingExpired, false)

	c := NewController(env.config(), NewBorrowOp(testPosition()))
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)

	assert.Equal(t, StageFailure, c.Stage())
	assert.Empty(t, c.Invoice())
	var te *TimeoutError
	require.ErrorAs(t, c.Err(), &te)
	assert.True(t, Retryable(c.Err()))
	assert.Nil(t, c.Result())
	assert.Zero(t, env.covenant.calls)

	_, positions, _ := env.store.snapshot()
	assert.Empty(t, positions)

	// Retry runs a new attempt with a fresh key.
	first := c.AttemptID()
	env.chain.set(nil, false)
	require.NoError(t, c.Retry(context.Background()))
	waitDone(t, c)

	require.NoError(t, c.Err())
	assert.Equal(t, StageSuccess, c.Stage())
	assert.NotEqual(t, first, c.AttemptID())

	keys, _, _ := env.store.snapshot()
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0].PublicKey, keys[1].PublicKey)
}

func TestControllerRejectsWrongClaimKey(t *testing.T) {
	env := newTestEnv()
	env.swaps.wrongClaimKey = true

	c := NewController(env.config(), NewBorrowOp(testPosition()))
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)

	assert.Equal(t, StageFailure, c.Stage())
	var ve *ValidationError
	require.ErrorAs(t, c.Err(), &ve)
	assert.Equal(t, CheckScript, ve.Check)
	assert.False(t, Retryable(c.Err()))
	assert.Equal(t, []Stage{StageNeedsInvoice, StageFailure}, env.journal.stages(c.AttemptID()))

	watchCalls, broadcasts := env.chain.counts()
	assert.Zero(t, watchCalls, "no funding wait for an invalid swap")
	assert.Zero(t, broadcasts)

	// The key is kept even though the swap was rejected.
	keys, _, _ := env.store.snapshot()
	require.Len(t, keys, 1)
	assert.NotEmpty(t, keys[0].PrivateKey)
}

func TestControllerRejectsSubDustSurplus(t *testing.T) {
	env := newTestEnv()
	env.swaps.surplus = config.MinDustLimit - 400

	c := NewController(env.config(), NewBorrowOp(testPosition()))
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)

	var ve *ValidationError
	require.ErrorAs(t, c.Err(), &ve)
	assert.Equal(t, CheckAmount, ve.Check)
	assert.Equal(t, []Stage{StageNeedsInvoice, StageFailure}, env.journal.stages(c.AttemptID()))

	watchCalls, _ := env.chain.counts()
	assert.Zero(t, watchCalls, "rejected before the invoice is shown")
}

func TestControllerClaimsObservedLockupValue(t *testing.T) {
	env := newTestEnv()
	env.swaps.lockupExtra = 50_000

	c := NewController(env.config(), NewBorrowOp(testPosition()))
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)
	require.NoError(t, c.Err())

	// The extra lockup value comes back as change instead of being left
	// to the fee.
	lbtc, err := elementsutil.AssetHashToBytes(regtestLBTC)
	require.NoError(t, err)
	tx := env.chain.lastBroadcast(t)
	var change uint64
	for _, out := range tx.Outputs {
		if bytes.Equal(out.Script, walletScript) && bytes.Equal(out.Asset, lbtc) && len(out.Value) > 0 && out.Value[0] == 1 {
			v, err := elementsutil.ValueFromBytes(out.Value)
			require.NoError(t, err)
			change += v
		}
	}
	assert.Equal(t, uint64(50_000), change)
}

func TestControllerCallerCancellation(t *testing.T) {
	env := newTestEnv()
	env.chain.set(nil, true)

	c := NewController(env.config(), NewBorrowOp(testPosition()))
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	waitStage(t, events, StageNeedsPayment)
	cancel()
	waitDone(t, c)

	assert.Equal(t, StageFailure, c.Stage())
	var te *TimeoutError
	require.ErrorAs(t, c.Err(), &te)
	assert.ErrorIs(t, c.Err(), context.Canceled)
	assert.Contains(t, env.journal.stages(c.AttemptID()), StageFailure)

	env.chain.set(nil, false)
	require.NoError(t, c.Retry(context.Background()))
	waitDone(t, c)
	assert.Equal(t, StageSuccess, c.Stage())
}

func TestControllerLocalGates(t *testing.T) {
	t.Run("payout below dust", func(t *testing.T) {
		env := newTestEnv()
		p := testPosition()
		p.Collateral.Quantity = 10_000
		p.Synthetic.Quantity = 100_000_000

		c := NewController(env.config(), NewBorrowOp(p))
		err := c.Start(context.Background())
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.ErrorIs(t, err, ledger.ErrPayoutBelowDust)
		assert.Equal(t, StageIdle, c.Stage())
		assert.Nil(t, c.Done())

		reverseCalls, _ := env.swaps.calls()
		assert.Zero(t, reverseCalls)
	})

	t.Run("deposit below lightning minimum", func(t *testing.T) {
		env := newTestEnv()
		p := testPosition()
		p.Collateral.Quantity = 40_000
		p.Synthetic.Quantity = 500_000_000
		p.Payout = decimal.NewFromInt(2)

		c := NewController(env.config(), NewBorrowOp(p))
		require.NoError(t, c.Start(context.Background()))
		waitDone(t, c)

		var ve *ValidationError
		require.ErrorAs(t, c.Err(), &ve)
		assert.Equal(t, CheckLimits, ve.Check)
		reverseCalls, _ := env.swaps.calls()
		assert.Zero(t, reverseCalls)
	})

	t.Run("noop topup", func(t *testing.T) {
		_, err := NewTopupOp(onchainPosition(), decimal.NewFromInt(200))
		assert.ErrorIs(t, err, ledger.ErrNoopTopup)

		_, err = NewTopupOp(onchainPosition(), decimal.NewFromInt(150))
		assert.ErrorIs(t, err, ledger.ErrNoopTopup)
	})

	t.Run("topup of redeemed position", func(t *testing.T) {
		p := onchainPosition()
		p.Marker = ledger.MarkerRedeemed
		op, err := NewTopupOp(p, decimal.NewFromInt(250))
		require.NoError(t, err)
		assert.Error(t, op.Check())
	})

	t.Run("redeem of unsent position", func(t *testing.T) {
		err := NewRedeemOp(testPosition(), "").Check()
		assert.ErrorIs(t, err, ledger.ErrPositionNotOnchain)
	})
}

func TestControllerResetAndRetryRules(t *testing.T) {
	env := newTestEnv()
	env.chain.set(nil, true)

	c := NewController(env.config(), NewBorrowOp(testPosition()))
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	assert.ErrorIs(t, c.Retry(context.Background()), ErrNotFailed)

	require.NoError(t, c.Start(context.Background()))
	ev := waitStage(t, events, StageNeedsPayment)
	assert.NotEmpty(t, ev.Invoice)
	assert.Equal(t, ev.Invoice, c.Invoice())

	assert.ErrorIs(t, c.Start(context.Background()), ErrAttemptActive)
	assert.ErrorIs(t, c.Retry(context.Background()), ErrNotFailed)

	c.Reset()
	assert.Equal(t, StageIdle, c.Stage())
	assert.Empty(t, c.Invoice())
	assert.NoError(t, c.Err())
	waitStage(t, events, StageIdle)

	// A cancelled attempt never reports a failure.
	assert.NotContains(t, env.journal.stages(c.AttemptID()), StageFailure)

	env.chain.set(nil, false)
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)
	assert.Equal(t, StageSuccess, c.Stage())
}

func TestControllerCovenantRejection(t *testing.T) {
	env := newTestEnv()
	env.covenant.reject = &covenant.Rejection{Status: 400, Message: "ratio below minimum"}

	c := NewController(env.config(), NewBorrowOp(testPosition()))
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)

	assert.Equal(t, StageFailure, c.Stage())
	var cr *CounterpartyRejection
	require.ErrorAs(t, c.Err(), &cr)
	assert.Equal(t, "ratio below minimum", cr.Reason)
	assert.False(t, Retryable(c.Err()))

	_, broadcasts := env.chain.counts()
	assert.Zero(t, broadcasts)
}

func TestControllerRedeemOverLightning(t *testing.T) {
	env := newTestEnv()
	env.covenant.witnesses = map[string][]string{"0": {"c0ffee"}}
	env.wallet.coins = []wallet.Coin{{
		TxID: testTxID(3), Vout: 1, Asset: config.FUSDMainnetID,
		Value: 15_000_000_000, Script: hex.EncodeToString(walletScript),
	}}

	hash := [32]byte{1, 2, 3}
	op := NewRedeemOp(onchainPosition(), testInvoice(t, hash, 990_000, time.Now(), time.Hour))
	// 1,000,000 collateral less 2500 payout and 500 fee.
	require.Equal(t, uint64(997_000), op.SwapAmount())
	env.swaps.expected = op.SwapAmount()

	c := NewController(env.config(), op)
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)

	require.NoError(t, c.Err())
	assert.Equal(t, lightningStages, env.journal.stages(c.AttemptID()))

	res := c.Result()
	require.NotNil(t, res)
	assert.Equal(t, ledger.StateRedeemed, res.Position.State())
	assert.Equal(t, ledger.ActivityRedeemed, res.Activity.Type)

	_, forwardCalls := env.swaps.calls()
	assert.Equal(t, 1, forwardCalls)
	watchCalls, broadcasts := env.chain.counts()
	assert.Zero(t, watchCalls, "forward swaps are funded by the redeem itself")
	assert.Equal(t, 1, broadcasts)

	keys, _, _ := env.store.snapshot()
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].Preimage)
	assert.Equal(t, config.TaskRedeem, keys[0].Task)
}

func TestControllerRedeemExpiredInvoice(t *testing.T) {
	env := newTestEnv()
	invoice := testInvoice(t, [32]byte{1}, 990_000, time.Now().Add(-2*time.Hour), time.Hour)

	c := NewController(env.config(), NewRedeemOp(onchainPosition(), invoice))
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)

	var ve *ValidationError
	require.ErrorAs(t, c.Err(), &ve)
	assert.Equal(t, CheckInvoice, ve.Check)
	_, forwardCalls := env.swaps.calls()
	assert.Zero(t, forwardCalls)
}

func TestExecutorDirectBorrow(t *testing.T) {
	env := newTestEnv()
	script := hex.EncodeToString(walletScript)
	env.wallet.coins = []wallet.Coin{
		{TxID: testTxID(2), Vout: 0, Asset: regtestLBTC, Value: 600_000, Script: script},
		{TxID: testTxID(3), Vout: 1, Asset: regtestLBTC, Value: 300_000, Script: script},
		{TxID: testTxID(4), Vout: 0, Asset: regtestLBTC, Value: 200_000, Script: script},
	}

	exec := NewExecutor(env.config())
	c, err := exec.Prepare(NewBorrowOp(testPosition()))
	require.NoError(t, err)
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	res, err := exec.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Len(t, res.TxID, 64)
	assert.Equal(t, uint32(0), res.Vout)
	assert.Equal(t, ledger.ActivityCreation, res.Activity.Type)

	got := collect(t, events, 4)
	assert.Equal(t, []Stage{StageNeedsFujiApproval, StageNeedsConfirmation, StageNeedsFinishing, StageSuccess}, stagesOf(got))

	reverseCalls, forwardCalls := env.swaps.calls()
	assert.Zero(t, reverseCalls+forwardCalls)
	watchCalls, broadcasts := env.chain.counts()
	assert.Zero(t, watchCalls)
	assert.Equal(t, 1, broadcasts)

	keys, positions, _ := env.store.snapshot()
	assert.Empty(t, keys)
	assert.Equal(t, res.TxID, positions["position-1"].TxID)
}

func TestExecutorSigningFailure(t *testing.T) {
	env := newTestEnv()
	env.wallet.coins = []wallet.Coin{
		{TxID: testTxID(2), Vout: 0, Asset: regtestLBTC, Value: 2_000_000, Script: hex.EncodeToString(walletScript)},
	}
	env.wallet.signErr = errors.New("user rejected")

	_, err := NewExecutor(env.config()).Execute(context.Background(), NewBorrowOp(testPosition()))
	var se *SigningError
	require.ErrorAs(t, err, &se)
	assert.True(t, Retryable(err))

	_, broadcasts := env.chain.counts()
	assert.Zero(t, broadcasts)
}

func TestExecutorInsufficientFunds(t *testing.T) {
	env := newTestEnv()
	_, err := NewExecutor(env.config()).Execute(context.Background(), NewBorrowOp(testPosition()))

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, CheckBuild, ve.Check)
	assert.Zero(t, env.covenant.calls)
}
