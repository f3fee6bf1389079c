package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/ledger"
)

// BorrowRequest funds a new position. Claim, when set, is the swap lockup
// output and becomes input 0.
type BorrowRequest struct {
	Network   config.NetworkType
	Position  *ledger.Position
	Claim     *Coin
	Coins     []Coin
	Synthetic Destination
	Change    Destination
}

// TopupRequest replaces the collateral of Old with the larger collateral
// of New. Claim, when set, becomes input 1.
type TopupRequest struct {
	Network config.NetworkType
	Old     *ledger.Position
	New     *ledger.Position
	Claim   *Coin
	Coins   []Coin
	Change  Destination
}

// RedeemRequest closes a position by burning its synthetic debt. Amount,
// when non-zero, is the exact collateral paid to Return; whatever is left
// goes back to Change.
type RedeemRequest struct {
	Network  config.NetworkType
	Position *ledger.Position
	Coins    []Coin
	Return   Destination
	Amount   uint64
	Change   Destination
}

// BuildBorrow builds a borrow skeleton.
//
// Inputs:  [claim], wallet coins
// Outputs: [0] collateral to covenant, [1] synthetic to borrower,
// [2..] change, fee
func BuildBorrow(req BorrowRequest) (*Skeleton, error) {
	p := req.Position
	if len(p.CovenantScript) == 0 {
		return nil, ErrMissingCovenantScript
	}
	if len(req.Synthetic.Script) == 0 {
		return nil, fmt.Errorf("%w: synthetic", ErrMissingDestination)
	}
	if err := ledger.CheckBorrow(p, config.FeeAmount, config.MinDustLimit); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollateralTooLow, err)
	}

	lbtc := config.LBTCAssetID(req.Network)
	needs := map[string]uint64{p.Collateral.ID: p.Collateral.Quantity}
	needs[lbtc] += config.FeeAmount

	var preselected []Coin
	if req.Claim != nil {
		preselected = append(preselected, *req.Claim)
	}
	sel, err := selectCoins(req.Coins, needs, preselected)
	if err != nil {
		return nil, err
	}

	d := newDraft(config.TaskBorrow)
	if req.Claim != nil {
		d.addClaimInput(*req.Claim)
	}
	for _, c := range sel.coins {
		d.addWalletInput(c)
	}

	d.layout.CollateralVout = d.addOutput(p.Collateral.ID, p.Collateral.Quantity, Destination{Script: p.CovenantScript})
	d.layout.SyntheticVout = d.addOutput(p.Synthetic.ID, p.Synthetic.Quantity, req.Synthetic)
	d.addChange(sel, req.Change)
	d.addFee(lbtc)

	return d.finish()
}

// BuildTopup builds a topup skeleton.
//
// Inputs:  [0] old covenant outpoint, [1] claim, wallet coins
// Outputs: [0] new collateral to covenant, [1..] change, fee
func BuildTopup(req TopupRequest) (*Skeleton, error) {
	old, next := req.Old, req.New
	if next.Collateral.Quantity <= old.Collateral.Quantity {
		return nil, fmt.Errorf("%w: %d <= %d", ledger.ErrNoopTopup, next.Collateral.Quantity, old.Collateral.Quantity)
	}
	txid, vout, err := old.Outpoint()
	if err != nil {
		return nil, err
	}
	if len(old.CovenantScript) == 0 {
		return nil, ErrMissingCovenantScript
	}
	if err := ledger.CheckBorrow(next, config.FeeAmount, config.MinDustLimit); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollateralTooLow, err)
	}

	lbtc := config.LBTCAssetID(req.Network)
	needs := map[string]uint64{next.Collateral.ID: next.Collateral.Quantity - old.Collateral.Quantity}
	needs[lbtc] += config.FeeAmount

	var preselected []Coin
	if req.Claim != nil {
		preselected = append(preselected, *req.Claim)
	}
	sel, err := selectCoins(req.Coins, needs, preselected)
	if err != nil {
		return nil, err
	}

	d := newDraft(config.TaskTopup)
	d.addCovenantInput(txid, vout, old.Collateral.ID, old.Collateral.Quantity, old.CovenantScript)
	if req.Claim != nil {
		d.addClaimInput(*req.Claim)
	}
	for _, c := range sel.coins {
		d.addWalletInput(c)
	}

	d.layout.CollateralVout = d.addOutput(next.Collateral.ID, next.Collateral.Quantity, Destination{Script: old.CovenantScript})
	d.addChange(sel, req.Change)
	d.addFee(lbtc)

	return d.finish()
}

// BuildRedeem builds a redeem skeleton.
//
// Inputs:  [0] covenant outpoint, synthetic coins
// Outputs: [0] collateral return, [1] issuer payout, [2] synthetic burn,
// [3..] change, remainder, fee
//
// A remainder below dust is added to the payout.
func BuildRedeem(req RedeemRequest) (*Skeleton, error) {
	p := req.Position
	txid, vout, err := p.Outpoint()
	if err != nil {
		return nil, err
	}
	if len(p.CovenantScript) == 0 {
		return nil, ErrMissingCovenantScript
	}
	if len(p.PayoutScript) == 0 {
		return nil, fmt.Errorf("%w: payout", ErrMissingDestination)
	}
	if len(req.Return.Script) == 0 {
		return nil, fmt.Errorf("%w: return", ErrMissingDestination)
	}

	lbtc := config.LBTCAssetID(req.Network)
	payout := ledger.PayoutAmount(p)
	if payout < config.MinDustLimit {
		return nil, fmt.Errorf("%w: payout %d", ErrBelowDust, payout)
	}
	if payout >= p.Collateral.Quantity {
		return nil, fmt.Errorf("%w: payout %d exceeds collateral %d", ErrCollateralTooLow, payout, p.Collateral.Quantity)
	}

	needs := map[string]uint64{p.Synthetic.ID: p.Synthetic.Quantity}
	available := p.Collateral.Quantity - payout
	if p.Collateral.ID == lbtc {
		if available <= config.FeeAmount {
			return nil, fmt.Errorf("%w: collateral cannot cover fee", ErrInsufficientFunds)
		}
		available -= config.FeeAmount
	} else {
		needs[lbtc] += config.FeeAmount
	}

	returned, remainder := available, uint64(0)
	if req.Amount > 0 {
		if req.Amount > available {
			return nil, fmt.Errorf("%w: return %d exceeds available %d", ErrInsufficientFunds, req.Amount, available)
		}
		returned, remainder = req.Amount, available-req.Amount
	}
	if remainder > 0 && remainder < config.MinDustLimit {
		payout += remainder
		remainder = 0
	}

	sel, err := selectCoins(req.Coins, needs, nil)
	if err != nil {
		return nil, err
	}

	d := newDraft(config.TaskRedeem)
	d.addCovenantInput(txid, vout, p.Collateral.ID, p.Collateral.Quantity, p.CovenantScript)
	for _, c := range sel.coins {
		d.addWalletInput(c)
	}

	d.layout.ReturnVout = d.addOutput(p.Collateral.ID, returned, req.Return)
	d.layout.PayoutVout = d.addOutput(p.Collateral.ID, payout, Destination{Script: p.PayoutScript})
	d.layout.BurnVout = d.addOutput(p.Synthetic.ID, p.Synthetic.Quantity, Destination{Script: []byte{txscript.OP_RETURN}})
	d.addChange(sel, req.Change)
	if remainder > 0 {
		if len(req.Change.Script) == 0 {
			return nil, fmt.Errorf("%w: remainder", ErrMissingDestination)
		}
		d.layout.RemainderVout = d.addOutput(p.Collateral.ID, remainder, req.Change)
	}
	d.addFee(lbtc)

	return d.finish()
}

// draft accumulates inputs and outputs. The first error sticks and is
// reported by finish.
type draft struct {
	ins            []psetv2.InputArgs
	prevouts       []*transaction.TxOutput
	witnessScripts map[int][]byte
	outs           []psetv2.OutputArgs
	layout         Layout
	err            error
}

func newDraft(task config.Task) *draft {
	return &draft{
		witnessScripts: make(map[int][]byte),
		layout:         newLayout(task),
	}
}

func (d *draft) addInput(c Coin) int {
	if d.err != nil {
		return -1
	}
	prevout, err := c.prevout()
	if err != nil {
		d.err = fmt.Errorf("input %s: %w", c.key(), err)
		return -1
	}
	d.ins = append(d.ins, psetv2.InputArgs{
		Txid:     c.TxID,
		TxIndex:  c.Vout,
		Sequence: wire.MaxTxInSequenceNum,
	})
	d.prevouts = append(d.prevouts, prevout)
	return len(d.ins) - 1
}

func (d *draft) addClaimInput(c Coin) {
	idx := d.addInput(c)
	if idx < 0 {
		return
	}
	if len(c.RedeemScript) > 0 {
		d.witnessScripts[idx] = c.RedeemScript
	}
	d.layout.ClaimInputs = append(d.layout.ClaimInputs, idx)
}

func (d *draft) addWalletInput(c Coin) {
	if idx := d.addInput(c); idx >= 0 {
		d.layout.WalletInputs = append(d.layout.WalletInputs, idx)
	}
}

func (d *draft) addCovenantInput(txid string, vout uint32, asset string, value uint64, script []byte) {
	idx := d.addInput(Coin{TxID: txid, Vout: vout, Asset: asset, Value: value, Script: script})
	if idx >= 0 {
		d.layout.CovenantInputs = append(d.layout.CovenantInputs, idx)
	}
}

// addOutput appends a value output, enforcing the dust limit.
func (d *draft) addOutput(asset string, amount uint64, dest Destination) int {
	if d.err != nil {
		return -1
	}
	if amount < config.MinDustLimit {
		d.err = fmt.Errorf("%w: %d of %s", ErrBelowDust, amount, asset)
		return -1
	}
	d.outs = append(d.outs, psetv2.OutputArgs{
		Asset:       asset,
		Amount:      amount,
		Script:      dest.Script,
		BlindingKey: dest.BlindingKey,
	})
	return len(d.outs) - 1
}

// addChange appends one change output per asset, in asset id order.
func (d *draft) addChange(sel *selection, dest Destination) {
	for _, asset := range sel.changeAssets() {
		if d.err != nil {
			return
		}
		if len(dest.Script) == 0 {
			d.err = fmt.Errorf("%w: change", ErrMissingDestination)
			return
		}
		if vout := d.addOutput(asset, sel.change[asset], dest); vout >= 0 {
			d.layout.ChangeVouts = append(d.layout.ChangeVouts, vout)
		}
	}
}

func (d *draft) addFee(lbtc string) {
	if d.err != nil {
		return
	}
	d.outs = append(d.outs, psetv2.OutputArgs{Asset: lbtc, Amount: config.FeeAmount})
	d.layout.FeeVout = len(d.outs) - 1
}

func (d *draft) finish() (*Skeleton, error) {
	if d.err != nil {
		return nil, d.err
	}

	ptx, err := psetv2.New(d.ins, d.outs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create pset: %w", err)
	}
	updater, err := psetv2.NewUpdater(ptx)
	if err != nil {
		return nil, err
	}
	for i, prevout := range d.prevouts {
		if err := updater.AddInWitnessUtxo(i, prevout); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
	}
	for i, script := range d.witnessScripts {
		if err := updater.AddInWitnessScript(i, script); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
	}

	return &Skeleton{
		Pset:            ptx,
		Layout:          d.layout,
		CovenantWitness: make(map[int][][]byte),
	}, nil
}
