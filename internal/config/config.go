// Package config provides centralized protocol parameters for fujid.
// Fees, limits, asset ids, oracles and default endpoints are defined here.
// No hardcoded protocol values should exist elsewhere in the codebase.
package config

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/vulpemventures/go-elements/network"
)

// =============================================================================
// Network Types
// =============================================================================

// NetworkType is the Liquid network a position lives on.
type NetworkType string

const (
	Liquid  NetworkType = "liquid"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// ParseNetwork validates a network name.
func ParseNetwork(s string) (NetworkType, error) {
	switch NetworkType(s) {
	case Liquid, Testnet, Regtest:
		return NetworkType(s), nil
	case "mainnet":
		return Liquid, nil
	}
	return "", fmt.Errorf("unknown network: %q", s)
}

// ElementsParams returns the go-elements parameters for n.
func ElementsParams(n NetworkType) *network.Network {
	switch n {
	case Testnet:
		return &network.Testnet
	case Regtest:
		return &network.Regtest
	default:
		return &network.Liquid
	}
}

// LightningParams returns the chain parameters lightning invoices are
// encoded for when swapping on n.
func LightningParams(n NetworkType) *chaincfg.Params {
	switch n {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// LBTCAssetID returns the policy asset id of n.
func LBTCAssetID(n NetworkType) string {
	return ElementsParams(n).AssetID
}

// =============================================================================
// Fees and Limits (smallest units)
// =============================================================================

const (
	// FeeAmount is the flat network fee paid by every covenant transaction.
	FeeAmount uint64 = 500

	// SwapFeeAmount is the flat fee reserved for the swap service claim.
	SwapFeeAmount uint64 = 500

	// MinDustLimit is the smallest value output fujid will create.
	MinDustLimit uint64 = 500

	// MaxSwapFeePercent bounds the variable part of what a swap service
	// may charge on top of the swapped amount.
	MaxSwapFeePercent uint64 = 1

	// MaxSwapTimeoutBlocks is the furthest a swap timelock may sit above
	// the chain tip: two days of Liquid blocks.
	MaxSwapTimeoutBlocks uint32 = 2880
)

// SwapFeeAllowance is the most a swap service may take on top of amount:
// the flat fees plus MaxSwapFeePercent of amount.
func SwapFeeAllowance(amount uint64) uint64 {
	return SwapFeeAmount + FeeAmount + amount*MaxSwapFeePercent/100
}

// Limits bounds a lightning swap amount.
type Limits struct {
	Maximal uint64 `json:"maximal"`
	Minimal uint64 `json:"minimal"`
}

// DefaultLightningLimits are used when the swap service does not report
// its own pair limits.
var DefaultLightningLimits = Limits{Maximal: 4294967, Minimal: 50000}

// DepositLimits returns the range a collateral deposit may take once the
// fixed fees are carved out of the invoice limits.
func DepositLimits(l Limits) Limits {
	fees := FeeAmount + SwapFeeAmount
	out := Limits{}
	if l.Maximal > fees {
		out.Maximal = l.Maximal - fees
	}
	if l.Minimal > fees {
		out.Minimal = l.Minimal - fees
	}
	return out
}

// OutOfBounds reports whether quantity falls outside l.
func (l Limits) OutOfBounds(quantity uint64) bool {
	return quantity > l.Maximal || quantity < l.Minimal
}

// =============================================================================
// Timing
// =============================================================================

const (
	// LiquidBlockInterval is the expected block time on Liquid.
	LiquidBlockInterval = time.Minute

	// DefaultMonitorInterval is how often unconfirmed positions are polled.
	DefaultMonitorInterval = 30 * time.Second

	// PaymentReceivedPause is shown between PaymentReceived and
	// NeedsFujiApproval so a caller can render the payment confirmation.
	PaymentReceivedPause = 2 * time.Second
)

// =============================================================================
// Tasks
// =============================================================================

// Task names the operation a swap attempt or activity belongs to.
type Task string

const (
	TaskBorrow   Task = "borrow"
	TaskExchange Task = "exchange"
	TaskMultiply Task = "multiply"
	TaskRedeem   Task = "redeem"
	TaskRenew    Task = "renew"
	TaskTopup    Task = "topup"
)

// EnabledTasks gates direct (wallet funded) operations.
var EnabledTasks = map[Task]bool{
	TaskBorrow:   true,
	TaskExchange: false,
	TaskMultiply: false,
	TaskRedeem:   true,
	TaskRenew:    false,
	TaskTopup:    true,
}

// LightningEnabledTasks gates operations funded through a swap.
var LightningEnabledTasks = map[Task]bool{
	TaskBorrow:   true,
	TaskExchange: false,
	TaskMultiply: false,
	TaskRedeem:   true,
	TaskRenew:    false,
	TaskTopup:    true,
}

// TaskEnabled reports whether t may run, either directly or via lightning.
func TaskEnabled(t Task, lightning bool) bool {
	if lightning {
		return LightningEnabledTasks[t]
	}
	return EnabledTasks[t]
}

// =============================================================================
// Assets and Oracles
// =============================================================================

// AssetInfo describes an asset Fuji knows about. Prices are fetched at
// runtime and are not part of this table.
type AssetInfo struct {
	ID          string
	Ticker      string
	Name        string
	Precision   int32
	IsSynthetic bool
	MinRatio    int64 // percent, collateral assets only
}

// Mainnet asset ids.
const (
	LBTCMainnetID = "6f0279e9ed041c3d710a9f57d0c02928416460c4b722ae3457a11eec381c526d"
	FUSDMainnetID = "0d86b2f6a8c3b02a8c7c8836b83a081e68b7e2b4bcdfc58981fc5486f59f7518"
	USDTMainnetID = "ce091c998b83c78bb71a632313ba3760f1763d9cfcffae02258ffa9865a37bd2"
)

// MainnetAssets lists the assets supported on Liquid mainnet.
var MainnetAssets = map[string]AssetInfo{
	LBTCMainnetID: {ID: LBTCMainnetID, Ticker: "L-BTC", Name: "Liquid Bitcoin", Precision: 8, MinRatio: 150},
	FUSDMainnetID: {ID: FUSDMainnetID, Ticker: "FUSD", Name: "Fuji USD", Precision: 8, IsSynthetic: true},
	USDTMainnetID: {ID: USDTMainnetID, Ticker: "USDt", Name: "Tether USD", Precision: 8},
}

// LookupAsset returns the asset info for id on n. The policy asset is
// always known.
func LookupAsset(n NetworkType, id string) (AssetInfo, bool) {
	if id == LBTCAssetID(n) {
		return AssetInfo{ID: id, Ticker: "L-BTC", Name: "Liquid Bitcoin", Precision: 8, MinRatio: 150}, true
	}
	if n != Liquid {
		return AssetInfo{}, false
	}
	a, ok := MainnetAssets[id]
	return a, ok
}

// Oracle is a price source a position can be bound to.
type Oracle struct {
	ID       string
	Name     string
	PubKey   string
	Disabled bool
}

// Oracles lists the oracles Fuji accepts.
var Oracles = []Oracle{
	{
		ID:     "id0",
		Name:   "Fuji.Money",
		PubKey: "c304c3b5805eecff054c319c545dc6ac2ad44eb70f79dd9570e284c5a62c0f9e",
	},
	{ID: "id1", Name: "Bitfinex", Disabled: true},
	{ID: "id2", Name: "Blockstream", Disabled: true},
}

// OracleEnabled reports whether id names an active oracle.
func OracleEnabled(id string) bool {
	for _, o := range Oracles {
		if o.ID == id {
			return !o.Disabled
		}
	}
	return false
}

// =============================================================================
// Liquidation Thresholds
// =============================================================================

const (
	// CriticalRatioMargin is added to an asset's MinRatio to get the
	// critical threshold.
	CriticalRatioMargin int64 = 25

	// UnsafeRatioMargin is added to an asset's MinRatio to get the unsafe
	// threshold.
	UnsafeRatioMargin int64 = 50
)

// =============================================================================
// Default Endpoints
// =============================================================================

// Endpoints groups the remote services fujid talks to.
type Endpoints struct {
	ElectrumURL string `yaml:"electrum_url"`
	EsploraURL  string `yaml:"esplora_url"`
	BoltzURL    string `yaml:"boltz_url"`
	CovenantURL string `yaml:"covenant_url"`
	WalletURL   string `yaml:"wallet_url"`
}

// DefaultEndpoints returns the public endpoints for n.
func DefaultEndpoints(n NetworkType) Endpoints {
	switch n {
	case Testnet:
		return Endpoints{
			ElectrumURL: "wss://esplora.blockstream.com/liquidtestnet/electrum-websocket/api",
			EsploraURL:  "https://blockstream.info/liquidtestnet/api",
			BoltzURL:    "https://testnet.boltz.exchange/api",
			CovenantURL: "https://testnet.fuji.money/api/v1",
			WalletURL:   "http://127.0.0.1:18665",
		}
	case Regtest:
		return Endpoints{
			ElectrumURL: "ws://localhost:3001/electrum-websocket/api",
			EsploraURL:  "http://localhost:3001",
			BoltzURL:    "http://localhost:9001",
			CovenantURL: "http://localhost:8000/api/v1",
			WalletURL:   "http://127.0.0.1:18665",
		}
	default:
		return Endpoints{
			ElectrumURL: "wss://esplora.blockstream.com/liquid/electrum-websocket/api",
			EsploraURL:  "https://blockstream.info/liquid/api",
			BoltzURL:    "https://api.boltz.exchange",
			CovenantURL: "https://fuji.money/api/v1",
			WalletURL:   "http://127.0.0.1:18665",
		}
	}
}

// BoltzPairID is the swap pair used for every lightning operation.
const BoltzPairID = "L-BTC/BTC"
