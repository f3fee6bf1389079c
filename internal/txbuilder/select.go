package txbuilder

import (
	"fmt"
	"sort"
)

// sortCoins orders coins by value descending, then txid and vout, so that
// selection never depends on the order a wallet reports its coins in.
func sortCoins(coins []Coin) []Coin {
	sorted := make([]Coin, len(coins))
	copy(sorted, coins)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Value != sorted[j].Value {
			return sorted[i].Value > sorted[j].Value
		}
		if sorted[i].TxID != sorted[j].TxID {
			return sorted[i].TxID < sorted[j].TxID
		}
		return sorted[i].Vout < sorted[j].Vout
	})
	return sorted
}

// selection is the result of coin selection: the chosen wallet coins and
// what is left over per asset once every need is covered.
type selection struct {
	coins  []Coin
	change map[string]uint64
}

// selectCoins covers needs, an amount per asset, starting from the
// preselected coins and greedily adding wallet coins of each asset in
// asset id order. Preselected coins are always spent.
func selectCoins(coins []Coin, needs map[string]uint64, preselected []Coin) (*selection, error) {
	used := make(map[string]bool)
	have := make(map[string]uint64)
	for _, c := range preselected {
		used[c.key()] = true
		have[c.Asset] += c.Value
	}

	assets := make([]string, 0, len(needs))
	for a := range needs {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	sorted := sortCoins(coins)
	sel := &selection{change: make(map[string]uint64)}

	for _, asset := range assets {
		need := needs[asset]
		for _, c := range sorted {
			if have[asset] >= need {
				break
			}
			if c.Asset != asset || used[c.key()] {
				continue
			}
			used[c.key()] = true
			sel.coins = append(sel.coins, c)
			have[asset] += c.Value
		}
		if have[asset] < need {
			return nil, fmt.Errorf("%w: asset %s needs %d, have %d", ErrInsufficientFunds, asset, need, have[asset])
		}
	}

	for asset, total := range have {
		if total > needs[asset] {
			sel.change[asset] = total - needs[asset]
		}
	}
	return sel, nil
}

// changeAssets returns the assets with change, sorted by asset id.
func (s *selection) changeAssets() []string {
	assets := make([]string, 0, len(s.change))
	for a := range s.change {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return assets
}
