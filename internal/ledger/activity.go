package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fuji-money/fujiswap/internal/config"
)

// ActivityType classifies an entry in a position's history.
type ActivityType string

const (
	ActivityCreation   ActivityType = "Creation"
	ActivityRedeemed   ActivityType = "Redeemed"
	ActivityLiquidated ActivityType = "Liquidated"
	ActivityTopup      ActivityType = "Topup"
)

// Activity records something that happened to a position on chain.
type Activity struct {
	ID         string             `json:"id"`
	PositionID string             `json:"positionId"`
	Type       ActivityType       `json:"type"`
	TxID       string             `json:"txid"`
	Message    string             `json:"message"`
	Network    config.NetworkType `json:"network"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// NewActivity builds an activity for p.
func NewActivity(p *Position, t ActivityType, txid string) *Activity {
	return &Activity{
		ID:         uuid.New().String(),
		PositionID: p.ID,
		Type:       t,
		TxID:       txid,
		Message:    activityMessage(p, t),
		Network:    p.Network,
		CreatedAt:  time.Now(),
	}
}

func activityMessage(p *Position, t ActivityType) string {
	synth := fmt.Sprintf("%s %s", p.Synthetic.Amount().String(), p.Synthetic.Ticker)
	coll := fmt.Sprintf("%s %s", p.Collateral.Amount().String(), p.Collateral.Ticker)
	switch t {
	case ActivityCreation:
		return fmt.Sprintf("Borrowed %s against %s", synth, coll)
	case ActivityRedeemed:
		return fmt.Sprintf("Redeemed %s, released %s", synth, coll)
	case ActivityLiquidated:
		return fmt.Sprintf("Liquidated %s backing %s", coll, synth)
	case ActivityTopup:
		return fmt.Sprintf("Collateral raised to %s", coll)
	}
	return string(t)
}
