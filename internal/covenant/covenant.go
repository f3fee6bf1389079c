// Package covenant is a client for the covenant counterparty that accepts
// or rejects proposed position transactions.
package covenant

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vulpemventures/go-elements/psetv2"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/ledger"
	"github.com/fuji-money/fujiswap/pkg/logging"
)

// Rejection is the counterparty refusing a proposal. Message is the
// counterparty's reason, verbatim.
type Rejection struct {
	Status  int
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

// Proposal is an accepted transaction: the counterparty's partial PSET
// and the witness stacks for the inputs it controls, hex encoded and keyed
// by input index.
type Proposal struct {
	PartialTransaction string              `json:"partialTransaction"`
	Witnesses          map[string][]string `json:"witnesses,omitempty"`
}

// Pset decodes the partial transaction.
func (p *Proposal) Pset() (*psetv2.Pset, error) {
	ptx, err := psetv2.NewPsetFromBase64(p.PartialTransaction)
	if err != nil {
		return nil, fmt.Errorf("invalid partial transaction: %w", err)
	}
	return ptx, nil
}

// WitnessStacks decodes the witness stacks.
func (p *Proposal) WitnessStacks() (map[int][][]byte, error) {
	out := make(map[int][][]byte, len(p.Witnesses))
	for key, items := range p.Witnesses {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid witness input index %q", key)
		}
		stack := make([][]byte, len(items))
		for i, item := range items {
			b, err := hex.DecodeString(item)
			if err != nil {
				return nil, fmt.Errorf("invalid witness item %d of input %d: %w", i, idx, err)
			}
			stack[i] = b
		}
		out[idx] = stack
	}
	return out, nil
}

// contract is the position summary sent alongside a proposal.
type contract struct {
	ID              string   `json:"id"`
	CollateralAsset string   `json:"collateralAsset"`
	CollateralQty   uint64   `json:"collateralAmount"`
	SyntheticAsset  string   `json:"syntheticAsset"`
	SyntheticQty    uint64   `json:"syntheticAmount"`
	Payout          string   `json:"payout"`
	Oracles         []string `json:"oracles"`
	BorrowerPubKey  string   `json:"borrowerPublicKey,omitempty"`
	TxID            string   `json:"txid,omitempty"`
	Vout            uint32   `json:"vout"`
}

func contractOf(p *ledger.Position) contract {
	return contract{
		ID:              p.ID,
		CollateralAsset: p.Collateral.ID,
		CollateralQty:   p.Collateral.Quantity,
		SyntheticAsset:  p.Synthetic.ID,
		SyntheticQty:    p.Synthetic.Quantity,
		Payout:          p.Payout.String(),
		Oracles:         p.Oracles,
		BorrowerPubKey:  hex.EncodeToString(p.BorrowerPubKey),
		TxID:            p.TxID,
		Vout:            p.Vout,
	}
}

// Client proposes transactions to the covenant counterparty.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient creates a covenant client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.GetDefault().Component("covenant"),
	}
}

// Propose sends a PSET for task. Any non-2xx response, or an accepted
// response without a transaction, is a Rejection.
func (c *Client) Propose(ctx context.Context, task config.Task, psetBase64 string, position *ledger.Position) (*Proposal, error) {
	payload, err := json.Marshal(struct {
		PartialTransaction string   `json:"partialTransaction"`
		Contract           contract `json:"contract"`
	}{
		PartialTransaction: psetBase64,
		Contract:           contractOf(position),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+string(task), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("covenant request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		var envelope struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil {
			if envelope.Message != "" {
				msg = envelope.Message
			} else if envelope.Error != "" {
				msg = envelope.Error
			}
		}
		c.log.Warn("Proposal rejected", "task", task, "position", position.ID, "status", resp.StatusCode, "reason", msg)
		return nil, &Rejection{Status: resp.StatusCode, Message: msg}
	}

	var proposal Proposal
	if err := json.Unmarshal(body, &proposal); err != nil {
		return nil, fmt.Errorf("invalid covenant response: %w", err)
	}
	if proposal.PartialTransaction == "" {
		return nil, &Rejection{Status: resp.StatusCode, Message: "not accepted by covenant"}
	}

	c.log.Info("Proposal accepted", "task", task, "position", position.ID)
	return &proposal, nil
}
