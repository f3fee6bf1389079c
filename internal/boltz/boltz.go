// Package boltz is a client for the Boltz submarine swap API.
package boltz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/pkg/logging"
)

const (
	swapTypeSubmarine        = "submarine"
	swapTypeReverseSubmarine = "reversesubmarine"

	orderSideBuy  = "buy"
	orderSideSell = "sell"
)

// ErrPairNotFound is returned when the service does not offer the pair.
var ErrPairNotFound = errors.New("swap pair not offered")

// APIError is a non-2xx response from the swap service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("boltz: %s (status %d)", e.Message, e.StatusCode)
}

// ReverseSwapRequest asks for a lightning invoice that, once paid, makes
// the service lock funds on chain. Exactly one of InvoiceAmount and
// OnchainAmount is set.
type ReverseSwapRequest struct {
	InvoiceAmount  uint64 `json:"invoiceAmount,omitempty"`
	OnchainAmount  uint64 `json:"onchainAmount,omitempty"`
	PreimageHash   string `json:"preimageHash"`
	ClaimPublicKey string `json:"claimPublicKey"`
}

// ReverseSwapResponse are the swap parameters chosen by the service.
type ReverseSwapResponse struct {
	ID                 string `json:"id"`
	Invoice            string `json:"invoice"`
	RedeemScript       string `json:"redeemScript"`
	LockupAddress      string `json:"lockupAddress"`
	OnchainAmount      uint64 `json:"onchainAmount"`
	TimeoutBlockHeight uint32 `json:"timeoutBlockHeight"`
}

// SwapRequest asks the service to pay invoice once funds are locked at
// the returned address.
type SwapRequest struct {
	Invoice         string `json:"invoice"`
	RefundPublicKey string `json:"refundPublicKey"`
}

// SwapResponse are the forward swap parameters chosen by the service.
type SwapResponse struct {
	ID                 string `json:"id"`
	Address            string `json:"address"`
	RedeemScript       string `json:"redeemScript"`
	ExpectedAmount     uint64 `json:"expectedAmount"`
	TimeoutBlockHeight uint32 `json:"timeoutBlockHeight"`
	AcceptZeroConf     bool   `json:"acceptZeroConf"`
	Bip21              string `json:"bip21,omitempty"`
}

type createSwapRequest struct {
	Type      string `json:"type"`
	PairID    string `json:"pairId"`
	OrderSide string `json:"orderSide"`

	// reverse
	InvoiceAmount  uint64 `json:"invoiceAmount,omitempty"`
	OnchainAmount  uint64 `json:"onchainAmount,omitempty"`
	PreimageHash   string `json:"preimageHash,omitempty"`
	ClaimPublicKey string `json:"claimPublicKey,omitempty"`

	// forward
	Invoice         string `json:"invoice,omitempty"`
	RefundPublicKey string `json:"refundPublicKey,omitempty"`
}

// Client talks to one Boltz deployment.
type Client struct {
	baseURL    string
	pairID     string
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient creates a client for the L-BTC/BTC pair.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		pairID:  config.BoltzPairID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.GetDefault().Component("boltz"),
	}
}

// CreateReverseSwap creates a lightning to Liquid swap.
func (c *Client) CreateReverseSwap(ctx context.Context, req ReverseSwapRequest) (*ReverseSwapResponse, error) {
	body := createSwapRequest{
		Type:           swapTypeReverseSubmarine,
		PairID:         c.pairID,
		OrderSide:      orderSideBuy,
		InvoiceAmount:  req.InvoiceAmount,
		OnchainAmount:  req.OnchainAmount,
		PreimageHash:   req.PreimageHash,
		ClaimPublicKey: req.ClaimPublicKey,
	}

	var resp ReverseSwapResponse
	if err := c.post(ctx, "/createswap", body, &resp); err != nil {
		return nil, err
	}
	c.log.Info("Reverse swap created", "id", resp.ID, "onchainAmount", resp.OnchainAmount, "timeout", resp.TimeoutBlockHeight)
	return &resp, nil
}

// CreateSwap creates a Liquid to lightning swap paying invoice.
func (c *Client) CreateSwap(ctx context.Context, req SwapRequest) (*SwapResponse, error) {
	body := createSwapRequest{
		Type:            swapTypeSubmarine,
		PairID:          c.pairID,
		OrderSide:       orderSideSell,
		Invoice:         req.Invoice,
		RefundPublicKey: req.RefundPublicKey,
	}

	var resp SwapResponse
	if err := c.post(ctx, "/createswap", body, &resp); err != nil {
		return nil, err
	}
	c.log.Info("Swap created", "id", resp.ID, "expectedAmount", resp.ExpectedAmount, "timeout", resp.TimeoutBlockHeight)
	return &resp, nil
}

// GetLimits returns the invoice amount limits of the pair, in sats.
func (c *Client) GetLimits(ctx context.Context) (config.Limits, error) {
	var resp struct {
		Pairs map[string]struct {
			Limits struct {
				Maximal uint64 `json:"maximal"`
				Minimal uint64 `json:"minimal"`
			} `json:"limits"`
		} `json:"pairs"`
	}
	if err := c.get(ctx, "/getpairs", &resp); err != nil {
		return config.Limits{}, err
	}

	pair, ok := resp.Pairs[c.pairID]
	if !ok {
		return config.Limits{}, fmt.Errorf("%w: %s", ErrPairNotFound, c.pairID)
	}
	return config.Limits{Maximal: pair.Limits.Maximal, Minimal: pair.Limits.Minimal}, nil
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("boltz request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("invalid boltz response: %w", err)
	}
	return nil
}
