// api.go - HTTP client for the external hashed-timelock bridge.
//
// The bridge's settlement internals are out of scope; this client only
// speaks its REST surface: quoting, order creation and order polling.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// OrderStatus is one stage of a bridge order's life.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusDetected   OrderStatus = "detected"
	StatusConfirming OrderStatus = "confirming"
	StatusSwapping   OrderStatus = "swapping"
	StatusComplete   OrderStatus = "complete"
	StatusRefunded   OrderStatus = "refunded"
	StatusError      OrderStatus = "error"
)

// Terminal reports whether the order will make no further progress.
func (s OrderStatus) Terminal() bool {
	return s == StatusComplete || s == StatusRefunded || s == StatusError
}

// Quote is the bridge's pricing for a prospective order.
type Quote struct {
	Fee               *big.Int
	DestinationAmount *big.Int
	EstimatedSeconds  int
}

// Order tracks one external-chain-to-vault liquidity movement.
type Order struct {
	ID                    string
	DepositAddress        string
	RequiredConfirmations int
	Confirmations         int
	Status                OrderStatus
	SourceTxHash          string
	DestinationTxHash     string
	OutputAmount          *big.Int
}

// API is the bridge service surface the coordinator depends on.
type API interface {
	Quote(ctx context.Context, amount *big.Int) (*Quote, error)
	CreateOrder(ctx context.Context, sourceAddr, destAddr string, amount, minOut *big.Int) (*Order, error)
	PollOrder(ctx context.Context, orderID string) (*Order, error)
}

// HTTPAPI talks to a bridge service over REST.
type HTTPAPI struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAPI(baseURL string, timeout time.Duration) *HTTPAPI {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPAPI{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type quoteRequest struct {
	Amount string `json:"amount"`
}

type quoteResponse struct {
	Fee               string `json:"fee"`
	DestinationAmount string `json:"destination_amount"`
	EstimatedSeconds  int    `json:"estimated_seconds"`
}

type orderRequest struct {
	SourceAddress      string `json:"source_address"`
	DestinationAddress string `json:"destination_address"`
	Amount             string `json:"amount"`
	MinOut             string `json:"min_out"`
}

type orderResponse struct {
	ID                    string `json:"id"`
	DepositAddress        string `json:"deposit_address"`
	RequiredConfirmations int    `json:"required_confirmations"`
	Confirmations         int    `json:"confirmations"`
	Status                string `json:"status"`
	SourceTxHash          string `json:"source_tx_hash,omitempty"`
	DestinationTxHash     string `json:"destination_tx_hash,omitempty"`
	OutputAmount          string `json:"output_amount,omitempty"`
}

func (a *HTTPAPI) Quote(ctx context.Context, amount *big.Int) (*Quote, error) {
	var resp quoteResponse
	if err := a.post(ctx, "/quote", quoteRequest{Amount: amount.String()}, &resp); err != nil {
		return nil, err
	}
	fee, ok := new(big.Int).SetString(resp.Fee, 10)
	if !ok {
		return nil, fmt.Errorf("bridge quote: bad fee %q", resp.Fee)
	}
	dest, ok := new(big.Int).SetString(resp.DestinationAmount, 10)
	if !ok {
		return nil, fmt.Errorf("bridge quote: bad destination amount %q", resp.DestinationAmount)
	}
	return &Quote{Fee: fee, DestinationAmount: dest, EstimatedSeconds: resp.EstimatedSeconds}, nil
}

func (a *HTTPAPI) CreateOrder(ctx context.Context, sourceAddr, destAddr string, amount, minOut *big.Int) (*Order, error) {
	req := orderRequest{
		SourceAddress:      sourceAddr,
		DestinationAddress: destAddr,
		Amount:             amount.String(),
		MinOut:             minOut.String(),
	}
	var resp orderResponse
	if err := a.post(ctx, "/order", req, &resp); err != nil {
		return nil, err
	}
	return resp.toOrder()
}

func (a *HTTPAPI) PollOrder(ctx context.Context, orderID string) (*Order, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/order/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bridge unreachable: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge order %s: status %d", orderID, httpResp.StatusCode)
	}
	var resp orderResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("bridge order %s: %w", orderID, err)
	}
	return resp.toOrder()
}

func (a *HTTPAPI) post(ctx context.Context, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge %s: status %d", path, httpResp.StatusCode)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

func (r orderResponse) toOrder() (*Order, error) {
	if r.ID == "" {
		return nil, errors.New("bridge order: missing id")
	}
	o := &Order{
		ID:                    r.ID,
		DepositAddress:        r.DepositAddress,
		RequiredConfirmations: r.RequiredConfirmations,
		Confirmations:         r.Confirmations,
		Status:                OrderStatus(r.Status),
		SourceTxHash:          r.SourceTxHash,
		DestinationTxHash:     r.DestinationTxHash,
	}
	if r.OutputAmount != "" {
		amt, ok := new(big.Int).SetString(r.OutputAmount, 10)
		if !ok {
			return nil, fmt.Errorf("bridge order %s: bad output amount %q", r.ID, r.OutputAmount)
		}
		o.OutputAmount = amt
	}
	return o, nil
}
