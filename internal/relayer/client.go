// client.go - Relayer REST client.
//
// The relayer accepts signed operation payloads, assigns them to a batch and
// exposes batch progress. Proof completion is surfaced as a field on batch
// status, not a separate channel; the prover itself is never contacted
// directly.

package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BatchPhase is the relayer-reported lifecycle of a batch. The relayer
// reports phases monotonically.
type BatchPhase string

const (
	BatchQueued    BatchPhase = "queued"
	BatchProving   BatchPhase = "proving"
	BatchProven    BatchPhase = "proven"
	BatchConfirmed BatchPhase = "confirmed"
	BatchFailed    BatchPhase = "failed"
)

// Rank orders batch phases for monotonicity checks. BatchFailed is terminal
// and outside the forward order.
func (p BatchPhase) Rank() int {
	switch p {
	case BatchQueued:
		return 0
	case BatchProving:
		return 1
	case BatchProven:
		return 2
	case BatchConfirmed:
		return 3
	default:
		return -1
	}
}

// OperationPayload is one shielded operation submitted for batching.
// Field elements travel as decimal strings.
type OperationPayload struct {
	Kind              string          `json:"kind"` // "deposit", "withdraw" or "transfer"
	AssetID           string          `json:"asset_id"`
	PublicAmount      string          `json:"public_amount,omitempty"` // deposit/withdraw only
	Nullifiers        []string        `json:"nullifiers,omitempty"`
	OutputCommitments []string        `json:"output_commitments"`
	MerkleRoot        string          `json:"merkle_root,omitempty"`
	Recipient         string          `json:"recipient,omitempty"` // withdraw destination address
	ProofInputs       json.RawMessage `json:"proof_inputs,omitempty"`
}

// ProofInput is the per-input merkle data the prover consumes, one entry
// per spent note, in nullifier order.
type ProofInput struct {
	Siblings []string `json:"siblings"`
	Index    uint64   `json:"index"`
}

// Status is the relayer's view of a batch. PublicInputs are the proof's
// public signals as decimal field elements, published alongside the
// artifact once proving completes.
type Status struct {
	BatchID       string     `json:"batch_id"`
	QueuePosition int        `json:"queue_position"`
	Phase         BatchPhase `json:"phase"`
	ProofArtifact []byte     `json:"proof_artifact,omitempty"`
	PublicInputs  []string   `json:"public_inputs,omitempty"`
	TxHash        string     `json:"tx_hash,omitempty"`
}

// Client submits operations and reports batch progress.
type Client interface {
	Submit(ctx context.Context, payload *OperationPayload) (batchID string, err error)
	BatchStatus(ctx context.Context, batchID string) (*Status, error)
}

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a relayer client with a bounded per-call timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	BatchID string `json:"batch_id"`
}

// Submit posts an operation and returns the batch it joined.
func (c *HTTPClient) Submit(ctx context.Context, payload *OperationPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("relayer unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("relayer rejected submission: %s", resp.Status)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("relayer submit decode: %w", err)
	}
	return out.BatchID, nil
}

// BatchStatus fetches the current status of a batch. Designed for polling
// at a fixed interval.
func (c *HTTPClient) BatchStatus(ctx context.Context, batchID string) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batch/"+batchID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relayer unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relayer batch status: %s", resp.Status)
	}
	var out Status
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("relayer status decode: %w", err)
	}
	if out.BatchID == "" {
		out.BatchID = batchID
	}
	return &out, nil
}
