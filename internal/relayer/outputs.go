// outputs.go - Announced batch outputs for incoming-note scanning.
//
// Confirmed batches publish their output notes in the clear form the prover
// consumed them. A vault scans these announcements for outputs addressed to
// its own key and claims them into the local note store.

package relayer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// AnnouncedOutput is one output note as published with a confirmed batch.
// Field elements travel as decimal strings, the owner key as packed limbs.
type AnnouncedOutput struct {
	Owner      [4]string `json:"owner"`
	AssetID    string    `json:"asset_id"`
	AmountLo   string    `json:"amount_lo"`
	AmountHi   string    `json:"amount_hi"`
	Blinding   string    `json:"blinding"`
	Commitment string    `json:"commitment"`
}

// OutputSource serves the settlement-layer views a vault scans against:
// the announced outputs of confirmed batches and the nullifier set.
type OutputSource interface {
	BatchOutputs(ctx context.Context, batchID string) ([]AnnouncedOutput, error)
	NullifierSeen(ctx context.Context, nullifier string) (bool, error)
}

// NullifierSeen reports whether the settlement layer has recorded the
// nullifier. Used to reconcile local spent flags after a crash.
func (c *HTTPClient) NullifierSeen(ctx context.Context, nullifier string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/nullifier/"+nullifier, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("relayer unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("relayer nullifier lookup: %s", resp.Status)
	}
	var out struct {
		Seen bool `json:"seen"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("relayer nullifier decode: %w", err)
	}
	return out.Seen, nil
}

// BatchOutputs fetches the announced outputs of a confirmed batch.
func (c *HTTPClient) BatchOutputs(ctx context.Context, batchID string) ([]AnnouncedOutput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batch/"+batchID+"/outputs", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relayer unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relayer batch outputs: %s", resp.Status)
	}
	var out []AnnouncedOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("relayer outputs decode: %w", err)
	}
	return out, nil
}
