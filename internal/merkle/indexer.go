// indexer.go - HTTP client for the merkle tree indexer service.

package merkle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Resolver supplies inclusion proofs for note commitments.
type Resolver interface {
	// Resolve returns the inclusion proof for a commitment, or the
	// placeholder sentinel when the commitment has not been indexed yet.
	Resolve(ctx context.Context, commitment fr.Element) (Proof, error)
	// Root returns the indexer's current tree root.
	Root(ctx context.Context) (fr.Element, error)
}

// IndexerClient resolves proofs against the tree-tracking service's REST API.
type IndexerClient struct {
	baseURL string
	client  *http.Client
}

// NewIndexerClient creates a resolver for the indexer at baseURL.
func NewIndexerClient(baseURL string) *IndexerClient {
	return &IndexerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type proofResponse struct {
	Siblings []string `json:"siblings"`
	Index    uint64   `json:"index"`
	Root     string   `json:"root"`
}

type rootResponse struct {
	Root string `json:"root"`
}

// Resolve fetches the inclusion proof for a commitment. A 404 from the
// indexer means "not yet indexed" and maps to the placeholder, not an error.
func (c *IndexerClient) Resolve(ctx context.Context, commitment fr.Element) (Proof, error) {
	url := fmt.Sprintf("%s/proof/%s", c.baseURL, commitment.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Proof{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Proof{}, fmt.Errorf("indexer unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Placeholder(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return Proof{}, fmt.Errorf("indexer returned %s", resp.Status)
	}

	var body proofResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Proof{}, fmt.Errorf("indexer proof decode: %w", err)
	}
	return body.toProof()
}

// Root fetches the current tree root.
func (c *IndexerClient) Root(ctx context.Context) (fr.Element, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/root", nil)
	if err != nil {
		return fr.Element{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fr.Element{}, fmt.Errorf("indexer unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fr.Element{}, fmt.Errorf("indexer returned %s", resp.Status)
	}
	var body rootResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fr.Element{}, fmt.Errorf("indexer root decode: %w", err)
	}
	var root fr.Element
	if _, err := root.SetString(body.Root); err != nil {
		return fr.Element{}, fmt.Errorf("indexer root %q: %w", body.Root, err)
	}
	return root, nil
}

func (r proofResponse) toProof() (Proof, error) {
	p := Proof{Index: r.Index, Siblings: make([]fr.Element, len(r.Siblings))}
	if _, err := p.Root.SetString(r.Root); err != nil {
		return Proof{}, fmt.Errorf("indexer proof root %q: %w", r.Root, err)
	}
	for i, s := range r.Siblings {
		if _, err := p.Siblings[i].SetString(s); err != nil {
			return Proof{}, fmt.Errorf("indexer proof sibling %d: %w", i, err)
		}
	}
	return p, nil
}
