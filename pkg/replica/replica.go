package replica

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
)

// Client batch-applies mutations to the analytical replica's remote query
// endpoint, per §6's "Analytical replica sync protocol".
type Client struct {
	endpoint string
	http     *retryablehttp.Client
}

// New creates a replica client targeting endpoint (the replica's remote
// query URL). Uses a retrying HTTP client since the endpoint is an
// external, flaky-by-nature network collaborator.
func New(endpoint string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &Client{endpoint: endpoint, http: rc}
}

type syncRequest struct {
	Operations []types.D1SyncOperation `json:"operations"`
}

type operationResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type syncResponse struct {
	Results []operationResult `json:"results"`
}

// Apply sends the decoded d1_sync payload as a single batch to the replica.
// It returns an error if the transport call fails or if any statement in
// the batch reports success=false.
func (c *Client) Apply(payload *types.D1SyncPayload) error {
	body, err := json.Marshal(syncRequest{Operations: payload.Operations})
	if err != nil {
		return fmt.Errorf("encode d1_sync payload: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build d1_sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("d1_sync request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("d1_sync endpoint returned status %d", resp.StatusCode)
	}

	var decoded syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode d1_sync response: %w", err)
	}
	for i, r := range decoded.Results {
		if !r.Success {
			return fmt.Errorf("d1_sync operation %d failed: %s", i, r.Error)
		}
	}
	return nil
}
