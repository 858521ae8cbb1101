package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/model"
)

// StemSeparator defines the interface for the source-separation model. One
// call separates one encoded audio chunk into its isolated stems.
type StemSeparator interface {
	Separate(ctx context.Context, chunk []byte, format string) (map[model.Stem][]byte, error)
	IsConfigured() bool
}

// SeparatorClient implements StemSeparator for the Python separation
// microservice
type SeparatorClient struct {
	httpClient *http.Client
	baseURL    string
}

// SeparateRequest carries one encoded chunk to the separation service
type SeparateRequest struct {
	Audio  []byte `json:"audio"`
	Format string `json:"format"`
}

// SeparateResponse maps each stem type to its encoded isolated audio
type SeparateResponse struct {
	Stems map[model.Stem][]byte `json:"stems"`
}

// NewSeparatorClient creates a new separation client
func NewSeparatorClient(cfg *config.SeparatorConfig) *SeparatorClient {
	return &SeparatorClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

// Separate runs the separation model on one encoded chunk and returns one
// encoded track per stem type
func (c *SeparatorClient) Separate(ctx context.Context, chunk []byte, format string) (map[model.Stem][]byte, error) {
	var result SeparateResponse
	req := &SeparateRequest{Audio: chunk, Format: format}
	if err := c.post(ctx, "/separate", req, &result); err != nil {
		return nil, err
	}

	for _, stem := range model.AllStems {
		if len(result.Stems[stem]) == 0 {
			return nil, fmt.Errorf("separator returned no %s stem", stem)
		}
	}

	return result.Stems, nil
}

// post sends a POST request with JSON body and parses the response
func (c *SeparatorClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("separator error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SeparatorClient) IsConfigured() bool {
	return c.baseURL != ""
}
