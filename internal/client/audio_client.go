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
)

// AudioProcessor defines the interface for waveform operations. Every
// operation takes and returns encoded audio bytes; decoding and re-encoding
// happen inside the audio service.
type AudioProcessor interface {
	DurationMs(ctx context.Context, data []byte, format string) (int64, error)
	Slice(ctx context.Context, data []byte, format string, startMs, endMs int64) ([]byte, error)
	Concatenate(ctx context.Context, format string, parts ...[]byte) ([]byte, error)
	Overlay(ctx context.Context, format string, parts ...[]byte) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

// AudioClient implements AudioProcessor for the Python audio microservice
type AudioClient struct {
	httpClient *http.Client
	baseURL    string
}

// DurationRequest asks for the playback length of an encoded track
type DurationRequest struct {
	Audio  []byte `json:"audio"`
	Format string `json:"format"`
}

// DurationResponse carries the playback length in milliseconds
type DurationResponse struct {
	DurationMs int64 `json:"duration_ms"`
}

// SliceRequest cuts a window out of an encoded track
type SliceRequest struct {
	Audio   []byte `json:"audio"`
	Format  string `json:"format"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// CombineRequest concatenates or overlays multiple encoded tracks
type CombineRequest struct {
	Parts  [][]byte `json:"parts"`
	Format string   `json:"format"`
}

// AudioResponse carries a single encoded track back from the service
type AudioResponse struct {
	Audio []byte `json:"audio"`
}

// NewAudioClient creates a new audio processing client
func NewAudioClient(cfg *config.AudioConfig) *AudioClient {
	return &AudioClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

// DurationMs returns the playback length of an encoded track
func (c *AudioClient) DurationMs(ctx context.Context, data []byte, format string) (int64, error) {
	var result DurationResponse
	req := &DurationRequest{Audio: data, Format: format}
	if err := c.post(ctx, "/duration", req, &result); err != nil {
		return 0, err
	}
	return result.DurationMs, nil
}

// Slice returns the [startMs, endMs) window of an encoded track
func (c *AudioClient) Slice(ctx context.Context, data []byte, format string, startMs, endMs int64) ([]byte, error) {
	var result AudioResponse
	req := &SliceRequest{Audio: data, Format: format, StartMs: startMs, EndMs: endMs}
	if err := c.post(ctx, "/slice", req, &result); err != nil {
		return nil, err
	}
	return result.Audio, nil
}

// Concatenate joins tracks back to back, in argument order
func (c *AudioClient) Concatenate(ctx context.Context, format string, parts ...[]byte) ([]byte, error) {
	var result AudioResponse
	req := &CombineRequest{Parts: parts, Format: format}
	if err := c.post(ctx, "/concatenate", req, &result); err != nil {
		return nil, err
	}
	return result.Audio, nil
}

// Overlay superimposes tracks time-aligned at zero
func (c *AudioClient) Overlay(ctx context.Context, format string, parts ...[]byte) ([]byte, error) {
	var result AudioResponse
	req := &CombineRequest{Parts: parts, Format: format}
	if err := c.post(ctx, "/overlay", req, &result); err != nil {
		return nil, err
	}
	return result.Audio, nil
}

// HealthCheck checks if the audio service is available
func (c *AudioClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("audio service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// post sends a POST request with JSON body and parses the response
func (c *AudioClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
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
		return fmt.Errorf("audio service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *AudioClient) IsConfigured() bool {
	return c.baseURL != ""
}
