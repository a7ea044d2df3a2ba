// Package ttsclient implements the HTTP client for the external TTS
// provider. The provider converts text to raw WAV audio; quota and
// rate-limit responses are distinguished from transport failures so the
// orchestrator's retry policy can treat them differently.
package ttsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/audiobook-service/internal/core"
)

// API endpoints and paths.
const (
	apiSynthesize = "/v1/generate/speech"
	apiHealth     = "/health"
)

// HTTP headers.
const (
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	headerProvider      = "X-TTS-Provider"
	contentTypeJSON     = "application/json"
	contentTypeWAV      = "audio/wav"
)

const defaultSpeed = 1.0

// Static errors.
var (
	ErrTextEmpty      = errors.New("text cannot be empty")
	ErrEmptyAudio     = errors.New("received empty audio data")
	ErrUnexpectedType = errors.New("unexpected response content type")
)

// Client is a client for the TTS provider HTTP service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// synthesizeRequest is the JSON payload for a synthesis call.
type synthesizeRequest struct {
	Text  string  `json:"text"`
	Model string  `json:"model,omitempty"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

// errorResponse is a structured error from the provider.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// New creates and configures a provider client. The baseURL should include
// the protocol and port (e.g. "http://localhost:8000"); the timeout applies
// to every request.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Synthesize sends one synthesis request and returns the raw WAV audio.
// A 429 or 402 from the provider surfaces as core.ErrQuotaExhausted and must
// not be retried; every other failure is a candidate for retry.
func (c *Client) Synthesize(ctx context.Context, req core.SpeechRequest) ([]byte, error) {
	if req.Text == "" {
		return nil, ErrTextEmpty
	}

	speed := req.Speed
	if speed == 0 {
		speed = defaultSpeed
	}

	requestBody, err := json.Marshal(synthesizeRequest{
		Text:  req.Text,
		Model: req.Model,
		Voice: req.Voice,
		Speed: speed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiSynthesize,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	if c.apiKey != "" {
		httpReq.Header.Set(headerAuthorization, "Bearer "+c.apiKey)
	}

	if req.Provider != "" {
		httpReq.Header.Set(headerProvider, req.Provider)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to TTS service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedType, contentTypeWAV, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// HealthCheck verifies that the TTS service is running and operational.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse classifies a non-OK response. Quota and rate-limit
// statuses map onto core.ErrQuotaExhausted; everything else keeps its
// diagnostic detail for the retry path.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	detail := c.readErrorDetail(resp)

	if resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusPaymentRequired {
		return fmt.Errorf("%w: %s: %s", core.ErrQuotaExhausted, resp.Status, detail)
	}

	return fmt.Errorf("TTS service returned non-OK status %s: %s", resp.Status, detail)
}

// readErrorDetail attempts to decode a structured JSON error, falling back
// to the raw body so diagnostic information is preserved.
func (c *Client) readErrorDetail(resp *http.Response) string {
	var errorResp errorResponse

	err := json.NewDecoder(resp.Body).Decode(&errorResp)
	if err == nil && errorResp.Detail != "" {
		if errorResp.ErrorCode != "" {
			return fmt.Sprintf("%s (code: %s)", errorResp.Detail, errorResp.ErrorCode)
		}

		return errorResp.Detail
	}

	body, _ := io.ReadAll(resp.Body)

	return string(body)
}
