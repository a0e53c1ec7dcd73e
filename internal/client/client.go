package client

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

	"github.com/example/glaucoscan/internal/inference"
)

const (
	predictPath      = "/api/predict"
	maxResponseBytes = 1 << 20
)

// APIError is a non-2xx answer from the prediction endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("prediction request failed with status %d", e.Status)
	}
	return fmt.Sprintf("prediction request failed with status %d: %s", e.Status, e.Message)
}

// Client submits images to a glaucoscan server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for the server at baseURL. A nil httpClient gets a
// client with a timeout matching the server's adapter timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Predict posts the data URL and returns the decoded result.
func (c *Client) Predict(ctx context.Context, dataURL string) (*inference.Result, error) {
	body, err := json.Marshal(map[string]string{"image": dataURL})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+predictPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &envelope) == nil {
			apiErr.Message = envelope.Error
		}
		return nil, apiErr
	}

	result, err := inference.DecodeResult(payload)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
