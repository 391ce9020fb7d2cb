package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatguard/internal/models"
)

// HTTPClassifier calls an external classification service.
type HTTPClassifier struct {
	baseURL    string
	httpClient *http.Client
}

type classifyRequest struct {
	Text string `json:"text"`
}

// NewHTTPClassifier creates a client for the service at baseURL.
func NewHTTPClassifier(baseURL string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClassifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (*models.Verdict, error) {
	jsonData, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %w", ErrClassification, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrClassification, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %w", ErrClassification, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: service returned status %d: %s", ErrClassification, resp.StatusCode, string(body))
	}

	var verdict models.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrClassification, err)
	}
	if err := verdict.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	return &verdict, nil
}
