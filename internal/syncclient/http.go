package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatguard/internal/models"
)

// HTTPSource talks to a chatguard server over its HTTP API.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, channel string, limit int) ([]*models.Message, error) {
	query := url.Values{}
	query.Set("channel", channel)
	query.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/messages?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Messages []*models.Message `json:"messages"`
	}
	if err := s.do(req, http.StatusOK, &body); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return body.Messages, nil
}

func (s *HTTPSource) Send(ctx context.Context, author, content, channel string) (*models.Message, error) {
	payload, err := json.Marshal(map[string]string{
		"author":  author,
		"content": content,
		"channel": channel,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var body struct {
		Message *models.Message `json:"message"`
	}
	if err := s.do(req, http.StatusCreated, &body); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return body.Message, nil
}

func (s *HTTPSource) do(req *http.Request, want int, out interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
