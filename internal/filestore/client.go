package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// UploadResponse is returned by the relay's media endpoint.
type UploadResponse struct {
	URL string `json:"url"`
}

// HTTPMedia uploads media to a relay over HTTP.
type HTTPMedia struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPMedia returns a Media that uploads to the relay at baseURL with a
// session token.
func NewHTTPMedia(baseURL, token string, client *http.Client) *HTTPMedia {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPMedia{baseURL: strings.TrimSuffix(baseURL, "/"), token: token, client: client}
}

func (h *HTTPMedia) Upload(ctx context.Context, data []byte, path string) (string, error) {
	endpoint := h.baseURL + "/api/media?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("token", h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("failed to upload media (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return result.URL, nil
}
