package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"pagebinder/models"
)

// HTTPChannel posts the artifact as multipart form data to the host
// transport's delivery endpoint.
type HTTPChannel struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPChannel(url, token string) *HTTPChannel {
	return &HTTPChannel{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

func (h *HTTPChannel) Send(ctx context.Context, sessionKey string, artifact models.Artifact) error {
	file, err := os.Open(artifact.Path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("session", sessionKey); err != nil {
		return fmt.Errorf("failed to write session field: %w", err)
	}
	if artifact.Caption != "" {
		if err := writer.WriteField("caption", artifact.Caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("document", filepath.Base(artifact.Path))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, body)
	if err != nil {
		return &Error{Class: PermanentClient, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return StatusError(resp.StatusCode, resp.Header.Get("Retry-After"), string(bodyBytes))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
