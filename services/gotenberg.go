package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"pagebinder/conversion"
)

// GotenbergService merges normalized pages remotely through Gotenberg's
// LibreOffice route. Gotenberg merges in alphabetical file order, which is
// why pages carry zero-padded names.
type GotenbergService struct {
	baseURL string
	pdfa    string
	client  *http.Client
}

func NewGotenbergService(baseURL, pdfa string) *GotenbergService {
	return &GotenbergService{
		baseURL: baseURL,
		pdfa:    pdfa,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

// Merge implements conversion.Merger.
func (g *GotenbergService) Merge(ctx context.Context, pages []conversion.Page, w io.Writer) error {
	if len(pages) == 0 {
		return errors.New("no pages to merge")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, page := range pages {
		part, err := writer.CreateFormFile("files", page.Name)
		if err != nil {
			return fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(page.Data); err != nil {
			return fmt.Errorf("failed to copy page %s: %w", page.Name, err)
		}
	}

	if err := writer.WriteField("merge", "true"); err != nil {
		return fmt.Errorf("failed to write merge field: %w", err)
	}
	if g.pdfa != "" {
		if err := writer.WriteField("pdfa", g.pdfa); err != nil {
			return fmt.Errorf("failed to write pdfa field: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	url := fmt.Sprintf("%s/forms/libreoffice/convert", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gotenberg request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gotenberg returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to save merged file: %w", err)
	}

	return nil
}
