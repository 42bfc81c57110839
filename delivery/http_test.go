package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"pagebinder/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func writeArtifact(t *testing.T) models.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "result_1.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4\n%EOF\n"), 0644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	return models.Artifact{Path: path, Caption: "Converted files: 3"}
}

func TestHTTPChannel_SendsMultipart(t *testing.T) {
	t.Parallel()

	ch := NewHTTPChannel("http://example.invalid/deliver", "secret")
	ch.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Fatalf("expected multipart/form-data, got %q (err=%v)", mediaType, err)
		}

		fields := map[string]string{}
		reader := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("failed to read part: %v", err)
			}
			b, _ := io.ReadAll(part)
			if part.FileName() != "" {
				fields["file:"+part.FileName()] = string(b)
			} else {
				fields[part.FormName()] = string(b)
			}
		}

		if fields["session"] != "42" || fields["caption"] != "Converted files: 3" {
			t.Errorf("unexpected fields: %v", fields)
		}
		if _, ok := fields["file:result_1.pdf"]; !ok {
			t.Errorf("artifact part missing: %v", fields)
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
	})

	if err := ch.Send(context.Background(), "42", writeArtifact(t)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestHTTPChannel_ClassifiesStatus(t *testing.T) {
	t.Parallel()

	ch := NewHTTPChannel("http://example.invalid/deliver", "")
	ch.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		h := make(http.Header)
		h.Set("Retry-After", "9")
		return &http.Response{
			StatusCode: http.StatusTooManyRequests,
			Body:       io.NopCloser(bytes.NewReader([]byte("slow down"))),
			Header:     h,
		}, nil
	})

	err := ch.Send(context.Background(), "42", writeArtifact(t))
	class, after := Classify(err)
	if class != RateLimited || after.Seconds() != 9 {
		t.Fatalf("got (%v, %v), want rate limited 9s", class, after)
	}
}

func TestHTTPChannel_MissingArtifactIsPermanent(t *testing.T) {
	t.Parallel()

	ch := NewHTTPChannel("http://example.invalid/deliver", "")
	err := ch.Send(context.Background(), "42", models.Artifact{Path: "/nonexistent/result.pdf"})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if class, _ := Classify(err); class != PermanentClient {
		t.Fatalf("class = %v, want permanent", class)
	}
}
