package services

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"testing"

	"pagebinder/conversion"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type multipartForm struct {
	fields map[string]string
	files  []string
}

func readMultipart(t *testing.T, r *http.Request, expectedPath string) multipartForm {
	t.Helper()

	if r.URL.Path != expectedPath {
		t.Fatalf("unexpected path: %s", r.URL.Path)
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("expected multipart/form-data, got %q (err=%v)", mediaType, err)
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	defer func() { _ = r.Body.Close() }()

	form := multipartForm{fields: map[string]string{}}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read multipart part: %v", err)
		}

		if part.FileName() != "" {
			form.files = append(form.files, part.FileName())
			_, _ = io.Copy(io.Discard, part)
		} else {
			b, _ := io.ReadAll(part)
			form.fields[part.FormName()] = string(b)
		}
		_ = part.Close()
	}
	return form
}

func TestGotenbergService_Merge_SendsPagesInOrder(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid", "PDF/A-2b")
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		form := readMultipart(t, r, "/forms/libreoffice/convert")
		if form.fields["merge"] != "true" {
			t.Errorf("expected merge=true, got %q", form.fields["merge"])
		}
		if form.fields["pdfa"] != "PDF/A-2b" {
			t.Errorf("expected pdfa=PDF/A-2b, got %q", form.fields["pdfa"])
		}
		want := []string{"0001.jpg", "0002.jpg", "0003.jpg"}
		if len(form.files) != len(want) {
			t.Fatalf("expected %d files, got %v", len(want), form.files)
		}
		for i := range want {
			if form.files[i] != want[i] {
				t.Errorf("file %d = %q, want %q", i, form.files[i], want[i])
			}
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte("%PDF-1.4\n%EOF\n"))),
			Header:     make(http.Header),
		}, nil
	})

	pages := []conversion.Page{
		{Name: "0001.jpg", Data: []byte("a")},
		{Name: "0002.jpg", Data: []byte("b")},
		{Name: "0003.jpg", Data: []byte("c")},
	}

	var out bytes.Buffer
	if err := svc.Merge(context.Background(), pages, &out); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !bytes.HasPrefix(out.Bytes(), []byte("%PDF")) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestGotenbergService_Merge_StatusError(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid", "")
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		form := readMultipart(t, r, "/forms/libreoffice/convert")
		if _, ok := form.fields["pdfa"]; ok {
			t.Errorf("pdfa must be omitted when not configured")
		}
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(bytes.NewReader([]byte("boom"))),
			Header:     make(http.Header),
		}, nil
	})

	var out bytes.Buffer
	err := svc.Merge(context.Background(), []conversion.Page{{Name: "0001.jpg", Data: []byte("a")}}, &out)
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Len() != 0 {
		t.Fatal("nothing should be written on failure")
	}
}
