package completion

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}

func TestDecodeImageDataURL(t *testing.T) {
	url := "data:image/webp;base64," + base64.StdEncoding.EncodeToString([]byte("webp-bytes"))
	data, mime, err := DecodeImage(url)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(data) != "webp-bytes" {
		t.Fatalf("unexpected data %q", data)
	}
	if mime != "image/webp" {
		t.Fatalf("unexpected mime %q", mime)
	}
}

func TestDecodeImageBareBase64SniffsMIME(t *testing.T) {
	data, mime, err := DecodeImage(base64.StdEncoding.EncodeToString(pngHeader))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(data) != len(pngHeader) {
		t.Fatalf("unexpected length %d", len(data))
	}
	if mime != "image/png" {
		t.Fatalf("expected sniffed image/png, got %q", mime)
	}
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "data:image/png;base64", "not base64 !!!", "data:image/png;base64,"} {
		if _, _, err := DecodeImage(in); !errors.Is(err, ErrInvalidImage) {
			t.Fatalf("expected ErrInvalidImage for %q, got %v", in, err)
		}
	}
}

func TestToImageURL(t *testing.T) {
	remote := "https://cdn.example.test/bottle.jpg"
	if got, err := ToImageURL(remote); err != nil || got != remote {
		t.Fatalf("remote url should pass through, got %q, %v", got, err)
	}

	dataURL := "data:image/jpeg;base64,/9j/4AAQ"
	if got, err := ToImageURL(dataURL); err != nil || got != dataURL {
		t.Fatalf("data url should pass through, got %q, %v", got, err)
	}

	got, err := ToImageURL(base64.StdEncoding.EncodeToString(pngHeader))
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Fatalf("expected png data url, got %q", got)
	}
}

func TestStatusErrorSignals(t *testing.T) {
	if !(&StatusError{StatusCode: 429}).RateLimited() {
		t.Fatal("429 is a rate limit")
	}
	if !(&StatusError{StatusCode: 402}).QuotaExhausted() {
		t.Fatal("402 is a quota signal")
	}
	err := &StatusError{StatusCode: 503, Body: "overloaded"}
	if err.RateLimited() || err.QuotaExhausted() {
		t.Fatal("503 is neither")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
