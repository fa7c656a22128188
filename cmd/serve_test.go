package cmd

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/recyclebud/scan-api/internal/auth"
	"github.com/recyclebud/scan-api/internal/classification"
	"github.com/recyclebud/scan-api/internal/completion"
	"github.com/recyclebud/scan-api/internal/completion/gateway"
	"github.com/recyclebud/scan-api/internal/completion/gemini"
	"github.com/recyclebud/scan-api/internal/config"
	"github.com/recyclebud/scan-api/internal/handlers"
	"github.com/recyclebud/scan-api/internal/usecase"
)

type blockingScanner struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingScanner) Scan(ctx context.Context, req usecase.ScanRequest) (*classification.ScanResult, error) {
	close(s.started)
	<-s.release
	result := classification.Fallback()
	result.UserID = "user-1"
	return &result, nil
}

type acceptingVerifier struct{}

func (acceptingVerifier) Verify(ctx context.Context, credential string) (string, error) {
	return "user-1", nil
}

func TestServeDrainsScansOnShutdown(t *testing.T) {
	scanner := &blockingScanner{started: make(chan struct{}), release: make(chan struct{})}
	router := newRouter(scanner, acceptingVerifier{}, handlers.Options{Logger: zap.NewNop()})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServer(ctx, server, listener, 2*time.Second, zap.NewNop())
	}()

	type response struct {
		status int
		body   string
		err    error
	}
	respCh := make(chan response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, "http://"+listener.Addr().String()+"/scan-waste", strings.NewReader(`{"image":"data:image/jpeg;base64,/9j/4AAQ"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer tok")
		resp, err := (&http.Client{Timeout: 3 * time.Second}).Do(req)
		if err != nil {
			respCh <- response{err: err}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		respCh <- response{status: resp.StatusCode, body: string(body)}
	}()

	select {
	case <-scanner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not start in time")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	if _, err := net.DialTimeout("tcp", listener.Addr().String(), 50*time.Millisecond); err == nil {
		t.Fatal("expected listener to stop accepting connections")
	}
	close(scanner.release)

	select {
	case resp := <-respCh:
		if resp.err != nil {
			t.Fatalf("request failed: %v", resp.err)
		}
		if resp.status != http.StatusOK || !strings.Contains(resp.body, `"user_id":"user-1"`) {
			t.Fatalf("unexpected response %d %s", resp.status, resp.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestServeReturnsListenErrors(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	server := &http.Server{Addr: listener.Addr().String(), Handler: http.NotFoundHandler()}
	err = serveHTTPServer(context.Background(), server, nil, time.Second, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error when the address is taken")
	}
}

func TestNewCompleterSelectsProvider(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	client, closeFn, err := newCompleter(ctx, config.CompletionConfig{
		Provider: config.ProviderGateway,
		BaseURL:  "http://127.0.0.1:1",
		Model:    "google/gemini-2.5-flash",
	}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := client.(*gateway.Client); !ok {
		t.Fatalf("expected gateway client, got %T", client)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := client.Complete(ctx, completion.Request{Image: "AAAA"}); !errors.Is(err, completion.ErrNotConfigured) {
		t.Fatalf("missing key must fail before the network, got %v", err)
	}

	client, closeFn, err = newCompleter(ctx, config.CompletionConfig{Provider: config.ProviderGemini, Model: "gemini-2.5-flash"}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFn() //nolint:errcheck
	if _, ok := client.(*gemini.Client); !ok {
		t.Fatalf("expected gemini client, got %T", client)
	}

	if _, _, err := newCompleter(ctx, config.CompletionConfig{Provider: "other"}, logger); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewVerifierSelectsMode(t *testing.T) {
	v, err := newVerifier(config.AuthConfig{Mode: config.AuthModeJWT, JWTSecret: "s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := v.(*auth.JWTVerifier); !ok {
		t.Fatalf("expected JWT verifier, got %T", v)
	}

	v, err = newVerifier(config.AuthConfig{Mode: config.AuthModeRemote, SupabaseURL: "http://127.0.0.1:1", SupabaseAnonKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := v.(*auth.RemoteVerifier); !ok {
		t.Fatalf("expected remote verifier, got %T", v)
	}

	if _, err := newVerifier(config.AuthConfig{Mode: "basic"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

type stubImageScanner struct {
	requests []usecase.ScanRequest
}

func (s *stubImageScanner) Scan(ctx context.Context, req usecase.ScanRequest) (*classification.ScanResult, error) {
	s.requests = append(s.requests, req)
	if req.Image == "" {
		return nil, &usecase.ScanError{Kind: usecase.KindInvalidInput, Message: "Image is required"}
	}
	result := classification.Fallback()
	result.UserID = "user-1"
	return &result, nil
}

func TestScanFiles(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "bottle.png")
	empty := filepath.Join(dir, "empty.jpg")
	if err := os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n0000"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	scanner := &stubImageScanner{}
	outcomes := scanFiles(context.Background(), scanner, []string{png, empty, filepath.Join(dir, "missing.jpg")}, "tok", io.Discard)

	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Result == nil || outcomes[0].Error != "" {
		t.Fatalf("expected first scan to succeed, got %+v", outcomes[0])
	}
	if !strings.HasPrefix(scanner.requests[0].Image, "data:image/png;base64,") || scanner.requests[0].Credential != "tok" {
		t.Fatalf("unexpected scan request %+v", scanner.requests[0])
	}
	if outcomes[1].Status != http.StatusBadRequest {
		t.Fatalf("expected empty file to be rejected as invalid input, got %+v", outcomes[1])
	}
	if outcomes[2].Error == "" || len(scanner.requests) != 2 {
		t.Fatalf("missing files must fail without scanning, got %+v", outcomes[2])
	}
}
