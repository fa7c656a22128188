package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/recyclebud/scan-api/internal/classification"
	"github.com/recyclebud/scan-api/internal/completion"
)

const validImage = "data:image/jpeg;base64,/9j/4AAQSkZJRg=="

type stubVerifier struct {
	userID string
	err    error
	calls  int
}

func (s *stubVerifier) Verify(ctx context.Context, credential string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.userID, nil
}

type stubCompleter struct {
	content  string
	err      error
	calls    int
	requests []completion.Request
}

func (s *stubCompleter) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	s.calls++
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &completion.Response{Content: s.content}, nil
}

const plasticJSON = `{"waste_type":"Plastik PET","confidence":92,"recyclable":true,"description":"Clear PET bottle.","recycling_guide":"Rinse and crush.","base_points":20}`

func expectedPlastic(userID string) classification.ScanResult {
	return classification.ScanResult{
		WasteType:      "Plastik PET",
		Confidence:     92,
		Recyclable:     true,
		Description:    "Clear PET bottle.",
		RecyclingGuide: "Rinse and crush.",
		BasePoints:     20,
		UserID:         userID,
	}
}

func newTestScanUseCase(verifier *stubVerifier, completer *stubCompleter) *ScanUseCase {
	return NewScanUseCase(verifier, completer, zap.NewNop())
}

func requireKind(t *testing.T, err error, kind ErrorKind) *ScanError {
	t.Helper()
	var scanErr *ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("expected *ScanError, got %T (%v)", err, err)
	}
	if scanErr.Kind != kind {
		t.Fatalf("expected kind %s, got %s", kind, scanErr.Kind)
	}
	return scanErr
}

func TestScanReturnsParsedResult(t *testing.T) {
	verifier := &stubVerifier{userID: "user-1"}
	completer := &stubCompleter{content: plasticJSON}
	uc := newTestScanUseCase(verifier, completer)

	result, err := uc.Scan(context.Background(), ScanRequest{Image: validImage, Credential: "token"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if *result != expectedPlastic("user-1") {
		t.Fatalf("unexpected result %+v", *result)
	}
	if completer.calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", completer.calls)
	}
	req := completer.requests[0]
	if req.Image != validImage || req.SystemInstruction != classification.SystemInstruction {
		t.Fatalf("unexpected completion request %+v", req)
	}
}

func TestScanStripsCodeFences(t *testing.T) {
	completer := &stubCompleter{content: "```json\n" + plasticJSON + "\n```"}
	uc := newTestScanUseCase(&stubVerifier{userID: "user-1"}, completer)

	result, err := uc.Scan(context.Background(), ScanRequest{Image: validImage, Credential: "token"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if *result != expectedPlastic("user-1") {
		t.Fatalf("fenced content should parse like unfenced, got %+v", *result)
	}
}

func TestScanFallsBackOnProse(t *testing.T) {
	completer := &stubCompleter{content: "I think this is probably a plastic bottle."}
	uc := newTestScanUseCase(&stubVerifier{userID: "user-1"}, completer)

	result, err := uc.Scan(context.Background(), ScanRequest{Image: validImage, Credential: "token"})
	if err != nil {
		t.Fatalf("fallback must not be an error, got %v", err)
	}
	want := classification.Fallback()
	want.UserID = "user-1"
	if *result != want {
		t.Fatalf("expected fallback %+v, got %+v", want, *result)
	}
	if result.BasePoints != 0 || result.Confidence != 0 || result.Recyclable {
		t.Fatalf("fallback invariants broken: %+v", *result)
	}
}

func TestScanMissingCredentialNeverCallsCollaborators(t *testing.T) {
	verifier := &stubVerifier{userID: "user-1"}
	completer := &stubCompleter{content: plasticJSON}
	uc := newTestScanUseCase(verifier, completer)

	_, err := uc.Scan(context.Background(), ScanRequest{Image: validImage, Credential: "  "})
	requireKind(t, err, KindUnauthenticated)
	if verifier.calls != 0 || completer.calls != 0 {
		t.Fatalf("expected no collaborator calls, got verifier=%d completer=%d", verifier.calls, completer.calls)
	}
}

func TestScanEmptyImageNeverCallsCollaborators(t *testing.T) {
	verifier := &stubVerifier{userID: "user-1"}
	completer := &stubCompleter{content: plasticJSON}
	uc := newTestScanUseCase(verifier, completer)

	_, err := uc.Scan(context.Background(), ScanRequest{Image: "", Credential: "token"})
	scanErr := requireKind(t, err, KindInvalidInput)
	if scanErr.HTTPStatus() != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", scanErr.HTTPStatus())
	}
	if verifier.calls != 0 || completer.calls != 0 {
		t.Fatalf("expected no collaborator calls, got verifier=%d completer=%d", verifier.calls, completer.calls)
	}
}

func TestScanRejectedCredentialSkipsUpstream(t *testing.T) {
	verifier := &stubVerifier{err: errors.New("jwt expired")}
	completer := &stubCompleter{content: plasticJSON}
	uc := newTestScanUseCase(verifier, completer)

	_, err := uc.Scan(context.Background(), ScanRequest{Image: validImage, Credential: "token"})
	requireKind(t, err, KindUnauthenticated)
	if verifier.calls != 1 {
		t.Fatalf("expected a single verification attempt, got %d", verifier.calls)
	}
	if completer.calls != 0 {
		t.Fatalf("upstream must not be invoked, got %d calls", completer.calls)
	}
}

func TestScanMapsUpstreamFailures(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		kind       ErrorKind
		status     int
		message    string
		retryAfter string
	}{
		{
			name:       "rate limited",
			err:        &completion.StatusError{StatusCode: http.StatusTooManyRequests, Body: "slow down", RetryAfter: "30"},
			kind:       KindThrottled,
			status:     http.StatusTooManyRequests,
			message:    msgThrottled,
			retryAfter: "30",
		},
		{
			name:    "quota",
			err:     &completion.StatusError{StatusCode: http.StatusPaymentRequired, Body: "billing"},
			kind:    KindQuotaExceeded,
			status:  http.StatusPaymentRequired,
			message: msgQuota,
		},
		{
			name:    "server error",
			err:     &completion.StatusError{StatusCode: http.StatusBadGateway, Body: "secret upstream detail"},
			kind:    KindUpstreamFailure,
			status:  http.StatusInternalServerError,
			message: msgUpstream,
		},
		{
			name:    "transport error",
			err:     errors.New("dial tcp: connection refused"),
			kind:    KindUpstreamFailure,
			status:  http.StatusInternalServerError,
			message: msgUpstream,
		},
		{
			name:    "not configured",
			err:     completion.ErrNotConfigured,
			kind:    KindMisconfiguredService,
			status:  http.StatusInternalServerError,
			message: msgMisconfigured,
		},
		{
			name:    "undecodable image",
			err:     completion.ErrInvalidImage,
			kind:    KindInvalidInput,
			status:  http.StatusBadRequest,
			message: msgInvalidImage,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			completer := &stubCompleter{err: tc.err}
			uc := newTestScanUseCase(&stubVerifier{userID: "user-1"}, completer)

			_, err := uc.Scan(context.Background(), ScanRequest{Image: validImage, Credential: "token"})
			scanErr := requireKind(t, err, tc.kind)
			if scanErr.HTTPStatus() != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, scanErr.HTTPStatus())
			}
			if scanErr.Message != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, scanErr.Message)
			}
			if strings.Contains(scanErr.Message, "secret") {
				t.Fatalf("upstream body leaked into message %q", scanErr.Message)
			}
			if scanErr.RetryAfter != tc.retryAfter {
				t.Fatalf("expected retry-after %q, got %q", tc.retryAfter, scanErr.RetryAfter)
			}
			if completer.calls != 1 {
				t.Fatalf("expected no retries, got %d calls", completer.calls)
			}
		})
	}
}

func TestScanEmptyContentIsUpstreamFailure(t *testing.T) {
	uc := newTestScanUseCase(&stubVerifier{userID: "user-1"}, &stubCompleter{content: "   "})

	_, err := uc.Scan(context.Background(), ScanRequest{Image: validImage, Credential: "token"})
	scanErr := requireKind(t, err, KindUpstreamFailure)
	if scanErr.Message != msgNoResponse {
		t.Fatalf("unexpected message %q", scanErr.Message)
	}
}

func TestScanUserIDComesFromVerifier(t *testing.T) {
	content := `{"waste_type":"Kaca","confidence":80,"recyclable":true,"base_points":15,"user_id":"attacker"}`
	uc := newTestScanUseCase(&stubVerifier{userID: "user-1"}, &stubCompleter{content: content})

	result, err := uc.Scan(context.Background(), ScanRequest{Image: validImage, Credential: "token"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.UserID != "user-1" {
		t.Fatalf("expected verified user id, got %q", result.UserID)
	}
}

func TestScanResultStaysInRange(t *testing.T) {
	content := `{"waste_type":"Elektronik","confidence":250,"recyclable":true,"base_points":900}`
	uc := newTestScanUseCase(&stubVerifier{userID: "user-1"}, &stubCompleter{content: content})

	result, err := uc.Scan(context.Background(), ScanRequest{Image: validImage, Credential: "token"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Confidence != classification.MaxConfidence || result.BasePoints != classification.MaxBasePoints {
		t.Fatalf("expected clamped values, got %+v", *result)
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUpstreamFailure {
		t.Fatal("plain errors should count as upstream failures")
	}
	wrapped := errors.Join(errors.New("ctx"), newScanError(KindQuotaExceeded, msgQuota, nil))
	if KindOf(wrapped) != KindQuotaExceeded {
		t.Fatal("expected quota kind through wrapping")
	}
}
