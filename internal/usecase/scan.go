package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recyclebud/scan-api/internal/auth"
	"github.com/recyclebud/scan-api/internal/classification"
	"github.com/recyclebud/scan-api/internal/completion"
	"github.com/recyclebud/scan-api/internal/logging"
)

// ScanRequest is one classification request as received from the caller.
type ScanRequest struct {
	Image      string
	Credential string
}

// ScanUseCase verifies the caller, asks the completion service once and
// normalizes the answer.
type ScanUseCase struct {
	verifier  auth.Verifier
	completer completion.Client
	logger    *zap.Logger
}

// NewScanUseCase constructs a new use case instance.
func NewScanUseCase(verifier auth.Verifier, completer completion.Client, logger *zap.Logger) *ScanUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScanUseCase{
		verifier:  verifier,
		completer: completer,
		logger:    logger.Named("scan_usecase"),
	}
}

// Scan runs the classification pipeline. It returns either a fully populated
// result or a *ScanError.
func (uc *ScanUseCase) Scan(ctx context.Context, req ScanRequest) (*classification.ScanResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.scan", requestID)

	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		return nil, newScanError(KindUnauthenticated, msgUnauthorized, auth.ErrMissingCredential)
	}
	if strings.TrimSpace(req.Image) == "" {
		return nil, newScanError(KindInvalidInput, msgMissingImage, nil)
	}

	userID, err := uc.verifier.Verify(ctx, credential)
	if err != nil || userID == "" {
		opLogger.Info("credential rejected", zap.Error(err))
		return nil, newScanError(KindUnauthenticated, msgUnauthorized, err)
	}
	opLogger = opLogger.With(zap.String("user_id", userID))
	opLogger.Info("processing waste scan")

	resp, err := uc.completer.Complete(ctx, completion.Request{
		SystemInstruction: classification.SystemInstruction,
		UserText:          classification.UserPrompt,
		Image:             req.Image,
	})
	if err != nil {
		return nil, uc.mapCompletionError(opLogger, err)
	}

	content := ""
	if resp != nil {
		content = resp.Content
	}
	if strings.TrimSpace(content) == "" {
		opLogger.Error("empty completion content")
		return nil, newScanError(KindUpstreamFailure, msgNoResponse, nil)
	}

	result, ok := classification.ParseOrFallback(content)
	if !ok {
		opLogger.Warn("unparseable completion content, using fallback", zap.String("content", truncate(content, 512)))
	}
	result.UserID = userID

	opLogger.Info("waste scan classified",
		zap.String("waste_type", result.WasteType),
		zap.Float64("confidence", result.Confidence),
		zap.Int("base_points", result.BasePoints),
	)
	return &result, nil
}

func (uc *ScanUseCase) mapCompletionError(opLogger *zap.Logger, err error) error {
	if errors.Is(err, completion.ErrNotConfigured) {
		opLogger.Error("completion service credential is missing")
		return newScanError(KindMisconfiguredService, msgMisconfigured, err)
	}
	if errors.Is(err, completion.ErrInvalidImage) {
		opLogger.Info("image payload rejected", zap.Error(err))
		return newScanError(KindInvalidInput, msgInvalidImage, err)
	}

	var statusErr *completion.StatusError
	if errors.As(err, &statusErr) {
		opLogger.Error("completion upstream error",
			zap.Int("status", statusErr.StatusCode),
			zap.String("body", truncate(statusErr.Body, 1024)),
		)
		switch {
		case statusErr.RateLimited():
			scanErr := newScanError(KindThrottled, msgThrottled, err)
			scanErr.RetryAfter = statusErr.RetryAfter
			return scanErr
		case statusErr.QuotaExhausted():
			return newScanError(KindQuotaExceeded, msgQuota, err)
		}
		return newScanError(KindUpstreamFailure, msgUpstream, err)
	}

	opLogger.Error("completion request failed", zap.Error(err))
	return newScanError(KindUpstreamFailure, msgUpstream, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
