// Package gemini classifies images with Google Gemini through the genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/recyclebud/scan-api/internal/completion"
)

// Client wraps one long-lived genai client.
type Client struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// New creates the SDK client. With an empty key no SDK client is created and
// every Complete call reports completion.ErrNotConfigured.
func New(ctx context.Context, apiKey, model string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		model:   strings.TrimPrefix(strings.TrimSpace(model), "google/"),
		timeout: timeout,
		logger:  logger.Named("completion_gemini"),
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return c, nil
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	c.client = cl
	return c, nil
}

// Close releases the SDK client.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Complete implements completion.Client.
func (c *Client) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	if c.client == nil {
		return nil, completion.ErrNotConfigured
	}

	parts, err := buildParts(req)
	if err != nil {
		return nil, err
	}

	m := c.client.GenerativeModel(c.model)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemInstruction)}}
	m.ResponseMIMEType = "application/json"

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		if statusErr, ok := statusFromError(err); ok {
			return nil, statusErr
		}
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	return &completion.Response{Content: firstText(resp), Model: c.model}, nil
}

func buildParts(req completion.Request) ([]genai.Part, error) {
	if completion.IsRemoteURL(req.Image) {
		return nil, fmt.Errorf("%w: remote urls are not supported by the gemini provider", completion.ErrInvalidImage)
	}
	data, mime, err := completion.DecodeImage(req.Image)
	if err != nil {
		return nil, err
	}
	return []genai.Part{
		genai.Text(req.UserText),
		genai.Blob{MIMEType: mime, Data: data},
	}, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}

// statusFromError maps SDK failures onto HTTP-style status errors. REST
// failures carry a googleapi.Error; gRPC-shaped ones carry a status code.
func statusFromError(err error) (*completion.StatusError, bool) {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &completion.StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}, true
	}

	st, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	return &completion.StatusError{StatusCode: httpStatus(st.Code()), Body: st.Message()}, true
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
