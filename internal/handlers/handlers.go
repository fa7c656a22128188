package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/recyclebud/scan-api/internal/auth"
	"github.com/recyclebud/scan-api/internal/classification"
	"github.com/recyclebud/scan-api/internal/completion"
	"github.com/recyclebud/scan-api/internal/logging"
	"github.com/recyclebud/scan-api/internal/usecase"
)

// MaxUploadSize is the default limit for a scan request body.
const MaxUploadSize = 8 << 20

// Scanner classifies one image for the holder of a credential.
type Scanner interface {
	Scan(ctx context.Context, req usecase.ScanRequest) (*classification.ScanResult, error)
}

// History records finished scans and serves the dashboard reads.
type History interface {
	Record(ctx context.Context, image string, result *classification.ScanResult) (string, error)
	GetScan(ctx context.Context, userID, scanID string) (*usecase.ScanRecord, error)
	ListScans(ctx context.Context, userID string, limit int) (*usecase.ScanPage, error)
	Summary(ctx context.Context, userID string) (*usecase.PointsSummary, error)
	Stats(ctx context.Context) (*usecase.ScanStats, error)
}

// Options tunes RegisterRoutes. A nil History disables the history routes.
type Options struct {
	History      History
	MaxBodyBytes int64
	Logger       *zap.Logger
}

type scanPayload struct {
	Image string `json:"image"`
}

type handler struct {
	scanner      Scanner
	history      History
	maxBodyBytes int64
	logger       *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, scanner Scanner, authMiddleware gin.HandlerFunc, opts Options) {
	h := &handler{
		scanner:      scanner,
		history:      opts.History,
		maxBodyBytes: opts.MaxBodyBytes,
		logger:       opts.Logger,
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = MaxUploadSize
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("http")

	router.Use(CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/scan-waste", h.scanWaste)
	router.POST("/functions/v1/scan-waste", h.scanWaste)

	authorized := router.Group("/", authMiddleware)
	authorized.GET("/scans", h.listScans)
	authorized.GET("/scans/:id", h.getScan)
	authorized.GET("/me/summary", h.summary)
	authorized.GET("/stats", h.stats)
}

func (h *handler) scanWaste(c *gin.Context) {
	credential, _ := auth.ExtractBearerToken(c.GetHeader("Authorization"))

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	image, status, msg := h.readImage(c, raw)
	if status != 0 {
		c.JSON(status, gin.H{"error": msg})
		return
	}

	ctx := c.Request.Context()
	result, err := h.scanner.Scan(ctx, usecase.ScanRequest{Image: image, Credential: credential})
	if err != nil {
		writeScanError(c, err)
		return
	}

	if ctx.Err() != nil {
		h.logger.Info("client went away before the scan finished", zap.String("user_id", result.UserID))
		c.Abort()
		return
	}

	if h.history != nil {
		scanID, err := h.history.Record(ctx, image, result)
		if err != nil {
			h.logger.Error("failed to record scan", errorFields(err, zap.String("user_id", result.UserID))...)
		} else {
			c.Header("X-Scan-ID", scanID)
		}
	}

	c.JSON(http.StatusOK, result)
}

// readImage accepts a JSON body {"image": ...} or a multipart "image" file.
// Malformed JSON yields an empty image so the use case reports it in order.
func (h *handler) readImage(c *gin.Context, raw []byte) (string, int, string) {
	mediaType, _, _ := mime.ParseMediaType(c.ContentType())
	if mediaType != "multipart/form-data" {
		var payload scanPayload
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := c.ShouldBindJSON(&payload); err != nil {
				h.logger.Debug("invalid scan payload", zap.Error(err))
			}
		}
		return payload.Image, 0, ""
	}

	file, err := c.FormFile("image")
	if err != nil {
		return "", 0, ""
	}
	partType := file.Header.Get("Content-Type")
	if !strings.HasPrefix(partType, "image/") {
		return "", http.StatusUnsupportedMediaType, "unsupported image content type"
	}

	src, err := file.Open()
	if err != nil {
		return "", http.StatusBadRequest, "unable to open image"
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return "", http.StatusInternalServerError, "failed to read image"
	}
	if len(data) == 0 {
		return "", 0, ""
	}
	return completion.DataURL(partType, data), 0, ""
}

func writeScanError(c *gin.Context, err error) {
	var scanErr *usecase.ScanError
	if !errors.As(err, &scanErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if scanErr.Kind == usecase.KindThrottled && scanErr.RetryAfter != "" {
		c.Header("Retry-After", scanErr.RetryAfter)
	}
	c.JSON(scanErr.HTTPStatus(), gin.H{"error": scanErr.Message})
}

func (h *handler) requireHistory(c *gin.Context) bool {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scan history is disabled"})
		return false
	}
	return true
}

func (h *handler) listScans(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	userID, _ := auth.GetUserID(c.Request.Context())

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	page, err := h.history.ListScans(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list scans", errorFields(err, zap.String("user_id", userID))...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load scans"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) getScan(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	userID, _ := auth.GetUserID(c.Request.Context())

	record, err := h.history.GetScan(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, usecase.ErrScanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
			return
		}
		h.logger.Error("failed to load scan", errorFields(err, zap.String("user_id", userID))...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load scan"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *handler) summary(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	userID, _ := auth.GetUserID(c.Request.Context())

	summary, err := h.history.Summary(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to build summary", errorFields(err, zap.String("user_id", userID))...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) stats(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	stats, err := h.history.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to aggregate stats", errorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// errorFields appends err and, when known, the infrastructure operation that failed.
func errorFields(err error, fields ...zap.Field) []zap.Field {
	if op, ok := logging.OperationOf(err); ok {
		fields = append(fields, zap.String("operation", op))
	}
	return append(fields, zap.Error(err))
}
