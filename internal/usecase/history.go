package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/recyclebud/scan-api/internal/classification"
	"github.com/recyclebud/scan-api/internal/completion"
	"github.com/recyclebud/scan-api/internal/logging"
	"github.com/recyclebud/scan-api/internal/repository"
	"github.com/recyclebud/scan-api/internal/retry"
)

const (
	// DefaultRecentScans is the dashboard page size.
	DefaultRecentScans = 5
	// MaxRecentScans caps any list request.
	MaxRecentScans = 50
	// MilestoneStep is the distance between point milestones.
	MilestoneStep = 500
)

// ErrScanNotFound is returned when a scan does not exist or belongs to someone else.
var ErrScanNotFound = errors.New("scan not found")

// HistoryRepository defines the persistence operations needed by the history use case.
type HistoryRepository interface {
	RecordScan(ctx context.Context, requestID string, scan *repository.ScanHistory) (bool, error)
	FindScanByIDAndUser(ctx context.Context, scanID, userID string) (*repository.ScanHistory, error)
	ListScansByUser(ctx context.Context, userID string, limit int) ([]repository.ScanHistory, int64, error)
	FindUserPoints(ctx context.Context, userID string) (int, error)
	FindWasteTypeID(ctx context.Context, name string) (*int64, error)
	AggregateStats(ctx context.Context) (*repository.StatsAggregation, error)
}

// ScanRecord is the stored view of one scan.
type ScanRecord struct {
	ID           string                    `json:"id"`
	UserID       string                    `json:"user_id"`
	ImageURL     string                    `json:"image_url,omitempty"`
	ImageHash    string                    `json:"image_hash"`
	PointsEarned int                       `json:"points_earned"`
	WasteTypeID  *int64                    `json:"waste_type_id,omitempty"`
	Result       classification.ScanResult `json:"result"`
	CreatedAt    time.Time                 `json:"created_at"`
}

// ScanPage is a page of a user's newest scans plus the exact total.
type ScanPage struct {
	Scans []ScanRecord `json:"scans"`
	Total int64        `json:"total"`
}

// PointsSummary backs the dashboard header.
type PointsSummary struct {
	Points        int          `json:"points"`
	TotalScans    int64        `json:"total_scans"`
	NextMilestone int          `json:"next_milestone"`
	Progress      float64      `json:"progress"`
	RecentScans   []ScanRecord `json:"recent_scans"`
}

// ScanStats represents aggregated scan insights.
type ScanStats struct {
	TotalScans        int64   `json:"total_scans"`
	UniqueUsers       int64   `json:"unique_users"`
	RecyclableScans   int64   `json:"recyclable_scans"`
	RecyclableRate    float64 `json:"recyclable_rate"`
	IdentifiedRate    float64 `json:"identified_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	PointsAwarded     int64   `json:"points_awarded"`
}

// HistoryUseCase records finished scans and serves the dashboard reads.
type HistoryUseCase struct {
	repo     HistoryRepository
	cache    Cache
	cacheTTL time.Duration
	logger   *zap.Logger
	policy   retry.Policy
}

// NewHistoryUseCase constructs a new use case instance. A nil cache disables caching.
func NewHistoryUseCase(repo HistoryRepository, cache Cache, cacheTTL time.Duration, logger *zap.Logger) *HistoryUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryUseCase{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger.Named("history_usecase"),
		policy:   retry.DefaultPolicy,
	}
}

// Record persists result for its owner and returns the new scan id. Nothing
// is written once ctx is done.
func (uc *HistoryUseCase) Record(ctx context.Context, image string, result *classification.ScanResult) (string, error) {
	if result == nil || result.UserID == "" {
		return "", errors.New("history: result has no owner")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	scanID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.record_scan", scanID).With(zap.String("user_id", result.UserID))

	payload, err := json.Marshal(result)
	if err != nil {
		return "", logging.NewOperationError("usecase.encode_result", scanID, err)
	}

	scan := &repository.ScanHistory{
		ID:           scanID,
		UserID:       result.UserID,
		ImageHash:    ImageHash(image),
		PointsEarned: result.BasePoints,
		Result:       datatypes.JSON(payload),
		CreatedAt:    time.Now().UTC(),
	}
	if completion.IsRemoteURL(image) {
		url := strings.TrimSpace(image)
		scan.ImageURL = &url
	}
	if result.Identified() {
		id, err := uc.repo.FindWasteTypeID(ctx, result.WasteType)
		if err != nil {
			opLogger.Warn("waste type lookup failed", zap.Error(err))
		}
		scan.WasteTypeID = id
	}

	credited, err := uc.repo.RecordScan(ctx, scanID, scan)
	if err != nil {
		opLogger.Error("failed to persist scan", zap.Error(err))
		return "", err
	}
	opLogger.Info("scan recorded",
		zap.Int("points_earned", scan.PointsEarned),
		zap.Bool("points_credited", credited),
	)

	uc.cacheRecord(ctx, toRecord(scan, result))
	return scanID, nil
}

// GetScan retrieves a cached scan or loads it from persistence.
func (uc *HistoryUseCase) GetScan(ctx context.Context, userID, scanID string) (*ScanRecord, error) {
	if _, err := uuid.Parse(scanID); err != nil {
		return nil, ErrScanNotFound
	}

	if cached, err := uc.cacheGet(ctx, scanID); err == nil {
		var record ScanRecord
		if err := json.Unmarshal([]byte(cached), &record); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_scan", scanID).Warn("failed to decode cached scan", zap.Error(err))
		} else if record.UserID == userID {
			return &record, nil
		} else {
			return nil, ErrScanNotFound
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_scan", scanID).Warn("failed to read cache", zap.Error(err))
	}

	scan, err := uc.repo.FindScanByIDAndUser(ctx, scanID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrScanNotFound
		}
		return nil, err
	}
	record, err := decodeRecord(scan)
	if err != nil {
		return nil, err
	}
	uc.cacheRecord(ctx, record)
	return &record, nil
}

// ListScans returns the newest scans of a user. limit defaults to
// DefaultRecentScans and is capped at MaxRecentScans.
func (uc *HistoryUseCase) ListScans(ctx context.Context, userID string, limit int) (*ScanPage, error) {
	scans, total, err := uc.repo.ListScansByUser(ctx, userID, NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	records := make([]ScanRecord, 0, len(scans))
	for i := range scans {
		record, err := decodeRecord(&scans[i])
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return &ScanPage{Scans: records, Total: total}, nil
}

// Summary reports the points balance and the progress towards the next milestone.
func (uc *HistoryUseCase) Summary(ctx context.Context, userID string) (*PointsSummary, error) {
	points, err := uc.repo.FindUserPoints(ctx, userID)
	if err != nil {
		return nil, err
	}
	page, err := uc.ListScans(ctx, userID, DefaultRecentScans)
	if err != nil {
		return nil, err
	}

	milestone := NextMilestone(points)
	progress := math.Min(100, float64(points)/float64(milestone)*100)
	return &PointsSummary{
		Points:        points,
		TotalScans:    page.Total,
		NextMilestone: milestone,
		Progress:      math.Round(progress*10) / 10,
		RecentScans:   page.Scans,
	}, nil
}

// Stats aggregates scan metrics from persisted history.
func (uc *HistoryUseCase) Stats(ctx context.Context) (*ScanStats, error) {
	aggregation, err := uc.repo.AggregateStats(ctx)
	if err != nil {
		return nil, err
	}

	stats := &ScanStats{
		TotalScans:        aggregation.TotalScans,
		UniqueUsers:       aggregation.UniqueUsers,
		RecyclableScans:   aggregation.RecyclableScans,
		AverageConfidence: aggregation.AverageConfidence,
		PointsAwarded:     aggregation.PointsAwarded,
	}
	if aggregation.TotalScans > 0 {
		stats.RecyclableRate = float64(aggregation.RecyclableScans) / float64(aggregation.TotalScans)
		stats.IdentifiedRate = float64(aggregation.IdentifiedScans) / float64(aggregation.TotalScans)
	}
	return stats, nil
}

// NextMilestone rounds points up to the next multiple of MilestoneStep.
// Zero points aim at the first milestone.
func NextMilestone(points int) int {
	if points <= 0 {
		return MilestoneStep
	}
	return int(math.Ceil(float64(points)/MilestoneStep)) * MilestoneStep
}

// NormalizeLimit applies the list page size rules.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentScans
	case limit > MaxRecentScans:
		return MaxRecentScans
	default:
		return limit
	}
}

// ImageHash fingerprints an image payload for duplicate detection.
func ImageHash(image string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(image)))
	return hex.EncodeToString(sum[:])
}

func scanCacheKey(scanID string) string {
	return fmt.Sprintf("scan:%s", scanID)
}

func (uc *HistoryUseCase) cacheRecord(ctx context.Context, record ScanRecord) {
	serialized, err := json.Marshal(record)
	if err != nil {
		uc.logger.Warn("failed to serialize scan record", zap.Error(err))
		return
	}
	if err := retry.Do(ctx, uc.policy, uc.logger, "cache.set.scan", record.ID, func() error {
		return uc.cache.Set(ctx, scanCacheKey(record.ID), string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_scan", record.ID).Warn("failed to cache scan", zap.Error(err))
	}
}

func (uc *HistoryUseCase) cacheGet(ctx context.Context, scanID string) (string, error) {
	var result string
	err := retry.Do(ctx, uc.policy, uc.logger, "cache.get.scan", scanID, func() error {
		value, err := uc.cache.Get(ctx, scanCacheKey(scanID))
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func toRecord(scan *repository.ScanHistory, result *classification.ScanResult) ScanRecord {
	record := ScanRecord{
		ID:           scan.ID,
		UserID:       scan.UserID,
		ImageHash:    scan.ImageHash,
		PointsEarned: scan.PointsEarned,
		WasteTypeID:  scan.WasteTypeID,
		Result:       *result,
		CreatedAt:    scan.CreatedAt,
	}
	if scan.ImageURL != nil {
		record.ImageURL = *scan.ImageURL
	}
	return record
}

func decodeRecord(scan *repository.ScanHistory) (ScanRecord, error) {
	var result classification.ScanResult
	if len(scan.Result) > 0 {
		if err := json.Unmarshal(scan.Result, &result); err != nil {
			return ScanRecord{}, logging.NewOperationError("usecase.decode_scan", scan.ID, err)
		}
	}
	return toRecord(scan, &result), nil
}
