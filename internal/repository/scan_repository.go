package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/recyclebud/scan-api/internal/retry"
)

// ScanRepository provides persistence APIs for scan history and points.
type ScanRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewScanRepository creates a new repository instance.
func NewScanRepository(db *gorm.DB, logger *zap.Logger) *ScanRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScanRepository{
		db:     db,
		logger: logger.Named("scan_repository"),
		policy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ScanRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&WasteType{}, &User{}, &ScanHistory{})
}

// RecordScan inserts scan and credits its points to the owner in one
// transaction. A scan whose image hash the user already submitted is stored
// with zero points. Concurrent records for the same user are serialized on a
// transaction-scoped advisory lock so the duplicate check sees earlier inserts.
// It reports whether any points were credited.
func (r *ScanRepository) RecordScan(ctx context.Context, requestID string, scan *ScanHistory) (bool, error) {
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now().UTC()
	}

	var credited bool
	err := r.execute(ctx, "repository.record_scan", requestID, func() error {
		credited = false
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if scan.ImageHash != "" && scan.PointsEarned > 0 {
				if err := tx.Exec(userLockSQL, scan.UserID).Error; err != nil {
					return err
				}
				var seen int64
				if err := tx.Model(&ScanHistory{}).
					Where("user_id = ? AND image_hash = ?", scan.UserID, scan.ImageHash).
					Count(&seen).Error; err != nil {
					return err
				}
				if seen > 0 {
					scan.PointsEarned = 0
				}
			}

			if err := tx.Create(scan).Error; err != nil {
				return err
			}
			if scan.PointsEarned == 0 {
				return nil
			}

			res := tx.Model(&User{}).
				Where("id = ?", scan.UserID).
				Updates(map[string]interface{}{
					"points":     gorm.Expr("COALESCE(points, 0) + ?", scan.PointsEarned),
					"updated_at": time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			credited = res.RowsAffected > 0
			return nil
		})
	})
	return credited, err
}

// FindScanByIDAndUser retrieves a scan matching the id and owner.
func (r *ScanRepository) FindScanByIDAndUser(ctx context.Context, scanID, userID string) (*ScanHistory, error) {
	var scan ScanHistory
	err := r.execute(ctx, "repository.find_scan", scanID, func() error {
		return r.db.WithContext(ctx).First(&scan, "id = ? AND user_id = ?", scanID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// ListScansByUser returns the newest scans of a user and the exact total.
func (r *ScanRepository) ListScansByUser(ctx context.Context, userID string, limit int) ([]ScanHistory, int64, error) {
	var (
		scans []ScanHistory
		total int64
	)
	err := r.execute(ctx, "repository.list_scans", "", func() error {
		query := r.db.WithContext(ctx).Model(&ScanHistory{}).Where("user_id = ?", userID)
		if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
			return err
		}
		if limit <= 0 {
			scans = nil
			return nil
		}
		return query.Session(&gorm.Session{}).Order("created_at DESC").Limit(limit).Find(&scans).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return scans, total, nil
}

// FindUserPoints returns the point balance of a user, 0 when no profile exists.
func (r *ScanRepository) FindUserPoints(ctx context.Context, userID string) (int, error) {
	var user User
	err := r.execute(ctx, "repository.find_user_points", "", func() error {
		return r.db.WithContext(ctx).Select("id", "points").First(&user, "id = ?", userID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if user.Points == nil {
		return 0, nil
	}
	return *user.Points, nil
}

// FindWasteTypeID looks up a catalogue entry by case-insensitive name.
// It returns nil when no entry matches.
func (r *ScanRepository) FindWasteTypeID(ctx context.Context, name string) (*int64, error) {
	var wasteType WasteType
	err := r.execute(ctx, "repository.find_waste_type", "", func() error {
		return r.db.WithContext(ctx).Select("id").First(&wasteType, "LOWER(name) = LOWER(?)", name).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wasteType.ID, nil
}

// AggregateStats computes totals over every recorded scan.
func (r *ScanRepository) AggregateStats(ctx context.Context) (*StatsAggregation, error) {
	var row StatsAggregation
	err := r.execute(ctx, "repository.aggregate_stats", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ScanHistory{}).
			Select(aggregateStatsSelect).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// userLockSQL holds a per-user lock until the surrounding transaction ends.
const userLockSQL = "SELECT pg_advisory_xact_lock(hashtext(?))"

const aggregateStatsSelect = `COUNT(*) AS total_scans,
COUNT(DISTINCT user_id) AS unique_users,
COALESCE(SUM(CASE WHEN (result->>'recyclable')::boolean THEN 1 ELSE 0 END), 0) AS recyclable_scans,
COALESCE(SUM(CASE WHEN COALESCE((result->>'confidence')::float8, 0) > 0 THEN 1 ELSE 0 END), 0) AS identified_scans,
COALESCE(SUM(points_earned), 0) AS points_awarded,
COALESCE(AVG((result->>'confidence')::float8), 0) AS average_confidence`

func (r *ScanRepository) execute(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.policy, r.logger, operation, requestID, fn)
}
