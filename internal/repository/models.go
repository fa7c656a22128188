package repository

import (
	"time"

	"gorm.io/datatypes"
)

// ScanHistory is one recorded waste scan.
type ScanHistory struct {
	ID           string         `gorm:"column:id;type:uuid;primaryKey"`
	UserID       string         `gorm:"column:user_id;type:uuid;not null;index"`
	ImageURL     *string        `gorm:"column:image_url;type:text"`
	ImageHash    string         `gorm:"column:image_hash;size:64;index:idx_scan_histories_user_hash"`
	PointsEarned int            `gorm:"column:points_earned;default:0"`
	Result       datatypes.JSON `gorm:"column:result;type:jsonb"`
	WasteTypeID  *int64         `gorm:"column:waste_type_id"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ScanHistory) TableName() string {
	return "scan_histories"
}

// User is the profile row that accumulates points.
type User struct {
	ID        string    `gorm:"column:id;type:uuid;primaryKey"`
	Email     string    `gorm:"column:email;not null"`
	Name      *string   `gorm:"column:name"`
	Points    *int      `gorm:"column:points;default:0"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// WasteType is a catalogue entry the classifier output is linked to.
type WasteType struct {
	ID         int64  `gorm:"column:id;primaryKey"`
	Name       string `gorm:"column:name;not null"`
	Category   string `gorm:"column:category"`
	Points     int    `gorm:"column:points"`
	Recyclable bool   `gorm:"column:recyclable"`
}

// TableName overrides the default table name.
func (WasteType) TableName() string {
	return "waste_types"
}

// StatsAggregation summarises every recorded scan.
type StatsAggregation struct {
	TotalScans        int64
	UniqueUsers       int64
	RecyclableScans   int64
	IdentifiedScans   int64
	PointsAwarded     int64
	AverageConfidence float64
}
