package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Category groups users for the per-category leaderboards. The set is closed.
type Category string

// All competition categories.
const (
	CategoryNvidiaGPU Category = "NVIDIA_GPU"
	CategoryAMDGPU    Category = "AMD_GPU"
	CategoryWildcard  Category = "WILDCARD"
)

// Categories returns every category in display order.
func Categories() []Category {
	return []Category{CategoryNvidiaGPU, CategoryAMDGPU, CategoryWildcard}
}

// Valid reports whether c is a declared category.
func (c Category) Valid() bool {
	switch c {
	case CategoryNvidiaGPU, CategoryAMDGPU, CategoryWildcard:
		return true
	default:
		return false
	}
}

// ParseCategory normalises user input into a Category.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", raw)
	}
	return c, nil
}

// Hardware is a folding device class with its scoring multiplier.
type Hardware struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	Name        string          `gorm:"size:128;uniqueIndex;not null" json:"name"`
	DisplayName string          `gorm:"size:128" json:"display_name"`
	Multiplier  decimal.Decimal `gorm:"type:decimal(12,4);not null" json:"multiplier"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Team is a competing group of users.
type Team struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:128;uniqueIndex;not null" json:"name"`
	Description string    `gorm:"size:512" json:"description"`
	ForumLink   string    `gorm:"size:512" json:"forum_link,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User is a participant folding for one team on one piece of hardware.
// Deleted users are soft-deleted so their history stays queryable.
type User struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	FoldingUserName string         `gorm:"size:128;index;not null" json:"folding_user_name"`
	DisplayName     string         `gorm:"size:128;not null" json:"display_name"`
	Passkey         string         `gorm:"size:64" json:"passkey"`
	Category        Category       `gorm:"size:32;index;not null" json:"category"`
	HardwareID      uint           `gorm:"index;not null" json:"hardware_id"`
	TeamID          uint           `gorm:"index;not null" json:"team_id"`
	ProfileLink     string         `gorm:"size:512" json:"profile_link,omitempty"`
	LiveStatsLink   string         `gorm:"size:512" json:"live_stats_link,omitempty"`
	IsCaptain       bool           `json:"is_captain"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`

	Hardware Hardware `gorm:"foreignKey:HardwareID" json:"hardware"`
	Team     Team     `gorm:"foreignKey:TeamID" json:"-"`
}

// Snapshot is a raw cumulative total observed from the stats provider.
type Snapshot struct {
	ID         uint      `gorm:"primaryKey"`
	UserID     uint      `gorm:"not null;index:idx_snapshot_user_time,priority:1"`
	ObservedAt time.Time `gorm:"not null;index:idx_snapshot_user_time,priority:2"`
	Points     int64     `gorm:"not null"`
	Units      int64     `gorm:"not null"`
}

// Offset is a signed manual correction. Invalidated offsets are soft-deleted.
type Offset struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	UserID           uint           `gorm:"not null;index" json:"user_id"`
	AppliedAt        time.Time      `gorm:"not null" json:"applied_at"`
	Points           int64          `gorm:"not null" json:"points"`
	MultipliedPoints int64          `gorm:"not null" json:"multiplied_points"`
	Units            int64          `gorm:"not null" json:"units"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// Baseline is the per-user counting origin for the current period.
//
// SegmentPoints/SegmentMultipliedPoints hold what was already earned before
// the last multiplier change, so that only newer points use the new rate.
type Baseline struct {
	UserID                  uint      `gorm:"primaryKey;autoIncrement:false"`
	Points                  int64     `gorm:"not null"`
	Units                   int64     `gorm:"not null"`
	SegmentPoints           int64     `gorm:"not null;default:0"`
	SegmentMultipliedPoints int64     `gorm:"not null;default:0"`
	Version                 int64     `gorm:"not null;default:1"`
	ResetAt                 time.Time `gorm:"not null"`
	Reason                  string    `gorm:"size:32"`
}

// Baseline reset reasons.
const (
	BaselineReasonRegistered = "registered"
	BaselineReasonRetired    = "retired"
	BaselineReasonMultiplier = "multiplier"
	BaselineReasonRollover   = "rollover"
)

// TcStatsRecord is one user's competition stats as of one update. Rows are
// only ever inserted.
type TcStatsRecord struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	UserID           uint      `gorm:"not null;index:idx_tc_stats_user_time,priority:1" json:"user_id"`
	TeamID           uint      `gorm:"not null;index" json:"team_id"`
	AsOf             time.Time `gorm:"not null;index:idx_tc_stats_user_time,priority:2" json:"as_of"`
	Points           int64     `gorm:"not null" json:"points"`
	MultipliedPoints int64     `gorm:"not null" json:"multiplied_points"`
	Units            int64     `gorm:"not null" json:"units"`
	// Restart marks the zero record written when the baseline was reset;
	// values before and after it belong to different counting runs.
	Restart bool `gorm:"not null;default:false" json:"-"`
}

// TableName keeps the historic table name.
func (TcStatsRecord) TableName() string {
	return "user_tc_stats"
}

// RetiredContribution freezes a departed user's stats for the team they left.
type RetiredContribution struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	TeamID           uint      `gorm:"not null;index;uniqueIndex:idx_retired_event,priority:2" json:"team_id"`
	UserID           uint      `gorm:"not null;uniqueIndex:idx_retired_event,priority:1" json:"user_id"`
	BaselineVersion  int64     `gorm:"not null;uniqueIndex:idx_retired_event,priority:3" json:"-"`
	DisplayName      string    `gorm:"size:128" json:"display_name"`
	Category         Category  `gorm:"size:32" json:"category"`
	HardwareName     string    `gorm:"size:128" json:"hardware_name"`
	MultipliedPoints int64     `gorm:"not null" json:"multiplied_points"`
	Points           int64     `gorm:"not null" json:"points"`
	Units            int64     `gorm:"not null" json:"units"`
	Reason           string    `gorm:"size:32" json:"reason"`
	RetiredAt        time.Time `gorm:"not null" json:"retired_at"`
}

// MonthlyResult is an archived leaderboard. Several rows may exist for one
// period; the newest wins.
type MonthlyResult struct {
	ID         uint           `gorm:"primaryKey"`
	Year       int            `gorm:"not null;index:idx_monthly_period,priority:1"`
	Month      int            `gorm:"not null;index:idx_monthly_period,priority:2"`
	SavedAt    time.Time      `gorm:"not null"`
	Teams      datatypes.JSON `gorm:"not null"`
	Categories datatypes.JSON `gorm:"not null"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Hardware{},
		&Team{},
		&User{},
		&Snapshot{},
		&Offset{},
		&Baseline{},
		&TcStatsRecord{},
		&RetiredContribution{},
		&MonthlyResult{},
	)
}
