// Package catalog holds the course list, scheduled class occurrences,
// and the per-level ambassador reward configuration.
//
// Level configs are read on every payment confirmation, so callers go
// through the Cache rather than the store directly.
package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCourseNotFound     = errors.New("course not found")
	ErrOccurrenceNotFound = errors.New("occurrence not found")
	ErrLevelNotFound      = errors.New("level config not found")
	ErrOccurrenceFull     = errors.New("occurrence has no free seats")
)

// CourseType distinguishes reward treatment: basic courses pay the
// basic rates, advanced courses the advanced rates.
type CourseType string

const (
	CourseBasic    CourseType = "basic"
	CourseAdvanced CourseType = "advanced"
)

// CourseStatus gates purchasability.
type CourseStatus string

const (
	CourseActive  CourseStatus = "active"
	CourseRetired CourseStatus = "retired"
)

// Course is a sellable course product. Amounts are decimal strings,
// e.g. "1980.00".
type Course struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Type         CourseType   `json:"type"`
	Price        string       `json:"price"`
	RetrainPrice string       `json:"retrainPrice"`
	// IncludedCourseIDs are bundled courses granted alongside this one
	// when a purchase is confirmed.
	IncludedCourseIDs []int64      `json:"includedCourseIds,omitempty"`
	Status            CourseStatus `json:"status"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Occurrence is a scheduled class date with a seat quota. Retrain
// orders book a seat on a specific occurrence.
type Occurrence struct {
	ID        int64     `json:"id"`
	CourseID  int64     `json:"courseId"`
	ClassDate time.Time `json:"classDate"`
	SeatQuota int       `json:"seatQuota"`
	Booked    int       `json:"booked"`
	CreatedAt time.Time `json:"createdAt"`
}

// FreeSeats returns the remaining seat count.
func (o *Occurrence) FreeSeats() int {
	return o.SeatQuota - o.Booked
}

// LevelConfig describes how one ambassador level earns rewards. Rates
// are basis points of the order amount (10000 = 100%).
type LevelConfig struct {
	Level         int    `json:"level"`
	Name          string `json:"name"`
	CanEarnReward bool   `json:"canEarnReward"`

	MeritBasicBPS    int `json:"meritBasicBps"`
	MeritAdvancedBPS int `json:"meritAdvancedBps"`
	CashBasicBPS     int `json:"cashBasicBps"`
	CashAdvancedBPS  int `json:"cashAdvancedBps"`

	// EscrowCash holds earned cash in the frozen bucket until the
	// ambassador has referred enough paid orders; zero disables escrow.
	EscrowCash         bool   `json:"escrowCash"`
	UnfreezePerReferral string `json:"unfreezePerReferral"`

	// GiftQuotaCount seats are granted when a user upgrades into this
	// level, and UpgradePrice is what that upgrade order costs.
	GiftQuotaCount int    `json:"giftQuotaCount"`
	UpgradePrice   string `json:"upgradePrice"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists the catalog.
type Store interface {
	GetCourse(ctx context.Context, id int64) (*Course, error)
	ListCourses(ctx context.Context) ([]*Course, error)
	UpsertCourse(ctx context.Context, c *Course) error

	GetOccurrence(ctx context.Context, id int64) (*Occurrence, error)
	ListOccurrences(ctx context.Context, courseID int64) ([]*Occurrence, error)
	CreateOccurrence(ctx context.Context, o *Occurrence) error
	// AdjustBooked changes the booked count by delta. Booking past the
	// seat quota returns ErrOccurrenceFull; below zero clamps to zero.
	AdjustBooked(ctx context.Context, occurrenceID int64, delta int) error

	GetLevel(ctx context.Context, level int) (*LevelConfig, error)
	ListLevels(ctx context.Context) ([]*LevelConfig, error)
	UpsertLevel(ctx context.Context, lc *LevelConfig) error
}
