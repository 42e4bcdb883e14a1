package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserCredit mirrors the user_credits table, one row per user.
type UserCredit struct {
	UserID           string `gorm:"primaryKey"`
	TotalCredits     int64  `gorm:"not null;default:0"`
	CreditsRemaining int64  `gorm:"not null;default:0"`
	CycleUsedCredits int64  `gorm:"not null;default:0"`
	CycleStartAt     *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (UserCredit) TableName() string { return "user_credits" }

// CreditAction mirrors the credit_actions reference table.
type CreditAction struct {
	ActionID       int64     `gorm:"primaryKey;autoIncrement"`
	ActionName     string    `gorm:"not null;uniqueIndex:uniq_credit_actions_name"`
	BaseCreditCost int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (CreditAction) TableName() string { return "credit_actions" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID   string `gorm:"type:uuid;primaryKey"`
	UserID          string `gorm:"not null;index:idx_credit_transactions_user_created,priority:1"`
	ActionID        *int64 `gorm:"index"`
	TransactionType string `gorm:"not null"`
	CreditsAmount   int64  `gorm:"not null"`
	ReferenceID     string
	ReferenceType   string
	Description     string
	Metadata        datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_credit_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// UsageTracking mirrors the credit_usage_tracking table, one row per
// (user, action, day).
type UsageTracking struct {
	UserID     string    `gorm:"primaryKey"`
	ActionID   int64     `gorm:"primaryKey;autoIncrement:false"`
	UsageDate  string    `gorm:"primaryKey;size:10"`
	UsageCount int64     `gorm:"not null;default:0"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (UsageTracking) TableName() string { return "credit_usage_tracking" }

// UserSubscription mirrors the externally owned user_subscriptions table.
// The ledger only reads it.
type UserSubscription struct {
	UserID             string `gorm:"primaryKey"`
	PlanID             string `gorm:"not null"`
	Status             string `gorm:"not null"`
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

func (UserSubscription) TableName() string { return "user_subscriptions" }

// PlanLimit mirrors the externally owned plan_limits table. NULL means
// unlimited.
type PlanLimit struct {
	PlanID       string `gorm:"primaryKey"`
	MonthlyLimit *int64
	DailyLimit   *int64
}

func (PlanLimit) TableName() string { return "plan_limits" }

// UserProfile carries the trial flags; the ledger reads the trial state and
// flips the one-time preview marker.
type UserProfile struct {
	UserID           string `gorm:"primaryKey"`
	IsTrial          bool   `gorm:"not null;default:false"`
	TrialPreviewUsed bool   `gorm:"not null;default:false"`
}

func (UserProfile) TableName() string { return "user_profiles" }
