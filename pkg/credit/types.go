package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CreditAmount is a non-negative quantity of credits.
type CreditAmount int64

// PositiveCreditAmount is a strictly positive quantity of credits.
type PositiveCreditAmount int64

// UserID identifies a credit account owner.
type UserID struct {
	value string
}

// ActionName identifies a billable action in the catalog.
type ActionName struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// Month is a calendar month key in YYYY-MM form.
type Month struct {
	value string
}

// UsageDate is a calendar day key in YYYY-MM-DD form.
type UsageDate struct {
	value string
}

// TransactionType enumerates audit record kinds.
type TransactionType string

const (
	TransactionDeduction TransactionType = "deduction"
	TransactionAddition  TransactionType = "addition"
)

// SubscriptionStatus enumerates subscription lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
)

// DenialReason identifies why a quota check refused an action.
type DenialReason string

const (
	DenialNone                 DenialReason = ""
	DenialActionNotFound       DenialReason = "action_not_found"
	DenialInsufficientCredits  DenialReason = "insufficient_credits"
	DenialSubscriptionInactive DenialReason = "subscription_inactive"
	DenialMonthlyLimitExceeded DenialReason = "monthly_limit_exceeded"
	DenialDailyLimitExceeded   DenialReason = "daily_limit_exceeded"
	DenialTrialPreviewUsed     DenialReason = "trial_preview_used"
)

// Action is one catalog row mapping a name to its base cost.
type Action struct {
	ActionID int64
	Name     ActionName
	BaseCost CreditAmount
}

// UserCredit is the mutable balance record for one user.
// CycleStartAt is the zero time until the first deduction under a subscription.
type UserCredit struct {
	UserID           UserID
	TotalCredits     int64
	CreditsRemaining int64
	CycleUsedCredits int64
	CycleStartAt     time.Time
}

// TransactionInput describes an audit record to append.
type TransactionInput struct {
	UserID         UserID
	ActionID       int64
	Type           TransactionType
	Amount         CreditAmount
	ReferenceID    string
	ReferenceType  string
	Description    string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Transaction is one immutable audit record as stored.
type Transaction struct {
	TransactionID  string
	UserID         UserID
	ActionID       int64
	Type           TransactionType
	Amount         CreditAmount
	ReferenceID    string
	ReferenceType  string
	Description    string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Subscription is the read-only billing-cycle context for a user.
type Subscription struct {
	PlanID             string
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// PlanLimits carries the per-plan usage caps. A nil limit means unlimited.
type PlanLimits struct {
	MonthlyLimit *int64
	DailyLimit   *int64
}

// TrialProfile is the read-only trial state on a user's profile.
type TrialProfile struct {
	IsTrial     bool
	PreviewUsed bool
}

// QuotaDecision is the advisory result of a quota evaluation.
type QuotaDecision struct {
	Allowed         bool
	Reason          DenialReason
	CurrentCredits  int64
	RequiredCredits int64
	MonthlyLimit    *int64
	DailyLimit      *int64
	MonthlyUsed     int64
	DailyUsed       int64
}

// BalanceSummary is the balance view returned by additions.
type BalanceSummary struct {
	TotalCredits     int64
	CreditsRemaining int64
}

// DeductReference carries the optional audit context of a deduction.
type DeductReference struct {
	ReferenceID   string
	ReferenceType string
	Description   string
}

// AddInput carries the optional audit context of an addition.
type AddInput struct {
	ReferenceType string
	ReferenceID   string
	Description   string
	Metadata      MetadataJSON
}

var monthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewActionName validates and normalizes an action name.
func NewActionName(raw string) (ActionName, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActionName{}, fmt.Errorf("%w: empty value", ErrInvalidActionName)
	}
	return ActionName{value: trimmed}, nil
}

// String returns the normalized name.
func (name ActionName) String() string {
	return name.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCreditAmount validates a non-negative credit amount.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// NewPositiveCreditAmount validates a strictly positive credit amount.
func NewPositiveCreditAmount(raw int64) (PositiveCreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return PositiveCreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount PositiveCreditAmount) Int64() int64 {
	return int64(amount)
}

// ToCreditAmount widens a positive amount into the non-negative type.
func (amount PositiveCreditAmount) ToCreditAmount() CreditAmount {
	return CreditAmount(amount)
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionDeduction, TransactionAddition:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// NewMonth validates a YYYY-MM month key.
func NewMonth(raw string) (Month, error) {
	trimmed := strings.TrimSpace(raw)
	if !monthPattern.MatchString(trimmed) {
		return Month{}, fmt.Errorf("%w: %q", ErrInvalidMonth, raw)
	}
	return Month{value: trimmed}, nil
}

// MonthOf derives the month key from an instant in UTC.
func MonthOf(at time.Time) Month {
	return Month{value: at.UTC().Format("2006-01")}
}

// String returns the YYYY-MM key.
func (month Month) String() string {
	return month.value
}

// UsageDateOf derives the day key from an instant in UTC.
func UsageDateOf(at time.Time) UsageDate {
	return UsageDate{value: at.UTC().Format("2006-01-02")}
}

// ParseUsageDate validates a YYYY-MM-DD day key.
func ParseUsageDate(raw string) (UsageDate, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := time.Parse("2006-01-02", trimmed)
	if err != nil {
		return UsageDate{}, fmt.Errorf("%w: %q", ErrInvalidUsageDate, raw)
	}
	return UsageDateOf(parsed), nil
}

// Month returns the month key containing this day.
func (date UsageDate) Month() Month {
	if len(date.value) < 7 {
		return Month{}
	}
	return Month{value: date.value[:7]}
}

// String returns the YYYY-MM-DD key.
func (date UsageDate) String() string {
	return date.value
}

// Store is the persistence contract used by Service.
//
// GetUserCreditForUpdate must lock the balance row for the duration of the
// enclosing WithTx scope so that quota evaluation and the balance mutation
// observe the same state.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAction(ctx context.Context, name ActionName) (Action, error)
	GetUserCredit(ctx context.Context, userID UserID) (UserCredit, bool, error)
	GetUserCreditForUpdate(ctx context.Context, userID UserID) (UserCredit, bool, error)
	SaveUserCredit(ctx context.Context, record UserCredit) error
	InsertTransaction(ctx context.Context, input TransactionInput) error
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error)
	IncrementUsage(ctx context.Context, userID UserID, actionID int64, date UsageDate) error
	DailyUsage(ctx context.Context, userID UserID, actionID int64, date UsageDate) (int64, error)
	MonthlyUsage(ctx context.Context, userID UserID, actionID int64, month Month) (int64, error)
	GetSubscription(ctx context.Context, userID UserID) (Subscription, bool, error)
	GetPlanLimits(ctx context.Context, planID string) (PlanLimits, bool, error)
	GetTrialProfile(ctx context.Context, userID UserID) (TrialProfile, bool, error)
	MarkTrialPreviewUsed(ctx context.Context, userID UserID) error
}
