package gormstore

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/credit"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	dialectPostgres       = "postgres"
	pgConnectionClass     = "08"
	sqliteBusyCode        = 5
	errorOperationStore   = "store"
	errorSubjectAction    = "action"
	errorSubjectBalance   = "balance"
	errorSubjectPlan      = "plan"
	errorSubjectProfile   = "profile"
	errorSubjectTx        = "transaction"
	errorSubjectUsage     = "usage"
	errorCodeGet          = "get"
	errorCodeIncrement    = "increment"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeMark         = "mark_preview"
	errorCodeSave         = "save"
	errorCodeSumDaily     = "sum_daily"
	errorCodeSumMonthly   = "sum_monthly"
	errorCodeUnavailable  = "unavailable"
	usageMonthLikeSuffix  = "-%"
	usageIncrementExprSQL = "credit_usage_tracking.usage_count + ?"
)

// Store implements credit.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetAction(ctx context.Context, name credit.ActionName) (credit.Action, error) {
	var model CreditAction
	err := store.db.WithContext(ctx).
		Where("action_name = ?", name.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Action{}, wrapStoreError(errorSubjectAction, errorCodeLookup, credit.ErrActionNotFound)
		}
		return credit.Action{}, storeFailure(errorSubjectAction, errorCodeLookup, err)
	}
	return mapAction(model)
}

func (store *Store) GetUserCredit(ctx context.Context, userID credit.UserID) (credit.UserCredit, bool, error) {
	return store.getUserCredit(ctx, userID, false)
}

// GetUserCreditForUpdate locks the balance row for the rest of the enclosing
// transaction. SQLite serializes writers on its own, so the explicit lock is
// only emitted on postgres.
func (store *Store) GetUserCreditForUpdate(ctx context.Context, userID credit.UserID) (credit.UserCredit, bool, error) {
	return store.getUserCredit(ctx, userID, true)
}

func (store *Store) getUserCredit(ctx context.Context, userID credit.UserID, forUpdate bool) (credit.UserCredit, bool, error) {
	query := store.db.WithContext(ctx)
	if forUpdate && store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model UserCredit
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.UserCredit{}, false, nil
		}
		return credit.UserCredit{}, false, storeFailure(errorSubjectBalance, errorCodeGet, err)
	}
	record, err := mapUserCredit(model)
	if err != nil {
		return credit.UserCredit{}, false, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return record, true, nil
}

func (store *Store) SaveUserCredit(ctx context.Context, record credit.UserCredit) error {
	var cycleStart *time.Time
	if !record.CycleStartAt.IsZero() {
		value := record.CycleStartAt.UTC()
		cycleStart = &value
	}
	model := UserCredit{
		UserID:           record.UserID.String(),
		TotalCredits:     record.TotalCredits,
		CreditsRemaining: record.CreditsRemaining,
		CycleUsedCredits: record.CycleUsedCredits,
		CycleStartAt:     cycleStart,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_credits",
				"credits_remaining",
				"cycle_used_credits",
				"cycle_start_at",
				"updated_at",
			}),
		}).
		Create(&model).Error
	if err != nil {
		return storeFailure(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credit.TransactionInput) error {
	var actionID *int64
	if input.ActionID != 0 {
		value := input.ActionID
		actionID = &value
	}
	model := CreditTransaction{
		UserID:          input.UserID.String(),
		ActionID:        actionID,
		TransactionType: input.Type.String(),
		CreditsAmount:   input.Amount.Int64(),
		ReferenceID:     input.ReferenceID,
		ReferenceType:   input.ReferenceType,
		Description:     input.Description,
		Metadata:        datatypesJSON(input.Metadata.String()),
		CreatedAt:       time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return storeFailure(errorSubjectTx, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID credit.UserID, beforeUnixUTC int64, limit int) ([]credit.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storeFailure(errorSubjectTx, errorCodeList, err)
	}
	transactions := make([]credit.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// IncrementUsage upserts the per-day counter with an atomic
// increment-on-conflict so concurrent increments never lose counts.
func (store *Store) IncrementUsage(ctx context.Context, userID credit.UserID, actionID int64, date credit.UsageDate) error {
	model := UsageTracking{
		UserID:     userID.String(),
		ActionID:   actionID,
		UsageDate:  date.String(),
		UsageCount: 1,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "action_id"}, {Name: "usage_date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"usage_count": gorm.Expr(usageIncrementExprSQL, 1),
				"updated_at":  time.Now().UTC(),
			}),
		}).
		Create(&model).Error
	if err != nil {
		return storeFailure(errorSubjectUsage, errorCodeIncrement, err)
	}
	return nil
}

func (store *Store) DailyUsage(ctx context.Context, userID credit.UserID, actionID int64, date credit.UsageDate) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&UsageTracking{}).
		Select("coalesce(sum(usage_count),0) as total").
		Where("user_id = ? AND action_id = ? AND usage_date = ?", userID.String(), actionID, date.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, storeFailure(errorSubjectUsage, errorCodeSumDaily, err)
	}
	return sum.Total, nil
}

func (store *Store) MonthlyUsage(ctx context.Context, userID credit.UserID, actionID int64, month credit.Month) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&UsageTracking{}).
		Select("coalesce(sum(usage_count),0) as total").
		Where("user_id = ? AND action_id = ? AND usage_date LIKE ?", userID.String(), actionID, month.String()+usageMonthLikeSuffix).
		Scan(&sum).Error
	if err != nil {
		return 0, storeFailure(errorSubjectUsage, errorCodeSumMonthly, err)
	}
	return sum.Total, nil
}

func (store *Store) GetSubscription(ctx context.Context, userID credit.UserID) (credit.Subscription, bool, error) {
	var model UserSubscription
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Subscription{}, false, nil
		}
		return credit.Subscription{}, false, storeFailure(errorSubjectPlan, errorCodeGet, err)
	}
	return credit.Subscription{
		PlanID:             model.PlanID,
		Status:             credit.SubscriptionStatus(model.Status),
		CurrentPeriodStart: timeOrZero(model.CurrentPeriodStart),
		CurrentPeriodEnd:   timeOrZero(model.CurrentPeriodEnd),
	}, true, nil
}

func (store *Store) GetPlanLimits(ctx context.Context, planID string) (credit.PlanLimits, bool, error) {
	var model PlanLimit
	err := store.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.PlanLimits{}, false, nil
		}
		return credit.PlanLimits{}, false, storeFailure(errorSubjectPlan, errorCodeLookup, err)
	}
	return credit.PlanLimits{MonthlyLimit: model.MonthlyLimit, DailyLimit: model.DailyLimit}, true, nil
}

func (store *Store) GetTrialProfile(ctx context.Context, userID credit.UserID) (credit.TrialProfile, bool, error) {
	var model UserProfile
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.TrialProfile{}, false, nil
		}
		return credit.TrialProfile{}, false, storeFailure(errorSubjectProfile, errorCodeGet, err)
	}
	return credit.TrialProfile{IsTrial: model.IsTrial, PreviewUsed: model.TrialPreviewUsed}, true, nil
}

// MarkTrialPreviewUsed flips the one-time preview flag. Setting an already
// consumed flag is a no-op.
func (store *Store) MarkTrialPreviewUsed(ctx context.Context, userID credit.UserID) error {
	model := UserProfile{UserID: userID.String(), TrialPreviewUsed: true}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"trial_preview_used": true,
			}),
		}).
		Create(&model).Error
	if err != nil {
		return storeFailure(errorSubjectProfile, errorCodeMark, err)
	}
	return nil
}

// SeedAction registers an action in the catalog, updating the cost when the
// name already exists. Used at startup to sync the configured catalog.
func (store *Store) SeedAction(ctx context.Context, name string, baseCost int64) error {
	model := CreditAction{ActionName: name, BaseCreditCost: baseCost}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "action_name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"base_credit_cost": baseCost,
			}),
		}).
		Create(&model).Error
	if err != nil {
		return storeFailure(errorSubjectAction, errorCodeInsert, err)
	}
	return nil
}

// SeedPlanLimits registers or updates the caps for one plan. Nil limits mean
// unlimited and are stored as NULL.
func (store *Store) SeedPlanLimits(ctx context.Context, planID string, monthlyLimit *int64, dailyLimit *int64) error {
	model := PlanLimit{PlanID: planID, MonthlyLimit: monthlyLimit, DailyLimit: dailyLimit}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "plan_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"monthly_limit": monthlyLimit,
				"daily_limit":   dailyLimit,
			}),
		}).
		Create(&model).Error
	if err != nil {
		return storeFailure(errorSubjectPlan, errorCodeInsert, err)
	}
	return nil
}

// Migrate creates the schema for engines without external migrations.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserCredit{},
		&CreditAction{},
		&CreditTransaction{},
		&UsageTracking{},
		&UserSubscription{},
		&PlanLimit{},
		&UserProfile{},
	)
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

// storeFailure tags infrastructure failures so callers can tell an outage
// from a quota denial.
func storeFailure(subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectivityError(err) {
		return wrapStoreError(subject, errorCodeUnavailable, errors.Join(credit.ErrStorageUnavailable, err))
	}
	return wrapStoreError(subject, code, err)
}

func isConnectivityError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgConnectionClass
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteBusyCode
	}
	// Refused or dropped connections surface as net-level errors, not as a
	// server-sent PgError.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

type sqlSum struct {
	Total int64
}

func mapAction(model CreditAction) (credit.Action, error) {
	name, err := credit.NewActionName(model.ActionName)
	if err != nil {
		return credit.Action{}, wrapStoreError(errorSubjectAction, errorCodeInvalid, err)
	}
	cost, err := credit.NewCreditAmount(model.BaseCreditCost)
	if err != nil {
		return credit.Action{}, wrapStoreError(errorSubjectAction, errorCodeInvalid, err)
	}
	return credit.Action{ActionID: model.ActionID, Name: name, BaseCost: cost}, nil
}

func mapUserCredit(model UserCredit) (credit.UserCredit, error) {
	userID, err := credit.NewUserID(model.UserID)
	if err != nil {
		return credit.UserCredit{}, err
	}
	return credit.UserCredit{
		UserID:           userID,
		TotalCredits:     model.TotalCredits,
		CreditsRemaining: model.CreditsRemaining,
		CycleUsedCredits: model.CycleUsedCredits,
		CycleStartAt:     timeOrZero(model.CycleStartAt),
	}, nil
}

func mapTransaction(model CreditTransaction) (credit.Transaction, error) {
	userID, err := credit.NewUserID(model.UserID)
	if err != nil {
		return credit.Transaction{}, err
	}
	transactionType, err := credit.ParseTransactionType(model.TransactionType)
	if err != nil {
		return credit.Transaction{}, err
	}
	amount, err := credit.NewCreditAmount(model.CreditsAmount)
	if err != nil {
		return credit.Transaction{}, err
	}
	metadata, err := credit.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return credit.Transaction{}, err
	}
	var actionID int64
	if model.ActionID != nil {
		actionID = *model.ActionID
	}
	return credit.Transaction{
		TransactionID:  model.TransactionID,
		UserID:         userID,
		ActionID:       actionID,
		Type:           transactionType,
		Amount:         amount,
		ReferenceID:    model.ReferenceID,
		ReferenceType:  model.ReferenceType,
		Description:    model.Description,
		Metadata:       metadata,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return value.UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}
