package pgstore

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/credit"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgConnectionClass   = "08"
	errorOperationStore = "store"
	errorSubjectAction  = "action"
	errorSubjectBalance = "balance"
	errorSubjectPlan    = "plan"
	errorSubjectProfile = "profile"
	errorSubjectTx      = "transaction"
	errorSubjectUsage   = "usage"
	errorCodeBegin      = "begin"
	errorCodeCommit     = "commit"
	errorCodeGet        = "get"
	errorCodeIncrement  = "increment"
	errorCodeInsert     = "insert"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodeLookup     = "lookup"
	errorCodeMark       = "mark_preview"
	errorCodeSave       = "save"
	errorCodeSumDaily   = "sum_daily"
	errorCodeSumMonthly = "sum_monthly"

	sqlSelectAction = `
		select action_id, action_name, base_credit_cost
		from credit_actions
		where action_name = $1
	`

	sqlSelectUserCredit = `
		select user_id, total_credits, credits_remaining, cycle_used_credits,
			coalesce(extract(epoch from cycle_start_at)::bigint, 0)
		from user_credits
		where user_id = $1
	`

	sqlSelectUserCreditForUpdate = sqlSelectUserCredit + `
		for update
	`

	sqlUpsertUserCredit = `
		insert into user_credits(user_id, total_credits, credits_remaining, cycle_used_credits, cycle_start_at, created_at, updated_at)
		values($1, $2, $3, $4, to_timestamp(nullif($5,0)), now(), now())
		on conflict (user_id) do update set
			total_credits = excluded.total_credits,
			credits_remaining = excluded.credits_remaining,
			cycle_used_credits = excluded.cycle_used_credits,
			cycle_start_at = excluded.cycle_start_at,
			updated_at = now()
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, action_id, transaction_type, credits_amount,
			reference_id, reference_type, description, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, nullif($2,0), $3, $4,
			$5, $6, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
	`

	sqlListTransactionsBefore = `
		select
			transaction_id::text,
			user_id,
			coalesce(action_id, 0),
			transaction_type,
			credits_amount,
			coalesce(reference_id,''),
			coalesce(reference_type,''),
			coalesce(description,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlIncrementUsage = `
		insert into credit_usage_tracking(user_id, action_id, usage_date, usage_count, updated_at)
		values($1, $2, $3, 1, now())
		on conflict (user_id, action_id, usage_date) do update set
			usage_count = credit_usage_tracking.usage_count + 1,
			updated_at = now()
	`

	sqlSumDailyUsage = `
		select coalesce(sum(usage_count),0) from credit_usage_tracking
		where user_id = $1 and action_id = $2 and usage_date = $3
	`

	sqlSumMonthlyUsage = `
		select coalesce(sum(usage_count),0) from credit_usage_tracking
		where user_id = $1 and action_id = $2 and usage_date like $3
	`

	sqlSelectSubscription = `
		select plan_id, status,
			coalesce(extract(epoch from current_period_start)::bigint, 0),
			coalesce(extract(epoch from current_period_end)::bigint, 0)
		from user_subscriptions
		where user_id = $1
	`

	sqlSelectPlanLimits = `
		select monthly_limit, daily_limit
		from plan_limits
		where plan_id = $1
	`

	sqlSelectTrialProfile = `
		select coalesce(is_trial, false), coalesce(trial_preview_used, false)
		from user_profiles
		where user_id = $1
	`

	sqlMarkTrialPreviewUsed = `
		insert into user_profiles(user_id, is_trial, trial_preview_used)
		values($1, false, true)
		on conflict (user_id) do update set
			trial_preview_used = true
	`
)

// querier is the call surface shared by a pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credit.Store on a pgx connection pool. Outside WithTx every
// call autocommits; inside WithTx the same methods run on the open transaction.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetAction(ctx context.Context, name credit.ActionName) (credit.Action, error) {
	var (
		actionIDValue int64
		nameValue     string
		costValue     int64
	)
	err := store.db.QueryRow(ctx, sqlSelectAction, name.String()).Scan(&actionIDValue, &nameValue, &costValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.Action{}, wrapStoreError(errorSubjectAction, errorCodeLookup, credit.ErrActionNotFound)
		}
		return credit.Action{}, storeFailure(errorSubjectAction, errorCodeLookup, err)
	}
	actionName, err := credit.NewActionName(nameValue)
	if err != nil {
		return credit.Action{}, wrapStoreError(errorSubjectAction, errorCodeInvalid, err)
	}
	baseCost, err := credit.NewCreditAmount(costValue)
	if err != nil {
		return credit.Action{}, wrapStoreError(errorSubjectAction, errorCodeInvalid, err)
	}
	return credit.Action{ActionID: actionIDValue, Name: actionName, BaseCost: baseCost}, nil
}

func (store *Store) GetUserCredit(ctx context.Context, userID credit.UserID) (credit.UserCredit, bool, error) {
	return store.getUserCredit(ctx, userID, sqlSelectUserCredit)
}

func (store *Store) GetUserCreditForUpdate(ctx context.Context, userID credit.UserID) (credit.UserCredit, bool, error) {
	return store.getUserCredit(ctx, userID, sqlSelectUserCreditForUpdate)
}

func (store *Store) getUserCredit(ctx context.Context, userID credit.UserID, query string) (credit.UserCredit, bool, error) {
	var (
		userIDValue       string
		totalValue        int64
		remainingValue    int64
		cycleUsedValue    int64
		cycleStartUnixUTC int64
	)
	err := store.db.QueryRow(ctx, query, userID.String()).Scan(
		&userIDValue,
		&totalValue,
		&remainingValue,
		&cycleUsedValue,
		&cycleStartUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.UserCredit{}, false, nil
		}
		return credit.UserCredit{}, false, storeFailure(errorSubjectBalance, errorCodeGet, err)
	}
	parsedUserID, err := credit.NewUserID(userIDValue)
	if err != nil {
		return credit.UserCredit{}, false, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return credit.UserCredit{
		UserID:           parsedUserID,
		TotalCredits:     totalValue,
		CreditsRemaining: remainingValue,
		CycleUsedCredits: cycleUsedValue,
		CycleStartAt:     unixToTime(cycleStartUnixUTC),
	}, true, nil
}

func (store *Store) SaveUserCredit(ctx context.Context, record credit.UserCredit) error {
	var cycleStartUnixUTC int64
	if !record.CycleStartAt.IsZero() {
		cycleStartUnixUTC = record.CycleStartAt.UTC().Unix()
	}
	_, err := store.db.Exec(ctx, sqlUpsertUserCredit,
		record.UserID.String(),
		record.TotalCredits,
		record.CreditsRemaining,
		record.CycleUsedCredits,
		cycleStartUnixUTC,
	)
	if err != nil {
		return storeFailure(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credit.TransactionInput) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		input.UserID.String(),
		input.ActionID,
		input.Type.String(),
		input.Amount.Int64(),
		input.ReferenceID,
		input.ReferenceType,
		input.Description,
		input.Metadata.String(),
		input.CreatedUnixUTC,
	)
	if err != nil {
		return storeFailure(errorSubjectTx, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID credit.UserID, beforeUnixUTC int64, limit int) ([]credit.Transaction, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Unix() + 1
	}
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, storeFailure(errorSubjectTx, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store *Store) IncrementUsage(ctx context.Context, userID credit.UserID, actionID int64, date credit.UsageDate) error {
	_, err := store.db.Exec(ctx, sqlIncrementUsage, userID.String(), actionID, date.String())
	if err != nil {
		return storeFailure(errorSubjectUsage, errorCodeIncrement, err)
	}
	return nil
}

func (store *Store) DailyUsage(ctx context.Context, userID credit.UserID, actionID int64, date credit.UsageDate) (int64, error) {
	var sum int64
	err := store.db.QueryRow(ctx, sqlSumDailyUsage, userID.String(), actionID, date.String()).Scan(&sum)
	if err != nil {
		return 0, storeFailure(errorSubjectUsage, errorCodeSumDaily, err)
	}
	return sum, nil
}

func (store *Store) MonthlyUsage(ctx context.Context, userID credit.UserID, actionID int64, month credit.Month) (int64, error) {
	var sum int64
	err := store.db.QueryRow(ctx, sqlSumMonthlyUsage, userID.String(), actionID, month.String()+"-%").Scan(&sum)
	if err != nil {
		return 0, storeFailure(errorSubjectUsage, errorCodeSumMonthly, err)
	}
	return sum, nil
}

func (store *Store) GetSubscription(ctx context.Context, userID credit.UserID) (credit.Subscription, bool, error) {
	var (
		planIDValue        string
		statusValue        string
		periodStartUnixUTC int64
		periodEndUnixUTC   int64
	)
	err := store.db.QueryRow(ctx, sqlSelectSubscription, userID.String()).Scan(
		&planIDValue,
		&statusValue,
		&periodStartUnixUTC,
		&periodEndUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.Subscription{}, false, nil
		}
		return credit.Subscription{}, false, storeFailure(errorSubjectPlan, errorCodeGet, err)
	}
	return credit.Subscription{
		PlanID:             planIDValue,
		Status:             credit.SubscriptionStatus(statusValue),
		CurrentPeriodStart: unixToTime(periodStartUnixUTC),
		CurrentPeriodEnd:   unixToTime(periodEndUnixUTC),
	}, true, nil
}

func (store *Store) GetPlanLimits(ctx context.Context, planID string) (credit.PlanLimits, bool, error) {
	var limits credit.PlanLimits
	err := store.db.QueryRow(ctx, sqlSelectPlanLimits, planID).Scan(&limits.MonthlyLimit, &limits.DailyLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.PlanLimits{}, false, nil
		}
		return credit.PlanLimits{}, false, storeFailure(errorSubjectPlan, errorCodeLookup, err)
	}
	return limits, true, nil
}

func (store *Store) GetTrialProfile(ctx context.Context, userID credit.UserID) (credit.TrialProfile, bool, error) {
	var profile credit.TrialProfile
	err := store.db.QueryRow(ctx, sqlSelectTrialProfile, userID.String()).Scan(&profile.IsTrial, &profile.PreviewUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.TrialProfile{}, false, nil
		}
		return credit.TrialProfile{}, false, storeFailure(errorSubjectProfile, errorCodeGet, err)
	}
	return profile, true, nil
}

func (store *Store) MarkTrialPreviewUsed(ctx context.Context, userID credit.UserID) error {
	_, err := store.db.Exec(ctx, sqlMarkTrialPreviewUsed, userID.String())
	if err != nil {
		return storeFailure(errorSubjectProfile, errorCodeMark, err)
	}
	return nil
}

func scanTransactions(rows pgx.Rows) ([]credit.Transaction, error) {
	transactions := make([]credit.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionIDValue string
			userIDValue        string
			actionIDValue      int64
			typeValue          string
			amountValue        int64
			referenceIDValue   string
			referenceTypeValue string
			descriptionValue   string
			metadataValue      string
			createdUnixUTC     int64
		)
		if err := rows.Scan(
			&transactionIDValue,
			&userIDValue,
			&actionIDValue,
			&typeValue,
			&amountValue,
			&referenceIDValue,
			&referenceTypeValue,
			&descriptionValue,
			&metadataValue,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		userID, err := credit.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		transactionType, err := credit.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		amount, err := credit.NewCreditAmount(amountValue)
		if err != nil {
			return nil, err
		}
		metadata, err := credit.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, credit.Transaction{
			TransactionID:  transactionIDValue,
			UserID:         userID,
			ActionID:       actionIDValue,
			Type:           transactionType,
			Amount:         amount,
			ReferenceID:    referenceIDValue,
			ReferenceType:  referenceTypeValue,
			Description:    descriptionValue,
			Metadata:       metadata,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	return transactions, rows.Err()
}

func unixToTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Time{}
	}
	return time.Unix(unixUTC, 0).UTC()
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

func storeFailure(subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectivityError(err) {
		return wrapStoreError(subject, code, errors.Join(credit.ErrStorageUnavailable, err))
	}
	return wrapStoreError(subject, code, err)
}

func isConnectivityError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgConnectionClass
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
