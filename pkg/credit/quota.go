package credit

import (
	"context"
	"errors"
	"time"
)

// planContext carries the resolved billing-cycle inputs for one evaluation.
type planContext struct {
	subscription    Subscription
	hasSubscription bool
	limits          PlanLimits
}

// trialContext carries the resolved trial-preview inputs for one evaluation.
type trialContext struct {
	freePreview  bool
	previewSpent bool
}

// evaluation bundles the quota decision with the resolved inputs so the
// deduction path can reuse them inside the same transaction scope.
type evaluation struct {
	decision     QuotaDecision
	action       Action
	plan         planContext
	trial        trialContext
	balance      UserCredit
	balanceFound bool
}

// resolvePlan loads the user's subscription and its plan limits. An absent
// subscription yields an empty context: no cycle tracking, no limits.
func resolvePlan(ctx context.Context, store Store, userID UserID) (planContext, error) {
	subscription, found, err := store.GetSubscription(ctx, userID)
	if err != nil {
		return planContext{}, err
	}
	if !found {
		return planContext{}, nil
	}
	resolved := planContext{subscription: subscription, hasSubscription: true}
	limits, hasLimits, err := store.GetPlanLimits(ctx, subscription.PlanID)
	if err != nil {
		return planContext{}, err
	}
	if hasLimits {
		resolved.limits = limits
	}
	return resolved, nil
}

// resolveTrial determines whether this evaluation is the trial user's one free
// preview or a repeat that must be denied.
func resolveTrial(ctx context.Context, store Store, userID UserID, actionName ActionName, previewAction ActionName) (trialContext, error) {
	if actionName != previewAction {
		return trialContext{}, nil
	}
	profile, found, err := store.GetTrialProfile(ctx, userID)
	if err != nil {
		return trialContext{}, err
	}
	if !found || !profile.IsTrial {
		return trialContext{}, nil
	}
	if profile.PreviewUsed {
		return trialContext{previewSpent: true}, nil
	}
	return trialContext{freePreview: true}, nil
}

// currentPeriodStart returns the cycle anchor, or the zero time when the user
// has no subscription.
func (plan planContext) currentPeriodStart() time.Time {
	if !plan.hasSubscription {
		return time.Time{}
	}
	return plan.subscription.CurrentPeriodStart
}

// subscriptionLapsed reports whether the subscription is canceled and its
// period has already ended. A canceled subscription keeps working until the
// paid-for period runs out.
func (plan planContext) subscriptionLapsed(now time.Time) bool {
	if !plan.hasSubscription {
		return false
	}
	if plan.subscription.Status != SubscriptionCanceled {
		return false
	}
	periodEnd := plan.subscription.CurrentPeriodEnd
	return !periodEnd.IsZero() && periodEnd.Before(now)
}

// evaluateQuota runs the ordered quota checks against the given store scope.
// It never mutates any table; denials are reported in the decision, storage
// failures as an error. When forUpdate is set the balance row is read with a
// row lock so a surrounding transaction can mutate it without a TOCTOU gap.
func (service *Service) evaluateQuota(ctx context.Context, store Store, userID UserID, actionName ActionName, forUpdate bool) (evaluation, error) {
	result := evaluation{}

	action, err := store.GetAction(ctx, actionName)
	if err != nil {
		if errors.Is(err, ErrActionNotFound) {
			result.decision.Reason = DenialActionNotFound
			return result, nil
		}
		return result, err
	}
	result.action = action

	trial, err := resolveTrial(ctx, store, userID, actionName, service.previewAction)
	if err != nil {
		return result, err
	}
	result.trial = trial
	requiredCredits := action.BaseCost.Int64()
	if trial.freePreview {
		// The trial's single preview is free; bookkeeping still runs.
		requiredCredits = 0
	}
	result.decision.RequiredCredits = requiredCredits

	var record UserCredit
	var found bool
	if forUpdate {
		record, found, err = store.GetUserCreditForUpdate(ctx, userID)
	} else {
		record, found, err = store.GetUserCredit(ctx, userID)
	}
	if err != nil {
		return result, err
	}
	result.balance = record
	result.balanceFound = found
	if found {
		result.decision.CurrentCredits = record.CreditsRemaining
	}
	if result.decision.CurrentCredits < requiredCredits {
		result.decision.Reason = DenialInsufficientCredits
		return result, nil
	}

	plan, err := resolvePlan(ctx, store, userID)
	if err != nil {
		return result, err
	}
	result.plan = plan
	now := time.Unix(service.nowFn(), 0).UTC()
	if plan.subscriptionLapsed(now) {
		result.decision.Reason = DenialSubscriptionInactive
		return result, nil
	}

	result.decision.MonthlyLimit = plan.limits.MonthlyLimit
	result.decision.DailyLimit = plan.limits.DailyLimit
	today := UsageDateOf(now)
	monthlyUsed, err := store.MonthlyUsage(ctx, userID, action.ActionID, today.Month())
	if err != nil {
		return result, err
	}
	result.decision.MonthlyUsed = monthlyUsed
	dailyUsed, err := store.DailyUsage(ctx, userID, action.ActionID, today)
	if err != nil {
		return result, err
	}
	result.decision.DailyUsed = dailyUsed

	if plan.limits.MonthlyLimit != nil && monthlyUsed >= *plan.limits.MonthlyLimit {
		result.decision.Reason = DenialMonthlyLimitExceeded
		return result, nil
	}
	if plan.limits.DailyLimit != nil && dailyUsed >= *plan.limits.DailyLimit {
		result.decision.Reason = DenialDailyLimitExceeded
		return result, nil
	}

	if trial.previewSpent {
		result.decision.Reason = DenialTrialPreviewUsed
		return result, nil
	}

	result.decision.Allowed = true
	return result, nil
}

// applyCycleRollover folds a deduction into the billing-cycle counters.
// A period start differing from the stored anchor means the cycle rolled
// over: the counter restarts at exactly this deduction's cost. Without a
// subscription the cycle fields pass through unchanged.
func applyCycleRollover(record UserCredit, cost int64, periodStart time.Time) UserCredit {
	if periodStart.IsZero() {
		return record
	}
	if record.CycleStartAt.Equal(periodStart) {
		record.CycleUsedCredits += cost
		return record
	}
	record.CycleUsedCredits = cost
	record.CycleStartAt = periodStart
	return record
}
