// Package httpserver exposes the credit service over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/credit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidPayload      = "invalid_payload"
	errorCodeInvalidUserID       = "invalid_user_id"
	errorCodeInvalidAction       = "invalid_action"
	errorCodeInvalidAmount       = "invalid_amount"
	errorCodeInvalidMetadata     = "invalid_metadata"
	errorCodeInvalidLimit        = "invalid_limit"
	errorCodeActionNotFound      = "action_not_found"
	errorCodeInsufficientCredits = "insufficient_credits"
	errorCodeSubscription        = "subscription_inactive"
	errorCodeTrialPreviewUsed    = "trial_preview_used"
	errorCodeMonthlyLimit        = "monthly_limit_exceeded"
	errorCodeDailyLimit          = "daily_limit_exceeded"
	errorCodeStorage             = "storage_unavailable"
	errorCodeInternal            = "internal"
)

// Config carries the runtime settings of the HTTP surface.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	SigningKey     string
	Issuer         string
}

// Run serves the credit API until ctx is canceled.
func Run(ctx context.Context, cfg Config, service *credit.Service, logger *zap.Logger) error {
	router := NewRouter(cfg, service, logger)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter assembles the gin engine with all credit routes.
func NewRouter(cfg Config, service *credit.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &creditHandler{service: service, logger: logger}

	api := router.Group("/v1/credits")
	if cfg.SigningKey != "" {
		api.Use(bearerAuth(cfg.SigningKey, cfg.Issuer))
	}

	api.POST("/check", handler.handleCheck)
	api.POST("/deduct", handler.handleDeduct)
	api.POST("/add", handler.handleAdd)
	api.GET("/balance", handler.handleBalance)
	api.GET("/transactions", handler.handleTransactions)

	return router
}

type creditHandler struct {
	service *credit.Service
	logger  *zap.Logger
}

type checkRequest struct {
	UserID string `json:"user_id"`
	Action string `json:"action"`
}

type deductRequest struct {
	UserID        string `json:"user_id"`
	Action        string `json:"action"`
	ReferenceID   string `json:"reference_id"`
	ReferenceType string `json:"reference_type"`
	Description   string `json:"description"`
}

type addRequest struct {
	UserID        string         `json:"user_id"`
	Amount        int64          `json:"amount"`
	ReferenceType string         `json:"reference_type"`
	ReferenceID   string         `json:"reference_id"`
	Description   string         `json:"description"`
	Metadata      map[string]any `json:"metadata"`
}

type decisionPayload struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	CurrentCredits  int64  `json:"current_credits"`
	RequiredCredits int64  `json:"required_credits"`
	MonthlyLimit    *int64 `json:"monthly_limit"`
	DailyLimit      *int64 `json:"daily_limit"`
	MonthlyUsed     int64  `json:"monthly_used"`
	DailyUsed       int64  `json:"daily_used"`
}

type balancePayload struct {
	UserID           string `json:"user_id"`
	TotalCredits     int64  `json:"total_credits"`
	CreditsRemaining int64  `json:"credits_remaining"`
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	ActionID       int64  `json:"action_id,omitempty"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	ReferenceID    string `json:"reference_id,omitempty"`
	ReferenceType  string `json:"reference_type,omitempty"`
	Description    string `json:"description,omitempty"`
	Metadata       string `json:"metadata"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func (handler *creditHandler) handleCheck(ctx *gin.Context) {
	var request checkRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, actionName, ok := parseSubject(ctx, request.UserID, request.Action)
	if !ok {
		return
	}
	decision, err := handler.service.CanPerformAction(ctx.Request.Context(), userID, actionName)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, decisionResponse(decision))
}

func (handler *creditHandler) handleDeduct(ctx *gin.Context) {
	var request deductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, actionName, ok := parseSubject(ctx, request.UserID, request.Action)
	if !ok {
		return
	}
	reference := credit.DeductReference{
		ReferenceID:   request.ReferenceID,
		ReferenceType: request.ReferenceType,
		Description:   request.Description,
	}
	if err := handler.service.DeductCredits(ctx.Request.Context(), userID, actionName, reference); err != nil {
		handler.respondError(ctx, err)
		return
	}
	record, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok", "balance": balanceResponse(record)})
}

func (handler *creditHandler) handleAdd(ctx *gin.Context) {
	var request addRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := credit.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidUserID, err.Error()))
		return
	}
	amount, err := credit.NewPositiveCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidAmount, err.Error()))
		return
	}
	metadata, err := credit.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidMetadata, err.Error()))
		return
	}
	summary, err := handler.service.AddUserCredits(ctx.Request.Context(), userID, amount, credit.AddInput{
		ReferenceType: request.ReferenceType,
		ReferenceID:   request.ReferenceID,
		Description:   request.Description,
		Metadata:      metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"balance": balancePayload{
			UserID:           userID.String(),
			TotalCredits:     summary.TotalCredits,
			CreditsRemaining: summary.CreditsRemaining,
		},
	})
}

func (handler *creditHandler) handleBalance(ctx *gin.Context) {
	userID, err := credit.NewUserID(ctx.Query("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidUserID, err.Error()))
		return
	}
	record, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balanceResponse(record)})
}

func (handler *creditHandler) handleTransactions(ctx *gin.Context) {
	userID, err := credit.NewUserID(ctx.Query("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidUserID, err.Error()))
		return
	}
	var beforeUnixUTC int64
	if raw := ctx.Query("before_unix_utc"); raw != "" {
		beforeUnixUTC, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "before_unix_utc must be an integer"))
			return
		}
	}
	var limit int
	if raw := ctx.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidLimit, "limit must be an integer"))
			return
		}
	}
	transactions, err := handler.service.ListTransactions(ctx.Request.Context(), userID, beforeUnixUTC, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload{
			TransactionID:  transaction.TransactionID,
			ActionID:       transaction.ActionID,
			Type:           transaction.Type.String(),
			Amount:         transaction.Amount.Int64(),
			ReferenceID:    transaction.ReferenceID,
			ReferenceType:  transaction.ReferenceType,
			Description:    transaction.Description,
			Metadata:       transaction.Metadata.String(),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

// respondError maps domain errors onto HTTP statuses. Quota denials carry the
// full decision payload so callers can render limits without a second call.
func (handler *creditHandler) respondError(ctx *gin.Context, err error) {
	var denied credit.QuotaDeniedError
	if errors.As(err, &denied) {
		statusCode, code := denialStatus(denied.Decision.Reason)
		ctx.JSON(statusCode, gin.H{
			"error":    gin.H{"code": code, "message": string(denied.Decision.Reason)},
			"decision": decisionResponse(denied.Decision),
		})
		return
	}
	switch {
	case errors.Is(err, credit.ErrActionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeActionNotFound, "unknown action"))
	case errors.Is(err, credit.ErrInvalidListLimit):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidLimit, err.Error()))
	case errors.Is(err, credit.ErrInvalidUserID):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidUserID, err.Error()))
	case errors.Is(err, credit.ErrInvalidActionName):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidAction, err.Error()))
	case errors.Is(err, credit.ErrStorageUnavailable):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStorage, "storage unavailable"))
	default:
		handler.logger.Error("credit api failure", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, "internal error"))
	}
}

func denialStatus(reason credit.DenialReason) (int, string) {
	switch reason {
	case credit.DenialActionNotFound:
		return http.StatusNotFound, errorCodeActionNotFound
	case credit.DenialInsufficientCredits:
		return http.StatusPaymentRequired, errorCodeInsufficientCredits
	case credit.DenialSubscriptionInactive:
		return http.StatusForbidden, errorCodeSubscription
	case credit.DenialTrialPreviewUsed:
		return http.StatusForbidden, errorCodeTrialPreviewUsed
	case credit.DenialMonthlyLimitExceeded:
		return http.StatusTooManyRequests, errorCodeMonthlyLimit
	case credit.DenialDailyLimitExceeded:
		return http.StatusTooManyRequests, errorCodeDailyLimit
	}
	return http.StatusForbidden, string(reason)
}

func parseSubject(ctx *gin.Context, rawUserID string, rawAction string) (credit.UserID, credit.ActionName, bool) {
	userID, err := credit.NewUserID(rawUserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidUserID, err.Error()))
		return credit.UserID{}, credit.ActionName{}, false
	}
	actionName, err := credit.NewActionName(rawAction)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidAction, err.Error()))
		return credit.UserID{}, credit.ActionName{}, false
	}
	return userID, actionName, true
}

func decisionResponse(decision credit.QuotaDecision) decisionPayload {
	return decisionPayload{
		Allowed:         decision.Allowed,
		Reason:          string(decision.Reason),
		CurrentCredits:  decision.CurrentCredits,
		RequiredCredits: decision.RequiredCredits,
		MonthlyLimit:    decision.MonthlyLimit,
		DailyLimit:      decision.DailyLimit,
		MonthlyUsed:     decision.MonthlyUsed,
		DailyUsed:       decision.DailyUsed,
	}
}

func balanceResponse(record credit.UserCredit) balancePayload {
	return balancePayload{
		UserID:           record.UserID.String(),
		TotalCredits:     record.TotalCredits,
		CreditsRemaining: record.CreditsRemaining,
	}
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
