package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nightjarhq/creditd/internal/renewal"
	"github.com/nightjarhq/creditd/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
	defaultRenewalTimeout   = 5 * time.Minute
)

type adminHandlers struct {
	service        *ledger.Service
	store          ledger.Store
	scheduler      *renewal.Scheduler
	logger         *zap.Logger
	renewalTimeout time.Duration
}

type createAccountRequest struct {
	UserID string `json:"user_id"`
}

type grantRequest struct {
	Credits int64  `json:"credits"`
	Reason  string `json:"reason"`
}

type spendRequest struct {
	Credits int64 `json:"credits"`
}

type mappingRequest struct {
	PriceID   string `json:"price_id"`
	ProductID string `json:"product_id"`
	Credits   int64  `json:"credits"`
	Active    *bool  `json:"active"`
}

func (handlers *adminHandlers) createAccount(ginContext *gin.Context) {
	var request createAccountRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account, err := handlers.service.CreateAccount(ginContext.Request.Context(), userID)
	if errors.Is(err, ledger.ErrAccountExists) {
		ginContext.JSON(http.StatusConflict, gin.H{"error": "account already exists"})
		return
	}
	if err != nil {
		handlers.internalError(ginContext, "create account", err)
		return
	}
	ginContext.JSON(http.StatusCreated, gin.H{
		"account_id": account.AccountID,
		"user_id":    account.UserID,
	})
}

func (handlers *adminHandlers) balance(ginContext *gin.Context) {
	userID, ok := handlers.pathUserID(ginContext)
	if !ok {
		return
	}
	balance, err := handlers.service.Balance(ginContext.Request.Context(), userID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		ginContext.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		handlers.internalError(ginContext, "balance", err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{
		"balance":   balance.Credits().Int64(),
		"unlimited": balance.IsUnlimited(),
	})
}

func (handlers *adminHandlers) grant(ginContext *gin.Context) {
	userID, ok := handlers.pathUserID(ginContext)
	if !ok {
		return
	}
	var request grantRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := ledger.NewCredits(request.Credits)
	if err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err = handlers.service.Grant(ginContext.Request.Context(), userID, amount, request.Reason)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		ginContext.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		handlers.internalError(ginContext, "grant", err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"granted": request.Credits})
}

func (handlers *adminHandlers) spend(ginContext *gin.Context) {
	userID, ok := handlers.pathUserID(ginContext)
	if !ok {
		return
	}
	var request spendRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := ledger.NewCredits(request.Credits)
	if err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err = handlers.service.Spend(ginContext.Request.Context(), userID, amount)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		ginContext.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		ginContext.JSON(http.StatusConflict, gin.H{"error": "insufficient balance"})
	case err != nil:
		handlers.internalError(ginContext, "spend", err)
	default:
		ginContext.JSON(http.StatusOK, gin.H{"spent": request.Credits})
	}
}

func (handlers *adminHandlers) transactions(ginContext *gin.Context) {
	userID, ok := handlers.pathUserID(ginContext)
	if !ok {
		return
	}
	limit := defaultTransactionLimit
	if raw := ginContext.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxTransactionLimit {
			ginContext.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	transactions, err := handlers.service.ListTransactions(ginContext.Request.Context(), userID, limit)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		ginContext.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		handlers.internalError(ginContext, "list transactions", err)
		return
	}
	payload := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, gin.H{
			"transaction_id":  transaction.TransactionID,
			"external_ref":    transaction.ExternalRef,
			"credits_granted": transaction.CreditsGranted.Int64(),
			"amount_cents":    transaction.AmountCents,
			"currency":        transaction.Currency,
			"status":          string(transaction.Status),
			"created_at":      transaction.CreatedUnixUTC,
		})
	}
	ginContext.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handlers *adminHandlers) upsertMapping(ginContext *gin.Context) {
	var request mappingRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if request.PriceID == "" && request.ProductID == "" {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": "price_id or product_id is required"})
		return
	}
	credits, err := ledger.NewCredits(request.Credits)
	if err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	active := true
	if request.Active != nil {
		active = *request.Active
	}
	err = handlers.store.UpsertProductMapping(ginContext.Request.Context(), ledger.ProductMapping{
		PriceID:   request.PriceID,
		ProductID: request.ProductID,
		Credits:   credits,
		Active:    active,
	})
	if err != nil {
		handlers.internalError(ginContext, "upsert mapping", err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"updated": true})
}

func (handlers *adminHandlers) runRenewals(ginContext *gin.Context) {
	timeout := handlers.renewalTimeout
	if timeout <= 0 {
		timeout = defaultRenewalTimeout
	}
	ctx, cancel := context.WithTimeout(ginContext.Request.Context(), timeout)
	defer cancel()
	report, err := handlers.scheduler.RunOnce(ctx)
	if err != nil {
		handlers.logger.Error("renewal trigger failed", zap.Error(err))
		ginContext.JSON(http.StatusInternalServerError, gin.H{
			"error":  "renewal pass failed",
			"report": report,
		})
		return
	}
	ginContext.JSON(http.StatusOK, report)
}

func (handlers *adminHandlers) pathUserID(ginContext *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ginContext.Param("user_id"))
	if err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handlers *adminHandlers) internalError(ginContext *gin.Context, operation string, err error) {
	handlers.logger.Error("admin operation failed",
		zap.String("operation", operation),
		zap.Error(err))
	ginContext.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
