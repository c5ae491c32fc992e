package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/auth"
	"github.com/gigmarket/trustcore/internal/logging"
	"github.com/gigmarket/trustcore/internal/mfa"
	"github.com/gigmarket/trustcore/internal/money"
	"github.com/gigmarket/trustcore/internal/risk"
	"github.com/gigmarket/trustcore/internal/validation"
)

// ErrWithdrawalHeld is returned when a withdrawal scores as high risk.
var ErrWithdrawalHeld = fmt.Errorf("%w: withdrawal held for review", apperr.ErrPermissionDenied)

// RiskGate scores a withdrawal before money leaves the wallet.
type RiskGate interface {
	Score(ctx context.Context, subject string, ev risk.Event) *risk.Assessment
}

// FraudMonitor receives scored withdrawals.
type FraudMonitor interface {
	Observe(ctx context.Context, subject string, a *risk.Assessment)
}

// Handler provides HTTP endpoints for wallet reads, withdrawals and
// operator adjustments.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
	gate   []gin.HandlerFunc
	risk   RiskGate
	fraud  FraudMonitor
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// WithWithdrawalGate runs mw (typically a second-factor check) before
// every withdrawal.
func (h *Handler) WithWithdrawalGate(mw ...gin.HandlerFunc) *Handler {
	h.gate = append(h.gate, mw...)
	return h
}

// WithRiskGate scores withdrawals and refuses high-risk ones.
func (h *Handler) WithRiskGate(g RiskGate) *Handler {
	h.risk = g
	return h
}

// WithFraudMonitor forwards withdrawal assessments to the fraud pipeline.
func (h *Handler) WithFraudMonitor(m FraudMonitor) *Handler {
	h.fraud = m
	return h
}

// RegisterRoutes sets up wallet routes. Reads need the wallet owner or an
// operator; withdrawals need the owner.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/wallets/:id", validation.IDParamMiddleware("id"))
	g.GET("/balance", h.GetBalance)
	g.GET("/entries", h.GetEntries)

	withdraw := append([]gin.HandlerFunc{h.requireOwner}, h.gate...)
	g.POST("/withdrawals", append(withdraw, h.Withdraw)...)
}

// RegisterOperatorRoutes sets up operator-only ledger routes.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:id/adjustments", validation.IDParamMiddleware("id"), h.Adjust)
}

func (h *Handler) authorize(c *gin.Context) (string, bool) {
	walletID := c.Param("id")
	p, _ := auth.PrincipalFrom(c)
	if !p.CanAccess(walletID) {
		validation.RespondError(c, apperr.ErrPermissionDenied)
		return "", false
	}
	return walletID, true
}

func (h *Handler) requireOwner(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	if p == nil || p.ID != c.Param("id") {
		validation.RespondError(c, apperr.ErrPermissionDenied)
		return
	}
	c.Next()
}

// GetBalance handles GET /wallets/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	walletID, ok := h.authorize(c)
	if !ok {
		return
	}
	balance, err := h.ledger.Balance(c.Request.Context(), walletID)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetEntries handles GET /wallets/:id/entries?limit=N
func (h *Handler) GetEntries(c *gin.Context) {
	walletID, ok := h.authorize(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.ledger.History(c.Request.Context(), walletID, limit)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// WithdrawRequest moves funds out of the caller's wallet.
type WithdrawRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// Withdraw handles POST /wallets/:id/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(
		validation.Required("reference", req.Reference),
		validation.MaxLength("reference", req.Reference, 128),
	); err != nil {
		validation.RespondError(c, err)
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		validation.RespondError(c, apperr.Validation("amount", err.Error()))
		return
	}
	if !amount.Positive() {
		validation.RespondError(c, apperr.Validation("amount", "must be positive"))
		return
	}
	ctx := c.Request.Context()
	walletID := c.Param("id")

	var verdict *risk.Assessment
	if h.risk != nil {
		verdict = h.risk.Score(ctx, walletID, risk.Event{
			Kind:              risk.EventWithdrawal,
			Amount:            amount,
			IP:                c.ClientIP(),
			DeviceFingerprint: c.GetHeader(mfa.DeviceHeader),
		})
		if h.fraud != nil {
			h.fraud.Observe(ctx, walletID, verdict)
		}
		if verdict.HighRisk {
			logging.Security(ctx, "withdrawal held", "walletId", walletID,
				"amount", amount.String(), "score", verdict.Score)
			validation.RespondError(c, ErrWithdrawalHeld)
			return
		}
	}

	entry, err := h.ledger.Withdraw(ctx, walletID, amount, req.Reference)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	resp := gin.H{"entry": entry}
	if verdict != nil {
		resp["risk"] = gin.H{"score": verdict.Score, "severity": verdict.Severity}
	}
	c.JSON(http.StatusCreated, resp)
}

// AdjustRequest is an operator correction.
type AdjustRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// Adjust handles POST /ops/wallets/:id/adjustments
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		validation.RespondError(c, apperr.Validation("amount", err.Error()))
		return
	}
	p, _ := auth.PrincipalFrom(c)

	entry, err := h.ledger.Adjust(c.Request.Context(), c.Param("id"), amount, req.Reference)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	h.logger.Info("operator adjustment", "operator", p.ID, "walletId", entry.WalletID, "amount", amount.String())
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}
