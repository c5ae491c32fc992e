package mfa

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/trustcore/internal/auth"
	"github.com/gigmarket/trustcore/internal/validation"
)

// Headers read by the handlers and Gate.
const (
	CodeHeader   = "X-MFA-Code"
	DeviceHeader = "X-Device-Fingerprint"
)

// Handler provides HTTP endpoints for the caller's own MFA settings.
type Handler struct {
	service *Service
}

// NewHandler creates a new MFA handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up MFA routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/mfa")
	g.GET("/status", h.GetStatus)
	g.POST("/setup", h.Setup)
	g.POST("/enable", h.Enable)
	g.POST("/verify", h.Verify)
	g.POST("/disable", h.Disable)
	g.POST("/backup-codes", h.RegenerateBackupCodes)
	g.GET("/attempts", h.ListAttempts)
}

type setupRequest struct {
	AccountName string `json:"accountName"`
}

type enableRequest struct {
	Secret string `json:"secret" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

type codeRequest struct {
	Code string `json:"code" binding:"required"`
}

// GetStatus handles GET /v1/mfa/status
func (h *Handler) GetStatus(c *gin.Context) {
	info, err := h.service.Status(c.Request.Context(), userID(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mfa": info})
}

// Setup handles POST /v1/mfa/setup
func (h *Handler) Setup(c *gin.Context) {
	var req setupRequest
	if c.Request.ContentLength > 0 && !validation.BindJSON(c, &req) {
		return
	}
	res, err := h.service.Setup(c.Request.Context(), userID(c), validation.SanitizeString(req.AccountName, 128))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Enable handles POST /v1/mfa/enable
func (h *Handler) Enable(c *gin.Context) {
	var req enableRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	res, err := h.service.Enable(c.Request.Context(), userID(c), req.Secret, req.Code, origin(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Verify handles POST /v1/mfa/verify. A wrong code answers 403 with the
// result attached.
func (h *Handler) Verify(c *gin.Context) {
	var req codeRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	res, err := h.service.Verify(c.Request.Context(), userID(c), req.Code, origin(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	if !res.Valid {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "permission_denied",
			"message": "Invalid verification code.",
			"result":  res,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// Disable handles POST /v1/mfa/disable
func (h *Handler) Disable(c *gin.Context) {
	var req codeRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	res, err := h.service.Disable(c.Request.Context(), userID(c), req.Code, origin(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// RegenerateBackupCodes handles POST /v1/mfa/backup-codes
func (h *Handler) RegenerateBackupCodes(c *gin.Context) {
	var req codeRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	res, err := h.service.RegenerateBackupCodes(c.Request.Context(), userID(c), req.Code, origin(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListAttempts handles GET /v1/mfa/attempts
func (h *Handler) ListAttempts(c *gin.Context) {
	list, err := h.service.Attempts(c.Request.Context(), userID(c), 20)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": list, "count": len(list)})
}

// Gate requires a valid code in the X-MFA-Code header from callers who
// have MFA enabled. Callers without MFA pass through.
func Gate(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := userID(c)
		ctx := c.Request.Context()
		enabled, err := service.Enabled(ctx, id)
		if err != nil {
			validation.RespondError(c, err)
			return
		}
		if !enabled {
			c.Next()
			return
		}
		code := c.GetHeader(CodeHeader)
		if code == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "mfa_required",
				"message": "A verification code is required in the " + CodeHeader + " header.",
			})
			return
		}
		res, err := service.Verify(ctx, id, code, origin(c))
		if err != nil {
			validation.RespondError(c, err)
			return
		}
		if !res.Valid {
			validation.RespondError(c, ErrInvalidCode)
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) string {
	p, _ := auth.PrincipalFrom(c)
	if p == nil {
		return ""
	}
	return p.ID
}

func origin(c *gin.Context) Origin {
	return Origin{
		IP:                c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
		DeviceFingerprint: c.GetHeader(DeviceHeader),
	}
}
