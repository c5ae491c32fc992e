package escrow

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/trustcore/internal/auth"
	"github.com/gigmarket/trustcore/internal/validation"
)

// DeviceHeader carries the client's device fingerprint for risk scoring.
const DeviceHeader = "X-Device-Fingerprint"

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. All of them require an
// authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.OpenEscrow)
	r.GET("/escrows", h.ListEscrows)

	g := r.Group("/escrows/:id", validation.IDParamMiddleware("id"))
	g.GET("", h.GetEscrow)
	g.POST("/fund", h.FundEscrow)
	g.POST("/deliver", h.MarkDelivered)
	g.POST("/release", h.ReleaseEscrow)
	g.POST("/cancel", h.CancelEscrow)
	g.POST("/cancellation", h.RequestCancellation)
}

// OpenEscrow handles POST /v1/escrows. The caller becomes the client.
func (h *Handler) OpenEscrow(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	var req OpenRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	req.ClientID = p.ID

	e, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	p, _ := auth.PrincipalFrom(c)
	if !e.IsParty(p.ID) && !p.IsOperator() {
		validation.RespondError(c, ErrNotParty)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows?limit=N, listing the caller's escrows.
func (h *Handler) ListEscrows(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	escrows, err := h.service.ListByUser(c.Request.Context(), p.ID, limit)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	opts, ok := options(c)
	if !ok {
		return
	}
	var req FundRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	req.IP = c.ClientIP()
	req.DeviceFingerprint = c.GetHeader(DeviceHeader)

	p, _ := auth.PrincipalFrom(c)
	e, err := h.service.Fund(c.Request.Context(), c.Param("id"), p.ID, req, opts...)
	respond(c, e, err)
}

// MarkDelivered handles POST /v1/escrows/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	h.act(c, h.service.MarkDelivered)
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.act(c, h.service.Release)
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	h.act(c, h.service.Cancel)
}

// RequestCancellation handles POST /v1/escrows/:id/cancellation
func (h *Handler) RequestCancellation(c *gin.Context) {
	h.act(c, h.service.RequestCancellation)
}

func (h *Handler) act(c *gin.Context, op func(ctx context.Context, id, actorID string, opts ...Option) (*Escrow, error)) {
	opts, ok := options(c)
	if !ok {
		return
	}
	p, _ := auth.PrincipalFrom(c)
	e, err := op(c.Request.Context(), c.Param("id"), p.ID, opts...)
	respond(c, e, err)
}

// options reads ?ifStatus=<status>, which makes the operation fail with a
// conflict unless the escrow is still in that status.
func options(c *gin.Context) ([]Option, bool) {
	raw := c.Query("ifStatus")
	if raw == "" {
		return nil, true
	}
	s, err := ParseStatus(raw)
	if err != nil {
		validation.RespondError(c, err)
		return nil, false
	}
	return []Option{IfStatus(s)}, true
}

func respond(c *gin.Context, e *Escrow, err error) {
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}
