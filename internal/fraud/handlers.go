package fraud

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/auth"
	"github.com/gigmarket/trustcore/internal/pagination"
	"github.com/gigmarket/trustcore/internal/risk"
	"github.com/gigmarket/trustcore/internal/validation"
)

// Handler provides operator endpoints for fraud alerts.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates a new fraud handler.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// RegisterOpsRoutes sets up routes under an operator-only group.
func (h *Handler) RegisterOpsRoutes(r *gin.RouterGroup) {
	g := r.Group("/fraud")
	g.GET("/alerts", h.ListAlerts)
	g.GET("/alerts/:id", validation.IDParamMiddleware("id"), h.GetAlert)
	g.POST("/alerts/:id/review", validation.IDParamMiddleware("id"), h.ReviewAlert)
	g.GET("/stats", h.Stats)
}

// ListAlerts handles GET /v1/ops/fraud/alerts?status=&subject=&type=&severity=&since=&limit=&cursor=
func (h *Handler) ListAlerts(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	alerts, next, err := h.pipeline.List(c.Request.Context(), f)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts":     alerts,
		"count":      len(alerts),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// GetAlert handles GET /v1/ops/fraud/alerts/:id
func (h *Handler) GetAlert(c *gin.Context) {
	a, err := h.pipeline.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

type reviewRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

// ReviewAlert handles POST /v1/ops/fraud/alerts/:id/review
func (h *Handler) ReviewAlert(c *gin.Context) {
	var req reviewRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	p, _ := auth.PrincipalFrom(c)
	operatorID := ""
	if p != nil {
		operatorID = p.ID
	}

	a, err := h.pipeline.Review(c.Request.Context(), c.Param("id"), operatorID, status, req.Note)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// Stats handles GET /v1/ops/fraud/stats?window=24h
func (h *Handler) Stats(c *gin.Context) {
	window, err := time.ParseDuration(c.DefaultQuery("window", "24h"))
	if err != nil || window <= 0 {
		validation.RespondError(c, apperr.Validation("window", "must be a positive duration such as 24h"))
		return
	}
	st, err := h.pipeline.Stats(c.Request.Context(), window)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st})
}

func parseFilter(c *gin.Context) (Filter, error) {
	f := Filter{
		Subject: c.Query("subject"),
		Type:    c.Query("type"),
	}
	if f.Subject != "" && !validation.IsValidID(f.Subject) {
		return f, apperr.Validation("subject", "invalid id")
	}
	if s := c.Query("status"); s != "" {
		status, err := ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = status
	}
	if s := c.Query("severity"); s != "" {
		sev, err := risk.ParseSeverity(s)
		if err != nil {
			return f, err
		}
		f.MinSeverity = sev
	}
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, apperr.Validation("since", "must be an RFC 3339 timestamp")
		}
		f.Since = t
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		return f, err
	}
	f.Before = cursor
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, apperr.Validation("limit", "must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}
