package dispute

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/auth"
	"github.com/gigmarket/trustcore/internal/evidence"
	"github.com/gigmarket/trustcore/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up participant routes. Evidence uploads exceed the
// default body limit, so the caller mounts r with a larger one.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes", h.ListDisputes)

	g := r.Group("/disputes/:id", validation.IDParamMiddleware("id"))
	g.GET("", h.GetDispute)
	g.POST("/evidence", h.AddEvidence)
	g.POST("/review", auth.RequireOperator(), h.StartReview)
	g.POST("/resolve", auth.RequireOperator(), h.ResolveDispute)
	g.POST("/close", auth.RequireOperator(), h.CloseDispute)
}

// RegisterOpsRoutes sets up operator-only routes.
func (h *Handler) RegisterOpsRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/queue", h.Queue)
}

// OpenDispute handles POST /v1/disputes. Evidence files travel inline with
// base64 content.
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	req.InitiatorID = actor(c).ID

	d, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), actor(c))
	respond(c, d, err)
}

// ListDisputes handles GET /v1/disputes?escrowId=ID
func (h *Handler) ListDisputes(c *gin.Context) {
	escrowID := c.Query("escrowId")
	if err := validation.Validate(
		validation.Required("escrowId", escrowID),
		validation.ValidID("escrowId", escrowID),
	); err != nil {
		validation.RespondError(c, err)
		return
	}
	list, err := h.service.ListByEscrow(c.Request.Context(), escrowID, actor(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": list,
		"count":    len(list),
	})
}

// AddEvidence handles POST /v1/disputes/:id/evidence as multipart/form-data
// with a single "file" part.
func (h *Handler) AddEvidence(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		validation.RespondError(c, apperr.Validation("file", "multipart field \"file\" is required"))
		return
	}
	maxBytes := h.service.vault.Policy().MaxBytes
	if err := h.service.vault.Policy().Check(fh.Filename, fh.Size); err != nil {
		validation.RespondError(c, err)
		return
	}
	src, err := fh.Open()
	if err != nil {
		validation.RespondError(c, apperr.Validation("file", "unreadable upload"))
		return
	}
	defer func() { _ = src.Close() }()
	content, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		validation.RespondError(c, apperr.Validation("file", "unreadable upload"))
		return
	}

	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), actor(c), evidence.File{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Content:     content,
	})
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// StartReview handles POST /v1/disputes/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	d, err := h.service.StartReview(c.Request.Context(), c.Param("id"), actor(c))
	respond(c, d, err)
}

type resolveRequest struct {
	Kind  string          `json:"kind" binding:"required"`
	Ratio decimal.Decimal `json:"ratio"`
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	kind, err := ParseOutcomeKind(req.Kind)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), actor(c), Outcome{Kind: kind, Ratio: req.Ratio})
	respond(c, d, err)
}

// CloseDispute handles POST /v1/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	d, err := h.service.Close(c.Request.Context(), c.Param("id"), actor(c))
	respond(c, d, err)
}

// Queue handles GET /v1/ops/disputes/queue?limit=N
func (h *Handler) Queue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, err := h.service.Queue(c.Request.Context(), limit)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queue": items,
		"count": len(items),
	})
}

func actor(c *gin.Context) Actor {
	p, _ := auth.PrincipalFrom(c)
	if p == nil {
		return Actor{}
	}
	return Actor{ID: p.ID, Operator: p.IsOperator()}
}

func respond(c *gin.Context, d *Dispute, err error) {
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
