package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/collabpay/collabpay/internal/deal"
	"github.com/collabpay/collabpay/internal/escrow"
	"github.com/collabpay/collabpay/internal/validation"
)

// Handler provides HTTP endpoints for the dispute workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up participant-facing dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/disputes", h.CreateDispute)
	r.GET("/deals/:id/disputes", h.ListDisputes)
	r.GET("/deals/:id/disputes/:did", h.GetDispute)
	r.POST("/deals/:id/disputes/:did/status", h.TransitionDispute)
}

// RegisterAdminRoutes sets up the privileged resolution route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/disputes/:did/resolve", h.ResolveDispute)
}

// CreateDispute handles POST /v1/deals/:id/disputes
func (h *Handler) CreateDispute(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("category", req.Category),
		validation.Required("title", req.Title),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	dsp, err := h.service.Create(c.Request.Context(),
		c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dsp)
}

// GetDispute handles GET /v1/deals/:id/disputes/:did
func (h *Handler) GetDispute(c *gin.Context) {
	dsp, err := h.service.Get(c.Request.Context(),
		c.Param("id"), c.Param("did"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dsp)
}

// ListDisputes handles GET /v1/deals/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.service.ListByDeal(c.Request.Context(),
		c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

type transitionRequest struct {
	Status Status `json:"status" binding:"required"`
}

// TransitionDispute handles POST /v1/deals/:id/disputes/:did/status
func (h *Handler) TransitionDispute(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	dsp, err := h.service.Transition(c.Request.Context(),
		c.Param("id"), c.Param("did"), c.GetString("authUserID"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dsp)
}

// ResolveDispute handles POST /v1/deals/:id/disputes/:did/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	dsp, err := h.service.Resolve(c.Request.Context(),
		c.Param("id"), c.Param("did"), c.GetString("authUserID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dispute":        dsp,
		"paymentActions": dsp.Resolution.Payments,
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deal.ErrDealNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "deal_not_found",
			"message": "Deal not found",
		})
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "dispute_not_found",
			"message": "Dispute not found",
		})
	case errors.Is(err, deal.ErrMilestoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "milestone_not_found",
			"message": "Milestone not found",
		})
	case errors.Is(err, ErrUnauthorized), errors.Is(err, deal.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not permitted to act on this dispute",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidOutcome):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_outcome",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "dispute_failed",
			"message": "Dispute operation failed",
		})
	}
}
