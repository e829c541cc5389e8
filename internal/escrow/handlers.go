package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/collabpay/collabpay/internal/deal"
	"github.com/collabpay/collabpay/internal/money"
	"github.com/collabpay/collabpay/internal/payments"
	"github.com/collabpay/collabpay/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/milestones/:mid/fund", h.FundMilestone)
	r.POST("/deals/:id/milestones/:mid/release", h.ReleaseMilestone)
	r.POST("/deals/:id/milestones/:mid/refund", h.RefundMilestone)
	r.POST("/deals/:id/release-batch", h.ReleaseBatch)
	r.GET("/deals/:id/eligibility", h.GetEligibility)
	r.POST("/deals/:id/schedule", h.ScheduleRelease)
	r.DELETE("/deals/:id/schedule", h.CancelSchedule)
	r.GET("/deals/:id/transactions", h.ListTransactions)
}

type fundRequest struct {
	PaymentMethodID string `json:"paymentMethodId" binding:"required"`
}

// FundMilestone handles POST /v1/deals/:id/milestones/:mid/fund
func (h *Handler) FundMilestone(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("paymentMethodId", req.PaymentMethodID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	tx, err := h.service.Fund(c.Request.Context(),
		c.Param("id"), c.Param("mid"), c.GetString("authUserID"), req.PaymentMethodID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ReleaseMilestone handles POST /v1/deals/:id/milestones/:mid/release
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Type == "" {
		req.Type = ReleaseManual
	}
	// forceRelease never comes from this surface; admin routes set it.
	req.Force = false

	result, err := h.service.Release(c.Request.Context(),
		c.Param("id"), c.Param("mid"), c.GetString("authUserID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type refundRequest struct {
	Amount string `json:"amount"` // empty means full refund
}

// RefundMilestone handles POST /v1/deals/:id/milestones/:mid/refund
func (h *Handler) RefundMilestone(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	var amountCents int64
	if req.Amount != "" {
		cents, ok := money.Parse(req.Amount)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive value with at most two decimals",
			})
			return
		}
		amountCents = cents
	}

	tx, err := h.service.Refund(c.Request.Context(),
		c.Param("id"), c.Param("mid"), c.GetString("authUserID"), amountCents, false)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

type batchReleaseRequest struct {
	MilestoneIDs []string    `json:"milestoneIds" binding:"required"`
	Type         ReleaseType `json:"releaseType"`
	Reason       string      `json:"reason"`
}

// ReleaseBatch handles POST /v1/deals/:id/release-batch
func (h *Handler) ReleaseBatch(c *gin.Context) {
	var req batchReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Type == "" {
		req.Type = ReleaseManual
	}

	result, err := h.service.ReleaseBatch(c.Request.Context(),
		c.Param("id"), c.GetString("authUserID"), req.MilestoneIDs,
		ReleaseRequest{Type: req.Type, Reason: req.Reason})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetEligibility handles GET /v1/deals/:id/eligibility
func (h *Handler) GetEligibility(c *gin.Context) {
	eligibility, err := h.service.Eligibility(c.Request.Context(),
		c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligibility": eligibility})
}

type scheduleRequest struct {
	ReleaseDate time.Time `json:"releaseDate" binding:"required"`
	EarningIDs  []string  `json:"earningIds" binding:"required"`
}

// ScheduleRelease handles POST /v1/deals/:id/schedule
func (h *Handler) ScheduleRelease(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	scheduled, err := h.service.ScheduleRelease(c.Request.Context(),
		c.Param("id"), c.GetString("authUserID"), req.ReleaseDate, req.EarningIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduledEarnings": scheduled, "releaseDate": req.ReleaseDate})
}

type cancelScheduleRequest struct {
	EarningIDs []string `json:"earningIds" binding:"required"`
}

// CancelSchedule handles DELETE /v1/deals/:id/schedule
func (h *Handler) CancelSchedule(c *gin.Context) {
	var req cancelScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.service.CancelSchedule(c.Request.Context(),
		c.Param("id"), c.GetString("authUserID"), req.EarningIDs); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// ListTransactions handles GET /v1/deals/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	txs, err := h.service.History(c.Request.Context(),
		c.Param("id"), c.GetString("authUserID"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deal.ErrDealNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "deal_not_found",
			"message": "Deal not found",
		})
	case errors.Is(err, deal.ErrMilestoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "milestone_not_found",
			"message": "Milestone not found",
		})
	case errors.Is(err, deal.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not permitted to perform this escrow operation",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotEligible):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_eligible",
			"message": err.Error(),
		})
	case errors.Is(err, ErrMilestoneDisputed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "milestone_disputed",
			"message": "An open dispute blocks this milestone",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, payments.ErrGatewayTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "gateway_timeout",
			"message": "Payment gateway timed out; the operation may be retried",
		})
	case errors.Is(err, payments.ErrPaymentFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "payment_failed",
			"message": "Payment gateway rejected the operation",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_failed",
			"message": "Escrow operation failed",
		})
	}
}
