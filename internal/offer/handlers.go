package offer

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/collabpay/collabpay/internal/pagination"
	"github.com/collabpay/collabpay/internal/validation"
)

// Handler provides HTTP endpoints for offer negotiation.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up offer routes. All offer operations require an
// authenticated user, so everything lives under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/send", h.SendOffer)
	r.POST("/offers/:id/view", h.MarkViewed)
	r.POST("/offers/:id/counter", h.CounterOffer)
	r.POST("/offers/:id/accept", h.AcceptOffer)
	r.POST("/offers/:id/reject", h.RejectOffer)
	r.POST("/offers/:id/cancel", h.CancelOffer)
	r.GET("/offers/:id/analytics", h.GetAnalytics)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("creatorId", req.CreatorID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The authenticated user is always the drafting marketer.
	if req.MarketerID != c.GetString("authUserID") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the offer's marketer",
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, "offer_create_failed", "Failed to create offer")
		return
	}
	c.JSON(http.StatusCreated, o)
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err, "offer_get_failed", "Failed to load offer")
		return
	}
	c.JSON(http.StatusOK, o)
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Malformed pagination cursor"})
		return
	}
	offers, err := h.service.ListByParticipant(c.Request.Context(), c.GetString("authUserID"), cursor, limit)
	if err != nil {
		writeError(c, err, "offer_list_failed", "Failed to list offers")
		return
	}
	offers, next, more := pagination.ComputePage(offers, limit, func(o *Offer) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if offers == nil {
		offers = []*Offer{}
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers), "nextCursor": next, "hasMore": more})
}

// SendOffer handles POST /v1/offers/:id/send
func (h *Handler) SendOffer(c *gin.Context) {
	o, err := h.service.Send(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err, "offer_send_failed", "Failed to send offer")
		return
	}
	c.JSON(http.StatusOK, o)
}

// MarkViewed handles POST /v1/offers/:id/view
func (h *Handler) MarkViewed(c *gin.Context) {
	o, err := h.service.MarkViewed(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err, "offer_view_failed", "Failed to mark offer viewed")
		return
	}
	c.JSON(http.StatusOK, o)
}

// CounterOffer handles POST /v1/offers/:id/counter
func (h *Handler) CounterOffer(c *gin.Context) {
	var req CounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	o, err := h.service.Counter(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		writeError(c, err, "offer_counter_failed", "Failed to counter offer")
		return
	}
	c.JSON(http.StatusOK, o)
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	o, err := h.service.Accept(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err, "offer_accept_failed", "Failed to accept offer")
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o, "deal_id": o.DealID})
}

// RejectOffer handles POST /v1/offers/:id/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	o, err := h.service.Reject(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err, "offer_reject_failed", "Failed to reject offer")
		return
	}
	c.JSON(http.StatusOK, o)
}

// CancelOffer handles POST /v1/offers/:id/cancel
func (h *Handler) CancelOffer(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err, "offer_cancel_failed", "Failed to cancel offer")
		return
	}
	c.JSON(http.StatusOK, o)
}

// GetAnalytics handles GET /v1/offers/:id/analytics
func (h *Handler) GetAnalytics(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err, "offer_get_failed", "Failed to load offer")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"offer_id": o.ID,
		"metrics":  o.Metrics,
		"rounds":   len(o.Counters),
		"status":   o.Status,
	})
}

func writeError(c *gin.Context, err error, code, msg string) {
	switch {
	case errors.Is(err, ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "offer_not_found",
			"message": "Offer not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a participant in this offer, or wrong party for this action",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDuplicateDeal):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "deal_exists",
			"message": "A deal has already been formed from this offer",
		})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "version_conflict",
			"message": "Offer was modified concurrently, retry with fresh state",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive value with at most two decimals",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   code,
			"message": msg,
		})
	}
}
