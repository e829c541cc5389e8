package deal

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/collabpay/collabpay/internal/pagination"
	"github.com/collabpay/collabpay/internal/validation"
)

// Handler provides HTTP endpoints for deals and milestone structuring.
type Handler struct {
	service *Service
}

// NewHandler creates a new deal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up deal routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/deals", h.ListDeals)
	r.GET("/deals/:id", h.GetDeal)
	r.POST("/deals/:id/structure", h.StructureDeal)
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListDeals handles GET /v1/deals
func (h *Handler) ListDeals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Malformed pagination cursor"})
		return
	}
	deals, err := h.service.ListByParticipant(c.Request.Context(), c.GetString("authUserID"), cursor, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	deals, next, more := pagination.ComputePage(deals, limit, func(d *Deal) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	if deals == nil {
		deals = []*Deal{}
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals, "count": len(deals), "nextCursor": next, "hasMore": more})
}

// StructureDeal handles POST /v1/deals/:id/structure
func (h *Handler) StructureDeal(c *gin.Context) {
	var req StructureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.Template == TemplateCustom {
		if errs := validation.Validate(
			validation.PercentagesSumTo100("customPercentages", req.CustomPercentages),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
	}

	d, err := h.service.Structure(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d, "milestones": d.Milestones})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDealNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "deal_not_found",
			"message": "Deal not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a participant in this deal, or wrong party for this action",
		})
	case errors.Is(err, ErrInvalidTemplate):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_template",
			"message": "Unknown milestone template",
		})
	case errors.Is(err, ErrInvalidPercentages):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_percentages",
			"message": err.Error(),
		})
	case errors.Is(err, ErrAlreadyStructured):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_funded",
			"message": "Milestones already funded, cannot restructure",
		})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "version_conflict",
			"message": "Deal was modified concurrently, retry with fresh state",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deal_failed",
			"message": "Deal operation failed",
		})
	}
}
