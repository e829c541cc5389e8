package collab

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/collabpay/collabpay/internal/offer"
)

// Handler provides HTTP endpoints for collaborative editing.
type Handler struct {
	coordinator *Coordinator
	registry    *Registry
}

// NewHandler creates a new collaboration handler.
func NewHandler(coordinator *Coordinator, registry *Registry) *Handler {
	return &Handler{coordinator: coordinator, registry: registry}
}

// RegisterRoutes sets up collaboration routes under the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers/:id/collaboration/start", h.StartSession)
	r.POST("/offers/:id/collaboration/heartbeat", h.Heartbeat)
	r.POST("/offers/:id/collaboration/end", h.EndSession)
	r.GET("/offers/:id/collaboration/collaborators", h.ListCollaborators)
	r.POST("/offers/:id/collaboration/conflicts", h.CheckConflicts)
	r.POST("/offers/:id/collaboration/apply", h.Apply)
}

type startRequest struct {
	Section string `json:"section" binding:"required"`
}

// StartSession handles POST /v1/offers/:id/collaboration/start
func (h *Handler) StartSession(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	session, collaborators, version, err := h.coordinator.StartSession(
		c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Section)
	if err != nil {
		writeError(c, err)
		return
	}
	if collaborators == nil {
		collaborators = []*Session{}
	}
	c.JSON(http.StatusOK, gin.H{
		"session":       session,
		"collaborators": collaborators,
		"offerVersion":  version,
	})
}

// Heartbeat handles POST /v1/offers/:id/collaboration/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	if err := h.registry.Heartbeat(c.Param("id"), c.GetString("authUserID")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// EndSession handles POST /v1/offers/:id/collaboration/end
func (h *Handler) EndSession(c *gin.Context) {
	h.registry.End(c.Param("id"), c.GetString("authUserID"))
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// ListCollaborators handles GET /v1/offers/:id/collaboration/collaborators
func (h *Handler) ListCollaborators(c *gin.Context) {
	sessions := h.registry.Active(c.Param("id"))
	if sessions == nil {
		sessions = []*Session{}
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": sessions, "count": len(sessions)})
}

type conflictsRequest struct {
	ClientVersion int64                     `json:"clientVersion"`
	Sections      map[string]map[string]any `json:"sections" binding:"required"`
}

// CheckConflicts handles POST /v1/offers/:id/collaboration/conflicts
func (h *Handler) CheckConflicts(c *gin.Context) {
	var req conflictsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	report, err := h.coordinator.CheckConflicts(c.Request.Context(),
		c.Param("id"), c.GetString("authUserID"), req.ClientVersion, req.Sections)
	if err != nil {
		writeError(c, err)
		return
	}
	if report.Conflicts == nil {
		report.Conflicts = []Conflict{}
	}
	c.JSON(http.StatusOK, report)
}

// Apply handles POST /v1/offers/:id/collaboration/apply
func (h *Handler) Apply(c *gin.Context) {
	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.UserID = c.GetString("authUserID")

	result, err := h.coordinator.Apply(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		var conflictErr *ConflictError
		if errors.As(err, &conflictErr) {
			c.JSON(http.StatusConflict, gin.H{
				"error":              "edit_conflict",
				"message":            "Changes conflict with concurrent edits",
				"conflicts":          conflictErr.Report.Conflicts,
				"serverVersion":      conflictErr.Report.ServerVersion,
				"requiresResolution": true,
			})
			return
		}
		if errors.Is(err, ErrCancelled) {
			c.JSON(http.StatusOK, gin.H{"status": "cancelled", "appliedChanges": gin.H{}})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, offer.ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "offer_not_found",
			"message": "Offer not found",
		})
	case errors.Is(err, offer.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a participant in this offer",
		})
	case errors.Is(err, ErrInvalidSection):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_section",
			"message": "Unknown offer section",
		})
	case errors.Is(err, ErrNotEditable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_editable",
			"message": "Offer is in a terminal state and cannot be edited",
		})
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "No active edit session for this user",
		})
	case errors.Is(err, offer.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "version_conflict",
			"message": "Offer was modified concurrently, retry with fresh state",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "collaboration_failed",
			"message": "Collaboration operation failed",
		})
	}
}
