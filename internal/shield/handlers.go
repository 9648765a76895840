package shield

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/logging"
	"github.com/mbd888/keyshield/internal/pagination"
	"github.com/mbd888/keyshield/internal/validation"
)

const maxOperations = 256

// Handler provides HTTP endpoints for designing and storing shields.
type Handler struct {
	store       Store
	defaultDays uint16
}

// NewHandler creates a new shield handler. defaultDays seeds the
// auto-confirm delay of freshly started builders.
func NewHandler(store Store, defaultDays uint16) *Handler {
	if defaultDays == 0 {
		defaultDays = DefaultDaysUntilAutoConfirm
	}
	return &Handler{store: store, defaultDays: defaultDays}
}

// RegisterRoutes sets up shield routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/shields/validate", h.Validate)
	r.POST("/shields/validate-addition", h.ValidateAddition)
	r.POST("/shields", h.Create)
	r.GET("/shields", h.List)
	r.GET("/shields/:id", h.Get)
	r.PATCH("/shields/:id", h.Edit)
	r.DELETE("/shields/:id", h.Delete)
}

func (h *Handler) newBuilder() *Builder {
	b := NewBuilder()
	b.days = h.defaultDays
	return b
}

type scriptRequest struct {
	Name       string      `json:"name"`
	Operations []Operation `json:"operations"`
}

func bindScript(c *gin.Context, req *scriptRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return false
	}
	if len(req.Operations) > maxOperations {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "too many operations"})
		return false
	}
	return true
}

// Validate handles POST /v1/shields/validate. It replays the operations
// on a fresh builder and reports per-operation rejections and the
// remaining violations without storing anything.
func (h *Handler) Validate(c *gin.Context) {
	var req scriptRequest
	if !bindScript(c, &req) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": Run(h.newBuilder(), req.Operations)})
}

// ValidateAddition handles POST /v1/shields/validate-addition.
func (h *Handler) ValidateAddition(c *gin.Context) {
	var req struct {
		Operations []Operation              `json:"operations"`
		Role       Role                     `json:"role" binding:"required"`
		List       FactorList               `json:"list" binding:"required"`
		Candidates []factors.FactorSourceID `json:"candidates" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "role, list and candidates required"})
		return
	}
	role, err := ParseRole(string(req.Role))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "message": err.Error()})
		return
	}
	if req.List != ListThreshold && req.List != ListOverride {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "list must be 'threshold' or 'override'"})
		return
	}
	b := h.newBuilder()
	Run(b, req.Operations)
	checks, err := b.ValidationForAddition(role, req.List, req.Candidates)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checks": checks})
}

// Create handles POST /v1/shields
func (h *Handler) Create(c *gin.Context) {
	var req scriptRequest
	if !bindScript(c, &req) {
		return
	}
	b := h.newBuilder()
	report := Run(b, req.Operations)
	if req.Name != "" {
		b.SetName(validation.SanitizeString(req.Name, validation.MaxLabelLength))
	}
	s, err := b.Build()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_shield",
			"message": err.Error(),
			"report":  report,
		})
		return
	}
	if err := h.store.Create(c.Request.Context(), s); err != nil {
		h.storeError(c, err, "failed to store shield")
		return
	}
	logging.L(c.Request.Context()).Info("shield created", "shield_id", s.ID, "name", s.Name)
	c.JSON(http.StatusCreated, gin.H{"shield": s})
}

// List handles GET /v1/shields?limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": err.Error()})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	shields, err := h.store.List(c.Request.Context())
	if err != nil {
		h.storeError(c, err, "failed to list shields")
		return
	}
	page, next, more := pagination.Page(shields, cursor, limit, func(s *SecurityShield) (time.Time, string) {
		return s.CreatedAt, s.ID
	})
	if page == nil {
		page = []*SecurityShield{}
	}
	c.JSON(http.StatusOK, gin.H{"shields": page, "count": len(page), "nextCursor": next, "hasMore": more})
}

// Get handles GET /v1/shields/:id
func (h *Handler) Get(c *gin.Context) {
	s, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err, "failed to load shield")
		return
	}
	c.JSON(http.StatusOK, gin.H{"shield": s})
}

// Edit handles PATCH /v1/shields/:id. The operations are applied on top
// of the stored shield and the result must build.
func (h *Handler) Edit(c *gin.Context) {
	existing, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err, "failed to load shield")
		return
	}
	var req scriptRequest
	if !bindScript(c, &req) {
		return
	}
	b := NewBuilderFrom(existing)
	report := Run(b, req.Operations)
	if req.Name != "" {
		b.SetName(validation.SanitizeString(req.Name, validation.MaxLabelLength))
	}
	s, err := b.Build()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_shield",
			"message": err.Error(),
			"report":  report,
		})
		return
	}
	if err := h.store.Update(c.Request.Context(), s); err != nil {
		h.storeError(c, err, "failed to update shield")
		return
	}
	c.JSON(http.StatusOK, gin.H{"shield": s, "report": report})
}

// Delete handles DELETE /v1/shields/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.storeError(c, err, "failed to delete shield")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) storeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, ErrShieldNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "shield not found"})
	case errors.Is(err, ErrNameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "name_taken", "message": "shield name already exists"})
	default:
		logging.L(c.Request.Context()).Error(msg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
	}
}
