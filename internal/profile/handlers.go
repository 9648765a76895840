package profile

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/logging"
	"github.com/mbd888/keyshield/internal/pagination"
	"github.com/mbd888/keyshield/internal/shield"
	"github.com/mbd888/keyshield/internal/validation"
)

// Handler provides HTTP endpoints for entities and factor sources.
type Handler struct {
	store   Store
	shields shield.Store
}

// NewHandler creates a new profile handler. shields may be nil, in which
// case securifying by shield ID is not checked against stored shields.
func NewHandler(store Store, shields shield.Store) *Handler {
	return &Handler{store: store, shields: shields}
}

// RegisterRoutes sets up profile routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/entities", h.CreateEntity)
	r.GET("/entities", h.ListEntities)
	r.GET("/entities/:address", h.GetEntity)
	r.PUT("/entities/:address/control", h.Securify)
	r.POST("/factor-sources", h.AddFactorSource)
	r.GET("/factor-sources", h.ListFactorSources)
}

type createEntityRequest struct {
	Address string             `json:"address" binding:"required"`
	Kind    factors.EntityKind `json:"kind" binding:"required"`
	Name    string             `json:"name"`
	Control Control            `json:"control"`
}

// CreateEntity handles POST /v1/entities
func (h *Handler) CreateEntity(c *gin.Context) {
	var req createEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address and kind required"})
		return
	}
	addr, err := factors.NewEntityAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
		return
	}
	now := time.Now().UTC()
	e := &Entity{
		Address:   addr,
		Kind:      req.Kind,
		Name:      validation.SanitizeString(req.Name, validation.MaxLabelLength),
		Control:   req.Control,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity", "message": err.Error()})
		return
	}
	if err := h.store.CreateEntity(c.Request.Context(), e); err != nil {
		h.storeError(c, err, "failed to store entity")
		return
	}
	logging.L(c.Request.Context()).Info("entity created", "address", e.Address, "securified", e.IsSecurified())
	c.JSON(http.StatusCreated, gin.H{"entity": e})
}

// ListEntities handles GET /v1/entities?limit=&cursor=
func (h *Handler) ListEntities(c *gin.Context) {
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
	entities, err := h.store.ListEntities(c.Request.Context())
	if err != nil {
		h.storeError(c, err, "failed to list entities")
		return
	}
	page, next, more := pagination.Page(entities, cursor, limit, func(e *Entity) (time.Time, string) {
		return e.CreatedAt, string(e.Address)
	})
	if page == nil {
		page = []*Entity{}
	}
	c.JSON(http.StatusOK, gin.H{"entities": page, "count": len(page), "nextCursor": next, "hasMore": more})
}

// GetEntity handles GET /v1/entities/:address
func (h *Handler) GetEntity(c *gin.Context) {
	addr, err := factors.NewEntityAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
		return
	}
	e, err := h.store.GetEntity(c.Request.Context(), addr)
	if err != nil {
		h.storeError(c, err, "failed to load entity")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity": e})
}

// Securify handles PUT /v1/entities/:address/control. It replaces the
// entity's control with a shield of factor instances. When a shield ID
// is given, the instances must belong to exactly the shield's factor
// sources, role by role.
func (h *Handler) Securify(c *gin.Context) {
	addr, err := factors.NewEntityAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
		return
	}
	var req SecurifiedControl
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	ctx := c.Request.Context()
	e, err := h.store.GetEntity(ctx, addr)
	if err != nil {
		h.storeError(c, err, "failed to load entity")
		return
	}
	if req.ShieldID != "" && h.shields != nil {
		s, err := h.shields.Get(ctx, req.ShieldID)
		if errors.Is(err, shield.ErrShieldNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_shield", "message": "shield not found"})
			return
		}
		if err != nil {
			h.storeError(c, err, "failed to load shield")
			return
		}
		if !sameStructure(s.Matrix, req.Matrix) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shield_mismatch", "message": "instances do not match the shield"})
			return
		}
	}

	e.Control = Control{Securified: &req}
	e.UpdatedAt = time.Now().UTC()
	if err := e.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity", "message": err.Error()})
		return
	}
	if err := h.store.UpdateEntity(ctx, e); err != nil {
		h.storeError(c, err, "failed to update entity")
		return
	}
	logging.L(ctx).Info("entity securified", "address", e.Address, "shield_id", req.ShieldID)
	c.JSON(http.StatusOK, gin.H{"entity": e})
}

// sameStructure reports whether the instance matrix uses the shield's
// factor sources in the same lists with the same thresholds.
func sameStructure(ids shield.Matrix[factors.FactorSourceID], instances shield.Matrix[factors.FactorInstance]) bool {
	projected := instances.SourceIDs()
	for _, role := range shield.Roles {
		a, b := ids.Role(role), projected.Role(role)
		if a.Threshold != b.Threshold ||
			!slices.Equal(a.ThresholdFactors, b.ThresholdFactors) ||
			!slices.Equal(a.OverrideFactors, b.OverrideFactors) {
			return false
		}
	}
	return true
}

// AddFactorSource handles POST /v1/factor-sources
func (h *Handler) AddFactorSource(c *gin.Context) {
	var req struct {
		Kind      string           `json:"kind"`
		PublicKey factors.HexBytes `json:"publicKey" binding:"required"`
		Label     string           `json:"label"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "kind and publicKey required"})
		return
	}
	if errs := validation.Validate(
		validation.Required("kind", req.Kind),
		validation.FactorSourceKind("kind", req.Kind),
		validation.MaxLength("label", req.Label, validation.MaxLabelLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	kind, _ := factors.ParseKind(req.Kind)
	id, err := factors.IDFromPublicKey(kind, req.PublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_public_key", "message": err.Error()})
		return
	}
	fs := factors.FactorSource{
		ID:      id,
		Label:   validation.SanitizeString(req.Label, validation.MaxLabelLength),
		AddedAt: time.Now().UTC(),
	}
	if err := h.store.AddFactorSource(c.Request.Context(), fs); err != nil {
		h.storeError(c, err, "failed to store factor source")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"factorSource": fs})
}

// ListFactorSources handles GET /v1/factor-sources
func (h *Handler) ListFactorSources(c *gin.Context) {
	sources, err := h.store.ListFactorSources(c.Request.Context())
	if err != nil {
		h.storeError(c, err, "failed to list factor sources")
		return
	}
	if sources == nil {
		sources = []factors.FactorSource{}
	}
	c.JSON(http.StatusOK, gin.H{"factorSources": sources, "count": len(sources)})
}

func (h *Handler) storeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, ErrEntityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "entity not found"})
	case errors.Is(err, ErrEntityExists):
		c.JSON(http.StatusConflict, gin.H{"error": "entity_exists", "message": "entity already exists"})
	case errors.Is(err, ErrFactorSourceExists):
		c.JSON(http.StatusConflict, gin.H{"error": "factor_source_exists", "message": "factor source already exists"})
	default:
		logging.L(c.Request.Context()).Error(msg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
	}
}
