package supplies

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/httpx"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Handler wires HTTP endpoints for supply management.
type Handler struct {
	logger    *slog.Logger
	store     *Store
	validator *validator.Validate
}

// NewHandler constructs a supplies handler backed by the pool.
func NewHandler(logger *slog.Logger, pool *pgxpool.Pool) *Handler {
	return &Handler{logger: logger, store: NewStore(pool), validator: validator.New()}
}

// MountRoutes registers supply routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/supplies", h.handleCreate)
	r.Get("/supplies", h.handleList)
	r.Post("/supplies/{id}/stock", h.handleAddStock)
	r.Get("/supplies/{id}/stock", h.handleGetStock)
	r.Post("/supply-rules", h.handleUpsertRule)
}

type createSupplyRequest struct {
	Name string `json:"name" validate:"required"`
	Unit string `json:"unit" validate:"required"`
}

type addStockRequest struct {
	Qty float64 `json:"qty" validate:"required,gt=0"`
}

type upsertRuleRequest struct {
	SupplyID       int64   `json:"supply_id" validate:"required,gt=0"`
	ProductID      int64   `json:"product_id" validate:"required,gt=0"`
	PresentationID *int64  `json:"presentation_id"`
	PerUnit        float64 `json:"per_unit" validate:"gte=0"`
	PerKg          float64 `json:"per_kg" validate:"gte=0"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req createSupplyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	id, err := h.store.InsertSupply(r.Context(), Supply{
		TenantID: identity.TenantID,
		Name:     req.Name,
		Unit:     req.Unit,
		Active:   true,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	out, err := h.store.ListSupplies(r.Context(), identity.TenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleAddStock(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req addStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.store.AddStock(r.Context(), identity.TenantID, id, req.Qty); err != nil {
		httpx.RespondError(w, err)
		return
	}
	stock, err := h.store.GetStock(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stock)
}

func (h *Handler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	stock, err := h.store.GetStock(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stock)
}

func (h *Handler) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req upsertRuleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	id, err := h.store.UpsertRule(r.Context(), Rule{
		TenantID:       identity.TenantID,
		SupplyID:       req.SupplyID,
		ProductID:      req.ProductID,
		PresentationID: req.PresentationID,
		PerUnit:        req.PerUnit,
		PerKg:          req.PerKg,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"id": id})
}
