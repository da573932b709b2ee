package deliveries

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/httpx"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Handler wires HTTP endpoints for the deliveries module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a deliveries handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers delivery routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/deliveries/bulk", h.handleCreateBulk)
	r.Post("/deliveries/packaged", h.handleCreatePackaged)
	r.Get("/deliveries/{id}", h.handleGet)
	r.Post("/production-consumptions", h.handleConsume)
	r.Post("/tagged-units/discard", h.handleDiscardUnits)
}

type bulkLineRequest struct {
	ProductID int64   `json:"product_id"`
	WeightKg  float64 `json:"weight_kg" validate:"required,gt=0"`
	LotID     int64   `json:"lot_id"`
}

type createBulkRequest struct {
	Code       string            `json:"code" validate:"required"`
	ClientRef  string            `json:"client_ref"`
	LocationID int64             `json:"location_id" validate:"required,gt=0"`
	Date       *time.Time        `json:"date"`
	Lines      []bulkLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) handleCreateBulk(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req createBulkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := BulkInput{
		Code:       req.Code,
		ClientRef:  req.ClientRef,
		LocationID: req.LocationID,
		ActorID:    identity.ActorID,
	}
	if req.Date != nil {
		input.Date = *req.Date
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, BulkLine{ProductID: l.ProductID, WeightKg: l.WeightKg, LotID: l.LotID})
	}
	d, err := h.service.CreateBulk(r.Context(), identity.TenantID, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

type packagedLineRequest struct {
	PresentationID int64 `json:"presentation_id" validate:"required,gt=0"`
	Units          int64 `json:"units" validate:"required,gt=0"`
}

type createPackagedRequest struct {
	Code       string                `json:"code" validate:"required"`
	ClientRef  string                `json:"client_ref"`
	LocationID int64                 `json:"location_id" validate:"required,gt=0"`
	Date       *time.Time            `json:"date"`
	Lines      []packagedLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) handleCreatePackaged(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req createPackagedRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := PackagedInput{
		Code:       req.Code,
		ClientRef:  req.ClientRef,
		LocationID: req.LocationID,
		ActorID:    identity.ActorID,
	}
	if req.Date != nil {
		input.Date = *req.Date
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, PackagedLine{PresentationID: l.PresentationID, Units: l.Units})
	}
	d, err := h.service.CreatePackaged(r.Context(), identity.TenantID, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	d, err := h.service.Get(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

type consumeRequest struct {
	ProductID  int64   `json:"product_id" validate:"required,gt=0"`
	WeightKg   float64 `json:"weight_kg" validate:"required,gt=0"`
	LocationID int64   `json:"location_id" validate:"required,gt=0"`
	OrderID    int64   `json:"order_id" validate:"required,gt=0"`
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req consumeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	consumed, err := h.service.ConsumeForProduction(r.Context(), identity.TenantID, ConsumeInput{
		ProductID:  req.ProductID,
		WeightKg:   req.WeightKg,
		LocationID: req.LocationID,
		OrderID:    req.OrderID,
		ActorID:    identity.ActorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"consumptions": consumed})
}

type discardUnitsRequest struct {
	UnitIDs []int64 `json:"unit_ids" validate:"required,min=1"`
	Reason  string  `json:"reason" validate:"required"`
}

func (h *Handler) handleDiscardUnits(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req discardUnitsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	err := h.service.DiscardUnits(r.Context(), identity.TenantID, DiscardInput{
		UnitIDs: req.UnitIDs,
		Reason:  req.Reason,
		ActorID: identity.ActorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}
