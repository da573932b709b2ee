package packaging

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/httpx"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Handler wires HTTP endpoints for the packaging module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a packaging handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers packaging routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/presentations", h.handleCreatePresentation)
	r.Get("/presentations", h.handleListPresentations)
	r.Delete("/presentations/{id}", h.handleDeactivatePresentation)

	r.Post("/packaging-operations", h.handleCreate)
	r.Get("/packaging-operations/{id}", h.handleGet)
	r.Post("/packaging-operations/{id}/lines", h.handleAddLine)
	r.Delete("/packaging-operations/{id}/lines/{lineID}", h.handleRemoveLine)
	r.Post("/packaging-operations/{id}/confirm", h.handleConfirm)
	r.Post("/packaging-operations/{id}/annul", h.handleAnnul)

	r.Get("/packaged-stock", h.handleStock)
	r.Get("/tagged-units", h.handleListUnits)
}

type createPresentationRequest struct {
	ProductID    int64    `json:"product_id" validate:"required,gt=0"`
	SKUCode      string   `json:"sku_code" validate:"required"`
	Name         string   `json:"name" validate:"required"`
	SaleUnit     SaleUnit `json:"sale_unit" validate:"required,oneof=GRANEL BOLSA UNIDAD"`
	UnitWeightKg *float64 `json:"unit_weight_kg"`
}

type lineRequest struct {
	PresentationID int64   `json:"presentation_id" validate:"required,gt=0"`
	WeightKg       float64 `json:"weight_kg" validate:"required,gt=0"`
}

type createOperationRequest struct {
	LotID                 int64         `json:"lot_id" validate:"required,gt=0"`
	DestinationLocationID int64         `json:"destination_location_id" validate:"required,gt=0"`
	Lines                 []lineRequest `json:"lines" validate:"dive"`
}

func (h *Handler) handleCreatePresentation(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req createPresentationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	id, err := h.service.CreatePresentation(r.Context(), identity.TenantID, Presentation{
		ProductID:    req.ProductID,
		SKUCode:      req.SKUCode,
		Name:         req.Name,
		SaleUnit:     req.SaleUnit,
		UnitWeightKg: req.UnitWeightKg,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *Handler) handleListPresentations(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var productID int64
	if v := r.URL.Query().Get("product_id"); v != "" {
		productID, _ = strconv.ParseInt(v, 10, 64)
	}
	out, err := h.service.ListPresentations(r.Context(), identity.TenantID, productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleDeactivatePresentation(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.DeactivatePresentation(r.Context(), identity.TenantID, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req createOperationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateInput{
		LotID:                 req.LotID,
		DestinationLocationID: req.DestinationLocationID,
		ActorID:               identity.ActorID,
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, LineInput{PresentationID: l.PresentationID, WeightKg: l.WeightKg})
	}
	op, err := h.service.Create(r.Context(), identity.TenantID, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, op)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	op, err := h.service.Get(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, op)
}

func (h *Handler) handleAddLine(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	line, err := h.service.AddLine(r.Context(), identity.TenantID, id, LineInput{
		PresentationID: req.PresentationID,
		WeightKg:       req.WeightKg,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, line)
}

func (h *Handler) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	lineID, err := pathID(r, "lineID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.RemoveLine(r.Context(), identity.TenantID, id, lineID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	result, err := h.service.Confirm(r.Context(), identity.TenantID, id, identity.ActorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleAnnul(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.Annul(r.Context(), identity.TenantID, id, identity.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"state": string(OperationAnnulled)})
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	q := r.URL.Query()
	presentationID, _ := strconv.ParseInt(q.Get("presentation_id"), 10, 64)
	locationID, _ := strconv.ParseInt(q.Get("location_id"), 10, 64)
	if presentationID > 0 && locationID > 0 {
		st, err := h.service.Stock(r.Context(), identity.TenantID, presentationID, locationID)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, st)
		return
	}
	out, err := h.service.ListStock(r.Context(), identity.TenantID, presentationID, locationID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleListUnits(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	q := r.URL.Query()
	filter := UnitFilter{State: UnitState(q.Get("state"))}
	filter.LotID, _ = strconv.ParseInt(q.Get("lot_id"), 10, 64)
	filter.PresentationID, _ = strconv.ParseInt(q.Get("presentation_id"), 10, 64)
	filter.LocationID, _ = strconv.ParseInt(q.Get("location_id"), 10, 64)
	if v := q.Get("limit"); v != "" {
		limit, _ := strconv.Atoi(v)
		filter.Limit = limit
	}
	out, err := h.service.ListUnits(r.Context(), identity.TenantID, filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
