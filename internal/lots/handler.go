package lots

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

// Handler wires HTTP endpoints for the lots module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a lots handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers lot routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/lots/receive", h.handleReceive)
	r.Post("/lots/production", h.handleProduction)
	r.Post("/lots/{id}/release", h.handleRelease)
	r.Post("/lots/{id}/discard", h.handleDiscard)
	r.Post("/lots/{id}/adjust", h.handleAdjust)
	r.Get("/lots/{id}/reconciliation", h.handleReconcile)
	r.Get("/lots/{id}", h.handleGet)
	r.Get("/lots", h.handleList)
}

type receiveRequest struct {
	Code         string     `json:"code" validate:"required"`
	ProductID    int64      `json:"product_id" validate:"required,gt=0"`
	LocationID   int64      `json:"location_id" validate:"required,gt=0"`
	WeightKg     float64    `json:"weight_kg" validate:"required,gt=0"`
	ElaboratedAt time.Time  `json:"elaborated_at" validate:"required"`
	ExpiresAt    *time.Time `json:"expires_at"`
	Reason       string     `json:"reason"`
}

type productionRequest struct {
	Code         string     `json:"code" validate:"required"`
	ProductID    int64      `json:"product_id" validate:"required,gt=0"`
	LocationID   int64      `json:"location_id" validate:"required,gt=0"`
	WeightKg     float64    `json:"weight_kg" validate:"required,gt=0"`
	ElaboratedAt time.Time  `json:"elaborated_at" validate:"required"`
	ExpiresAt    *time.Time `json:"expires_at"`
	RefID        int64      `json:"ref_id"`
}

type discardRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type adjustRequest struct {
	DeltaKg float64 `json:"delta_kg" validate:"required"`
	Reason  string  `json:"reason" validate:"required"`
}

type lotResponse struct {
	ID           int64      `json:"id"`
	Kind         Kind       `json:"kind"`
	ProductID    int64      `json:"product_id"`
	Code         string     `json:"code"`
	LocationID   int64      `json:"location_id"`
	InitialKg    float64    `json:"initial_kg"`
	CurrentKg    float64    `json:"current_kg"`
	ElaboratedAt time.Time  `json:"elaborated_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	State        State      `json:"state"`
	ParentLotID  *int64     `json:"parent_lot_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toLotResponse(l Lot) lotResponse {
	return lotResponse{
		ID:           l.ID,
		Kind:         l.Kind,
		ProductID:    l.ProductID,
		Code:         l.Code,
		LocationID:   l.LocationID,
		InitialKg:    l.InitialKg,
		CurrentKg:    l.CurrentKg,
		ElaboratedAt: l.ElaboratedAt,
		ExpiresAt:    l.ExpiresAt,
		State:        l.State,
		ParentLotID:  l.ParentLotID,
		CreatedAt:    l.CreatedAt,
	}
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lot, err := h.service.Receive(r.Context(), identity.TenantID, ReceiveInput{
		Code:         req.Code,
		ProductID:    req.ProductID,
		LocationID:   req.LocationID,
		WeightKg:     req.WeightKg,
		ElaboratedAt: req.ElaboratedAt,
		ExpiresAt:    req.ExpiresAt,
		Reason:       req.Reason,
		ActorID:      identity.ActorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLotResponse(lot))
}

func (h *Handler) handleProduction(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req productionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lot, err := h.service.RegisterProduction(r.Context(), identity.TenantID, ProductionInput{
		Code:         req.Code,
		ProductID:    req.ProductID,
		LocationID:   req.LocationID,
		WeightKg:     req.WeightKg,
		ElaboratedAt: req.ElaboratedAt,
		ExpiresAt:    req.ExpiresAt,
		RefID:        req.RefID,
		ActorID:      identity.ActorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLotResponse(lot))
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.Release(r.Context(), identity.TenantID, id, identity.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"state": string(StateReady)})
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req discardRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.Discard(r.Context(), identity.TenantID, id, req.Reason, identity.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"state": string(StateDiscarded)})
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lot, err := h.service.Adjust(r.Context(), identity.TenantID, AdjustInput{
		LotID:   id,
		DeltaKg: req.DeltaKg,
		Reason:  req.Reason,
		ActorID: identity.ActorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotResponse(lot))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	lot, err := h.service.Get(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotResponse(lot))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	q := r.URL.Query()
	filter := Filter{
		Kind:  Kind(q.Get("kind")),
		State: State(q.Get("state")),
	}
	if v := q.Get("product_id"); v != "" {
		filter.ProductID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("location_id"); v != "" {
		filter.LocationID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	result, err := h.service.List(r.Context(), identity.TenantID, filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]lotResponse, 0, len(result))
	for _, l := range result {
		out = append(out, toLotResponse(l))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	rec, err := h.service.Reconcile(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"lot_id":     rec.LotID,
		"current_kg": rec.CurrentKg,
		"ledger_kg":  rec.LedgerKg,
		"consistent": rec.Consistent,
	})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
