package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/httpx"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// Handler exposes read access to the movement ledger.
type Handler struct {
	logger *slog.Logger
	store  *Store
}

// NewHandler constructs a ledger handler.
func NewHandler(logger *slog.Logger, store *Store) *Handler {
	return &Handler{logger: logger, store: store}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/movements", h.handleList)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var filter Filter
	q := r.URL.Query()
	if v := q.Get("lot_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "lot_id must be an integer")
			return
		}
		filter.LotID = &id
	}
	if v := q.Get("presentation_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "presentation_id must be an integer")
			return
		}
		filter.PresentationID = &id
	}
	if v := q.Get("location_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "location_id must be an integer")
			return
		}
		filter.LocationID = &id
	}
	if v := q.Get("ref_type"); v != "" {
		filter.RefType = v
		id, err := strconv.ParseInt(q.Get("ref_id"), 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "ref_id is required with ref_type")
			return
		}
		filter.RefID = id
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "limit must be an integer")
			return
		}
		filter.Limit = limit
	}
	movements, err := h.store.List(r.Context(), identity.TenantID, filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}
