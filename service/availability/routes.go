package availability

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ardademir/randevu-server/cmd/utils"
	"github.com/ardademir/randevu-server/service/booking"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type Handler struct {
	db     *gorm.DB
	engine *booking.Engine
}

func NewHandler(db *gorm.DB, engine *booking.Engine) *Handler {
	return &Handler{db: db, engine: engine}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	auth := utils.Authenticated(h.db)
	router.HandleFunc("/availability/{therapistId}", auth(h.AddAvailability)).Methods("POST")
	router.HandleFunc("/availability/{therapistId}/{id}", auth(h.DeleteAvailability)).Methods("DELETE")
	router.HandleFunc("/availability/{therapistId}", h.GetTherapistAvailability).Methods("GET")
	router.HandleFunc("/availability/{therapistId}/free", h.CheckFreeAt).Methods("GET")
}

// AddAvailability opens a new slot on a therapist's calendar.
func (h *Handler) AddAvailability(w http.ResponseWriter, r *http.Request) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	therapistID, ok := pathID(w, r, "therapistId")
	if !ok {
		return
	}

	var slotRequest struct {
		StartTime time.Time `json:"start_time"`
		EndTime   time.Time `json:"end_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&slotRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	slot, err := h.engine.AddAvailability(ident, therapistID, slotRequest.StartTime, slotRequest.EndTime)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, slot)
}

func (h *Handler) DeleteAvailability(w http.ResponseWriter, r *http.Request) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	therapistID, ok := pathID(w, r, "therapistId")
	if !ok {
		return
	}
	availabilityID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.engine.DeleteAvailability(ident, therapistID, availabilityID); err != nil {
		utils.WriteEngineError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Availability deleted successfully",
	})
}

// GetTherapistAvailability lists a therapist's slots. The listing is
// public so prospective clients can browse before booking.
func (h *Handler) GetTherapistAvailability(w http.ResponseWriter, r *http.Request) {
	therapistID, ok := pathID(w, r, "therapistId")
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 20

	slots, total, err := h.engine.ListAvailabilitiesForTherapist(therapistID, page, pageSize)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"availabilities": slots,
		"total":          total,
		"page":           page,
		"page_size":      pageSize,
		"total_pages":    (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// CheckFreeAt reports whether a therapist has a free slot starting at
// the exact instant in the "at" query parameter (RFC 3339).
func (h *Handler) CheckFreeAt(w http.ResponseWriter, r *http.Request) {
	therapistID, ok := pathID(w, r, "therapistId")
	if !ok {
		return
	}

	at, err := time.Parse(time.RFC3339, r.URL.Query().Get("at"))
	if err != nil {
		http.Error(w, "Invalid or missing at parameter", http.StatusBadRequest)
		return
	}

	free, err := h.engine.IsTherapistFreeAt(therapistID, at)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]bool{"free": free})
}

func pathID(w http.ResponseWriter, r *http.Request, varName string) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)[varName], 10, 64)
	if err != nil {
		http.Error(w, "Invalid "+varName, http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}
