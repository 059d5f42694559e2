package therapist

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ardademir/randevu-server/cmd/models"
	"github.com/ardademir/randevu-server/cmd/utils"
	"github.com/ardademir/randevu-server/service/booking"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

type Handler struct {
	db *gorm.DB
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	auth := utils.Authenticated(h.db)
	router.HandleFunc("/therapists", h.GetTherapists).Methods("GET")
	router.HandleFunc("/therapists/search", h.SearchTherapists).Methods("GET")
	router.HandleFunc("/therapists/{id}", h.GetTherapist).Methods("GET")
	router.HandleFunc("/therapists/{id}", auth(h.UpdateTherapist)).Methods("PUT")
	router.HandleFunc("/therapists/{id}", auth(h.DeleteTherapist)).Methods("DELETE")
}

// GetTherapists lists therapist profiles. Public, so clients can browse
// before registering.
func (h *Handler) GetTherapists(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 20

	query := h.db.Model(&models.Therapist{})
	if specialization := r.URL.Query().Get("specialization"); specialization != "" {
		query = query.Where("specialization = ?", specialization)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		http.Error(w, "Error counting therapists", http.StatusInternalServerError)
		return
	}

	var therapists []models.Therapist
	if err := query.Preload("User").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&therapists).Error; err != nil {
		http.Error(w, "Error retrieving therapists", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"therapists":  therapists,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// SearchTherapists matches the q parameter against specialization, the
// specialties array and the about text.
func (h *Handler) SearchTherapists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "Missing search query", http.StatusBadRequest)
		return
	}

	var therapists []models.Therapist
	pattern := "%" + q + "%"
	if err := h.db.Preload("User").
		Where("specialization ILIKE ? OR about ILIKE ? OR ? = ANY(specialties)", pattern, pattern, q).
		Limit(50).
		Find(&therapists).Error; err != nil {
		http.Error(w, "Error searching therapists", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, therapists)
}

func (h *Handler) GetTherapist(w http.ResponseWriter, r *http.Request) {
	therapistID, ok := pathID(w, r)
	if !ok {
		return
	}

	var therapist models.Therapist
	if err := h.db.Preload("User").First(&therapist, therapistID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "Therapist not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Error retrieving therapist", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, therapist)
}

func (h *Handler) UpdateTherapist(w http.ResponseWriter, r *http.Request) {
	therapist, ok := h.authorizeOwnerOrAdmin(w, r)
	if !ok {
		return
	}

	var updateRequest struct {
		Specialization *string  `json:"specialization"`
		Specialties    []string `json:"specialties"`
		Experience     *string  `json:"experience"`
		About          *string  `json:"about"`
	}
	if err := json.NewDecoder(r.Body).Decode(&updateRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if updateRequest.Specialization != nil {
		therapist.Specialization = *updateRequest.Specialization
	}
	if updateRequest.Specialties != nil {
		therapist.Specialties = pq.StringArray(updateRequest.Specialties)
	}
	if updateRequest.Experience != nil {
		therapist.Experience = *updateRequest.Experience
	}
	if updateRequest.About != nil {
		therapist.About = *updateRequest.About
	}

	if err := h.db.Save(therapist).Error; err != nil {
		http.Error(w, "Error updating therapist", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, therapist)
}

// DeleteTherapist removes the profile and cascades its appointments
// (with feedback and notes) and availabilities in one transaction.
func (h *Handler) DeleteTherapist(w http.ResponseWriter, r *http.Request) {
	therapist, ok := h.authorizeOwnerOrAdmin(w, r)
	if !ok {
		return
	}

	tx := h.db.Begin()
	if tx.Error != nil {
		http.Error(w, "Error deleting therapist", http.StatusInternalServerError)
		return
	}
	if err := booking.PurgeTherapist(tx, therapist.ID); err != nil {
		tx.Rollback()
		http.Error(w, "Error deleting therapist", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit().Error; err != nil {
		http.Error(w, "Error deleting therapist", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Therapist deleted successfully",
	})
}

func (h *Handler) authorizeOwnerOrAdmin(w http.ResponseWriter, r *http.Request) (*models.Therapist, bool) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	therapistID, ok := pathID(w, r)
	if !ok {
		return nil, false
	}

	var therapist models.Therapist
	if err := h.db.First(&therapist, therapistID).Error; err != nil {
		http.Error(w, "Therapist not found", http.StatusNotFound)
		return nil, false
	}
	if ident.Role != models.RoleAdmin && therapist.UserID != ident.UserID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	return &therapist, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid therapist ID", http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}
