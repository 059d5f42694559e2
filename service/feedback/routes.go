package feedback

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ardademir/randevu-server/cmd/models"
	"github.com/ardademir/randevu-server/cmd/utils"
	"github.com/ardademir/randevu-server/service/booking"
	"github.com/gorilla/mux"
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
	router.HandleFunc("/appointments/{appointmentId}/feedback", auth(h.AddFeedback)).Methods("POST")
	router.HandleFunc("/appointments/{appointmentId}/feedback", auth(h.GetFeedback)).Methods("GET")
	router.HandleFunc("/appointments/{appointmentId}/feedback", auth(h.UpdateFeedback)).Methods("PUT")
	router.HandleFunc("/appointments/{appointmentId}/feedback", auth(h.DeleteFeedback)).Methods("DELETE")
	router.HandleFunc("/therapists/{therapistId}/rating", h.GetTherapistRating).Methods("GET")
}

// AddFeedback records the client's rating once the session is over.
// One feedback per appointment.
func (h *Handler) AddFeedback(w http.ResponseWriter, r *http.Request) {
	_, appointment, ok := h.loadForClient(w, r)
	if !ok {
		return
	}

	if appointment.Status != string(booking.StatusCompleted) {
		http.Error(w, "Feedback is only allowed on completed appointments", http.StatusUnprocessableEntity)
		return
	}

	var feedbackRequest struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&feedbackRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if feedbackRequest.Rating < 1 || feedbackRequest.Rating > 5 {
		http.Error(w, "Rating must be between 1 and 5", http.StatusBadRequest)
		return
	}

	feedback := models.Feedback{
		AppointmentID: appointment.ID,
		ClientID:      appointment.ClientID,
		Rating:        feedbackRequest.Rating,
		Comment:       feedbackRequest.Comment,
	}
	if err := h.db.Create(&feedback).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(err.Error(), "duplicate key") ||
			strings.Contains(err.Error(), "UNIQUE constraint") {
			http.Error(w, "Feedback already exists for this appointment", http.StatusConflict)
			return
		}
		http.Error(w, "Error saving feedback", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, feedback)
}

func (h *Handler) GetFeedback(w http.ResponseWriter, r *http.Request) {
	_, appointment, ok := h.loadForParty(w, r)
	if !ok {
		return
	}

	var feedback models.Feedback
	if err := h.db.Where("appointment_id = ?", appointment.ID).First(&feedback).Error; err != nil {
		http.Error(w, "Feedback not found", http.StatusNotFound)
		return
	}
	utils.WriteJSON(w, http.StatusOK, feedback)
}

func (h *Handler) UpdateFeedback(w http.ResponseWriter, r *http.Request) {
	_, appointment, ok := h.loadForClient(w, r)
	if !ok {
		return
	}

	var feedback models.Feedback
	if err := h.db.Where("appointment_id = ?", appointment.ID).First(&feedback).Error; err != nil {
		http.Error(w, "Feedback not found", http.StatusNotFound)
		return
	}

	var updateRequest struct {
		Rating  *int    `json:"rating"`
		Comment *string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&updateRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if updateRequest.Rating != nil {
		if *updateRequest.Rating < 1 || *updateRequest.Rating > 5 {
			http.Error(w, "Rating must be between 1 and 5", http.StatusBadRequest)
			return
		}
		feedback.Rating = *updateRequest.Rating
	}
	if updateRequest.Comment != nil {
		feedback.Comment = *updateRequest.Comment
	}

	if err := h.db.Save(&feedback).Error; err != nil {
		http.Error(w, "Error updating feedback", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, feedback)
}

func (h *Handler) DeleteFeedback(w http.ResponseWriter, r *http.Request) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	appointment, ok := h.loadAppointment(w, r)
	if !ok {
		return
	}

	// The client who wrote it, or an admin.
	if !ident.IsAdmin() {
		var client models.Client
		if err := h.db.Where("user_id = ?", ident.UserID).First(&client).Error; err != nil ||
			client.ID != appointment.ClientID {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	result := h.db.Unscoped().Where("appointment_id = ?", appointment.ID).Delete(&models.Feedback{})
	if result.Error != nil {
		http.Error(w, "Error deleting feedback", http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		http.Error(w, "Feedback not found", http.StatusNotFound)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Feedback deleted successfully",
	})
}

// GetTherapistRating returns the average rating across a therapist's
// completed appointments. Public.
func (h *Handler) GetTherapistRating(w http.ResponseWriter, r *http.Request) {
	therapistID, err := strconv.ParseUint(mux.Vars(r)["therapistId"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid therapist ID", http.StatusBadRequest)
		return
	}

	var result struct {
		Average float64
		Count   int64
	}
	if err := h.db.Model(&models.Feedback{}).
		Select("COALESCE(AVG(feedbacks.rating), 0) AS average, COUNT(feedbacks.id) AS count").
		Joins("JOIN appointments ON appointments.id = feedbacks.appointment_id").
		Where("appointments.therapist_id = ?", therapistID).
		Scan(&result).Error; err != nil {
		http.Error(w, "Error computing rating", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"therapist_id":   therapistID,
		"average_rating": result.Average,
		"feedback_count": result.Count,
	})
}

func (h *Handler) loadAppointment(w http.ResponseWriter, r *http.Request) (*models.Appointment, bool) {
	appointmentID, err := strconv.ParseUint(mux.Vars(r)["appointmentId"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid appointment ID", http.StatusBadRequest)
		return nil, false
	}

	var appointment models.Appointment
	if err := h.db.First(&appointment, appointmentID).Error; err != nil {
		http.Error(w, "Appointment not found", http.StatusNotFound)
		return nil, false
	}
	return &appointment, true
}

// loadForClient admits only the client who owns the appointment.
func (h *Handler) loadForClient(w http.ResponseWriter, r *http.Request) (booking.Identity, *models.Appointment, bool) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return booking.Identity{}, nil, false
	}

	appointment, ok := h.loadAppointment(w, r)
	if !ok {
		return booking.Identity{}, nil, false
	}

	var client models.Client
	if err := h.db.Where("user_id = ?", ident.UserID).First(&client).Error; err != nil ||
		client.ID != appointment.ClientID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return booking.Identity{}, nil, false
	}
	return ident, appointment, true
}

// loadForParty admits either party of the appointment, or an admin.
func (h *Handler) loadForParty(w http.ResponseWriter, r *http.Request) (booking.Identity, *models.Appointment, bool) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return booking.Identity{}, nil, false
	}

	appointment, ok := h.loadAppointment(w, r)
	if !ok {
		return booking.Identity{}, nil, false
	}
	if ident.IsAdmin() {
		return ident, appointment, true
	}

	var client models.Client
	if err := h.db.Where("user_id = ?", ident.UserID).First(&client).Error; err == nil &&
		client.ID == appointment.ClientID {
		return ident, appointment, true
	}
	var therapist models.Therapist
	if err := h.db.Where("user_id = ?", ident.UserID).First(&therapist).Error; err == nil &&
		therapist.ID == appointment.TherapistID {
		return ident, appointment, true
	}

	http.Error(w, "Forbidden", http.StatusForbidden)
	return booking.Identity{}, nil, false
}
