package note

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ardademir/randevu-server/cmd/models"
	"github.com/ardademir/randevu-server/cmd/utils"
	"github.com/ardademir/randevu-server/service/booking"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// Handler owns session notes. Therapists write them against their own
// appointments; private notes stay invisible to the client.
type Handler struct {
	db *gorm.DB
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	auth := utils.Authenticated(h.db)
	router.HandleFunc("/appointments/{appointmentId}/notes", auth(h.AddNote)).Methods("POST")
	router.HandleFunc("/appointments/{appointmentId}/notes", auth(h.GetNotes)).Methods("GET")
	router.HandleFunc("/appointments/{appointmentId}/notes/{noteId}", auth(h.UpdateNote)).Methods("PUT")
	router.HandleFunc("/appointments/{appointmentId}/notes/{noteId}", auth(h.DeleteNote)).Methods("DELETE")
}

func (h *Handler) AddNote(w http.ResponseWriter, r *http.Request) {
	appointment, ok := h.authorizeTherapist(w, r)
	if !ok {
		return
	}

	var noteRequest struct {
		Content string `json:"content"`
		Private *bool  `json:"private"`
	}
	if err := json.NewDecoder(r.Body).Decode(&noteRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if noteRequest.Content == "" {
		http.Error(w, "Content is required", http.StatusBadRequest)
		return
	}

	note := models.Note{
		AppointmentID: appointment.ID,
		Content:       noteRequest.Content,
		Private:       true,
	}
	if noteRequest.Private != nil {
		note.Private = *noteRequest.Private
	}

	if err := h.db.Create(&note).Error; err != nil {
		http.Error(w, "Error saving note", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, note)
}

// GetNotes returns the appointment's notes. The therapist and admins
// see all of them, the client only the shared ones.
func (h *Handler) GetNotes(w http.ResponseWriter, r *http.Request) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	appointment, ok := h.loadAppointment(w, r)
	if !ok {
		return
	}

	query := h.db.Where("appointment_id = ?", appointment.ID)
	switch {
	case ident.IsAdmin():
	case h.isTherapistOwner(ident, appointment):
	case h.isClientOwner(ident, appointment):
		query = query.Where("private = ?", false)
	default:
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var notes []models.Note
	if err := query.Order("created_at ASC").Find(&notes).Error; err != nil {
		http.Error(w, "Error retrieving notes", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, notes)
}

func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	appointment, ok := h.authorizeTherapist(w, r)
	if !ok {
		return
	}
	note, ok := h.loadNote(w, r, appointment.ID)
	if !ok {
		return
	}

	var updateRequest struct {
		Content *string `json:"content"`
		Private *bool   `json:"private"`
	}
	if err := json.NewDecoder(r.Body).Decode(&updateRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if updateRequest.Content != nil {
		note.Content = *updateRequest.Content
	}
	if updateRequest.Private != nil {
		note.Private = *updateRequest.Private
	}

	if err := h.db.Save(note).Error; err != nil {
		http.Error(w, "Error updating note", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, note)
}

func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	appointment, ok := h.authorizeTherapist(w, r)
	if !ok {
		return
	}
	note, ok := h.loadNote(w, r, appointment.ID)
	if !ok {
		return
	}

	if err := h.db.Unscoped().Delete(note).Error; err != nil {
		http.Error(w, "Error deleting note", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Note deleted successfully",
	})
}

// authorizeTherapist admits the therapist of the appointment or an
// admin, for the write paths.
func (h *Handler) authorizeTherapist(w http.ResponseWriter, r *http.Request) (*models.Appointment, bool) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	appointment, ok := h.loadAppointment(w, r)
	if !ok {
		return nil, false
	}
	if !ident.IsAdmin() && !h.isTherapistOwner(ident, appointment) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	return appointment, true
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

func (h *Handler) loadNote(w http.ResponseWriter, r *http.Request, appointmentID uint) (*models.Note, bool) {
	noteID, err := strconv.ParseUint(mux.Vars(r)["noteId"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid note ID", http.StatusBadRequest)
		return nil, false
	}

	var note models.Note
	if err := h.db.Where("id = ? AND appointment_id = ?", noteID, appointmentID).First(&note).Error; err != nil {
		http.Error(w, "Note not found", http.StatusNotFound)
		return nil, false
	}
	return &note, true
}

func (h *Handler) isTherapistOwner(ident booking.Identity, appointment *models.Appointment) bool {
	var therapist models.Therapist
	if err := h.db.Where("user_id = ?", ident.UserID).First(&therapist).Error; err != nil {
		return false
	}
	return therapist.ID == appointment.TherapistID
}

func (h *Handler) isClientOwner(ident booking.Identity, appointment *models.Appointment) bool {
	var client models.Client
	if err := h.db.Where("user_id = ?", ident.UserID).First(&client).Error; err != nil {
		return false
	}
	return client.ID == appointment.ClientID
}
