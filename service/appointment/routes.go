package appointment

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ardademir/randevu-server/cmd/models"
	"github.com/ardademir/randevu-server/cmd/utils"
	"github.com/ardademir/randevu-server/service/booking"
	"github.com/ardademir/randevu-server/service/notifications"
	"github.com/ardademir/randevu-server/service/ws"
	"github.com/gorilla/mux"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

type Handler struct {
	db       *gorm.DB
	engine   *booking.Engine
	notifier *notifications.Handler
	hub      *ws.Hub
}

func NewHandler(db *gorm.DB, engine *booking.Engine, notifier *notifications.Handler, hub *ws.Hub) *Handler {
	return &Handler{db: db, engine: engine, notifier: notifier, hub: hub}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	auth := utils.Authenticated(h.db)
	router.HandleFunc("/appointments/book", auth(h.BookAppointment)).Methods("POST")
	router.HandleFunc("/appointments/{id}", auth(h.GetAppointment)).Methods("GET")
	router.HandleFunc("/appointments/{id}/status", auth(h.UpdateStatus)).Methods("PATCH")
	router.HandleFunc("/appointments/{id}/cancel-request", auth(h.RequestCancel)).Methods("POST")
	router.HandleFunc("/appointments/{id}/reschedule-request", auth(h.RequestReschedule)).Methods("POST")
	router.HandleFunc("/appointments/{id}/reschedule-approval", auth(h.ApproveReschedule)).Methods("POST")
	router.HandleFunc("/appointments/{id}", auth(h.DeleteAppointment)).Methods("DELETE")
	router.HandleFunc("/appointments/client/{clientId}", auth(h.GetClientAppointments)).Methods("GET")
	router.HandleFunc("/appointments/therapist/{therapistId}", auth(h.GetTherapistAppointments)).Methods("GET")
}

// BookAppointment books a free availability for the calling client.
func (h *Handler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var bookingRequest struct {
		AvailabilityID uint `json:"availability_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&bookingRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	appointment, err := h.engine.CreateAppointment(ident, bookingRequest.AvailabilityID)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}

	h.fanOut(appointment, "appointment.requested", ident.Role)
	utils.WriteJSON(w, http.StatusCreated, appointment)
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	ident, appointmentID, ok := h.identAndID(w, r, "id")
	if !ok {
		return
	}

	appointment, err := h.engine.GetAppointment(ident, appointmentID)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, appointment)
}

// UpdateStatus is the therapist's or admin's decision endpoint.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ident, appointmentID, ok := h.identAndID(w, r, "id")
	if !ok {
		return
	}

	var statusRequest struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&statusRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	status, err := booking.ParseStatus(statusRequest.Status)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}

	appointment, err := h.engine.UpdateStatus(ident, appointmentID, status)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}

	h.fanOut(appointment, "appointment.decided", ident.Role)
	go h.emailDecision(appointment)
	utils.WriteJSON(w, http.StatusOK, appointment)
}

func (h *Handler) RequestCancel(w http.ResponseWriter, r *http.Request) {
	ident, appointmentID, ok := h.identAndID(w, r, "id")
	if !ok {
		return
	}

	var cancelRequest struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&cancelRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	appointment, err := h.engine.RequestCancel(ident, appointmentID, booking.Status(cancelRequest.Status))
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}

	h.fanOut(appointment, "appointment.cancel_requested", ident.Role)
	utils.WriteJSON(w, http.StatusOK, appointment)
}

func (h *Handler) RequestReschedule(w http.ResponseWriter, r *http.Request) {
	ident, appointmentID, ok := h.identAndID(w, r, "id")
	if !ok {
		return
	}

	var rescheduleRequest struct {
		NewTime *time.Time `json:"new_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&rescheduleRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	appointment, err := h.engine.RequestReschedule(ident, appointmentID, rescheduleRequest.NewTime)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}

	h.fanOut(appointment, "appointment.reschedule_requested", ident.Role)
	utils.WriteJSON(w, http.StatusOK, appointment)
}

func (h *Handler) ApproveReschedule(w http.ResponseWriter, r *http.Request) {
	ident, appointmentID, ok := h.identAndID(w, r, "id")
	if !ok {
		return
	}

	appointment, err := h.engine.ApproveReschedule(ident, appointmentID)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}

	h.fanOut(appointment, "appointment.rescheduled", ident.Role)
	go h.emailDecision(appointment)
	utils.WriteJSON(w, http.StatusOK, appointment)
}

func (h *Handler) DeleteAppointment(w http.ResponseWriter, r *http.Request) {
	ident, appointmentID, ok := h.identAndID(w, r, "id")
	if !ok {
		return
	}

	if err := h.engine.DeleteAppointment(ident, appointmentID); err != nil {
		utils.WriteEngineError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Appointment deleted successfully",
	})
}

func (h *Handler) GetClientAppointments(w http.ResponseWriter, r *http.Request) {
	ident, clientID, ok := h.identAndID(w, r, "clientId")
	if !ok {
		return
	}
	page, pageSize := pagination(r)

	appointments, total, err := h.engine.ListAppointmentsForClient(ident, clientID, page, pageSize)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}
	writePage(w, appointments, total, page, pageSize)
}

func (h *Handler) GetTherapistAppointments(w http.ResponseWriter, r *http.Request) {
	ident, therapistID, ok := h.identAndID(w, r, "therapistId")
	if !ok {
		return
	}
	page, pageSize := pagination(r)

	appointments, total, err := h.engine.ListAppointmentsForTherapist(ident, therapistID, page, pageSize)
	if err != nil {
		utils.WriteEngineError(w, err)
		return
	}
	writePage(w, appointments, total, page, pageSize)
}

func (h *Handler) identAndID(w http.ResponseWriter, r *http.Request, varName string) (booking.Identity, uint, bool) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return booking.Identity{}, 0, false
	}

	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars[varName], 10, 64)
	if err != nil {
		http.Error(w, "Invalid "+varName, http.StatusBadRequest)
		return booking.Identity{}, 0, false
	}
	return ident, uint(id), true
}

func pagination(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	return page, 20
}

func writePage(w http.ResponseWriter, appointments []models.Appointment, total int64, page, pageSize int) {
	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"appointments": appointments,
		"total":        total,
		"page":         page,
		"page_size":    pageSize,
		"total_pages":  (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// fanOut pushes the event to both parties over websocket and Expo. Both
// channels are best-effort.
func (h *Handler) fanOut(appointment *models.Appointment, eventType, actorRole string) {
	clientUserID, therapistUserID, err := h.partyUserIDs(appointment)
	if err != nil {
		log.Printf("error resolving appointment parties: %v", err)
		return
	}

	h.hub.BroadcastEvent([]uint{clientUserID, therapistUserID}, ws.Event{
		Type:          eventType,
		AppointmentID: appointment.ID,
		Status:        appointment.Status,
		ActorRole:     actorRole,
	})

	title := "Appointment update"
	body := fmt.Sprintf("Appointment %s is now %s", appointment.ReferenceCode, appointment.Status)
	data := map[string]string{
		"appointment_id": strconv.FormatUint(uint64(appointment.ID), 10),
		"status":         appointment.Status,
	}
	go h.notifier.PushToUser(clientUserID, title, body, data)
	go h.notifier.PushToUser(therapistUserID, title, body, data)
}

func (h *Handler) partyUserIDs(appointment *models.Appointment) (uint, uint, error) {
	var client models.Client
	if err := h.db.First(&client, appointment.ClientID).Error; err != nil {
		return 0, 0, err
	}
	var therapist models.Therapist
	if err := h.db.First(&therapist, appointment.TherapistID).Error; err != nil {
		return 0, 0, err
	}
	return client.UserID, therapist.UserID, nil
}

// emailDecision mails the client when a therapist or admin settles a
// status. Failures are logged only.
func (h *Handler) emailDecision(appointment *models.Appointment) {
	var client models.Client
	if err := h.db.Preload("User").First(&client, appointment.ClientID).Error; err != nil || client.User == nil {
		log.Printf("error loading client for decision email: %v", err)
		return
	}

	smtpHost := os.Getenv("SMTP_HOST")
	smtpPort, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil {
		log.Printf("invalid SMTP port: %v", err)
		return
	}
	smtpUser := os.Getenv("SMTP_USER")
	smtpPass := os.Getenv("SMTP_PASS")

	m := gomail.NewMessage()
	m.SetHeader("From", smtpUser)
	m.SetHeader("To", client.User.Email)
	m.SetHeader("Subject", "Your appointment was updated")
	m.SetBody("text/plain", fmt.Sprintf(
		"Your appointment on %s is now %s (reference %s).",
		appointment.StartTime.Format(time.RFC1123),
		appointment.Status,
		appointment.ReferenceCode,
	))

	d := gomail.NewDialer(smtpHost, smtpPort, smtpUser, smtpPass)
	if err := d.DialAndSend(m); err != nil {
		log.Printf("error sending decision email: %v", err)
	}
}
