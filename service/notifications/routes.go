package notifications

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ardademir/randevu-server/cmd/models"
	"github.com/ardademir/randevu-server/cmd/utils"
	"github.com/gorilla/mux"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"gorm.io/gorm"
)

// Handler owns Expo device registrations and the push history, and is the
// push sender the booking handlers call when a status decision lands.
type Handler struct {
	db         *gorm.DB
	expoClient *expo.PushClient
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{
		db:         db,
		expoClient: expo.NewPushClient(nil),
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	auth := utils.Authenticated(h.db)
	router.HandleFunc("/devices", auth(h.RegisterDevice)).Methods("POST")
	router.HandleFunc("/devices/{id}", auth(h.DeleteDevice)).Methods("DELETE")
	router.HandleFunc("/users/{userId}/devices", auth(h.GetUserDevices)).Methods("GET")
	router.HandleFunc("/users/{userId}/notifications", auth(h.GetUserNotificationHistory)).Methods("GET")
}

// RegisterDevice registers or refreshes an Expo push token for the caller.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	device.UserID = ident.UserID

	if device.Token == "" {
		http.Error(w, "Token is required", http.StatusBadRequest)
		return
	}
	if _, err := expo.NewExponentPushToken(device.Token); err != nil {
		http.Error(w, "Invalid Expo push token format", http.StatusBadRequest)
		return
	}

	var existing models.Device
	result := h.db.Where("token = ? AND user_id = ?", device.Token, device.UserID).First(&existing)
	if result.Error == nil {
		existing.DeviceType = device.DeviceType
		existing.DeviceName = device.DeviceName
		existing.UpdatedAt = time.Now()
		if err := h.db.Save(&existing).Error; err != nil {
			http.Error(w, "Error updating device", http.StatusInternalServerError)
			return
		}
		device = existing
	} else {
		if err := h.db.Create(&device).Error; err != nil {
			http.Error(w, "Error registering device", http.StatusInternalServerError)
			return
		}
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Device registered successfully",
		"device":  device,
	})
}

func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	deviceID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid device ID", http.StatusBadRequest)
		return
	}

	result := h.db.Where("id = ? AND user_id = ?", deviceID, ident.UserID).Delete(&models.Device{})
	if result.Error != nil {
		http.Error(w, "Error deleting device", http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Device deleted successfully",
	})
}

func (h *Handler) GetUserDevices(w http.ResponseWriter, r *http.Request) {
	userID, forbidden := h.authorizeUserScope(w, r)
	if forbidden {
		return
	}

	var devices []models.Device
	if err := h.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		http.Error(w, "Error retrieving devices", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, devices)
}

func (h *Handler) GetUserNotificationHistory(w http.ResponseWriter, r *http.Request) {
	userID, forbidden := h.authorizeUserScope(w, r)
	if forbidden {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 20

	var total int64
	if err := h.db.Model(&models.NotificationHistory{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		http.Error(w, "Error counting notifications", http.StatusInternalServerError)
		return
	}

	var history []models.NotificationHistory
	if err := h.db.Where("user_id = ?", userID).
		Order("sent_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&history).Error; err != nil {
		http.Error(w, "Error retrieving notification history", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"history":   history,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// authorizeUserScope parses the userId path variable and rejects callers
// reading someone else's devices or history unless they are admin.
func (h *Handler) authorizeUserScope(w http.ResponseWriter, r *http.Request) (uint, bool) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return 0, true
	}

	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["userId"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return 0, true
	}
	if ident.Role != models.RoleAdmin && ident.UserID != uint(userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return 0, true
	}
	return uint(userID), false
}

// PushToUser sends a push to every registered device of the user and
// records the outcome. Send failures are logged, never surfaced to the
// booking flow that triggered them.
func (h *Handler) PushToUser(userID uint, title, body string, data map[string]string) {
	var devices []models.Device
	if err := h.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		log.Printf("error loading devices for user %d: %v", userID, err)
		return
	}
	if len(devices) == 0 {
		return
	}

	tokens := make([]string, 0, len(devices))
	for _, device := range devices {
		tokens = append(tokens, device.Token)
	}

	status := "sent"
	if err := h.sendExpoPush(tokens, title, body, data); err != nil {
		log.Printf("error pushing to user %d: %v", userID, err)
		status = "failed"
	}

	dataJSON, _ := json.Marshal(data)
	history := models.NotificationHistory{
		UserID: userID,
		Title:  title,
		Body:   body,
		Data:   string(dataJSON),
		Status: status,
		SentAt: time.Now(),
	}
	if err := h.db.Create(&history).Error; err != nil {
		log.Printf("error creating notification history: %v", err)
	}
}

func (h *Handler) sendExpoPush(tokenStrings []string, title, body string, data map[string]string) error {
	var validTokens []expo.ExponentPushToken
	var invalidTokens []string

	for _, tokenString := range tokenStrings {
		pushToken, err := expo.NewExponentPushToken(tokenString)
		if err != nil {
			invalidTokens = append(invalidTokens, tokenString)
			continue
		}
		validTokens = append(validTokens, pushToken)
	}
	if len(invalidTokens) > 0 {
		h.cleanupInvalidTokens(invalidTokens)
	}
	if len(validTokens) == 0 {
		return fmt.Errorf("no valid push tokens found")
	}

	message := &expo.PushMessage{
		To:       validTokens,
		Title:    title,
		Body:     body,
		Sound:    "default",
		Priority: expo.DefaultPriority,
		Data:     data,
	}

	response, err := h.expoClient.Publish(message)
	if err != nil {
		return fmt.Errorf("failed to publish notification: %v", err)
	}
	if validationErr := response.ValidateResponse(); validationErr != nil {
		return fmt.Errorf("notification validation failed: %v", validationErr)
	}
	return nil
}

func (h *Handler) cleanupInvalidTokens(tokens []string) {
	for _, token := range tokens {
		if err := h.db.Where("token = ?", token).Delete(&models.Device{}).Error; err != nil {
			log.Printf("error cleaning up invalid token %s: %v", token, err)
		}
	}
}
