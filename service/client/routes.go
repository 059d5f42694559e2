package client

import (
	"errors"
	"net/http"
	"strconv"

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
	router.HandleFunc("/clients", auth(h.GetClients)).Methods("GET")
	router.HandleFunc("/clients/{id}", auth(h.GetClient)).Methods("GET")
	router.HandleFunc("/clients/{id}", auth(h.DeleteClient)).Methods("DELETE")
}

// GetClients lists client profiles. Admin only.
func (h *Handler) GetClients(w http.ResponseWriter, r *http.Request) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil || ident.Role != models.RoleAdmin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 20

	var total int64
	if err := h.db.Model(&models.Client{}).Count(&total).Error; err != nil {
		http.Error(w, "Error counting clients", http.StatusInternalServerError)
		return
	}

	var clients []models.Client
	if err := h.db.Preload("User").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&clients).Error; err != nil {
		http.Error(w, "Error retrieving clients", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"clients":     clients,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	client, ok := h.authorizeOwnerOrAdmin(w, r)
	if !ok {
		return
	}

	var full models.Client
	if err := h.db.Preload("User").First(&full, client.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "Client not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Error retrieving client", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, full)
}

// DeleteClient removes the profile and cascades its appointments, with
// their feedback and notes, releasing the slots live ones still hold.
func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	client, ok := h.authorizeOwnerOrAdmin(w, r)
	if !ok {
		return
	}

	tx := h.db.Begin()
	if tx.Error != nil {
		http.Error(w, "Error deleting client", http.StatusInternalServerError)
		return
	}
	if err := booking.PurgeClient(tx, client.ID); err != nil {
		tx.Rollback()
		http.Error(w, "Error deleting client", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit().Error; err != nil {
		http.Error(w, "Error deleting client", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Client deleted successfully",
	})
}

func (h *Handler) authorizeOwnerOrAdmin(w http.ResponseWriter, r *http.Request) (*models.Client, bool) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	clientID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid client ID", http.StatusBadRequest)
		return nil, false
	}

	var client models.Client
	if err := h.db.First(&client, clientID).Error; err != nil {
		http.Error(w, "Client not found", http.StatusNotFound)
		return nil, false
	}
	if ident.Role != models.RoleAdmin && client.UserID != ident.UserID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	return &client, true
}
