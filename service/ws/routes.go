package ws

import (
	"log"
	"net/http"

	"github.com/ardademir/randevu-server/cmd/utils"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades authenticated users onto the live appointment feed.
type Handler struct {
	db  *gorm.DB
	hub *Hub
}

func NewHandler(db *gorm.DB, hub *Hub) *Handler {
	return &Handler{db: db, hub: hub}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	auth := utils.Authenticated(h.db)
	router.HandleFunc("/ws", auth(h.handleSocket))
}

func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	ident, err := utils.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	c := &connection{
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: ident.UserID,
	}
	h.hub.register <- c

	go c.writePump()
	go c.readPump()
}
