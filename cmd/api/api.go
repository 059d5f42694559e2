package api

import (
	"log"
	"net/http"

	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"github.com/ardademir/randevu-server/service/appointment"
	"github.com/ardademir/randevu-server/service/availability"
	"github.com/ardademir/randevu-server/service/booking"
	"github.com/ardademir/randevu-server/service/client"
	"github.com/ardademir/randevu-server/service/feedback"
	"github.com/ardademir/randevu-server/service/note"
	"github.com/ardademir/randevu-server/service/notifications"
	"github.com/ardademir/randevu-server/service/therapist"
	"github.com/ardademir/randevu-server/service/user"
	"github.com/ardademir/randevu-server/service/ws"
)

type APIServer struct {
	address string
	db      *gorm.DB
}

func NewApiServer(address string, db *gorm.DB) *APIServer {
	return &APIServer{
		address: address,
		db:      db,
	}
}

func (s *APIServer) Run() error {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	engine := booking.NewEngine(s.db)

	hub := ws.NewHub()
	go hub.Run()

	notifier := notifications.NewHandler(s.db)
	notifier.RegisterRoutes(subrouter)

	userHandler := user.NewHandler(s.db)
	userHandler.RegisterRoutes(subrouter)

	therapistHandler := therapist.NewHandler(s.db)
	therapistHandler.RegisterRoutes(subrouter)

	clientHandler := client.NewHandler(s.db)
	clientHandler.RegisterRoutes(subrouter)

	availabilityHandler := availability.NewHandler(s.db, engine)
	availabilityHandler.RegisterRoutes(subrouter)

	appointmentHandler := appointment.NewHandler(s.db, engine, notifier, hub)
	appointmentHandler.RegisterRoutes(subrouter)

	feedbackHandler := feedback.NewHandler(s.db)
	feedbackHandler.RegisterRoutes(subrouter)

	noteHandler := note.NewHandler(s.db)
	noteHandler.RegisterRoutes(subrouter)

	wsHandler := ws.NewHandler(s.db, hub)
	wsHandler.RegisterRoutes(router)

	cors := gorillahandlers.CORS(
		gorillahandlers.AllowedOrigins([]string{"*"}),
		gorillahandlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		gorillahandlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	log.Println("Server running at", s.address)
	return http.ListenAndServe(s.address, cors(router))
}
