package client

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ardademir/randevu-server/cmd/models"
	"github.com/ardademir/randevu-server/cmd/utils"
	"github.com/ardademir/randevu-server/service/booking"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.User{},
		&models.Therapist{},
		&models.Client{},
		&models.Availability{},
		&models.Appointment{},
		&models.Feedback{},
		&models.Note{},
	)
	if err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

// newRouter wires the handler without the token middleware; tests inject
// identities directly.
func newRouter(db *gorm.DB) *mux.Router {
	h := NewHandler(db)

	r := mux.NewRouter()
	r.HandleFunc("/clients/{id}", h.GetClient).Methods("GET")
	r.HandleFunc("/clients/{id}", h.DeleteClient).Methods("DELETE")
	return r
}

func seedAppointment(t *testing.T, db *gorm.DB, clientID, therapistID uint, start time.Time, status string) (models.Availability, models.Appointment) {
	t.Helper()

	slot := models.Availability{TherapistID: therapistID, StartTime: start, EndTime: start.Add(time.Hour), Booked: true}
	if err := db.Create(&slot).Error; err != nil {
		t.Fatalf("seeding slot: %v", err)
	}
	appointment := models.Appointment{
		ReferenceCode:  fmt.Sprintf("ref-%d", time.Now().UnixNano()),
		ClientID:       clientID,
		TherapistID:    therapistID,
		AvailabilityID: slot.ID,
		StartTime:      slot.StartTime,
		EndTime:        slot.EndTime,
		Status:         status,
	}
	if err := db.Create(&appointment).Error; err != nil {
		t.Fatalf("seeding appointment: %v", err)
	}
	return slot, appointment
}

func TestDeleteClientCascades(t *testing.T) {
	db := setupTestDB(t)
	router := newRouter(db)

	clientUser := models.User{FullName: "Client", Email: fmt.Sprintf("c-%d@example.com", time.Now().UnixNano()), PasswordHash: "x", Role: models.RoleClient}
	therapistUser := models.User{FullName: "Therapist", Email: fmt.Sprintf("t-%d@example.com", time.Now().UnixNano()), PasswordHash: "x", Role: models.RoleTherapist}
	if err := db.Create(&clientUser).Error; err != nil {
		t.Fatalf("seeding client user: %v", err)
	}
	if err := db.Create(&therapistUser).Error; err != nil {
		t.Fatalf("seeding therapist user: %v", err)
	}
	client := models.Client{UserID: clientUser.ID}
	therapist := models.Therapist{UserID: therapistUser.ID, Specialization: "CBT"}
	if err := db.Create(&client).Error; err != nil {
		t.Fatalf("seeding client: %v", err)
	}
	if err := db.Create(&therapist).Error; err != nil {
		t.Fatalf("seeding therapist: %v", err)
	}

	start := time.Date(2026, 9, 14, 10, 0, 0, 0, time.UTC)
	liveSlot, _ := seedAppointment(t, db, client.ID, therapist.ID, start, "SCHEDULED")
	doneSlot, done := seedAppointment(t, db, client.ID, therapist.ID, start.Add(24*time.Hour), "COMPLETED")
	feedback := models.Feedback{AppointmentID: done.ID, ClientID: client.ID, Rating: 4, Comment: "helped"}
	if err := db.Create(&feedback).Error; err != nil {
		t.Fatalf("seeding feedback: %v", err)
	}

	ident := booking.Identity{UserID: clientUser.ID, Email: clientUser.Email, Role: clientUser.Role}
	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/clients/%d", client.ID), nil)
	req = utils.WithIdentity(req, ident)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}

	var clients, appointments, feedbacks int64
	db.Model(&models.Client{}).Count(&clients)
	db.Model(&models.Appointment{}).Count(&appointments)
	db.Model(&models.Feedback{}).Count(&feedbacks)
	if clients != 0 {
		t.Errorf("clients remaining = %d, want 0", clients)
	}
	if appointments != 0 {
		t.Errorf("appointments remaining after client delete = %d, want 0", appointments)
	}
	if feedbacks != 0 {
		t.Errorf("feedbacks remaining = %d, want 0", feedbacks)
	}

	// The therapist keeps the calendar: the live appointment's slot is
	// released, the completed one stays as it was.
	var live, doneStored models.Availability
	if err := db.First(&live, liveSlot.ID).Error; err != nil {
		t.Fatalf("reloading live slot: %v", err)
	}
	if err := db.First(&doneStored, doneSlot.ID).Error; err != nil {
		t.Fatalf("reloading completed slot: %v", err)
	}
	if live.Booked {
		t.Error("live appointment's slot not released")
	}
	if !doneStored.Booked {
		t.Error("completed appointment's slot was released")
	}
}
