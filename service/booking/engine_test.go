package booking

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ardademir/randevu-server/cmd/models"
	"github.com/glebarez/sqlite"
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

	// One connection keeps every session on the same in-memory database.
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

func seedUser(t *testing.T, db *gorm.DB, role string) models.User {
	t.Helper()
	user := models.User{
		FullName:     role + " user",
		Email:        fmt.Sprintf("%s-%d@example.com", role, time.Now().UnixNano()),
		PasswordHash: "x",
		Role:         role,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return user
}

func seedTherapist(t *testing.T, db *gorm.DB) (models.User, models.Therapist) {
	t.Helper()
	user := seedUser(t, db, models.RoleTherapist)
	therapist := models.Therapist{UserID: user.ID, Specialization: "CBT"}
	if err := db.Create(&therapist).Error; err != nil {
		t.Fatalf("seeding therapist: %v", err)
	}
	return user, therapist
}

func seedClient(t *testing.T, db *gorm.DB) (models.User, models.Client) {
	t.Helper()
	user := seedUser(t, db, models.RoleClient)
	client := models.Client{UserID: user.ID}
	if err := db.Create(&client).Error; err != nil {
		t.Fatalf("seeding client: %v", err)
	}
	return user, client
}

func seedSlot(t *testing.T, db *gorm.DB, therapistID uint, start time.Time) models.Availability {
	t.Helper()
	slot := models.Availability{
		TherapistID: therapistID,
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
	}
	if err := db.Create(&slot).Error; err != nil {
		t.Fatalf("seeding availability: %v", err)
	}
	return slot
}

func identFor(user models.User) Identity {
	return Identity{UserID: user.ID, Email: user.Email, Role: user.Role}
}

func slotStart() time.Time {
	return time.Date(2026, 9, 14, 10, 0, 0, 0, time.UTC)
}

func TestCreateAppointmentBooksSlot(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	_, therapist := seedTherapist(t, db)
	clientUser, client := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}

	if appointment.Status != string(StatusPendingApproval) {
		t.Errorf("status = %s, want %s", appointment.Status, StatusPendingApproval)
	}
	if appointment.ClientID != client.ID {
		t.Errorf("client id = %d, want %d", appointment.ClientID, client.ID)
	}
	if !appointment.StartTime.Equal(slot.StartTime) || !appointment.EndTime.Equal(slot.EndTime) {
		t.Errorf("appointment times not copied from slot")
	}
	if appointment.ReferenceCode == "" {
		t.Error("reference code not assigned")
	}

	var stored models.Availability
	if err := db.First(&stored, slot.ID).Error; err != nil {
		t.Fatalf("reloading slot: %v", err)
	}
	if !stored.Booked {
		t.Error("slot not marked booked")
	}
}

func TestCreateAppointmentSlotAlreadyBooked(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	_, therapist := seedTherapist(t, db)
	firstUser, _ := seedClient(t, db)
	secondUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	if _, err := engine.CreateAppointment(identFor(firstUser), slot.ID); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	_, err := engine.CreateAppointment(identFor(secondUser), slot.ID)
	if !IsKind(err, KindConflict) {
		t.Fatalf("second booking error = %v, want conflict", err)
	}
}

func TestCreateAppointmentRequiresClientRole(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	_, err := engine.CreateAppointment(identFor(therapistUser), slot.ID)
	if !IsKind(err, KindForbidden) {
		t.Fatalf("error = %v, want forbidden", err)
	}
}

func TestCreateAppointmentUnknownSlot(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	clientUser, _ := seedClient(t, db)

	_, err := engine.CreateAppointment(identFor(clientUser), 9999)
	if !IsKind(err, KindNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestConcurrentBookingSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	_, therapist := seedTherapist(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	const bookers = 8
	idents := make([]Identity, bookers)
	for i := range idents {
		user, _ := seedClient(t, db)
		idents[i] = identFor(user)
	}

	var wg sync.WaitGroup
	results := make(chan error, bookers)
	for i := 0; i < bookers; i++ {
		wg.Add(1)
		go func(ident Identity) {
			defer wg.Done()
			_, err := engine.CreateAppointment(ident, slot.ID)
			results <- err
		}(idents[i])
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case IsKind(err, KindConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
	if conflicts != bookers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, bookers-1)
	}

	var count int64
	db.Model(&models.Appointment{}).Count(&count)
	if count != 1 {
		t.Errorf("appointments created = %d, want 1", count)
	}
}

func TestUpdateStatusApprove(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	updated, err := engine.UpdateStatus(identFor(therapistUser), appointment.ID, StatusScheduled)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != string(StatusScheduled) {
		t.Errorf("status = %s, want %s", updated.Status, StatusScheduled)
	}
}

func TestUpdateStatusByStrangerTherapist(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	_, therapist := seedTherapist(t, db)
	strangerUser, _ := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	_, err = engine.UpdateStatus(identFor(strangerUser), appointment.ID, StatusScheduled)
	if !IsKind(err, KindForbidden) {
		t.Fatalf("error = %v, want forbidden", err)
	}
}

func TestUpdateStatusAdminAllowed(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	_, therapist := seedTherapist(t, db)
	adminUser := seedUser(t, db, models.RoleAdmin)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	if _, err := engine.UpdateStatus(identFor(adminUser), appointment.ID, StatusScheduled); err != nil {
		t.Fatalf("admin UpdateStatus: %v", err)
	}
}

func TestUpdateStatusTerminalGuard(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	if _, err := engine.UpdateStatus(identFor(therapistUser), appointment.ID, StatusCompleted); err != nil {
		t.Fatalf("completing: %v", err)
	}

	_, err = engine.UpdateStatus(identFor(therapistUser), appointment.ID, StatusScheduled)
	if !IsKind(err, KindInvalidState) {
		t.Fatalf("error = %v, want invalid state", err)
	}
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	_, err = engine.UpdateStatus(identFor(therapistUser), appointment.ID, Status("DONE"))
	if !IsKind(err, KindInvalidArgument) {
		t.Fatalf("error = %v, want invalid argument", err)
	}
}

func TestCancellationReleasesSlot(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	if _, err := engine.UpdateStatus(identFor(therapistUser), appointment.ID, StatusCancelledByTherapist); err != nil {
		t.Fatalf("cancelling: %v", err)
	}

	var stored models.Availability
	if err := db.First(&stored, slot.ID).Error; err != nil {
		t.Fatalf("reloading slot: %v", err)
	}
	if stored.Booked {
		t.Error("slot still booked after cancellation")
	}
}

func TestRequestCancel(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	_, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	otherClientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	if _, err := engine.RequestCancel(identFor(otherClientUser), appointment.ID, StatusCancelRequestedByClient); !IsKind(err, KindForbidden) {
		t.Errorf("stranger cancel request error = %v, want forbidden", err)
	}

	// Clients can only ask, not settle: a direct cancellation is refused.
	if _, err := engine.RequestCancel(identFor(clientUser), appointment.ID, StatusCancelledByClient); !IsKind(err, KindForbidden) {
		t.Errorf("direct cancellation error = %v, want forbidden", err)
	}

	updated, err := engine.RequestCancel(identFor(clientUser), appointment.ID, StatusCancelRequestedByClient)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if updated.Status != string(StatusCancelRequestedByClient) {
		t.Errorf("status = %s, want %s", updated.Status, StatusCancelRequestedByClient)
	}

	// The slot stays booked until the therapist decides.
	var stored models.Availability
	if err := db.First(&stored, slot.ID).Error; err != nil {
		t.Fatalf("reloading slot: %v", err)
	}
	if !stored.Booked {
		t.Error("slot released before the request was settled")
	}
}

func TestRequestRescheduleNoFreeSlot(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	_, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	wanted := slotStart().Add(48 * time.Hour)
	_, err = engine.RequestReschedule(identFor(clientUser), appointment.ID, &wanted)
	if !IsKind(err, KindConflict) {
		t.Fatalf("error = %v, want conflict", err)
	}

	// A refused request must leave the appointment untouched.
	var stored models.Appointment
	if err := db.First(&stored, appointment.ID).Error; err != nil {
		t.Fatalf("reloading appointment: %v", err)
	}
	if stored.Status != string(StatusPendingApproval) {
		t.Errorf("status = %s, want %s", stored.Status, StatusPendingApproval)
	}
	if stored.RequestedRescheduleTime != nil {
		t.Error("requested time recorded despite refusal")
	}
}

func TestRequestRescheduleRequiresTime(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	_, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	_, err = engine.RequestReschedule(identFor(clientUser), appointment.ID, nil)
	if !IsKind(err, KindInvalidArgument) {
		t.Fatalf("error = %v, want invalid argument", err)
	}
}

func TestApproveReschedule(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	oldSlot := seedSlot(t, db, therapist.ID, slotStart())
	newStart := slotStart().Add(24 * time.Hour)
	newSlot := seedSlot(t, db, therapist.ID, newStart)

	appointment, err := engine.CreateAppointment(identFor(clientUser), oldSlot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	if _, err := engine.RequestReschedule(identFor(clientUser), appointment.ID, &newStart); err != nil {
		t.Fatalf("RequestReschedule: %v", err)
	}

	moved, err := engine.ApproveReschedule(identFor(therapistUser), appointment.ID)
	if err != nil {
		t.Fatalf("ApproveReschedule: %v", err)
	}

	if moved.Status != string(StatusScheduled) {
		t.Errorf("status = %s, want %s", moved.Status, StatusScheduled)
	}
	if moved.AvailabilityID != newSlot.ID {
		t.Errorf("availability id = %d, want %d", moved.AvailabilityID, newSlot.ID)
	}
	if !moved.StartTime.Equal(newSlot.StartTime) {
		t.Errorf("start time not rewritten to the new slot")
	}
	if moved.RequestedRescheduleTime != nil {
		t.Error("requested time not cleared")
	}

	var old, fresh models.Availability
	if err := db.First(&old, oldSlot.ID).Error; err != nil {
		t.Fatalf("reloading old slot: %v", err)
	}
	if err := db.First(&fresh, newSlot.ID).Error; err != nil {
		t.Fatalf("reloading new slot: %v", err)
	}
	if old.Booked {
		t.Error("old slot still booked")
	}
	if !fresh.Booked {
		t.Error("new slot not booked")
	}
}

func TestApproveRescheduleWithoutRequest(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	_, err = engine.ApproveReschedule(identFor(therapistUser), appointment.ID)
	if !IsKind(err, KindInvalidState) {
		t.Fatalf("error = %v, want invalid state", err)
	}
}

func TestDeleteAppointmentPendingOnly(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	if _, err := engine.UpdateStatus(identFor(therapistUser), appointment.ID, StatusScheduled); err != nil {
		t.Fatalf("approving: %v", err)
	}

	if err := engine.DeleteAppointment(identFor(therapistUser), appointment.ID); !IsKind(err, KindInvalidState) {
		t.Fatalf("error = %v, want invalid state", err)
	}
}

func TestDeleteAppointmentReleasesSlot(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	if err := engine.DeleteAppointment(identFor(therapistUser), appointment.ID); err != nil {
		t.Fatalf("DeleteAppointment: %v", err)
	}

	var count int64
	db.Model(&models.Appointment{}).Count(&count)
	if count != 0 {
		t.Errorf("appointments remaining = %d, want 0", count)
	}

	var stored models.Availability
	if err := db.First(&stored, slot.ID).Error; err != nil {
		t.Fatalf("reloading slot: %v", err)
	}
	if stored.Booked {
		t.Error("slot still booked after delete")
	}
}

func TestAddAvailability(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	otherUser, _ := seedTherapist(t, db)
	adminUser := seedUser(t, db, models.RoleAdmin)

	start := slotStart()
	end := start.Add(time.Hour)

	slot, err := engine.AddAvailability(identFor(therapistUser), therapist.ID, start, end)
	if err != nil {
		t.Fatalf("AddAvailability: %v", err)
	}
	if slot.Booked {
		t.Error("new slot created booked")
	}

	if _, err := engine.AddAvailability(identFor(therapistUser), therapist.ID, start, end); !IsKind(err, KindConflict) {
		t.Errorf("duplicate slot error = %v, want conflict", err)
	}
	if _, err := engine.AddAvailability(identFor(therapistUser), therapist.ID, end, start); !IsKind(err, KindInvalidArgument) {
		t.Errorf("inverted window error = %v, want invalid argument", err)
	}
	if _, err := engine.AddAvailability(identFor(otherUser), therapist.ID, start.Add(2*time.Hour), end.Add(2*time.Hour)); !IsKind(err, KindForbidden) {
		t.Errorf("foreign calendar error = %v, want forbidden", err)
	}
	if _, err := engine.AddAvailability(identFor(adminUser), therapist.ID, start.Add(4*time.Hour), end.Add(4*time.Hour)); err != nil {
		t.Errorf("admin AddAvailability: %v", err)
	}
}

func TestDeleteAvailability(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)

	free := seedSlot(t, db, therapist.ID, slotStart())
	booked := seedSlot(t, db, therapist.ID, slotStart().Add(24*time.Hour))
	if _, err := engine.CreateAppointment(identFor(clientUser), booked.ID); err != nil {
		t.Fatalf("booking: %v", err)
	}

	if err := engine.DeleteAvailability(identFor(therapistUser), therapist.ID, booked.ID); !IsKind(err, KindConflict) {
		t.Errorf("deleting booked slot error = %v, want conflict", err)
	}

	if err := engine.DeleteAvailability(identFor(therapistUser), therapist.ID, free.ID); err != nil {
		t.Fatalf("DeleteAvailability: %v", err)
	}

	var count int64
	db.Model(&models.Availability{}).Count(&count)
	if count != 1 {
		t.Errorf("availabilities remaining = %d, want 1", count)
	}
}

func TestListAppointmentsAuthorization(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	_, therapist := seedTherapist(t, db)
	clientUser, client := seedClient(t, db)
	otherUser, _ := seedClient(t, db)
	adminUser := seedUser(t, db, models.RoleAdmin)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	if _, err := engine.CreateAppointment(identFor(clientUser), slot.ID); err != nil {
		t.Fatalf("booking: %v", err)
	}

	if _, _, err := engine.ListAppointmentsForClient(identFor(otherUser), client.ID, 1, 20); !IsKind(err, KindForbidden) {
		t.Errorf("foreign list error = %v, want forbidden", err)
	}

	own, total, err := engine.ListAppointmentsForClient(identFor(clientUser), client.ID, 1, 20)
	if err != nil {
		t.Fatalf("own list: %v", err)
	}
	if total != 1 || len(own) != 1 {
		t.Errorf("own list returned %d/%d appointments, want 1", len(own), total)
	}

	if _, _, err := engine.ListAppointmentsForClient(identFor(adminUser), client.ID, 1, 20); err != nil {
		t.Errorf("admin list: %v", err)
	}
}

func TestGetAppointmentParties(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	strangerUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	if _, err := engine.GetAppointment(identFor(clientUser), appointment.ID); err != nil {
		t.Errorf("client GetAppointment: %v", err)
	}
	if _, err := engine.GetAppointment(identFor(therapistUser), appointment.ID); err != nil {
		t.Errorf("therapist GetAppointment: %v", err)
	}
	if _, err := engine.GetAppointment(identFor(strangerUser), appointment.ID); !IsKind(err, KindForbidden) {
		t.Errorf("stranger GetAppointment error = %v, want forbidden", err)
	}
}

func TestConcurrentStatusDecisionsSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	// Every decision is terminal, so at most one may land. The rest must
	// fail on the terminal guard or on the guarded write, never overwrite.
	decisions := []Status{
		StatusCompleted,
		StatusNoShow,
		StatusCancelledByTherapist,
		StatusCancelledByClient,
	}

	var wg sync.WaitGroup
	results := make(chan error, len(decisions))
	for _, next := range decisions {
		wg.Add(1)
		go func(next Status) {
			defer wg.Done()
			_, err := engine.UpdateStatus(identFor(therapistUser), appointment.ID, next)
			results <- err
		}(next)
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case IsKind(err, KindInvalidState), IsKind(err, KindConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}

	var stored models.Appointment
	if err := db.First(&stored, appointment.ID).Error; err != nil {
		t.Fatalf("reloading appointment: %v", err)
	}
	if !Status(stored.Status).Terminal() {
		t.Errorf("final status = %s, want a terminal one", stored.Status)
	}
}

func TestConcurrentDeleteAndDecision(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	appointment, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- engine.DeleteAppointment(identFor(therapistUser), appointment.ID)
	}()
	go func() {
		defer wg.Done()
		_, err := engine.UpdateStatus(identFor(therapistUser), appointment.ID, StatusScheduled)
		results <- err
	}()
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case IsKind(err, KindInvalidState), IsKind(err, KindConflict), IsKind(err, KindNotFound):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}

	// Either outcome leaves the store consistent: the appointment is gone
	// with the slot free, or it survives as SCHEDULED on a booked slot.
	var count int64
	db.Model(&models.Appointment{}).Count(&count)
	var stored models.Availability
	if err := db.First(&stored, slot.ID).Error; err != nil {
		t.Fatalf("reloading slot: %v", err)
	}
	switch count {
	case 0:
		if stored.Booked {
			t.Error("slot still booked after winning delete")
		}
	case 1:
		var surviving models.Appointment
		if err := db.First(&surviving, appointment.ID).Error; err != nil {
			t.Fatalf("reloading appointment: %v", err)
		}
		if surviving.Status != string(StatusScheduled) {
			t.Errorf("surviving status = %s, want %s", surviving.Status, StatusScheduled)
		}
		if !stored.Booked {
			t.Error("slot released while the appointment survived")
		}
	default:
		t.Errorf("appointments remaining = %d, want 0 or 1", count)
	}
}

func TestConcurrentBookingAndAvailabilityDelete(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	therapistUser, therapist := seedTherapist(t, db)
	clientUser, _ := seedClient(t, db)
	slot := seedSlot(t, db, therapist.ID, slotStart())

	var wg sync.WaitGroup
	bookErr := make(chan error, 1)
	deleteErr := make(chan error, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := engine.CreateAppointment(identFor(clientUser), slot.ID)
		bookErr <- err
	}()
	go func() {
		defer wg.Done()
		deleteErr <- engine.DeleteAvailability(identFor(therapistUser), therapist.ID, slot.ID)
	}()
	wg.Wait()

	booked := <-bookErr == nil
	deleted := <-deleteErr == nil
	if booked && deleted {
		t.Fatal("slot was both booked and deleted")
	}

	var appointments int64
	db.Model(&models.Appointment{}).Count(&appointments)
	var stored models.Availability
	err := db.First(&stored, slot.ID).Error
	if booked {
		if err != nil {
			t.Fatalf("reloading slot after booking: %v", err)
		}
		if !stored.Booked {
			t.Error("slot not marked booked after winning booking")
		}
		if appointments != 1 {
			t.Errorf("appointments = %d, want 1", appointments)
		}
	} else {
		if err == nil {
			t.Error("slot still present after winning delete")
		}
		if appointments != 0 {
			t.Errorf("appointments = %d, want 0", appointments)
		}
	}
}
