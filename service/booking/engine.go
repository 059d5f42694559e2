package booking

import (
	"errors"
	"strings"
	"time"

	"github.com/ardademir/randevu-server/cmd/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Identity is the caller as resolved by the auth middleware: the user row's
// id, email and role. The engine never re-queries capabilities; every
// operation decides from this one struct plus record ownership.
type Identity struct {
	UserID uint
	Email  string
	Role   string
}

func (i Identity) IsAdmin() bool {
	return i.Role == models.RoleAdmin
}

// Engine enforces the appointment state machine, slot exclusivity and
// per-role authorization. Operations that touch both an appointment and an
// availability run in a single transaction; the booked flag is only ever
// flipped with a compare-and-set so concurrent bookings of the same slot
// resolve to one winner.
type Engine struct {
	db *gorm.DB
}

func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db}
}

// CreateAppointment books the given availability for the calling client.
// The new appointment starts in PENDING_APPROVAL with the slot's times
// copied onto it.
func (e *Engine) CreateAppointment(ident Identity, availabilityID uint) (*models.Appointment, error) {
	if ident.Role != models.RoleClient {
		return nil, forbidden("only clients can book appointments")
	}

	var client models.Client
	if err := e.db.Where("user_id = ?", ident.UserID).First(&client).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("client record not found")
		}
		return nil, wrap(err, "loading client")
	}

	tx := e.db.Begin()
	if tx.Error != nil {
		return nil, wrap(tx.Error, "starting booking transaction")
	}

	var availability models.Availability
	if err := tx.First(&availability, availabilityID).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("availability not found")
		}
		return nil, wrap(err, "loading availability")
	}

	// Compare-and-set: of N concurrent bookings for this slot exactly one
	// update matches booked=false.
	result := tx.Model(&models.Availability{}).
		Where("id = ? AND booked = ?", availability.ID, false).
		Update("booked", true)
	if result.Error != nil {
		tx.Rollback()
		return nil, wrap(result.Error, "booking slot")
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, conflict("availability is already booked")
	}

	appointment := models.Appointment{
		ReferenceCode:  uuid.NewString(),
		ClientID:       client.ID,
		TherapistID:    availability.TherapistID,
		AvailabilityID: availability.ID,
		StartTime:      availability.StartTime,
		EndTime:        availability.EndTime,
		Status:         string(StatusPendingApproval),
	}
	if err := tx.Create(&appointment).Error; err != nil {
		tx.Rollback()
		return nil, wrap(err, "creating appointment")
	}

	if err := tx.Commit().Error; err != nil {
		return nil, wrap(err, "committing booking")
	}
	return &appointment, nil
}

// UpdateStatus is the therapist's (or an admin's) decision step: approve,
// start, complete, mark no-show, cancel, or settle a client request. Moving
// into a cancelled status releases the slot in the same transaction.
func (e *Engine) UpdateStatus(ident Identity, appointmentID uint, next Status) (*models.Appointment, error) {
	if _, err := ParseStatus(string(next)); err != nil {
		return nil, err
	}

	appointment, err := e.loadAppointment(appointmentID)
	if err != nil {
		return nil, err
	}
	if !e.isTherapistOwner(appointment, ident) && !ident.IsAdmin() {
		return nil, forbidden("not allowed to update this appointment")
	}
	if Status(appointment.Status).Terminal() {
		return nil, invalidState("appointment is already in a final status")
	}

	tx := e.db.Begin()
	if tx.Error != nil {
		return nil, wrap(tx.Error, "starting status transaction")
	}

	if next.Cancelled() {
		if err := e.releaseSlot(tx, appointment.AvailabilityID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	// Guarded on the status we loaded: a concurrent decision that committed
	// first leaves zero rows matching, so the terminal check cannot be
	// bypassed by a stale read.
	result := tx.Model(&models.Appointment{}).
		Where("id = ? AND status = ?", appointment.ID, appointment.Status).
		Updates(map[string]interface{}{
			"status":                    string(next),
			"requested_reschedule_time": nil,
		})
	if result.Error != nil {
		tx.Rollback()
		return nil, wrap(result.Error, "updating appointment status")
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, conflict("appointment was updated concurrently")
	}

	if err := tx.Commit().Error; err != nil {
		return nil, wrap(err, "committing status update")
	}

	appointment.Status = string(next)
	appointment.RequestedRescheduleTime = nil
	return appointment, nil
}

// RequestCancel records the owning client's cancellation request. The slot
// stays booked until the therapist or an admin settles the request.
func (e *Engine) RequestCancel(ident Identity, appointmentID uint, requested Status) (*models.Appointment, error) {
	appointment, err := e.loadAppointment(appointmentID)
	if err != nil {
		return nil, err
	}
	if !e.isClientOwner(appointment, ident) {
		return nil, forbidden("not allowed to request cancellation of this appointment")
	}
	if requested != StatusCancelRequestedByClient {
		return nil, forbidden("clients may only request a cancellation")
	}
	if Status(appointment.Status).Terminal() {
		return nil, invalidState("appointment is already in a final status")
	}

	if err := e.db.Model(appointment).
		Update("status", string(StatusCancelRequestedByClient)).Error; err != nil {
		return nil, wrap(err, "recording cancel request")
	}
	appointment.Status = string(StatusCancelRequestedByClient)
	return appointment, nil
}

// RequestReschedule records the owning client's proposal to move the
// appointment to newTime. The therapist must have an unbooked availability
// starting exactly at newTime. Neither slot changes until the request is
// approved.
func (e *Engine) RequestReschedule(ident Identity, appointmentID uint, newTime *time.Time) (*models.Appointment, error) {
	appointment, err := e.loadAppointment(appointmentID)
	if err != nil {
		return nil, err
	}
	if !e.isClientOwner(appointment, ident) {
		return nil, forbidden("not allowed to reschedule this appointment")
	}
	if newTime == nil {
		return nil, invalidArgument("a new appointment time is required")
	}
	if Status(appointment.Status).Terminal() {
		return nil, invalidState("appointment is already in a final status")
	}

	free, err := e.IsTherapistFreeAt(appointment.TherapistID, *newTime)
	if err != nil {
		return nil, err
	}
	if !free {
		return nil, conflict("the therapist has no free slot at the requested time")
	}

	updates := map[string]interface{}{
		"status":                    string(StatusRescheduleRequestedByClient),
		"requested_reschedule_time": *newTime,
	}
	if err := e.db.Model(appointment).Updates(updates).Error; err != nil {
		return nil, wrap(err, "recording reschedule request")
	}
	appointment.Status = string(StatusRescheduleRequestedByClient)
	appointment.RequestedRescheduleTime = newTime
	return appointment, nil
}

// ApproveReschedule finalizes a client's reschedule request: the slot at
// the requested time is booked, the old slot released, and the
// appointment's copied times are rewritten, all in one transaction.
func (e *Engine) ApproveReschedule(ident Identity, appointmentID uint) (*models.Appointment, error) {
	appointment, err := e.loadAppointment(appointmentID)
	if err != nil {
		return nil, err
	}
	if !e.isTherapistOwner(appointment, ident) && !ident.IsAdmin() {
		return nil, forbidden("not allowed to approve this reschedule")
	}
	if Status(appointment.Status) != StatusRescheduleRequestedByClient {
		return nil, invalidState("appointment has no pending reschedule request")
	}
	if appointment.RequestedRescheduleTime == nil {
		return nil, invalidState("reschedule request has no requested time")
	}

	tx := e.db.Begin()
	if tx.Error != nil {
		return nil, wrap(tx.Error, "starting reschedule transaction")
	}

	var slot models.Availability
	err = tx.Where("therapist_id = ? AND start_time = ? AND booked = ?",
		appointment.TherapistID, *appointment.RequestedRescheduleTime, false).
		First(&slot).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, conflict("the requested slot is no longer free")
		}
		return nil, wrap(err, "loading requested slot")
	}

	result := tx.Model(&models.Availability{}).
		Where("id = ? AND booked = ?", slot.ID, false).
		Update("booked", true)
	if result.Error != nil {
		tx.Rollback()
		return nil, wrap(result.Error, "booking requested slot")
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, conflict("the requested slot is no longer free")
	}

	if err := e.releaseSlot(tx, appointment.AvailabilityID); err != nil {
		tx.Rollback()
		return nil, err
	}

	result = tx.Model(&models.Appointment{}).
		Where("id = ? AND status = ?", appointment.ID, string(StatusRescheduleRequestedByClient)).
		Updates(map[string]interface{}{
			"availability_id":           slot.ID,
			"start_time":                slot.StartTime,
			"end_time":                  slot.EndTime,
			"status":                    string(StatusScheduled),
			"requested_reschedule_time": nil,
		})
	if result.Error != nil {
		tx.Rollback()
		return nil, wrap(result.Error, "moving appointment to new slot")
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, conflict("appointment was updated concurrently")
	}

	if err := tx.Commit().Error; err != nil {
		return nil, wrap(err, "committing reschedule")
	}

	appointment.AvailabilityID = slot.ID
	appointment.StartTime = slot.StartTime
	appointment.EndTime = slot.EndTime
	appointment.Status = string(StatusScheduled)
	appointment.RequestedRescheduleTime = nil
	return appointment, nil
}

// DeleteAppointment hard-deletes an appointment that is still awaiting
// approval and releases its slot. Only the owning therapist or an admin may
// delete, and only while the status is PENDING_APPROVAL.
func (e *Engine) DeleteAppointment(ident Identity, appointmentID uint) error {
	appointment, err := e.loadAppointment(appointmentID)
	if err != nil {
		return err
	}
	if !e.isTherapistOwner(appointment, ident) && !ident.IsAdmin() {
		return forbidden("not allowed to delete this appointment")
	}
	if Status(appointment.Status) != StatusPendingApproval {
		return invalidState("only pending appointments can be deleted")
	}

	tx := e.db.Begin()
	if tx.Error != nil {
		return wrap(tx.Error, "starting delete transaction")
	}
	if err := e.releaseSlot(tx, appointment.AvailabilityID); err != nil {
		tx.Rollback()
		return err
	}
	// Status re-checked in the delete itself so a decision committed after
	// our read keeps the row.
	result := tx.Unscoped().
		Where("id = ? AND status = ?", appointment.ID, string(StatusPendingApproval)).
		Delete(&models.Appointment{})
	if result.Error != nil {
		tx.Rollback()
		return wrap(result.Error, "deleting appointment")
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return invalidState("only pending appointments can be deleted")
	}
	if err := tx.Commit().Error; err != nil {
		return wrap(err, "committing delete")
	}
	return nil
}

// AddAvailability declares a new bookable window for a therapist. A
// therapist may only add to their own calendar; admins may add anywhere.
func (e *Engine) AddAvailability(ident Identity, therapistID uint, start, end time.Time) (*models.Availability, error) {
	if ident.Role != models.RoleTherapist && !ident.IsAdmin() {
		return nil, forbidden("only therapists or admins can add availability")
	}

	var therapist models.Therapist
	if err := e.db.First(&therapist, therapistID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("therapist not found")
		}
		return nil, wrap(err, "loading therapist")
	}
	if !ident.IsAdmin() && therapist.UserID != ident.UserID {
		return nil, forbidden("therapists can only manage their own availability")
	}
	if !end.After(start) {
		return nil, invalidArgument("end time must be after start time")
	}

	var count int64
	err := e.db.Model(&models.Availability{}).
		Where("therapist_id = ? AND start_time = ? AND end_time = ?", therapistID, start, end).
		Count(&count).Error
	if err != nil {
		return nil, wrap(err, "checking for duplicate slot")
	}
	if count > 0 {
		return nil, conflict("an identical availability already exists")
	}

	availability := models.Availability{
		TherapistID: therapistID,
		StartTime:   start,
		EndTime:     end,
		Booked:      false,
	}
	if err := e.db.Create(&availability).Error; err != nil {
		// Unique index backstop for the race between check and insert.
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(err.Error(), "duplicate key") ||
			strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, conflict("an identical availability already exists")
		}
		return nil, wrap(err, "creating availability")
	}
	return &availability, nil
}

// DeleteAvailability removes an unbooked slot from a therapist's calendar.
// Deleting a booked slot is rejected: a live appointment references it.
func (e *Engine) DeleteAvailability(ident Identity, therapistID, availabilityID uint) error {
	var therapist models.Therapist
	if err := e.db.First(&therapist, therapistID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("therapist not found")
		}
		return wrap(err, "loading therapist")
	}
	if !ident.IsAdmin() && therapist.UserID != ident.UserID {
		return forbidden("not allowed to delete this availability")
	}

	var availability models.Availability
	err := e.db.Where("id = ? AND therapist_id = ?", availabilityID, therapistID).
		First(&availability).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("availability not found for this therapist")
		}
		return wrap(err, "loading availability")
	}
	if availability.Booked {
		return conflict("availability has a live appointment")
	}

	// booked=false repeated in the delete so a booking landing between the
	// read above and here keeps the slot.
	result := e.db.Unscoped().
		Where("id = ? AND therapist_id = ? AND booked = ?", availabilityID, therapistID, false).
		Delete(&models.Availability{})
	if result.Error != nil {
		return wrap(result.Error, "deleting availability")
	}
	if result.RowsAffected == 0 {
		return conflict("availability has a live appointment")
	}
	return nil
}

// IsTherapistFreeAt reports whether the therapist has an unbooked
// availability starting exactly at t. Exact start-time matching is the
// deployed reschedule policy.
func (e *Engine) IsTherapistFreeAt(therapistID uint, t time.Time) (bool, error) {
	var count int64
	err := e.db.Model(&models.Availability{}).
		Where("therapist_id = ? AND start_time = ? AND booked = ?", therapistID, t, false).
		Count(&count).Error
	if err != nil {
		return false, wrap(err, "checking therapist availability")
	}
	return count > 0, nil
}

// ListAvailabilitiesForTherapist returns the therapist's slots ordered by
// start time ascending.
func (e *Engine) ListAvailabilitiesForTherapist(therapistID uint, page, pageSize int) ([]models.Availability, int64, error) {
	query := e.db.Model(&models.Availability{}).Where("therapist_id = ?", therapistID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrap(err, "counting availabilities")
	}

	var availabilities []models.Availability
	err := query.Order("start_time asc").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&availabilities).Error
	if err != nil {
		return nil, 0, wrap(err, "listing availabilities")
	}
	return availabilities, total, nil
}

// ListAppointmentsForClient returns a client's appointments, newest first.
// Clients may only read their own list; admins may read any.
func (e *Engine) ListAppointmentsForClient(ident Identity, clientID uint, page, pageSize int) ([]models.Appointment, int64, error) {
	var client models.Client
	if err := e.db.First(&client, clientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, notFound("client not found")
		}
		return nil, 0, wrap(err, "loading client")
	}
	if !ident.IsAdmin() && client.UserID != ident.UserID {
		return nil, 0, forbidden("not allowed to view this client's appointments")
	}
	return e.listAppointments("client_id = ?", clientID, page, pageSize)
}

// ListAppointmentsForTherapist returns a therapist's appointments, newest
// first. Therapists may only read their own list; admins may read any.
func (e *Engine) ListAppointmentsForTherapist(ident Identity, therapistID uint, page, pageSize int) ([]models.Appointment, int64, error) {
	var therapist models.Therapist
	if err := e.db.First(&therapist, therapistID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, notFound("therapist not found")
		}
		return nil, 0, wrap(err, "loading therapist")
	}
	if !ident.IsAdmin() && therapist.UserID != ident.UserID {
		return nil, 0, forbidden("not allowed to view this therapist's appointments")
	}
	return e.listAppointments("therapist_id = ?", therapistID, page, pageSize)
}

// GetAppointment returns one appointment to a party of it (or an admin).
func (e *Engine) GetAppointment(ident Identity, appointmentID uint) (*models.Appointment, error) {
	appointment, err := e.loadAppointment(appointmentID)
	if err != nil {
		return nil, err
	}
	if !ident.IsAdmin() && !e.isClientOwner(appointment, ident) && !e.isTherapistOwner(appointment, ident) {
		return nil, forbidden("not allowed to view this appointment")
	}
	return appointment, nil
}

func (e *Engine) listAppointments(cond string, id uint, page, pageSize int) ([]models.Appointment, int64, error) {
	query := e.db.Model(&models.Appointment{}).Where(cond, id)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrap(err, "counting appointments")
	}

	var appointments []models.Appointment
	err := query.Preload("Client").Preload("Therapist").
		Order("start_time desc").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&appointments).Error
	if err != nil {
		return nil, 0, wrap(err, "listing appointments")
	}
	return appointments, total, nil
}

func (e *Engine) loadAppointment(id uint) (*models.Appointment, error) {
	var appointment models.Appointment
	err := e.db.Preload("Client").Preload("Therapist").First(&appointment, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("appointment not found")
		}
		return nil, wrap(err, "loading appointment")
	}
	return &appointment, nil
}

func (e *Engine) isTherapistOwner(a *models.Appointment, ident Identity) bool {
	return a.Therapist != nil && a.Therapist.UserID == ident.UserID
}

func (e *Engine) isClientOwner(a *models.Appointment, ident Identity) bool {
	return a.Client != nil && a.Client.UserID == ident.UserID
}

// releaseSlot is the idempotent inverse of the booking CAS.
func (e *Engine) releaseSlot(tx *gorm.DB, availabilityID uint) error {
	err := tx.Model(&models.Availability{}).
		Where("id = ?", availabilityID).
		Update("booked", false).Error
	if err != nil {
		return wrap(err, "releasing slot")
	}
	return nil
}
