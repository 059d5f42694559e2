package booking

import (
	"github.com/ardademir/randevu-server/cmd/models"
	"gorm.io/gorm"
)

// PurgeTherapist removes a therapist profile and everything hanging off
// it: the appointments with their feedback and notes, and the whole
// calendar. Callers run it inside a transaction.
func PurgeTherapist(tx *gorm.DB, therapistID uint) error {
	var appointmentIDs []uint
	if err := tx.Model(&models.Appointment{}).
		Where("therapist_id = ?", therapistID).
		Pluck("id", &appointmentIDs).Error; err != nil {
		return wrap(err, "listing therapist appointments")
	}
	if err := purgeAppointments(tx, appointmentIDs); err != nil {
		return err
	}

	if err := tx.Unscoped().Where("therapist_id = ?", therapistID).
		Delete(&models.Availability{}).Error; err != nil {
		return wrap(err, "deleting therapist availabilities")
	}
	if err := tx.Unscoped().Delete(&models.Therapist{}, therapistID).Error; err != nil {
		return wrap(err, "deleting therapist")
	}
	return nil
}

// PurgeClient removes a client profile and its appointments. Slots still
// held by a live appointment are released; the therapist keeps the
// calendar. Callers run it inside a transaction.
func PurgeClient(tx *gorm.DB, clientID uint) error {
	var appointments []models.Appointment
	if err := tx.Where("client_id = ?", clientID).Find(&appointments).Error; err != nil {
		return wrap(err, "listing client appointments")
	}

	appointmentIDs := make([]uint, 0, len(appointments))
	for _, appointment := range appointments {
		appointmentIDs = append(appointmentIDs, appointment.ID)
		if Status(appointment.Status).Terminal() {
			// Terminal appointments released their slot already, or the
			// slot has since been rebooked by someone else.
			continue
		}
		if err := tx.Model(&models.Availability{}).
			Where("id = ?", appointment.AvailabilityID).
			Update("booked", false).Error; err != nil {
			return wrap(err, "releasing client slot")
		}
	}
	if err := purgeAppointments(tx, appointmentIDs); err != nil {
		return err
	}

	if err := tx.Unscoped().Delete(&models.Client{}, clientID).Error; err != nil {
		return wrap(err, "deleting client")
	}
	return nil
}

func purgeAppointments(tx *gorm.DB, appointmentIDs []uint) error {
	if len(appointmentIDs) == 0 {
		return nil
	}
	if err := tx.Unscoped().Where("appointment_id IN ?", appointmentIDs).
		Delete(&models.Feedback{}).Error; err != nil {
		return wrap(err, "deleting appointment feedback")
	}
	if err := tx.Unscoped().Where("appointment_id IN ?", appointmentIDs).
		Delete(&models.Note{}).Error; err != nil {
		return wrap(err, "deleting appointment notes")
	}
	if err := tx.Unscoped().Where("id IN ?", appointmentIDs).
		Delete(&models.Appointment{}).Error; err != nil {
		return wrap(err, "deleting appointments")
	}
	return nil
}
