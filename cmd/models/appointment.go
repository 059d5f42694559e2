package models

import (
	"time"

	"gorm.io/gorm"
)

// Appointment is a client's booking of a single availability window.
// StartTime and EndTime are copied from the availability when the booking
// is made and are never re-derived afterwards; the slot may be deleted or
// rebooked later without rewriting appointment history.
type Appointment struct {
	gorm.Model
	ReferenceCode           string     `gorm:"column:reference_code;size:36;uniqueIndex" json:"reference_code"`
	ClientID                uint       `gorm:"column:client_id;not null" json:"client_id"`
	TherapistID             uint       `gorm:"column:therapist_id;not null" json:"therapist_id"`
	AvailabilityID          uint       `gorm:"column:availability_id;not null" json:"availability_id"`
	StartTime               time.Time  `gorm:"column:start_time;not null" json:"start_time"`
	EndTime                 time.Time  `gorm:"column:end_time;not null" json:"end_time"`
	Status                  string     `gorm:"column:status;size:50;not null" json:"status"`
	RequestedRescheduleTime *time.Time `gorm:"column:requested_reschedule_time" json:"requested_reschedule_time,omitempty"`

	Client       *Client       `gorm:"foreignKey:ClientID" json:"client,omitempty"`
	Therapist    *Therapist    `gorm:"foreignKey:TherapistID" json:"therapist,omitempty"`
	Availability *Availability `gorm:"foreignKey:AvailabilityID" json:"availability,omitempty"`
	Feedback     *Feedback     `gorm:"foreignKey:AppointmentID" json:"feedback,omitempty"`
	Notes        []Note        `gorm:"foreignKey:AppointmentID" json:"notes,omitempty"`
}

func (Appointment) TableName() string {
	return "appointments"
}
