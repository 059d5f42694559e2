package models

import (
	"time"

	"gorm.io/gorm"
)

// Availability is a therapist-declared bookable time window. The booked
// flag is owned by the booking engine: it is true exactly when one live
// appointment references the slot, and it is only ever flipped inside the
// engine's transactions.
type Availability struct {
	gorm.Model
	TherapistID uint      `gorm:"column:therapist_id;not null;uniqueIndex:idx_therapist_slot" json:"therapist_id"`
	StartTime   time.Time `gorm:"column:start_time;not null;uniqueIndex:idx_therapist_slot" json:"start_time"`
	EndTime     time.Time `gorm:"column:end_time;not null;uniqueIndex:idx_therapist_slot" json:"end_time"`
	Booked      bool      `gorm:"column:booked;not null;default:false" json:"booked"`

	Therapist *Therapist `gorm:"foreignKey:TherapistID" json:"-"`
}

func (Availability) TableName() string {
	return "availabilities"
}
