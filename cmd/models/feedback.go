package models

import (
	"gorm.io/gorm"
)

// Feedback is the client's rating of a completed appointment. One per
// appointment; the unique index backs the duplicate-feedback conflict.
type Feedback struct {
	gorm.Model
	AppointmentID uint   `gorm:"column:appointment_id;not null;uniqueIndex" json:"appointment_id"`
	ClientID      uint   `gorm:"column:client_id;not null" json:"client_id"`
	Rating        int    `gorm:"column:rating;not null" json:"rating"`
	Comment       string `gorm:"column:comment;type:text" json:"comment"`

	Appointment *Appointment `gorm:"foreignKey:AppointmentID" json:"-"`
	Client      *Client      `gorm:"foreignKey:ClientID" json:"-"`
}

func (Feedback) TableName() string {
	return "feedbacks"
}

// Note is a therapist's session note on an appointment. Private notes are
// never returned to the client.
type Note struct {
	gorm.Model
	AppointmentID uint   `gorm:"column:appointment_id;not null" json:"appointment_id"`
	Content       string `gorm:"column:content;type:text;not null" json:"content"`
	Private       bool   `gorm:"column:private;not null;default:true" json:"private"`

	Appointment *Appointment `gorm:"foreignKey:AppointmentID" json:"-"`
}

func (Note) TableName() string {
	return "notes"
}
