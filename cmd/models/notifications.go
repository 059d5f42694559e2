package models

import (
	"time"

	"gorm.io/gorm"
)

// Device is an Expo push registration for one of a user's devices.
type Device struct {
	gorm.Model
	UserID     uint   `gorm:"column:user_id;not null;index" json:"user_id"`
	Token      string `gorm:"column:token;size:255;not null" json:"token"`
	DeviceType string `gorm:"column:device_type;size:50" json:"device_type"`
	DeviceName string `gorm:"column:device_name;size:255" json:"device_name"`
}

func (Device) TableName() string {
	return "devices"
}

type NotificationHistory struct {
	gorm.Model
	UserID uint      `gorm:"column:user_id;not null;index" json:"user_id"`
	Title  string    `gorm:"column:title;size:255;not null" json:"title"`
	Body   string    `gorm:"column:body;type:text" json:"body"`
	Data   string    `gorm:"column:data;type:text" json:"data"`
	Status string    `gorm:"column:status;size:20;not null" json:"status"`
	SentAt time.Time `gorm:"column:sent_at" json:"sent_at"`
}

func (NotificationHistory) TableName() string {
	return "notification_histories"
}
