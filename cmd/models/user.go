package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Role values stored on User.Role. The auth middleware resolves the role
// from the database on every request; request bodies never carry a role
// that is trusted.
const (
	RoleClient    = "client"
	RoleTherapist = "therapist"
	RoleAdmin     = "admin"
)

type User struct {
	gorm.Model
	FullName              string    `gorm:"column:full_name;size:255;not null" json:"full_name"`
	Email                 string    `gorm:"column:email;size:255;uniqueIndex;not null" json:"email"`
	PasswordHash          string    `gorm:"column:password_hash;size:255;not null" json:"-"`
	Role                  string    `gorm:"column:role;size:50;not null" json:"role"`
	Phone                 string    `gorm:"column:phone;size:20" json:"phone"`
	EmailVerified         bool      `gorm:"column:email_verified;default:false" json:"email_verified"`
	EmailVerificationCode string    `gorm:"column:email_verification_code;size:6" json:"-"`
	VerificationExpiry    time.Time `gorm:"column:verification_expiry" json:"-"`
	Refresh               string    `gorm:"column:refresh_token;size:255" json:"-"`
	RefreshTokenExpiredAt time.Time `gorm:"column:refresh_token_expired_at" json:"-"`

	Therapist *Therapist `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"therapist,omitempty"`
	Client    *Client    `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"client,omitempty"`
}

type Therapist struct {
	gorm.Model
	UserID         uint           `gorm:"column:user_id;not null;uniqueIndex" json:"user_id"`
	Specialization string         `gorm:"column:specialization;size:255;not null" json:"specialization"`
	Specialties    pq.StringArray `gorm:"column:specialties;type:text[]" json:"specialties"`
	Experience     string         `gorm:"column:experience;size:255" json:"experience"`
	About          string         `gorm:"column:about;type:text" json:"about"`

	User           *User          `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Availabilities []Availability `gorm:"foreignKey:TherapistID;constraint:OnDelete:CASCADE" json:"availabilities,omitempty"`
	Appointments   []Appointment  `gorm:"foreignKey:TherapistID" json:"-"`
}

func (Therapist) TableName() string {
	return "therapists"
}

type Client struct {
	gorm.Model
	UserID uint `gorm:"column:user_id;not null;uniqueIndex" json:"user_id"`

	User         *User         `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Appointments []Appointment `gorm:"foreignKey:ClientID" json:"-"`
	Feedbacks    []Feedback    `gorm:"foreignKey:ClientID" json:"-"`
}

func (Client) TableName() string {
	return "clients"
}

type PasswordResetToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"not null"`
	Token     string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
}
