package model

import (
	"strings"
	"time"
)

// Role is the closed set of identities the system recognizes. Raw role
// strings from any trust boundary (cookie, request body, database) must go
// through NormalizeRole before comparison.
type Role string

const (
	RoleStudent    Role = "student"
	RoleDriver     Role = "driver"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// NormalizeRole maps the spellings seen in the wild ("super-admin",
// "SUPER_ADMIN") onto the canonical enumeration. Unknown values return
// false.
func NormalizeRole(raw string) (Role, bool) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	switch Role(normalized) {
	case RoleStudent, RoleDriver, RoleAdmin, RoleSuperAdmin:
		return Role(normalized), true
	default:
		return "", false
	}
}

// PasswordRole reports whether the role authenticates with a password
// (as opposed to the student OTP flow).
func (r Role) PasswordRole() bool {
	return r == RoleDriver || r == RoleAdmin || r == RoleSuperAdmin
}

// StaffAccount is a password-based identity stored in the admins table.
// PasswordHash normally holds a bcrypt hash but may still contain a legacy
// plaintext password awaiting migration-on-login.
type StaffAccount struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	Name         string
	Phone        *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StudentProfile is a passwordless identity created on first OTP login.
type StudentProfile struct {
	ID         string
	Email      string
	Role       Role
	FullName   *string
	Phone      *string
	IsVerified bool
	CreatedAt  time.Time
}

// OTP is a one-time passcode challenge. Rows are never deleted; a row is
// dead once Used is true or ExpiresAt has passed.
type OTP struct {
	ID        string
	Email     string
	Code      string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// Expired reports whether the code is past its expiry at the given instant.
func (o OTP) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Location is a single GPS ping from a broadcasting driver.
type Location struct {
	ID        string
	UserID    string
	Latitude  float64
	Longitude float64
	Speed     float64
	Heading   float64
	BusID     *string
	CreatedAt time.Time
}

// EmergencyAlert records a driver-raised emergency for the admin fleet view.
type EmergencyAlert struct {
	ID          string
	DriverID    string
	DriverEmail string
	DriverName  string
	BusID       string
	Latitude    float64
	Longitude   float64
	Status      string
	CreatedAt   time.Time
}
