package models

import (
	"time"
)

type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username,omitempty"`
	Email        string     `json:"email,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	PasswordHash string     `json:"-"`
	Verified     bool       `json:"verified"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DisplayName returns the first non-empty identity field.
func (u *User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	if u.Email != "" {
		return u.Email
	}
	return u.Phone
}
