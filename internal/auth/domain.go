package auth

import (
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/auth/token"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// User represents an authenticated user account.
type User struct {
	ID           int64
	Email        string
	FirstName    string
	LastName     string
	Role         string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal converts the account into the request identity.
func (u *User) Principal() *shared.Principal {
	return &shared.Principal{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		IsActive:  u.IsActive,
	}
}

// Subject is the token identity of the account.
func (u *User) Subject() token.Subject {
	return token.Subject{UserID: u.ID, Email: u.Email, Role: u.Role}
}

// NewUser carries the fields needed to create an account.
type NewUser struct {
	Email        string
	FirstName    string
	LastName     string
	Role         string
	PasswordHash string
}

// Session is returned by login and registration.
type Session struct {
	User         *shared.Principal `json:"user"`
	Permissions  []string          `json:"permissions"`
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
}

// Profile is returned by /auth/me.
type Profile struct {
	User        *shared.Principal `json:"user"`
	Permissions []string          `json:"permissions"`
}
