// Package identity is the authentication collaborator: registration,
// password sign-in, access tokens and session-change notifications.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskhub/internal/domain"
)

// Session is an authenticated sign-in.
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenID     string    `json:"-"`
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Attributes are the profile fields stored alongside a new identity.
type Attributes struct {
	FullName   string
	Role       domain.Role
	Department *string
}

// Provider is what the session tracker and the engine need from an identity backend.
type Provider interface {
	SignUp(ctx context.Context, email, password string, attrs Attributes) (domain.User, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	Subscribe(fn func(*Session)) (unsubscribe func())
}

var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrAlreadyRegistered  = errors.New("user already registered")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrWeakPassword       = errors.New("password too short")
	ErrInvalidEmail       = errors.New("invalid email")
)

// AuthError is the identity-side store error: a failed identity operation,
// reported verbatim to the caller.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func authErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return err
	}
	return &AuthError{Op: op, Err: err}
}
