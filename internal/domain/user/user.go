package user

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a requested user does not exist.
var ErrNotFound = errors.New("user not found")

// User is the subset of a customer account the checkout needs.
type User struct {
	ID    string
	Name  string
	Email string
}

// Repository defines read operations for users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*User, error)
}
