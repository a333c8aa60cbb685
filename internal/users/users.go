// Package users resolves task owners to the addresses notifications go to.
package users

import (
	"context"
	"errors"

	"taskpulse/internal/notification"
)

var ErrUserNotFound = errors.New("user not found")

// Directory looks up a task owner's contact details.
type Directory interface {
	GetUser(ctx context.Context, ownerID int64) (notification.Contact, error)
}

// Static serves contacts from a fixed map. Unknown ids return ErrUserNotFound.
type Static map[int64]notification.Contact

func (s Static) GetUser(_ context.Context, ownerID int64) (notification.Contact, error) {
	c, ok := s[ownerID]
	if !ok {
		return notification.Contact{}, ErrUserNotFound
	}
	return c, nil
}
