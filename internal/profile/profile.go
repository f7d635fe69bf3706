// Package profile is the client for the external profile store. Profiles are
// written out-of-band by the identity-sync webhook and read on demand during
// match evaluation; nothing here is cached beyond a single call.
package profile

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no profile exists for an identity.
var ErrNotFound = errors.New("profile: not found")

// Profile is the read-only snapshot held by the external store.
type Profile struct {
	UserID    string `dynamodbav:"userId" json:"userId"`
	FirstName string `dynamodbav:"firstName" json:"firstName,omitempty"`
	LastName  string `dynamodbav:"lastName" json:"lastName,omitempty"`
	Handle    string `dynamodbav:"handle" json:"handle,omitempty"`
	Interests string `dynamodbav:"interests" json:"interests,omitempty"`
	Gender    string `dynamodbav:"gender" json:"gender,omitempty"`
	Location  string `dynamodbav:"location" json:"location,omitempty"`
	BirthDate string `dynamodbav:"birthDate" json:"birthDate,omitempty"` // YYYY-MM-DD
	AvatarURL string `dynamodbav:"avatarUrl" json:"avatarUrl,omitempty"`
}

// Source fetches profile snapshots by identity. The match coordinator depends
// on this interface rather than on the DynamoDB client so its state machine
// can be exercised without AWS.
type Source interface {
	FetchProfile(ctx context.Context, userID string) (*Profile, error)
}
