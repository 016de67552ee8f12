// Package uuid provides identifier generation for queued changes and
// records created while offline.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// OfflinePrefix marks identifiers minted on the client for records the
// server has not seen yet.
const OfflinePrefix = "offline-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewOfflineID generates a temporary identifier for a record created while
// offline, e.g. "offline-6f1c...".
func NewOfflineID() string {
	return OfflinePrefix + uuid.New().String()
}

// IsOfflineID reports whether id was minted by NewOfflineID.
func IsOfflineID(id string) bool {
	return strings.HasPrefix(id, OfflinePrefix)
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
