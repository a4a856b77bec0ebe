package entities

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const maxIdentifierLength = 128

var (
	// ErrInvalidID indicates that a document identifier is empty, too long or contains whitespace.
	ErrInvalidID = errors.New("entities: invalid document id")
	// ErrInvalidInstanceID indicates that an instance identifier is not a valid uuid.
	ErrInvalidInstanceID = errors.New("entities: invalid instance id")
)

// Id identifies a document across every instance of the archive.
type Id string

// NewId issues a fresh UUIDv7 document identifier.
func NewId() (Id, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return Id(value.String()), nil
}

// ParseId validates raw input and returns an Id.
func ParseId(rawInput string) (Id, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	if strings.IndexFunc(trimmed, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: contains whitespace", ErrInvalidID)
	}
	return Id(trimmed), nil
}

// String returns the underlying string identifier.
func (id Id) String() string {
	return string(id)
}

// InstanceID identifies a single store; it is the vector clock dimension key.
type InstanceID string

// NewInstanceID issues a random instance identifier.
func NewInstanceID() InstanceID {
	return InstanceID(uuid.NewString())
}

// ParseInstanceID validates raw input and returns an InstanceID.
func ParseInstanceID(rawInput string) (InstanceID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(rawInput))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInstanceID, err)
	}
	return InstanceID(parsed.String()), nil
}

// String returns the underlying string identifier.
func (id InstanceID) String() string {
	return string(id)
}
