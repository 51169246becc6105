package types

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is a UUID wrapper used for members, records, events and attachments.
// Member IDs come from the hosted auth service and are UUIDs as well.
type ID string

// keyedNamespace scopes keyed IDs generated by this service.
var keyedNamespace = uuid.MustParse("2c7a5f0e-4b8d-4f7e-9a51-6a1f0d3c8e42")

// NewID generates a new random ID
func NewID() ID {
	return ID(uuid.New().String())
}

// NewKeyedID returns the same UUID (v8, HMAC-SHA256) for the same secret,
// scope and name. Without the secret the ID cannot be recomputed from the
// name, so it can stand in for a member, e.g. one anonymous ballot per
// member per survey.
func NewKeyedID(secret []byte, scope, name string) ID {
	return ID(uuid.NewHash(hmac.New(sha256.New, secret), keyedNamespace, []byte(scope+":"+name), 8).String())
}

// ParseID parses a string into an ID
func ParseID(s string) (ID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid ID: %w", err)
	}
	return ID(s), nil
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsZero checks if the ID is empty
func (id ID) IsZero() bool {
	return id == ""
}

// Value implements driver.Valuer
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return string(id), nil
}

// Scan implements sql.Scanner
func (id *ID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*id = ""
	case string:
		*id = ID(v)
	case []byte:
		*id = ID(string(v))
	case [16]byte:
		*id = ID(uuid.UUID(v).String())
	default:
		return fmt.Errorf("cannot scan %T into ID", value)
	}
	return nil
}
