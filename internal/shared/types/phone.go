package types

import (
	"fmt"
	"regexp"
	"strings"
)

// Phone is a French phone number, stored without spaces.
// Accepted forms: 0XXXXXXXXX or +33XXXXXXXXX where the first digit after
// the prefix is 1-9.
type Phone string

var phoneRegex = regexp.MustCompile(`^(\+33|0)[1-9](\d{2}){4}$`)

// ParsePhone strips spaces and validates the number.
func ParsePhone(s string) (Phone, error) {
	compact := strings.ReplaceAll(s, " ", "")
	if !phoneRegex.MatchString(compact) {
		return "", fmt.Errorf("invalid phone number %q", s)
	}
	return Phone(compact), nil
}

// String returns the compact form
func (p Phone) String() string {
	return string(p)
}

// IsZero reports whether no number is set
func (p Phone) IsZero() bool {
	return p == ""
}
