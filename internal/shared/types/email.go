package types

import (
	"fmt"
	"regexp"
	"strings"
)

// StaffDomain is the only mail domain accepted for member accounts.
const StaffDomain = "sdmis.fr"

var staffEmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@sdmis\.fr$`)

// Email is a trimmed member email address
type Email string

// ParseStaffEmail trims and checks that the address belongs to the staff domain.
func ParseStaffEmail(s string) (Email, error) {
	trimmed := strings.TrimSpace(s)
	if !staffEmailRegex.MatchString(trimmed) {
		return "", fmt.Errorf("email must be a @%s address", StaffDomain)
	}
	return Email(trimmed), nil
}

// String returns the address
func (e Email) String() string {
	return string(e)
}
