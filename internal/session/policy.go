package session

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
)

const (
	minPasswordLen   = 8
	passwordSpecials = "!@#$%^&*"
)

// CheckPassword enforces the password policy used at sign-up and on
// password change.
func CheckPassword(pw string) error {
	var missing []string
	if utf8.RuneCountInString(pw) < minPasswordLen {
		missing = append(missing, fmt.Sprintf("at least %d characters", minPasswordLen))
	}
	if !strings.ContainsFunc(pw, unicode.IsUpper) {
		missing = append(missing, "an upper-case letter")
	}
	if !strings.ContainsFunc(pw, unicode.IsDigit) {
		missing = append(missing, "a digit")
	}
	if !strings.ContainsAny(pw, passwordSpecials) {
		missing = append(missing, "one of "+passwordSpecials)
	}
	if len(missing) > 0 {
		return apperr.Wrap(apperr.ErrWeakPassword, fmt.Errorf("password needs %s", strings.Join(missing, ", ")))
	}
	return nil
}
