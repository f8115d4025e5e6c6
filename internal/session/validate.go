package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.wppsync/sessions, so the
// accepted alphabet is deliberately narrow.
var nameRE = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot safely serve as a session
// directory name.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use lowercase letters, digits, '-' or '_' (max 64 chars)", name)
	}
	return nil
}
