package outbox

import (
	"errors"
	"strings"

	"github.com/matheus3301/wppsync/internal/provider"
)

// permanentPatterns lists error text that marks a send as unretryable.
// The provider adapter wraps known-permanent errors with
// provider.ErrPermanent; the patterns catch errors that arrive unwrapped.
var permanentPatterns = []string{
	"invalid recipient",
	"invalid jid",
	"unknown server",
	"not logged in",
	"logged out",
	"broadcast list",
}

// Permanent reports whether a send error cannot succeed on retry.
// Timeouts, disconnections, rate limits and unknown errors are treated as
// transient; they only become terminal when the attempt budget runs out.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, provider.ErrPermanent) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
