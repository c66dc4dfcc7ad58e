package chttp

import "time"

// ShouldValidate reports whether an idle connection must be probed before it
// is handed out. A negative after disables validation; otherwise the
// connection is probed once it has been idle for at least after.
func ShouldValidate(c *Conn, now time.Time, after time.Duration) bool {
	if after < 0 {
		return false
	}
	return now.Sub(c.lastReleased) >= after
}
