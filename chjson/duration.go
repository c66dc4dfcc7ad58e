package chjson

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// ParseDuration accepts either a plain integer count of milliseconds ("5000",
// "-1") or a duration string understood by str2duration ("5s", "1m30s", "1d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return str2duration.ParseDuration(s)
}
