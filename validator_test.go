package chttp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldValidate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		idle  time.Duration
		after time.Duration
		want  bool
	}{
		{name: "disabled", idle: time.Hour, after: -1, want: false},
		{name: "disabled by any negative", idle: time.Hour, after: -time.Second, want: false},
		{name: "idle shorter than threshold", idle: 50 * time.Millisecond, after: 100 * time.Millisecond, want: false},
		{name: "idle exactly threshold", idle: 100 * time.Millisecond, after: 100 * time.Millisecond, want: true},
		{name: "idle longer than threshold", idle: time.Second, after: 100 * time.Millisecond, want: true},
		{name: "zero threshold always validates", idle: 0, after: 0, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Conn{lastReleased: now.Add(-tt.idle)}
			assert.Equal(t, tt.want, ShouldValidate(c, now, tt.after))
		})
	}
}
