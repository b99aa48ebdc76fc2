package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "-"},
		{-time.Second, "-"},
		{1500 * time.Microsecond, "1ms"},
		{90*time.Second + 400*time.Millisecond, "1m30s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), tt.in.String())
	}
	assert.Equal(t, "-", FormatDurationPtr(nil))
	d := 2 * time.Second
	assert.Equal(t, "2s", FormatDurationPtr(&d))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", FormatTime(nil))
	assert.Equal(t, "-", FormatTime(&time.Time{}))
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "2024-01-02T02:04:05Z", FormatTime(&ts))
}
