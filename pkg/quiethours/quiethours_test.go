package quiethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 14, h, m, 42, 0, time.UTC)
}

func TestContains_WrapsMidnight(t *testing.T) {
	w := MustParse("23:00", "08:00")

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"late evening", at(23, 30), true},
		{"at start", at(23, 0), true},
		{"after midnight", at(0, 15), true},
		{"just before end", at(7, 59), true},
		{"at end", at(8, 0), false},
		{"morning", at(9, 0), false},
		{"just before start", at(22, 59), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Contains(tt.now))
		})
	}
}

func TestContains_WrapPropertyExhaustive(t *testing.T) {
	w := MustParse("22:15", "06:45")
	start, end := 22*60+15, 6*60+45
	for minute := 0; minute < 24*60; minute++ {
		now := at(minute/60, minute%60)
		want := minute >= start || minute < end
		require.Equal(t, want, w.Contains(now), "minute %d", minute)
	}
}

func TestContains_SameDayWindow(t *testing.T) {
	w := MustParse("12:00", "13:30")
	assert.False(t, w.Contains(at(11, 59)))
	assert.True(t, w.Contains(at(12, 0)))
	assert.True(t, w.Contains(at(13, 29)))
	assert.False(t, w.Contains(at(13, 30)))
}

func TestContains_EqualBoundsNeverQuiet(t *testing.T) {
	w := MustParse("05:00", "05:00")
	for h := 0; h < 24; h++ {
		assert.False(t, w.Contains(at(h, 0)))
	}
}

func TestContains_ZeroWindow(t *testing.T) {
	var w Window
	assert.False(t, w.Contains(at(23, 30)))
	assert.Equal(t, "none", w.String())
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "7:00", "24:00", "12:60", "ab:cd", "12:00:00"} {
		_, err := Parse(in, "08:00")
		assert.Error(t, err, "input %q", in)
	}
}

func TestWindowString(t *testing.T) {
	assert.Equal(t, "23:00-08:00", MustParse("23:00", "08:00").String())
}
