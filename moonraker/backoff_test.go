package moonraker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Next(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 0)
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	var got []time.Duration
	for range want {
		got = append(got, b.Next())
	}
	assert.Equal(t, want, got)

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoff_jitterKeepsOrderAndCap(t *testing.T) {
	for range 50 {
		b := NewBackoff(time.Second, time.Minute, 0.1)
		prev := time.Duration(0)
		for range 12 {
			d := b.Next()
			assert.GreaterOrEqual(t, d, prev)
			assert.LessOrEqual(t, d, time.Minute)
			prev = d
		}
	}
}

func TestNewBackoff_defaults(t *testing.T) {
	tests := []struct {
		name      string
		base, max time.Duration
		wantFirst time.Duration
		wantCap   time.Duration
	}{
		{"zero base", 0, 10 * time.Second, time.Second, 10 * time.Second},
		{"cap below base", 5 * time.Second, time.Second, 5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(tt.base, tt.max, 0)
			assert.Equal(t, tt.wantFirst, b.Next())
			for range 10 {
				b.Next()
			}
			assert.Equal(t, tt.wantCap, b.Next())
		})
	}
}
