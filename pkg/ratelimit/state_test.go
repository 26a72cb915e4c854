package ratelimit

import (
	"testing"
	"time"
)

func TestState_IsCoolingDown(t *testing.T) {
	tests := []struct {
		name     string
		state    *State
		expected bool
	}{
		{
			name:     "no cool-down",
			state:    &State{},
			expected: false,
		},
		{
			name:     "cool-down in the future",
			state:    &State{CooldownUntil: time.Now().Add(time.Minute)},
			expected: true,
		},
		{
			name:     "cool-down already over",
			state:    &State{CooldownUntil: time.Now().Add(-time.Second)},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsCoolingDown(); got != tt.expected {
				t.Errorf("IsCoolingDown() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_TimeUntilResume(t *testing.T) {
	past := &State{CooldownUntil: time.Now().Add(-time.Minute)}
	if d := past.TimeUntilResume(); d != 0 {
		t.Errorf("TimeUntilResume() for past cool-down = %v, want 0", d)
	}

	future := &State{CooldownUntil: time.Now().Add(time.Minute)}
	d := future.TimeUntilResume()
	if d <= 50*time.Second || d > time.Minute {
		t.Errorf("TimeUntilResume() = %v, want ~1m", d)
	}
}
