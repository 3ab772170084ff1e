package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvString(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		t.Setenv("TEST_STRING", "custom")
		assert.Equal(t, "custom", GetEnvString("TEST_STRING", "default"))
	})

	t.Run("unset returns default", func(t *testing.T) {
		assert.Equal(t, "default", GetEnvString("TEST_STRING_UNSET", "default"))
	})
}

func TestGetEnvInt(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		t.Setenv("TEST_INT", "42")
		assert.Equal(t, 42, GetEnvInt("TEST_INT", 7))
	})

	t.Run("invalid falls back", func(t *testing.T) {
		t.Setenv("TEST_INT", "not-a-number")
		assert.Equal(t, 7, GetEnvInt("TEST_INT", 7))
	})

	t.Run("unset returns default", func(t *testing.T) {
		assert.Equal(t, 7, GetEnvInt("TEST_INT_UNSET", 7))
	})
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"True", true},
		{"0", false},
		{"false", false},
		{"FALSE", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.value)
			assert.Equal(t, tt.want, GetEnvBool("TEST_BOOL", !tt.want))
		})
	}

	t.Run("invalid falls back", func(t *testing.T) {
		t.Setenv("TEST_BOOL", "yes-please")
		assert.True(t, GetEnvBool("TEST_BOOL", true))
	})
}

func TestGetEnvDuration(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "45s")
		assert.Equal(t, 45*time.Second, GetEnvDuration("TEST_DURATION", time.Minute))
	})

	t.Run("invalid falls back", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "45 seconds")
		assert.Equal(t, time.Minute, GetEnvDuration("TEST_DURATION", time.Minute))
	})

	t.Run("non-positive falls back", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "-5s")
		assert.Equal(t, time.Minute, GetEnvDuration("TEST_DURATION", time.Minute))
	})

	t.Run("unset returns default", func(t *testing.T) {
		assert.Equal(t, time.Minute, GetEnvDuration("TEST_DURATION_UNSET", time.Minute))
	})
}

func TestGetEnvStringList(t *testing.T) {
	t.Run("splits and trims", func(t *testing.T) {
		t.Setenv("TEST_LIST", "10.0.0.0/8, 172.16.0.0/12 ,,192.168.0.0/16")
		got := GetEnvStringList("TEST_LIST", nil)
		assert.Equal(t, []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}, got)
	})

	t.Run("only separators returns default", func(t *testing.T) {
		t.Setenv("TEST_LIST", " , , ")
		assert.Equal(t, []string{"fallback"}, GetEnvStringList("TEST_LIST", []string{"fallback"}))
	})

	t.Run("unset returns default", func(t *testing.T) {
		assert.Nil(t, GetEnvStringList("TEST_LIST_UNSET", nil))
	})
}
