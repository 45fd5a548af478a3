package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVs(t *testing.T) {
	got := sanitizeKVs([]interface{}{"uuid", "abc", "auth_token", "t0k3n", "SecretAccessKey", "s", "dangling"})
	assert.Equal(t, []interface{}{
		"uuid", "abc",
		"auth_token", "[REDACTED]",
		"SecretAccessKey", "[REDACTED]",
		"dangling",
	}, got)
}

func TestNop(t *testing.T) {
	l := Nop().With("component", "test")
	assert.NotPanics(t, func() {
		l.Info("hello", "k", 1)
		l.Sync()
	})
}
