package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("RC_INT", "42")
	t.Setenv("RC_BAD_INT", "x")
	t.Setenv("RC_BOOL", "YES")
	t.Setenv("RC_DUR", "1500ms")
	t.Setenv("RC_SECS", "30")
	t.Setenv("RC_LIST", "a, b,,c")

	assert.Equal(t, 42, GetEnvInt("RC_INT", 1))
	assert.Equal(t, 1, GetEnvInt("RC_BAD_INT", 1))
	assert.True(t, GetEnvBool("RC_BOOL", false))
	assert.Equal(t, "def", GetEnv("RC_MISSING", "def"))
	assert.Equal(t, 1500*time.Millisecond, GetEnvDuration("RC_DUR", time.Second))
	assert.Equal(t, 30*time.Second, GetEnvDuration("RC_SECS", time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, GetEnvList("RC_LIST", nil))
}
