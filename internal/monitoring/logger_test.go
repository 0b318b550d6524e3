package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	// nil installs a no-op
	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called, "no-op logger should not reach the previous logger")
}

func TestLogf_Default(t *testing.T) {
	require.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("test message: %s", "value") })
}

func TestCapture(t *testing.T) {
	original := Logf
	lines, restore := Capture()

	Logf("[router] dropping %q", "x")
	Logf("second %d", 2)

	assert.Equal(t, []string{`[router] dropping "x"`, "second 2"}, lines())

	restore()
	// Logf is restored to whatever was installed before Capture.
	assert.NotNil(t, Logf)
	Logf = original
}
