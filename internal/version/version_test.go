package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	defer func(v, sha, at string) { Version, GitSHA, BuildTime = v, sha, at }(Version, GitSHA, BuildTime)

	assert.Equal(t, "stepper dev (git unknown, built unknown)", String())

	Version, GitSHA, BuildTime = "v0.3.0", "abc123", "2026-10-01T00:00:00Z"
	assert.Equal(t, "stepper v0.3.0 (git abc123, built 2026-10-01T00:00:00Z)", String())
}
