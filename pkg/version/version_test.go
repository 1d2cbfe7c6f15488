package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsTrimmedVersion(t *testing.T) {
	got := Get()
	assert.Equal(t, strings.TrimSpace(Version), got)
	assert.NotContains(t, got, "\n")
}

func TestVersionNotEmptyAndPrefixed(t *testing.T) {
	s := Get()
	assert.NotEmpty(t, s)
	// version strings are prefixed with 'v'
	if s != "" {
		assert.Equal(t, byte('v'), s[0])
	}
}
