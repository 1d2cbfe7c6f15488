package cnst

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppConstants(t *testing.T) {
	assert.Equal(t, "pulsegate", AppName)
	assert.Equal(t, "pulsegate", CommandName)
}
