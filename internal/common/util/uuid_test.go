package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewULID_Monotonic(t *testing.T) {
	previous := NewULID()
	for i := 0; i < 100; i++ {
		next := NewULID()
		assert.Equal(t, strings.ToLower(next), next)
		assert.Len(t, next, 26)
		assert.Less(t, previous, next)
		previous = next
	}
}
