//go:build linux

package sw

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessRSSBytes(t *testing.T) {
	rss, ok := processRSSBytes()
	assert.True(t, ok)
	assert.Positive(t, rss)
}
