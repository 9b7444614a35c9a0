package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("evt_")
	assert.True(t, strings.HasPrefix(id, "evt_"))
	assert.Len(t, id, len("evt_")+24)
	assert.NotEqual(t, id, WithPrefix("evt_"))
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(16), 32)
	assert.Len(t, Bytes(32), 32)
}
