package pagination

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	encoded := Encode(42)
	assert.NotEmpty(t, encoded)

	version, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, int64(42), version)
}

func TestDecode_Empty(t *testing.T) {
	version, err := Decode("")
	assert.NoError(t, err)
	assert.Zero(t, version)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cursor")
}

func TestDecode_MalformedPayload(t *testing.T) {
	for _, raw := range []string{"noprefix", "v1:", "v1:abc", "v1:0", "v1:-3"} {
		_, err := Decode(base64.RawURLEncoding.EncodeToString([]byte(raw)))
		assert.Error(t, err, raw)
	}
}

type item struct {
	name    string
	version int64
}

func TestComputePage_NoMore(t *testing.T) {
	items := []item{{"c", 3}, {"b", 2}, {"a", 1}}
	result, cursor, hasMore := ComputePage(items, 5, func(i item) int64 { return i.version })
	assert.Len(t, result, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	items := []item{{"d", 4}, {"c", 3}, {"b", 2}, {"a", 1}}
	result, cursor, hasMore := ComputePage(items, 3, func(i item) int64 { return i.version })
	require.Len(t, result, 3)
	assert.True(t, hasMore)

	next, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
}

func TestComputePage_ExactLimit(t *testing.T) {
	items := []item{{"b", 2}, {"a", 1}}
	result, cursor, hasMore := ComputePage(items, 2, func(i item) int64 { return i.version })
	assert.Len(t, result, 2)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
