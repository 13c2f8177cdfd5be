package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceMapToggleFlipsMembership(t *testing.T) {
	var likes PresenceMap
	likes = likes.Toggle("u1")
	assert.True(t, likes.Has("u1"))
	assert.Equal(t, 1, likes.Size())

	likes = likes.Toggle("u2").Toggle("u1")
	assert.False(t, likes.Has("u1"))
	assert.True(t, likes.Has("u2"))
	assert.Equal(t, 1, likes.Size())
}

func TestPresenceMapToggleDoesNotMutateReceiver(t *testing.T) {
	original := PresenceMap{"u1": true}
	_ = original.Toggle("u1")
	assert.True(t, original.Has("u1"))
}

func TestPresenceMapScanAndValue(t *testing.T) {
	value, err := PresenceMap{"u1": true}.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"u1":true}`, value)

	var decoded PresenceMap
	require.NoError(t, decoded.Scan([]byte(`{"u2":true}`)))
	assert.True(t, decoded.Has("u2"))

	require.NoError(t, decoded.Scan(nil))
	assert.Equal(t, 0, decoded.Size())

	assert.Error(t, decoded.Scan(42))
}

func TestStringSetUnionIsSortedAndIdempotent(t *testing.T) {
	set := StringSet{"b"}
	set = set.Union("a", "b", "")
	assert.Equal(t, StringSet{"a", "b"}, set)
	assert.Equal(t, set, set.Union("a"))
	assert.True(t, set.Contains("a"))
	assert.False(t, set.Contains("c"))
}

func TestStringMapRoundTrip(t *testing.T) {
	value, err := StringMap{"u1": "Usuario 1"}.Value()
	require.NoError(t, err)

	var decoded StringMap
	require.NoError(t, decoded.Scan(value))
	assert.Equal(t, "Usuario 1", decoded["u1"])
}
