package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)

	c, err := Decode(Encode(ts, "tx_abc:123"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ts, c.CreatedAt)
	assert.Equal(t, "tx_abc:123", c.ID, "ids may contain the separator")
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("c0:1:tx_1")),
		base64.RawURLEncoding.EncodeToString([]byte("c1:abc:tx_1")),
		base64.RawURLEncoding.EncodeToString([]byte("c1:1:")),
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursorAdmits(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "tx_b"}

	assert.False(t, c.Admits(ts.Add(-time.Second), "tx_z"))
	assert.False(t, c.Admits(ts, "tx_a"))
	assert.False(t, c.Admits(ts, "tx_b"))
	assert.True(t, c.Admits(ts, "tx_c"))
	assert.True(t, c.Admits(ts.Add(time.Nanosecond), "tx_a"))

	var none *Cursor
	assert.True(t, none.Admits(ts, ""))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s }

	items, next, more := ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
