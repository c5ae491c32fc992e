package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/trustcore/internal/apperr"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123456000, time.UTC)
	id := "alr_abc123"

	encoded := Encode(ts, id)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{
		"not-base64!!!",
		"bm9waXBl",     // "nopipe"
		"YWJjfGFscl8x", // "abc|alr_1"
	} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, apperr.ErrValidation, in)
	}
}

func TestCursor_Admits(t *testing.T) {
	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: at, ID: "alr_m"}

	assert.True(t, c.Admits(at.Add(-time.Second), "alr_z"), "older")
	assert.False(t, c.Admits(at.Add(time.Second), "alr_a"), "newer")
	assert.True(t, c.Admits(at, "alr_a"), "same time, lower id")
	assert.False(t, c.Admits(at, "alr_m"), "the cursor item itself")
	assert.False(t, c.Admits(at, "alr_z"), "same time, higher id")

	var none *Cursor
	assert.True(t, none.Admits(at, "alr_a"))
}

type item struct {
	at time.Time
	id string
}

func keyOf(i item) (time.Time, string) { return i.at, i.id }

func TestComputePage(t *testing.T) {
	now := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	items := []item{
		{now, "c"},
		{now.Add(-time.Minute), "b"},
		{now.Add(-2 * time.Minute), "a"},
	}

	page, next, more := ComputePage(items, 3, keyOf)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = ComputePage(items, 2, keyOf)
	require.Len(t, page, 2)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
	assert.True(t, c.Admits(items[2].at, items[2].id))
	assert.False(t, c.Admits(items[1].at, items[1].id))
}
