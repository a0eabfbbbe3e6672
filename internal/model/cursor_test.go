package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{
		SentAt: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		ID:     "9f1c2a34-0000-4000-8000-000000000001",
	}
	got, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.True(t, got.SentAt.Equal(c.SentAt), "sub-second precision survives")
	assert.Equal(t, c.ID, got.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"not base64!!!",
		"aGVsbG8",         // decodes, no separator
		"MjAyNnwxMjM",     // bad timestamp
		"fGFiYw",          // empty timestamp
	} {
		_, err := DecodeCursor(s)
		assert.ErrorIs(t, err, ErrBadCursor, "input %q", s)
	}

	// A cursor with an empty id is malformed too.
	_, err := DecodeCursor(Cursor{SentAt: time.Now()}.Encode())
	assert.ErrorIs(t, err, ErrBadCursor)
}
