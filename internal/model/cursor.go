package model

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cursor marks the last-seen item of a message page: the (sent_at, id) of
// the oldest message fetched so far. History pages traverse strictly
// decreasing (sent_at, id).
type Cursor struct {
	SentAt time.Time `json:"sent_at"`
	ID     string    `json:"id"`
}

var ErrBadCursor = errors.New("malformed cursor")

// Encode returns the opaque wire form of the cursor.
func (c Cursor) Encode() string {
	raw := c.SentAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor produced by Encode.
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	sep := strings.IndexByte(string(raw), '|')
	if sep < 0 {
		return Cursor{}, ErrBadCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, string(raw[:sep]))
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	id := string(raw[sep+1:])
	if id == "" {
		return Cursor{}, ErrBadCursor
	}
	return Cursor{SentAt: ts, ID: id}, nil
}
