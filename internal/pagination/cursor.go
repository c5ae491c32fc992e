// Package pagination implements keyset cursors for lists ordered newest
// first by (created_at, id).
package pagination

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
)

// Cursor is the sort key of the last item a client has seen.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor for the item with the given sort key.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. Empty input yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	invalid := apperr.Validation("cursor", "invalid cursor")
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, invalid
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, invalid
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, invalid
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Admits reports whether an item with the given key comes after the
// cursor in newest-first order. A nil cursor admits everything.
func (c *Cursor) Admits(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id < c.ID
}

// ComputePage trims items fetched with limit+1 to limit and returns the
// cursor of the last kept item when more remain.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
