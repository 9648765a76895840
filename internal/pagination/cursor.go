// Package pagination pages list endpoints with opaque cursors over a
// (created_at, id) key.
package pagination

import (
	"cmp"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	ErrInvalidCursor = errors.New("pagination: invalid cursor")
	ErrInvalidLimit  = errors.New("pagination: invalid limit")
)

// Cursor represents a position in a paginated result set.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosStr, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ParseLimit reads a ?limit= value. Empty means DefaultLimit; values
// above MaxLimit are clamped.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLimit, s)
	}
	return min(n, MaxLimit), nil
}

func compareKeys(at time.Time, id string, otherAt time.Time, otherID string) int {
	if c := at.Compare(otherAt); c != 0 {
		return c
	}
	return cmp.Compare(id, otherID)
}

// Page orders items by key, keeps those strictly after cursor and cuts
// the result to limit. It returns the page, the cursor of the next page
// and whether more items follow. items is not modified.
func Page[T any](items []T, cursor *Cursor, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b T) int {
		at, aid := key(a)
		bt, bid := key(b)
		return compareKeys(at, aid, bt, bid)
	})
	if cursor != nil {
		start, _ := slices.BinarySearchFunc(sorted, *cursor, func(item T, c Cursor) int {
			at, id := key(item)
			if compareKeys(at, id, c.CreatedAt, c.ID) <= 0 {
				return -1
			}
			return 1
		})
		sorted = sorted[start:]
	}
	if len(sorted) <= limit {
		return sorted, "", false
	}
	sorted = sorted[:limit]
	at, id := key(sorted[len(sorted)-1])
	return sorted, Encode(at, id), true
}
