// Package pagination provides cursor-based pagination utilities.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const cursorPrefix = "v1:"

// Encode returns an opaque cursor pointing just past the given version.
// Pages are ordered newest first, so the next page holds versions below it.
func Encode(version int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(version, 10)))
}

// Decode parses an opaque cursor string. Returns 0 for empty input.
func Decode(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor")
	}
	rest, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, fmt.Errorf("invalid cursor")
	}
	version, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("invalid cursor")
	}
	return version, nil
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract the version of an item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, version func(T) int64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(version(items[len(items)-1])), true
}
