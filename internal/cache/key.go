package cache

import (
	"strconv"
	"strings"
)

// keyDelimiter joins normalized key components. A pipe is not expected to
// appear in city or region names.
const keyDelimiter = "|"

// Key normalizes a (city, state, country) query into a cache key. Queries
// differing only in case or surrounding whitespace collapse to the same key.
func Key(city, state, country string) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(city)),
		strings.ToLower(strings.TrimSpace(state)),
		strings.ToLower(strings.TrimSpace(country)),
	}
	return strings.Join(parts, keyDelimiter)
}

// CoordKey normalizes a coordinate query into a cache key. Coordinates are
// rendered at fixed 4-decimal precision so floating-point jitter does not
// fragment the cache.
func CoordKey(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', 4, 64) + keyDelimiter + strconv.FormatFloat(lon, 'f', 4, 64)
}
