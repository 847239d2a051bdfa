package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// RouteHash computes a deterministic cache key fragment for a route request
// between two coordinates. Coordinates are rounded to ~10m precision so that
// GPS jitter does not cause cache misses on what is effectively the same
// routing request.
func RouteHash(fromLat, fromLon, toLat, toLon float64) string {
	data := []byte(fmt.Sprintf("%.4f,%.4f->%.4f,%.4f", fromLat, fromLon, toLat, toLon))
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:16])
}

// BuildRouteKey builds the cache key for a cached route computation.
func BuildRouteKey(routeHash string) string {
	return fmt.Sprintf("route:%s", routeHash)
}

// QuickHash is a fast hash for arbitrary data.
func QuickHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortHash is a short (16 character) hash for arbitrary data.
func ShortHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}
