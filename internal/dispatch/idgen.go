package dispatch

import (
	"crypto/rand"
	"encoding/hex"
)

// newID mints an opaque identifier for ride requests and driver offers,
// the same crypto/rand+hex recipe the teacher uses for request ids.
func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
