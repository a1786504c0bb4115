package httpapi

import (
	"crypto/rand"
	"encoding/hex"
)

// newID mints a request id for request-id propagation and driver push
// registration, the same crypto/rand+hex recipe used across this repo.
func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
