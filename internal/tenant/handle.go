package tenant

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"time"
)

// handleAlphabet is lowercase base32: routing handles end up in subdomains,
// which are case-insensitive.
const handleAlphabet = "abcdefghijklmnopqrstuvwxyz234567"

const handleRandomLen = 12

// NewRoutingHandle generates an opaque, externally visible handle for an
// ephemeral tenant: a time component plus a random component, so collisions
// require both the same second and a 1-in-32^12 random match. Uniqueness is
// still validated against the database before a handle is committed.
func NewRoutingHandle() (string, error) {
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 32)

	buf := make([]byte, handleRandomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate routing handle: %w", err)
	}
	for i, b := range buf {
		buf[i] = handleAlphabet[int(b)%len(handleAlphabet)]
	}

	return "sim-" + ts + "-" + string(buf), nil
}
