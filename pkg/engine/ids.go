package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TaskID derives a stable task identifier. Translators use it so a
// re-translation of the same request yields the same ids; the
// discriminator separates multiple tasks sharing backend and action.
func TaskID(requestID, typ, typeVersion, backend, action, discriminator string) string {
	parts := strings.Join([]string{requestID, typ, typeVersion, backend, action, discriminator}, "\x00")
	sum := sha256.Sum256([]byte(parts))
	return hex.EncodeToString(sum[:8])
}
