package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// EnsureUUID coerces any producer-assigned identifier into UUID form.
// Strings that already parse as UUIDs are returned canonicalized; anything
// else (hex span ids, framework run ids) is hashed into a stable v4-shaped
// UUID so the same seed always maps to the same id. Empty stays empty.
func EnsureUUID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if u, err := uuid.Parse(id); err == nil && len(id) == 36 {
		return u.String()
	}
	return UUIDFromSeed(id)
}

// UUIDFromSeed derives a deterministic UUID from seed using SHA-256.
// The version nibble is forced to 4 and the variant nibble to 'a'.
func UUIDFromSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	h := hex.EncodeToString(sum[:])
	var b strings.Builder
	b.Grow(36)
	b.WriteString(h[0:8])
	b.WriteByte('-')
	b.WriteString(h[8:12])
	b.WriteString("-4")
	b.WriteString(h[13:16])
	b.WriteString("-a")
	b.WriteString(h[17:20])
	b.WriteByte('-')
	b.WriteString(h[20:32])
	return b.String()
}

// ParseRunID parses an already-coerced run id.
func ParseRunID(id string) (uuid.UUID, error) {
	return uuid.Parse(id)
}
