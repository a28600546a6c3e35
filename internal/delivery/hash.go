package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash fingerprints reply text. Whitespace differences do not change
// the hash, so a retried send that was re-rendered still counts as a duplicate.
func ContentHash(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
