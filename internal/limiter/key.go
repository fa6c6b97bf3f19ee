package limiter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// keyAllowed reports whether r is in the character class [A-Za-z0-9._-]
// that a cache key's identifier segment is restricted to.
func keyAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	default:
		return false
	}
}

// sanitizeForKey maps any character outside [A-Za-z0-9._-] to '_' so that
// an identifier can never smuggle a colon, slash, or control byte into a
// store key.
func sanitizeForKey(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if keyAllowed(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ruleHash is a short deterministic digest of a rule's limit-defining
// fields. Two rule configurations with the same id but different window
// or max-requests never collide: changing a rule's limits invalidates
// all prior counters for it.
func ruleHash(r Rule) string {
	sum := sha256.Sum256([]byte(r.ID + "|" + r.Window.String() + "|" + strconv.FormatInt(r.MaxRequests, 10)))
	return hex.EncodeToString(sum[:])[:10]
}

// storeKey builds the canonical "rl:{rule_id}:{rule_hash}:{identifier}" key.
func storeKey(r Rule, identifier string) string {
	return fmt.Sprintf("rl:%s:%s:%s", r.ID, ruleHash(r), sanitizeForKey(identifier))
}

// StoreKeyFor exposes storeKey for administrative callers (e.g. the
// reset-by-identifier endpoint) that need to rebuild a rule's key
// without re-running the evaluator.
func StoreKeyFor(r Rule, identifier string) string {
	return storeKey(r, identifier)
}
