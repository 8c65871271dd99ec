package fencelock

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// MakeStorageKey derives the backend's addressable identifier for a lock
// record from (prefix, key). When the verbatim "prefix:key" form fits
// within limit-reserve bytes it is returned unchanged; otherwise the key
// portion is replaced by a SHA-256 truncation. If even the truncated form
// plus reserve exceeds limit, it returns a KindInvalidArgument error.
//
// prefix may be empty; trailing colons are stripped so callers can pass a
// prefix with or without its own separator. key must already be normalized
// (see NormalizeAndValidateKey); this function only derives the storage
// identifier, it does not validate the logical user key.
func MakeStorageKey(prefix, key string, limit, reserve int) (string, error) {
	if key == "" {
		return "", invalidArgument("key must not be empty")
	}

	prefix = strings.TrimRight(prefix, ":")
	sep := 0
	if prefix != "" {
		sep = 1
	}

	if len(prefix)+sep+reserve > limit {
		return "", invalidArgument(fmt.Sprintf("prefix %q leaves no room for any key under limit %d", prefix, limit))
	}

	full := key
	if prefix != "" {
		full = prefix + ":" + key
	}

	if len(full)+reserve <= limit {
		return full, nil
	}

	sum := sha256.Sum256([]byte(full))
	truncated := base64.RawURLEncoding.EncodeToString(sum[:16])

	result := truncated
	if prefix != "" {
		result = prefix + ":" + truncated
	}

	if len(result)+reserve > limit {
		return "", invalidArgument(fmt.Sprintf("derived storage key still exceeds limit %d after truncation", limit))
	}

	return result, nil
}

// MakeFenceKey derives the storage key of the monotonic fence counter
// associated with the lock at storage key S = MakeStorageKey(prefix, key,
// limit, reserve). Applying the same derivation a second time over
// "fence:"+S guarantees a 1-to-1 mapping between user keys and fence
// counters even when S itself was hash-truncated.
func MakeFenceKey(prefix, key string, limit, reserve int) (string, error) {
	s, err := MakeStorageKey(prefix, key, limit, reserve)
	if err != nil {
		return "", err
	}
	return MakeStorageKey(prefix, "fence:"+s, limit, reserve)
}
