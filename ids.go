package fencelock

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxUserKeyBytes bounds the UTF-8 byte length of a normalized user key.
	MaxUserKeyBytes = 512

	// FenceDigits is the fixed width of a formatted fence token.
	FenceDigits = 15

	// FenceCapacity is the exclusive upper bound a fence token may reach;
	// the counter must never be allowed to issue FenceCapacity itself.
	FenceCapacity int64 = 1_000_000_000_000_000 // 10^15
)

var lockIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{22}$`)

// GenerateLockID returns a 22-character base64url string derived from 16
// CSPRNG-generated bytes, matching the lock-ID format validated by
// ValidateLockID.
func GenerateLockID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", newError(KindInternal, "", "", fmt.Errorf("generate lock id: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NormalizeAndValidateKey normalizes key to Unicode canonical composed form
// (NFC) and validates it is non-empty and no longer than MaxUserKeyBytes in
// UTF-8. Failures raise KindInvalidArgument before any I/O.
func NormalizeAndValidateKey(key string) (string, error) {
	normalized := norm.NFC.String(key)
	if normalized == "" {
		return "", invalidArgument("key must not be empty")
	}
	if len(normalized) > MaxUserKeyBytes {
		return "", invalidArgument(fmt.Sprintf("key exceeds %d UTF-8 bytes", MaxUserKeyBytes))
	}
	return normalized, nil
}

// ValidateLockID checks that id is exactly 22 base64url characters.
func ValidateLockID(id string) error {
	if !lockIDPattern.MatchString(id) {
		return invalidArgument("lockId must be 22 base64url characters")
	}
	return nil
}

// FormatFence left-pads n to FenceDigits decimal digits. Rejects negative
// values and values at or past FenceCapacity.
func FormatFence(n int64) (string, error) {
	if n < 0 {
		return "", invalidArgument("fence token must be non-negative")
	}
	if n >= FenceCapacity {
		return "", invalidArgument(fmt.Sprintf("fence token %d meets or exceeds capacity %d", n, FenceCapacity))
	}
	return fmt.Sprintf("%0*d", FenceDigits, n), nil
}
