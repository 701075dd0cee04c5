// Package idgen generates and validates bones item identifiers.
//
// Unlike the teacher's content-derived issue IDs (internal/storage/sqlite/ids.go,
// which hashes title+description+creator+timestamp so re-imports are
// idempotent), bones item IDs are random: the spec (§3.1) defines identity
// as an opaque "bn-" + random suffix with no re-derivation requirement, so
// there is no collision-avoidance reason to hash content. Collision
// avoidance against the existing set is still checked the same way the
// teacher does it — by retrying with a fresh draw on collision.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"

	"github.com/untoldecay/bones/internal/boneserr"
)

// Pattern is the validation regex for a bones item ID: "bn-" followed by
// at least 3 lowercase alphanumeric characters.
var Pattern = regexp.MustCompile(`^bn-[a-z0-9]{3,}$`)

const (
	alphabet      = "0123456789abcdefghijklmnopqrstuvwxyz"
	defaultLength = 6
)

// New draws a random item ID with the default suffix length, retrying
// against exists until a non-colliding candidate is found or attempts are
// exhausted.
func New(exists func(id string) bool) (string, error) {
	return NewWithLength(defaultLength, exists)
}

// NewWithLength draws a random item ID with a suffix of at least length
// characters, growing the suffix by one character every 10 failed draws
// (mirroring the teacher's progressive-length collision fallback in
// GenerateIssueID) up to length+4.
func NewWithLength(length int, exists func(id string) bool) (string, error) {
	if length < 3 {
		length = 3
	}
	maxLength := length + 4
	for l := length; l <= maxLength; l++ {
		for nonce := 0; nonce < 10; nonce++ {
			candidate, err := draw(l)
			if err != nil {
				return "", err
			}
			if exists == nil || !exists(candidate) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("idgen: failed to generate unique id after trying lengths %d-%d", length, maxLength)
}

func draw(length int) (string, error) {
	suffix := make([]byte, length)
	base := big.NewInt(int64(len(alphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", fmt.Errorf("idgen: failed to draw random suffix: %w", err)
		}
		suffix[i] = alphabet[n.Int64()]
	}
	return "bn-" + string(suffix), nil
}

// Parse validates s against Pattern, returning boneserr.ErrInvalidItemID
// on mismatch.
func Parse(s string) (string, error) {
	if !Pattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", boneserr.ErrInvalidItemID, s)
	}
	return s, nil
}

// NewUnchecked returns s as an item ID without validation, for interior
// use when the caller has already validated the source (e.g. the
// serializer re-parsing a line it already validated on write).
func NewUnchecked(s string) string { return s }
