package core

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
)

const lockIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewLockID returns a 16-char token drawn from [0-9A-Za-z] (§4.1). It
// need not be cryptographically secure, only collision-resistant per
// process, but crypto/rand is cheap enough at 16 bytes that there's no
// reason to reach for math/rand.
func NewLockID() string {
	return randomToken(16)
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the OS CSPRNG does not fail in practice;
		// fall back to a uuid-derived token rather than panicking. The
		// dashes are dropped so the token stays within the alphabet.
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = lockIDAlphabet[int(b)%len(lockIDAlphabet)]
	}
	return string(out)
}

// NewID returns a globally unique opaque identifier for a work-item
// envelope, lease token, or correlation id.
func NewID() string {
	return uuid.NewString()
}
