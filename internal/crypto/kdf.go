package crypto

import (
	"crypto/hmac"
	"crypto/rand"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
)

// HashSecret derives an argon2id hash of an admin secret, prefixed with its
// random salt. The plaintext never needs to be kept in memory afterwards.
func HashSecret(secret string) []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	sum := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, keyLen)
	out := make([]byte, 0, saltLen+keyLen)
	out = append(out, salt...)
	return append(out, sum...)
}

// VerifySecret reports whether secret matches a hash from HashSecret, in
// constant time.
func VerifySecret(secret string, stored []byte) bool {
	if len(stored) != saltLen+keyLen || secret == "" {
		return false
	}
	sum := argon2.IDKey([]byte(secret), stored[:saltLen], argonTime, argonMemory, argonThreads, keyLen)
	return hmac.Equal(sum, stored[saltLen:])
}
