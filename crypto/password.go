package crypto

import (
	"crypto/subtle"
	"runtime"

	"golang.org/x/crypto/blake2b"
)

// passwordDomain separates password digests from any other BLAKE2b use of
// the same secret.
const passwordDomain = "sonobus-password-v1"

// HashSize is the length of a password digest.
const HashSize = blake2b.Size256

// HashPassword returns the digest sent to the rendezvous server in place of
// a plaintext password. An empty password yields nil, meaning "no password".
func HashPassword(password string) []byte {
	if password == "" {
		return nil
	}

	h, err := blake2b.New256([]byte(passwordDomain))
	if err != nil {
		// Only possible for keys longer than 64 bytes.
		panic(err)
	}

	plain := []byte(password)
	h.Write(plain)
	ZeroBytes(plain)

	return h.Sum(nil)
}

// EqualHash compares two digests in constant time.
func EqualHash(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ZeroBytes erases the contents of a byte slice containing sensitive data.
func ZeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
