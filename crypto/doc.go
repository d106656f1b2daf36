// Package crypto implements the password handling of the sonobus protocol.
//
// Passwords never travel in plaintext. The client sends a keyed BLAKE2b-256
// digest of each password (server, group and user passwords alike), and
// the server compares digests in constant time:
//
//	digest := crypto.HashPassword("secret")
//	if crypto.EqualHash(stored, digest) {
//	    // accepted
//	}
//
// An empty password hashes to nil, which the protocol treats as "no
// password".
//
// # Secure Memory Handling
//
// [ZeroBytes] overwrites sensitive buffers. HashPassword erases its copy of
// the plaintext once the digest is computed; callers holding passwords in
// byte slices should do the same.
package crypto
