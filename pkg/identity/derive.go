package identity

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// DeriveKey derives an encryption key from a passphrase
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdfIterations, keyLength, sha256.New)
}
