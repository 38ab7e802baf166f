// Package identity manages the node's asymmetric keypair and the
// fingerprint that identifies this node to its peers.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	// Key derivation parameters
	pbkdfIterations = 100000
	saltLength      = 32
	keyLength       = 32

	// fingerprintLen is the number of hex characters of the SHA-256
	// public-key digest used as the node id.
	fingerprintLen = 16
)

var (
	ErrNoPrivateKey = errors.New("private key not available")
	ErrBadKeyFile   = errors.New("malformed key file")
)

// KeyPair represents the node's signing key pair
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Algorithm  string
	Created    time.Time
}

// Identity binds a key pair to its derived node fingerprint
type Identity struct {
	NodeID  string
	keyPair *KeyPair
}

// GenerateKeyPair creates a new signing key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Algorithm:  "Ed25519",
		Created:    time.Now(),
	}, nil
}

// Fingerprint derives the stable node id from a public key
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// New wraps a key pair into an Identity
func New(kp *KeyPair) *Identity {
	return &Identity{
		NodeID:  Fingerprint(kp.PublicKey),
		keyPair: kp,
	}
}

// Sign creates a digital signature for data
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if len(id.keyPair.PrivateKey) == 0 {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(id.keyPair.PrivateKey, data), nil
}

// PublicKey returns the node's public key
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.keyPair.PublicKey
}

// PrivateKey returns the node's private key. It is handed to the
// transport so the libp2p host identity matches the signing identity;
// it must never leave the process.
func (id *Identity) PrivateKey() ed25519.PrivateKey {
	return id.keyPair.PrivateKey
}

// ExportPublicKey returns the base64 form published in peer registries
func (id *Identity) ExportPublicKey() string {
	return base64.StdEncoding.EncodeToString(id.keyPair.PublicKey)
}

// Verify checks a signature against a public key. Failures are never
// fatal; callers reject the single message and move on.
func Verify(data, signature []byte, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// LoadOrGenerate loads the node key from keyFile, creating and
// persisting a fresh one on first run. A non-empty passphrase seals
// the key file with a derived AES-GCM key.
func LoadOrGenerate(keyFile, passphrase string) (*Identity, error) {
	raw, err := os.ReadFile(keyFile)
	switch {
	case err == nil:
		kp, err := decodeKeyFile(raw, passphrase)
		if err != nil {
			return nil, fmt.Errorf("loading key file %s: %w", keyFile, err)
		}
		return New(kp), nil
	case os.IsNotExist(err):
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := writeKeyFile(keyFile, kp, passphrase); err != nil {
			return nil, fmt.Errorf("persisting key file %s: %w", keyFile, err)
		}
		return New(kp), nil
	default:
		return nil, fmt.Errorf("reading key file %s: %w", keyFile, err)
	}
}

func writeKeyFile(keyFile string, kp *KeyPair, passphrase string) error {
	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	payload := []byte(kp.PrivateKey)
	if passphrase != "" {
		sealed, err := seal(payload, passphrase)
		if err != nil {
			return err
		}
		payload = sealed
	}

	// Exclusive-owner access only
	return os.WriteFile(keyFile, payload, 0600)
}

func decodeKeyFile(raw []byte, passphrase string) (*KeyPair, error) {
	if passphrase != "" {
		opened, err := open(raw, passphrase)
		if err != nil {
			return nil, err
		}
		raw = opened
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, ErrBadKeyFile
	}

	priv := ed25519.PrivateKey(raw)
	return &KeyPair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
		Algorithm:  "Ed25519",
	}, nil
}

func seal(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := append(salt, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func open(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < saltLength {
		return nil, ErrBadKeyFile
	}
	salt, rest := sealed[:saltLength], sealed[saltLength:]

	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(rest) < nonceSize {
		return nil, ErrBadKeyFile
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unsealing key file: %w", err)
	}
	return plaintext, nil
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := DeriveKey([]byte(passphrase), salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
