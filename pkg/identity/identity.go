// Package identity implements PeaPod device identity and pairwise session
// crypto as specified in §4.1: X25519 key agreement, SHA-256 device-id
// derivation, and ChaCha20-Poly1305 wire encryption.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// PublicKey is a 32-byte X25519 public key.
type PublicKey [32]byte

// DeviceId is a 16-byte opaque identifier derived from a PublicKey.
type DeviceId [16]byte

// SessionKey is a 32-byte ChaCha20-Poly1305 key shared between two devices.
type SessionKey [32]byte

// String renders a DeviceId as hex for logging.
func (d DeviceId) String() string {
	return fmt.Sprintf("%x", d[:])
}

// sessionKeyContext is prepended to the shared secret before hashing, so the
// derived session key cannot be confused with the raw X25519 output.
const sessionKeyContext = "peapod-session-v1"

// Keypair is a device's X25519 keypair and its derived DeviceId. The secret
// is never sent on the wire; SaveToFile writes it, with the public key, to a
// 0600 JSON file that LoadKeypairFromFile reads back.
type Keypair struct {
	Secret   [32]byte  `json:"secret"`
	Public   PublicKey `json:"public"`
	DeviceID DeviceId  `json:"device_id"`
}

// GenerateKeypair creates a new X25519 keypair using the OS CSPRNG.
func GenerateKeypair() (*Keypair, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("generate keypair: read random secret: %w", err)
	}

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &secret)

	kp := &Keypair{
		Secret: secret,
		Public: PublicKey(pub),
	}
	kp.DeviceID = DeriveDeviceId(kp.Public)

	return kp, nil
}

// DeriveDeviceId computes the first 16 bytes of SHA-256(pk).
func DeriveDeviceId(pk PublicKey) DeviceId {
	sum := sha256.Sum256(pk[:])
	var id DeviceId
	copy(id[:], sum[:16])
	return id
}

// SharedSecret performs an X25519 Diffie-Hellman exchange between this
// keypair's secret and a peer's public key.
func (kp *Keypair) SharedSecret(peerPub PublicKey) ([32]byte, error) {
	var out [32]byte
	ss, err := curve25519.X25519(kp.Secret[:], peerPub[:])
	if err != nil {
		return out, fmt.Errorf("shared secret: %w", err)
	}
	copy(out[:], ss)
	return out, nil
}

// DeriveSessionKey computes SHA-256(sessionKeyContext ‖ ss).
func DeriveSessionKey(ss [32]byte) SessionKey {
	h := sha256.New()
	h.Write([]byte(sessionKeyContext))
	h.Write(ss[:])
	var key SessionKey
	copy(key[:], h.Sum(nil))
	return key
}

// wireNonce builds the 12-byte ChaCha20-Poly1305 nonce for a given counter:
// the high 4 bytes are zero, the low 8 bytes are the little-endian counter.
func wireNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// EncryptWire seals plaintext under key using nonceCounter as the per-direction
// monotonic nonce. The returned ciphertext carries a 16-byte auth tag.
func EncryptWire(key SessionKey, nonceCounter uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("encrypt wire: build aead: %w", err)
	}
	nonce := wireNonce(nonceCounter)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// DecryptWire opens ciphertext under key and nonceCounter. Any tampering with
// ciphertext, including a single bit flip, causes this to fail.
func DecryptWire(key SessionKey, nonceCounter uint64, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt wire: build aead: %w", err)
	}
	nonce := wireNonce(nonceCounter)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt wire: authentication failed: %w", err)
	}
	return plaintext, nil
}

// ConstantTimeEqual compares two device IDs without leaking timing
// information, matching the discipline used for integrity comparisons.
func ConstantTimeEqual(a, b DeviceId) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// SaveToFile persists a keypair to a JSON file with restricted permissions.
// This is host convenience, not part of the core crypto contract.
func (kp *Keypair) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("save keypair: create directory: %w", err)
	}

	data, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return fmt.Errorf("save keypair: marshal: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("save keypair: write file: %w", err)
	}

	return nil
}

// LoadKeypairFromFile loads a keypair from a JSON file written by SaveToFile.
func LoadKeypairFromFile(filename string) (*Keypair, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("load keypair: read file: %w", err)
	}

	var kp Keypair
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, fmt.Errorf("load keypair: unmarshal: %w", err)
	}

	kp.DeviceID = DeriveDeviceId(kp.Public)

	return &kp, nil
}
