package delivery

import (
	"crypto/ed25519"
	"fmt"
)

// PreKey is a one-time published public key.
type PreKey struct {
	ID        uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

// SignedPreKey is a medium-term public key signed by the device's signing
// key. The post-quantum prekey shares this shape.
type SignedPreKey struct {
	ID        uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// PreKeyBundle is the public key material a device advertises so others can
// initiate a session with it. SignedPreKey is mandatory; OneTimePreKey and
// PQPreKey are present when the relay still holds unconsumed ones.
type PreKeyBundle struct {
	RegistrationID uint32        `json:"registrationId"`
	DeviceID       uint32        `json:"deviceId"`
	IdentityKey    []byte        `json:"identityKey"`
	SigningKey     []byte        `json:"signingKey"`
	SignedPreKey   *SignedPreKey `json:"signedPreKey"`
	OneTimePreKey  *PreKey       `json:"preKey,omitempty"`
	PQPreKey       *SignedPreKey `json:"pqPreKey,omitempty"`
}

// validate checks structural completeness and the prekey signatures. A key
// with id 0 or empty public key counts as absent even when the struct is
// present.
func (b *PreKeyBundle) validate() error {
	if len(b.IdentityKey) != 32 {
		return fmt.Errorf("delivery: bundle identity key has length %d", len(b.IdentityKey))
	}
	if len(b.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("delivery: bundle signing key has length %d", len(b.SigningKey))
	}
	if b.SignedPreKey == nil || b.SignedPreKey.ID == 0 || len(b.SignedPreKey.PublicKey) == 0 {
		return fmt.Errorf("delivery: bundle missing signed prekey")
	}
	if !ed25519.Verify(b.SigningKey, b.SignedPreKey.PublicKey, b.SignedPreKey.Signature) {
		return &InvalidSignatureError{DeviceID: b.DeviceID, Occurrences: 1}
	}
	if pq := b.pqPreKey(); pq != nil {
		if !ed25519.Verify(b.SigningKey, pq.PublicKey, pq.Signature) {
			return &InvalidSignatureError{DeviceID: b.DeviceID, Occurrences: 1}
		}
	}
	return nil
}

// oneTimePreKey returns the one-time prekey, or nil when absent.
func (b *PreKeyBundle) oneTimePreKey() *PreKey {
	if b.OneTimePreKey == nil || b.OneTimePreKey.ID == 0 || len(b.OneTimePreKey.PublicKey) == 0 {
		return nil
	}
	return b.OneTimePreKey
}

// pqPreKey returns the post-quantum prekey, or nil when absent.
func (b *PreKeyBundle) pqPreKey() *SignedPreKey {
	if b.PQPreKey == nil || b.PQPreKey.ID == 0 || len(b.PQPreKey.PublicKey) == 0 {
		return nil
	}
	return b.PQPreKey
}
