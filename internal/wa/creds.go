package wa

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 key pair. Byte slices rather than arrays so the JSON
// blob codec encodes them as base64.
type KeyPair struct {
	Pub  []byte `json:"pub"`
	Priv []byte `json:"priv"`
}

// NewKeyPair generates a fresh X25519 key pair.
func NewKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, fmt.Errorf("wa: generate key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("wa: derive public key: %w", err)
	}
	return KeyPair{Pub: pub, Priv: priv}, nil
}

// Credentials is the long-lived identity and registration material proving a
// session is authorized. Present from first pairing onward; the NoiseKey and
// IdentityKey never rotate for the lifetime of the registration.
type Credentials struct {
	NoiseKey         KeyPair `json:"noiseKey"`
	IdentityKey      KeyPair `json:"identityKey"`
	PairingEphemeral KeyPair `json:"pairingEphemeral"`
	AdvSecret        []byte  `json:"advSecret"`
	RegistrationID   uint32  `json:"registrationId"`
	JID              string  `json:"jid"`
	Platform         string  `json:"platform"`
	Registered       bool    `json:"registered"`
}

// NewCredentials constructs blank credentials with fresh key material, used
// when no prior session exists. Registered is false until pairing succeeds.
func NewCredentials() (*Credentials, error) {
	noise, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	ephemeral, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	advSecret := make([]byte, 32)
	if _, err := rand.Read(advSecret); err != nil {
		return nil, fmt.Errorf("wa: generate adv secret: %w", err)
	}
	var regID [4]byte
	if _, err := rand.Read(regID[:]); err != nil {
		return nil, fmt.Errorf("wa: generate registration id: %w", err)
	}
	return &Credentials{
		NoiseKey:         noise,
		IdentityKey:      identity,
		PairingEphemeral: ephemeral,
		AdvSecret:        advSecret,
		// Registration IDs are 14-bit values.
		RegistrationID: (uint32(regID[0])<<8 | uint32(regID[1])) & 0x3fff,
	}, nil
}
