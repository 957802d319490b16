package wasocket

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// noisePattern is the gateway's handshake pattern name, zero-padded to the
// hash size so it seeds the chain directly.
const noisePattern = "Noise_XX_25519_AESGCM_SHA256\x00\x00\x00\x00"

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wasocket: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wasocket: gcm: %w", err)
	}
	return gcm, nil
}

func gcmNonce(counter uint64) []byte {
	n := make([]byte, 12)
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// handshake is the symmetric noise handshake state. Both roles run the same
// operations in mirrored order.
type handshake struct {
	hash    [32]byte
	salt    [32]byte
	aead    cipher.AEAD
	counter uint64
}

// newHandshake seeds the chain from the pattern name and mixes in the
// connection header both sides observed.
func newHandshake(header []byte) (*handshake, error) {
	hs := &handshake{}
	copy(hs.hash[:], noisePattern)
	hs.salt = hs.hash
	aead, err := newAEAD(hs.hash[:])
	if err != nil {
		return nil, err
	}
	hs.aead = aead
	hs.mixHash(header)
	return hs, nil
}

func (hs *handshake) mixHash(data []byte) {
	buf := make([]byte, 0, len(hs.hash)+len(data))
	buf = append(buf, hs.hash[:]...)
	buf = append(buf, data...)
	hs.hash = sha256.Sum256(buf)
}

// mixKey folds an ECDH result into the chain and resets the message cipher.
func (hs *handshake) mixKey(secret []byte) error {
	out := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, hs.salt[:], nil), out); err != nil {
		return fmt.Errorf("wasocket: hkdf: %w", err)
	}
	copy(hs.salt[:], out[:32])
	aead, err := newAEAD(out[32:])
	if err != nil {
		return err
	}
	hs.aead = aead
	hs.counter = 0
	return nil
}

func (hs *handshake) mixECDH(priv, pub []byte) error {
	secret, err := curve25519.X25519(priv, pub)
	if err != nil {
		return fmt.Errorf("wasocket: ecdh: %w", err)
	}
	return hs.mixKey(secret)
}

// encrypt seals plaintext with the handshake hash as associated data and
// folds the ciphertext into the hash.
func (hs *handshake) encrypt(plain []byte) []byte {
	ct := hs.aead.Seal(nil, gcmNonce(hs.counter), plain, hs.hash[:])
	hs.counter++
	hs.mixHash(ct)
	return ct
}

// decrypt is the mirror of encrypt.
func (hs *handshake) decrypt(ct []byte) ([]byte, error) {
	plain, err := hs.aead.Open(nil, gcmNonce(hs.counter), ct, hs.hash[:])
	if err != nil {
		return nil, fmt.Errorf("wasocket: handshake decrypt: %w", err)
	}
	hs.counter++
	hs.mixHash(ct)
	return plain, nil
}

// finish derives the transport ciphers. The initiator sends with the first
// derived key; the responder with the second.
func (hs *handshake) finish(initiator bool) (*transport, error) {
	out := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, nil, hs.salt[:], nil), out); err != nil {
		return nil, fmt.Errorf("wasocket: hkdf: %w", err)
	}
	first, err := newAEAD(out[:32])
	if err != nil {
		return nil, err
	}
	second, err := newAEAD(out[32:])
	if err != nil {
		return nil, err
	}
	if initiator {
		return &transport{enc: cipherState{aead: first}, dec: cipherState{aead: second}}, nil
	}
	return &transport{enc: cipherState{aead: second}, dec: cipherState{aead: first}}, nil
}

type cipherState struct {
	aead    cipher.AEAD
	counter uint64
}

// transport is the post-handshake channel: independent send and receive
// ciphers with rolling nonce counters.
type transport struct {
	enc cipherState
	dec cipherState
}

func (t *transport) encrypt(plain []byte) []byte {
	ct := t.enc.aead.Seal(nil, gcmNonce(t.enc.counter), plain, nil)
	t.enc.counter++
	return ct
}

func (t *transport) decrypt(ct []byte) ([]byte, error) {
	plain, err := t.dec.aead.Open(nil, gcmNonce(t.dec.counter), ct, nil)
	if err != nil {
		return nil, fmt.Errorf("wasocket: transport decrypt: %w", err)
	}
	t.dec.counter++
	return plain, nil
}
