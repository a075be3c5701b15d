package transform

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size in bytes of every cipher key.
const KeySize = 32

// Cipher names accepted by NewCipher.
const (
	CipherXChaCha20Poly1305 = "xchacha20poly1305"
	CipherAES256GCM         = "aes-256-gcm"
	CipherAge               = "age"
)

// NewCipher returns the cipher registered under name, keyed with key. The
// key is copied.
func NewCipher(name string, key []byte) (Cipher, error) {
	switch name {
	case CipherXChaCha20Poly1305:
		return NewXChaCha20Poly1305(key)
	case CipherAES256GCM:
		return NewAESGCM(key)
	case CipherAge:
		return NewAge(key)
	default:
		return nil, fmt.Errorf("unknown cipher %q", name)
	}
}

func checkKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return nil
}

// sealedVersion is the first byte of every XChaCha20-Poly1305 payload. It
// is authenticated as additional data, so tampering with it fails Open.
const sealedVersion byte = 0x01

// xchachaOverhead is version + nonce + tag.
const xchachaOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// XChaCha20Poly1305 seals payloads as
//
//	[version: 1 byte] [nonce: 24 bytes, random] [ciphertext+tag]
//
// The 24-byte nonce is large enough to be drawn at random for every file
// under a long-lived key.
type XChaCha20Poly1305 struct {
	aead cipher.AEAD
}

// NewXChaCha20Poly1305 creates the cipher.
func NewXChaCha20Poly1305(key []byte) (*XChaCha20Poly1305, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &XChaCha20Poly1305{aead: aead}, nil
}

func (c *XChaCha20Poly1305) Name() string { return CipherXChaCha20Poly1305 }

func (c *XChaCha20Poly1305) Seal(plaintext []byte) ([]byte, error) {
	output := make([]byte, 1+chacha20poly1305.NonceSizeX, xchachaOverhead+len(plaintext))
	output[0] = sealedVersion
	nonce := output[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	return c.aead.Seal(output, nonce, plaintext, output[:1]), nil
}

func (c *XChaCha20Poly1305) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < xchachaOverhead {
		return nil, fmt.Errorf("sealed payload is %d bytes, minimum is %d (version + nonce + tag)",
			len(sealed), xchachaOverhead)
	}
	if sealed[0] != sealedVersion {
		return nil, fmt.Errorf("sealed payload version %d is not supported (expected %d)",
			sealed[0], sealedVersion)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := c.aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], sealed[:1])
	if err != nil {
		return nil, fmt.Errorf("AEAD authentication failed (wrong key or tampered data): %w", err)
	}
	return plaintext, nil
}

// AESGCM seals payloads as [nonce: 12 bytes, random] [ciphertext+tag] with
// AES-256 in GCM mode.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates the cipher.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (c *AESGCM) Name() string { return CipherAES256GCM }

func (c *AESGCM) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *AESGCM) Open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("sealed payload is %d bytes, minimum is %d (nonce + tag)",
			len(sealed), nonceSize+c.aead.Overhead())
	}
	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("AEAD authentication failed (wrong key or tampered data): %w", err)
	}
	return plaintext, nil
}

// ageWorkFactor is the scrypt log2(N) used for age payloads. The passphrase
// is the hex form of a 32-byte random key, so the key stretching scrypt
// provides for human passphrases buys nothing here and only costs time per
// file.
const ageWorkFactor = 10

// Age seals payloads in the age format with an scrypt recipient whose
// passphrase is the hex encoding of the key.
type Age struct {
	passphrase string
}

// NewAge creates the cipher.
func NewAge(key []byte) (*Age, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return &Age{passphrase: hex.EncodeToString(key)}, nil
}

func (c *Age) Name() string { return CipherAge }

func (c *Age) Seal(plaintext []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(c.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating age recipient: %w", err)
	}
	recipient.SetWorkFactor(ageWorkFactor)

	var buffer bytes.Buffer
	writer, err := age.Encrypt(&buffer, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buffer.Bytes(), nil
}

func (c *Age) Open(sealed []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(c.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating age identity: %w", err)
	}
	identity.SetMaxWorkFactor(ageWorkFactor)

	reader, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return plaintext, nil
}
