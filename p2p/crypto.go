package p2p

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncryptionSuite and KeyExchangeMode are announced in client metadata.
const (
	EncryptionSuite = "ECDH-P256-AES-GCM"
	KeyExchangeMode = "SPKI-BASE64"
)

const (
	SharedKeySize = 32
	NonceSize     = 12
)

// KeyPair holds a P-256 key pair in transportable form: the public key as
// base64 SPKI and the private key as base64 PKCS#8.
type KeyPair struct {
	Public  string
	Private string
}

// SharedKey is a per-peer AES-256-GCM key derived with ECDH.
type SharedKey [SharedKeySize]byte

// String returns the key as base64. Only meant for debugging.
func (k SharedKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Sealed is an encrypted payload. On the wire it is the two-element array
// [ciphertext, nonce], both base64.
type Sealed struct {
	Ciphertext string
	Nonce      string
}

func (s Sealed) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{s.Ciphertext, s.Nonce})
}

func (s *Sealed) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: sealed payload is not a string pair: %v", ErrDecryptionFailed, err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: sealed payload has %d elements", ErrDecryptionFailed, len(pair))
	}
	s.Ciphertext, s.Nonce = pair[0], pair[1]
	return nil
}

// GenerateKeyPair creates a fresh P-256 key pair for key agreement.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}

	spki, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return KeyPair{}, fmt.Errorf("export public key: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return KeyPair{}, fmt.Errorf("export private key: %w", err)
	}

	return KeyPair{
		Public:  base64.StdEncoding.EncodeToString(spki),
		Private: base64.StdEncoding.EncodeToString(pkcs8),
	}, nil
}

// DeriveSharedKey runs ECDH between the remote public key and the local
// private key. The raw 32-byte shared secret is the AES-256-GCM key, which
// matches what WebCrypto produces for deriveKey(ECDH -> AES-GCM 256).
func DeriveSharedKey(remotePublic, localPrivate string) (SharedKey, error) {
	pub, err := importPublicKey(remotePublic)
	if err != nil {
		return SharedKey{}, err
	}
	priv, err := importPrivateKey(localPrivate)
	if err != nil {
		return SharedKey{}, err
	}

	secret, err := priv.ECDH(pub)
	if err != nil {
		return SharedKey{}, fmt.Errorf("ecdh: %w", err)
	}

	var key SharedKey
	copy(key[:], secret)
	return key, nil
}

func importPublicKey(encoded string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not base64: %v", ErrInvalidArgument, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrInvalidArgument, err)
	}

	switch key := parsed.(type) {
	case *ecdsa.PublicKey:
		pub, err := key.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: convert public key: %v", ErrInvalidArgument, err)
		}
		if pub.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: public key is not on P-256", ErrInvalidArgument)
		}
		return pub, nil
	case *ecdh.PublicKey:
		if key.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: public key is not on P-256", ErrInvalidArgument)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unsupported public key type %T", ErrInvalidArgument, parsed)
	}
}

func importPrivateKey(encoded string) (*ecdh.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not base64: %v", ErrInvalidArgument, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrInvalidArgument, err)
	}

	switch key := parsed.(type) {
	case *ecdsa.PrivateKey:
		priv, err := key.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: convert private key: %v", ErrInvalidArgument, err)
		}
		return priv, nil
	case *ecdh.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unsupported private key type %T", ErrInvalidArgument, parsed)
	}
}

// Encrypt seals plaintext under key with a fresh random 96-bit nonce.
func Encrypt(plaintext []byte, key SharedKey) (Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt opens a sealed payload. Any malformed input or authentication
// failure yields ErrDecryptionFailed.
func Decrypt(sealed Sealed, key SharedKey) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64", ErrDecryptionFailed)
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce is not base64", ErrDecryptionFailed)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrDecryptionFailed, NonceSize, len(nonce))
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed or corrupted message", ErrDecryptionFailed)
	}
	return plaintext, nil
}

// sealJSON marshals v and encrypts the resulting JSON text.
func sealJSON(v any, key SharedKey) (Sealed, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return Sealed{}, fmt.Errorf("marshal: %w", err)
	}
	return Encrypt(plain, key)
}

// openJSON decodes a sealed pair from raw and decrypts it to JSON text.
func openJSON(raw json.RawMessage, key SharedKey) (json.RawMessage, error) {
	var sealed Sealed
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, err
	}
	plain, err := Decrypt(sealed, key)
	if err != nil {
		return nil, err
	}
	if !json.Valid(plain) {
		return nil, fmt.Errorf("%w: decrypted payload is not JSON", ErrDecryptionFailed)
	}
	return json.RawMessage(plain), nil
}

func newGCM(key SharedKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
