// Package crypto wraps the primitives the engine consumes: authenticated
// content encryption, per-chunk key derivation, and challenge/response
// signatures for peer-identity proofs. The primitives themselves are
// opaque to the rest of the engine.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	// KeyLength is the byte length of symmetric content keys.
	KeyLength = 32

	// nonceLength is the AES-GCM nonce length, prepended to ciphertext.
	nonceLength = 12

	// tagLength is the AES-GCM authentication tag length.
	tagLength = 16
)

// EncryptionOverhead is the fixed per-encryption size increase: nonce plus
// authentication tag.
const EncryptionOverhead = nonceLength + tagLength

// EncryptedLength returns the exact ciphertext length for a cleartext of
// the given length. Deterministic: used for chunk byte accounting before
// any encryption happens.
func EncryptedLength(cleartextLength int64) int64 {
	return cleartextLength + EncryptionOverhead
}

// NewRandomKey returns a fresh symmetric key from crypto/rand.
func NewRandomKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("reading random key: %w", err)
	}

	return key, nil
}

// AuthEnc performs authenticated encryption with AES-256-GCM. Ciphertext
// layout is [12-byte nonce][ciphertext+GCM tag].
type AuthEnc struct {
	gcm cipher.AEAD
}

// NewAuthEnc builds an AuthEnc from a 32-byte key.
func NewAuthEnc(key []byte) (*AuthEnc, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeyLength)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &AuthEnc{gcm: gcm}, nil
}

// Encrypt seals the cleartext with a random nonce.
func (a *AuthEnc) Encrypt(cleartext []byte) ([]byte, error) {
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}

	return a.gcm.Seal(nonce, nonce, cleartext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (a *AuthEnc) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < EncryptionOverhead {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}

	nonce := ciphertext[:nonceLength]
	cleartext, err := a.gcm.Open(nil, nonce, ciphertext[nonceLength:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}

	return cleartext, nil
}

// DeriveChunkKey derives the symmetric key for one attachment chunk from
// the attachment key via HKDF-SHA256, bound to the chunk index so chunks
// cannot be transposed.
func DeriveChunkKey(attachmentKey []byte, chunkIndex int) ([]byte, error) {
	info := binary.BigEndian.AppendUint32([]byte("attachment-chunk-"), uint32(chunkIndex))

	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, attachmentKey, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving chunk key: %w", err)
	}

	return key, nil
}

// scrypt parameters for passphrase-derived keys.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// DeriveSigningSeed stretches a passphrase into a deterministic ed25519
// seed with scrypt. The salt is per installation and persisted next to
// the rest of the state.
func DeriveSigningSeed(passphrase, salt []byte) ([]byte, error) {
	seed, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, KeyLength)
	if err != nil {
		return nil, fmt.Errorf("deriving signing seed: %w", err)
	}

	return seed, nil
}

// NewChallengeSignerFromSeed builds a signer from a 32-byte seed, as
// produced by DeriveSigningSeed.
func NewChallengeSignerFromSeed(seed []byte) (*ChallengeSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	return &ChallengeSigner{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// challengePrefix domain-separates deletion-broadcast signatures from any
// other use of the same key.
var challengePrefix = []byte("ownedIdentityDeletion")

// ChallengeSigner produces challenge/response signatures proving control
// of an identity's signing key.
type ChallengeSigner struct {
	priv ed25519.PrivateKey
}

// NewChallengeSigner wraps an ed25519 private key.
func NewChallengeSigner(priv ed25519.PrivateKey) *ChallengeSigner {
	return &ChallengeSigner{priv: priv}
}

// SolveChallenge signs (prefix | challenge | identity).
func (s *ChallengeSigner) SolveChallenge(challenge, identity []byte) []byte {
	return ed25519.Sign(s.priv, challengeMessage(challenge, identity))
}

// VerifyChallenge checks a signature produced by SolveChallenge against
// the signer's public key.
func VerifyChallenge(pub ed25519.PublicKey, challenge, identity, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}

	return ed25519.Verify(pub, challengeMessage(challenge, identity), signature)
}

func challengeMessage(challenge, identity []byte) []byte {
	msg := make([]byte, 0, len(challengePrefix)+len(challenge)+len(identity))
	msg = append(msg, challengePrefix...)
	msg = append(msg, challenge...)

	return append(msg, identity...)
}
