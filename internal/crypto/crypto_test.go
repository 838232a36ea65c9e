package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := NewRandomKey()
	require.NoError(t, err)

	enc, err := NewAuthEnc(key)
	require.NoError(t, err)

	cleartext := []byte("attack at dawn")
	ciphertext, err := enc.Encrypt(cleartext)
	require.NoError(t, err)

	assert.Equal(t, EncryptedLength(int64(len(cleartext))), int64(len(ciphertext)))

	got, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, cleartext, got)
}

func TestEncryptedLengthExact(t *testing.T) {
	key, err := NewRandomKey()
	require.NoError(t, err)

	enc, err := NewAuthEnc(key)
	require.NoError(t, err)

	for _, n := range []int{0, 1, 15, 16, 1024, 65536} {
		ciphertext, err := enc.Encrypt(make([]byte, n))
		require.NoError(t, err)
		assert.Equal(t, EncryptedLength(int64(n)), int64(len(ciphertext)), "cleartext length %d", n)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, err := NewRandomKey()
	require.NoError(t, err)

	enc, err := NewAuthEnc(key)
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01

	_, err = enc.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	key, err := NewRandomKey()
	require.NoError(t, err)

	enc, err := NewAuthEnc(key)
	require.NoError(t, err)

	_, err = enc.Decrypt(make([]byte, EncryptionOverhead-1))
	assert.Error(t, err)
}

func TestNewAuthEncRejectsBadKeyLength(t *testing.T) {
	_, err := NewAuthEnc(make([]byte, 16))
	assert.Error(t, err)
}

func TestDeriveChunkKeyIsDeterministicAndPerIndex(t *testing.T) {
	attachmentKey, err := NewRandomKey()
	require.NoError(t, err)

	k0a, err := DeriveChunkKey(attachmentKey, 0)
	require.NoError(t, err)
	k0b, err := DeriveChunkKey(attachmentKey, 0)
	require.NoError(t, err)
	k1, err := DeriveChunkKey(attachmentKey, 1)
	require.NoError(t, err)

	assert.Equal(t, k0a, k0b)
	assert.NotEqual(t, k0a, k1)
	assert.Len(t, k0a, KeyLength)
}

func TestChunkKeysDecryptIndependently(t *testing.T) {
	attachmentKey, err := NewRandomKey()
	require.NoError(t, err)

	k0, err := DeriveChunkKey(attachmentKey, 0)
	require.NoError(t, err)
	k1, err := DeriveChunkKey(attachmentKey, 1)
	require.NoError(t, err)

	enc0, err := NewAuthEnc(k0)
	require.NoError(t, err)
	enc1, err := NewAuthEnc(k1)
	require.NoError(t, err)

	ciphertext, err := enc0.Encrypt([]byte("chunk zero"))
	require.NoError(t, err)

	// A transposed chunk must not decrypt under the other index's key.
	_, err = enc1.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestChallengeSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer := NewChallengeSigner(priv)
	challenge := []byte("challenge-bytes")
	identity := []byte("identity-bytes")

	signature := signer.SolveChallenge(challenge, identity)

	assert.True(t, VerifyChallenge(pub, challenge, identity, signature))
	assert.False(t, VerifyChallenge(pub, challenge, []byte("other identity"), signature))
	assert.False(t, VerifyChallenge(pub, []byte("other challenge"), identity, signature))

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.False(t, VerifyChallenge(otherPub, challenge, identity, signature))
}

func TestVerifyChallengeRejectsBadKeyLength(t *testing.T) {
	assert.False(t, VerifyChallenge(make([]byte, 5), []byte("c"), []byte("i"), []byte("s")))
}

func TestDeriveSigningSeedDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	a, err := DeriveSigningSeed([]byte("passphrase"), salt)
	require.NoError(t, err)
	b, err := DeriveSigningSeed([]byte("passphrase"), salt)
	require.NoError(t, err)
	c, err := DeriveSigningSeed([]byte("other"), salt)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, KeyLength)
}

func TestNewChallengeSignerFromSeed(t *testing.T) {
	seed, err := DeriveSigningSeed([]byte("passphrase"), []byte("salt"))
	require.NoError(t, err)

	signer, err := NewChallengeSignerFromSeed(seed)
	require.NoError(t, err)

	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	signature := signer.SolveChallenge([]byte("c"), []byte("i"))
	assert.True(t, VerifyChallenge(pub, []byte("c"), []byte("i"), signature))

	_, err = NewChallengeSignerFromSeed([]byte("short"))
	assert.Error(t, err)
}
