package cryptox

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbelyaev/tabkeeper/internal/common"
)

func newTestCipher() *Cipher {
	return NewCipher(NewDeriver(testIterations))
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher()

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "token-like", plaintext: "eyJhbGciOiJIUzI1NiJ9.payload.sig"},
		{name: "json", plaintext: `[{"id":"k1","key":"sk-123"}]`},
		{name: "empty", plaintext: ""},
		{name: "binary-ish", plaintext: string([]byte{0, 1, 2, 255, 254})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := c.Encrypt([]byte(tc.plaintext), "u1", "0xabc")
			require.NoError(t, err)

			got, err := c.Decrypt(blob, "u1", "0xabc")
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, string(got))
		})
	}
}

func TestCipher_WrongIdentityFails(t *testing.T) {
	c := newTestCipher()

	blob, err := c.Encrypt([]byte("secret"), "u1", "0xabc")
	require.NoError(t, err)

	_, err = c.Decrypt(blob, "u2", "0xabc")
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)

	_, err = c.Decrypt(blob, "u1", "0xdef")
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestCipher_BlobsUnlinkable(t *testing.T) {
	c := newTestCipher()

	blob1, err := c.Encrypt([]byte("same plaintext"), "u1", "0xabc")
	require.NoError(t, err)
	blob2, err := c.Encrypt([]byte("same plaintext"), "u1", "0xabc")
	require.NoError(t, err)

	// Fresh salt and nonce on every call: identical plaintext must never
	// produce identical blobs.
	assert.NotEqual(t, blob1, blob2)
}

func TestCipher_TamperedBlobFails(t *testing.T) {
	c := newTestCipher()

	blob, err := c.Encrypt([]byte("secret"), "u1", "0xabc")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = c.Decrypt(tampered, "u1", "0xabc")
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestCipher_GarbageBlobFails(t *testing.T) {
	c := newTestCipher()

	tests := []struct {
		name string
		blob string
	}{
		{name: "not base64", blob: "%%%not-base64%%%"},
		{name: "too short", blob: base64.StdEncoding.EncodeToString([]byte("short"))},
		{name: "empty", blob: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decrypt(tc.blob, "u1", "0xabc")
			assert.ErrorIs(t, err, common.ErrDecryptionFailed)
		})
	}
}

func TestCipher_MissingIdentityFailsClosed(t *testing.T) {
	c := newTestCipher()

	_, err := c.Encrypt([]byte("secret"), "", "0xabc")
	assert.ErrorIs(t, err, common.ErrMissingIdentity)

	_, err = c.Decrypt("whatever", "u1", "")
	assert.ErrorIs(t, err, common.ErrMissingIdentity)
}
