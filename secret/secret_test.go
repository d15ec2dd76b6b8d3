package secret

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestAESGCMRoundTrip(t *testing.T) {
	dec, err := NewAESGCM(testKey())
	require.NoError(t, err)

	sealed, err := dec.Encrypt("hly_live_abc123")
	require.NoError(t, err)
	assert.NotEqual(t, "hly_live_abc123", sealed)

	plain, err := dec.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hly_live_abc123", plain)
}

func TestAESGCMRejectsBadKey(t *testing.T) {
	_, err := NewAESGCM("not-hex")
	assert.Error(t, err)

	_, err = NewAESGCM("abcd") // too short
	assert.Error(t, err)
}

func TestAESGCMRejectsTamperedCiphertext(t *testing.T) {
	dec, err := NewAESGCM(testKey())
	require.NoError(t, err)

	sealed, err := dec.Encrypt("token")
	require.NoError(t, err)

	_, err = dec.Decrypt("!!!" + sealed)
	assert.Error(t, err)
}

func TestFromKey(t *testing.T) {
	dec, err := FromKey("")
	require.NoError(t, err)
	plain, err := dec.Decrypt("raw-token")
	require.NoError(t, err)
	assert.Equal(t, "raw-token", plain)

	dec, err = FromKey(testKey())
	require.NoError(t, err)
	_, ok := dec.(*AESGCM)
	assert.True(t, ok)
}
