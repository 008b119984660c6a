package codec

import (
	"testing"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundle_BinaryRoundTrip(t *testing.T) {
	c := New("pw", testSalt(7), true)

	b, err := c.Encrypt([]byte("some note body"), []byte("aad"))
	require.NoError(t, err)

	data, err := b.MarshalBinary()
	require.NoError(t, err)

	parsed, err := ParseBundle(data)
	require.NoError(t, err)
	assert.Equal(t, b, parsed)

	plain, err := c.Decrypt(parsed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, "some note body", string(plain))
}

func TestBundle_PlainRoundTrip(t *testing.T) {
	b := Bundle{Version: VersionPlain, Ciphertext: []byte("plain")}

	data, err := b.MarshalBinary()
	require.NoError(t, err)

	parsed, err := ParseBundle(data)
	require.NoError(t, err)
	assert.Equal(t, VersionPlain, parsed.Version)
	assert.Nil(t, parsed.Salt)
	assert.Nil(t, parsed.Nonce)
	assert.Equal(t, "plain", string(parsed.Ciphertext))
}

func TestParseBundle_Malformed(t *testing.T) {
	valid, err := Bundle{Version: VersionAESGCM, Salt: testSalt(1), Nonce: make([]byte, 12), Tag: make([]byte, 16), Ciphertext: []byte("abc")}.MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"version only", []byte{1}},
		{"truncated salt", []byte{1, 16, 0, 0}},
		{"truncated body", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0x00)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBundle(tt.data)
			assert.ErrorIs(t, err, syncerr.ErrDecryption)
		})
	}
}

func TestBundle_MarshalRejectsOversizeHeader(t *testing.T) {
	_, err := Bundle{Version: VersionAESGCM, Salt: make([]byte, 300)}.MarshalBinary()
	assert.Error(t, err)
}
