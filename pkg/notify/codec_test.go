package notify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = bytes.Repeat([]byte(`{"Kind":"down","Address":"10.0.0.1:9042"}`), 32)

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		compression string
		passphrase  string
	}{
		{"plain", CompressionNone, ""},
		{"gzip", CompressionGzip, ""},
		{"zstd", CompressionZstd, ""},
		{"encrypted", CompressionNone, "hunter2"},
		{"zstd encrypted", CompressionZstd, "hunter2"},
		{"gzip encrypted", CompressionGzip, "hunter2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := NewCodec(tt.compression, tt.passphrase, "pepper-salt")
			require.NoError(t, err)

			encoded, err := codec.Encode(payload)
			require.NoError(t, err)
			if tt.compression != CompressionNone && tt.passphrase == "" {
				assert.Less(t, len(encoded), len(payload))
			}
			if tt.passphrase != "" {
				assert.False(t, bytes.Contains(encoded, []byte("10.0.0.1")))
			}

			decoded, err := codec.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, payload, decoded)
		})
	}
}

func TestCodecEncryptionUsesFreshNonce(t *testing.T) {
	codec, err := NewCodec(CompressionNone, "hunter2", "pepper-salt")
	require.NoError(t, err)

	first, err := codec.Encode(payload)
	require.NoError(t, err)
	second, err := codec.Encode(payload)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestCodecWrongKey(t *testing.T) {
	producer, err := NewCodec(CompressionGzip, "hunter2", "pepper-salt")
	require.NoError(t, err)
	consumer, err := NewCodec(CompressionGzip, "hunter3", "pepper-salt")
	require.NoError(t, err)

	encoded, err := producer.Encode(payload)
	require.NoError(t, err)

	_, err = consumer.Decode(encoded)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = consumer.Decode([]byte("short"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewCodecValidation(t *testing.T) {
	_, err := NewCodec("lz4", "", "")
	assert.Error(t, err)

	_, err = NewCodec(CompressionNone, "hunter2", "")
	assert.Error(t, err)

	codec, err := NewCodec(CompressionNone, "", "")
	require.NoError(t, err)
	assert.False(t, codec.Encrypted())
}
