package notify

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
)

const (
	nonceSize = 12

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 2
	keyLength    = 32
)

// Compression names accepted by NewCodec.
const (
	CompressionNone = ""
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// EncryptionAESGCM is the only supported encryption type.
const EncryptionAESGCM = "aes-256-gcm"

// ErrDecrypt is returned when a payload can not be opened with the codec key.
var ErrDecrypt = errors.New("payload decryption failed")

// Codec compresses, then encrypts, event payloads. The zero value passes
// data through unchanged.
type Codec struct {
	Compression string
	key         []byte
}

// NewCodec prepares a codec. An empty passphrase disables encryption; the
// AES key is derived from passphrase and salt with Argon2id.
func NewCodec(compression, passphrase, salt string) (*Codec, error) {

	switch compression {
	case CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}

	c := &Codec{Compression: compression}
	if passphrase != "" {
		if salt == "" {
			return nil, errors.New("encryption salt can't be empty when a key is set")
		}
		c.key = argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, keyLength)
	}
	return c, nil
}

// Encrypted reports whether payloads are sealed.
func (c *Codec) Encrypted() bool { return len(c.key) > 0 }

// Encode applies compression then encryption.
func (c *Codec) Encode(data []byte) ([]byte, error) {

	buffer := &bytes.Buffer{}
	switch c.Compression {
	case CompressionGzip:
		if err := compressWithGzip(data, buffer); err != nil {
			return nil, err
		}
		data = buffer.Bytes()
	case CompressionZstd:
		if err := compressWithZstd(data, buffer); err != nil {
			return nil, err
		}
		data = buffer.Bytes()
	}

	if !c.Encrypted() {
		return data, nil
	}
	return encryptWithAes(data, c.key)
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte) ([]byte, error) {

	var err error
	if c.Encrypted() {
		if data, err = decryptWithAes(data, c.key); err != nil {
			return nil, err
		}
	}

	switch c.Compression {
	case CompressionGzip:
		return decompressWithGzip(data)
	case CompressionZstd:
		return decompressWithZstd(data)
	default:
		return data, nil
	}
}

func compressWithGzip(data []byte, buffer *bytes.Buffer) error {

	gzipWriter := gzip.NewWriter(buffer)
	if _, err := gzipWriter.Write(data); err != nil {
		return err
	}
	return gzipWriter.Close()
}

func decompressWithGzip(data []byte) ([]byte, error) {

	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	out, err := io.ReadAll(gzipReader)
	if err != nil {
		return nil, err
	}
	return out, gzipReader.Close()
}

func compressWithZstd(data []byte, buffer *bytes.Buffer) error {

	zstdWriter, err := zstd.NewWriter(buffer)
	if err != nil {
		return err
	}

	if _, err = io.Copy(zstdWriter, bytes.NewReader(data)); err != nil {
		_ = zstdWriter.Close()
		return err
	}
	return zstdWriter.Close()
}

func decompressWithZstd(data []byte) ([]byte, error) {

	zstdReader, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zstdReader.Close()

	return io.ReadAll(zstdReader)
}

func encryptWithAes(data, key []byte) ([]byte, error) {

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aesGcm.Seal(nonce, nonce, data, nil), nil
}

func decryptWithAes(sealed, key []byte) ([]byte, error) {

	if len(sealed) <= nonceSize {
		return nil, fmt.Errorf("%w: payload shorter than the nonce", ErrDecrypt)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	data, err := aesGcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return data, nil
}
