package tus

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// Algorithm names a stream cipher usable for chunk encryption.
type Algorithm string

// Supported chunk cipher algorithms.
const (
	AlgorithmAESCTR   Algorithm = "aes-ctr"
	AlgorithmChaCha20 Algorithm = "chacha20"
)

const chachaBlockSize = 64

// KeyMaterial is an externally supplied key and initialization value. The
// engine never generates, stores, or transmits key material.
type KeyMaterial struct {
	Key []byte
	IV  []byte
}

// ParseKeyMaterial decodes base64 key and iv strings.
func ParseKeyMaterial(keyB64, ivB64 string) (KeyMaterial, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: decoding key: %w", ErrEncryption, err)
	}

	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: decoding iv: %w", ErrEncryption, err)
	}

	return KeyMaterial{Key: key, IV: iv}, nil
}

// uploadIVInfo prefixes the HKDF info string for per-upload IVs.
const uploadIVInfo = "tusup upload iv\x00"

// ForUpload derives the key material for one upload resource. The key is
// kept and the IV is replaced by HKDF-SHA256(key, salt=iv,
// info=uploadIVInfo+uploadURL), truncated to the caller's IV length. Every
// upload resource has its own URL, so uploads sharing caller key material
// never share a keystream, while a resumed upload derives the same IV again.
// A receiver holding the key material and the URL derives the same value.
func (km KeyMaterial) ForUpload(uploadURL string) (KeyMaterial, error) {
	if uploadURL == "" {
		return KeyMaterial{}, fmt.Errorf("%w: deriving upload iv: empty upload URL", ErrEncryption)
	}

	if len(km.Key) == 0 || len(km.IV) == 0 {
		return KeyMaterial{}, fmt.Errorf("%w: deriving upload iv: key and iv are required", ErrEncryption)
	}

	iv := make([]byte, len(km.IV))

	r := hkdf.New(sha256.New, km.Key, km.IV, []byte(uploadIVInfo+uploadURL))
	if _, err := io.ReadFull(r, iv); err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: deriving upload iv: %w", ErrEncryption, err)
	}

	return KeyMaterial{Key: km.Key, IV: iv}, nil
}

// ChunkCipher is a stateless, length-preserving chunk transform. The
// keystream for a chunk is positioned at the chunk's absolute byte offset
// within the upload, so an upload encrypted chunk by chunk is identical to
// the whole payload encrypted as one stream under the same key material.
type ChunkCipher struct {
	alg Algorithm
}

// NewChunkCipher returns a cipher for alg. An empty alg selects AES-CTR.
func NewChunkCipher(alg Algorithm) (*ChunkCipher, error) {
	switch alg {
	case "":
		alg = AlgorithmAESCTR
	case AlgorithmAESCTR, AlgorithmChaCha20:
	default:
		return nil, fmt.Errorf("%w: unsupported cipher %q", ErrEncryption, alg)
	}

	return &ChunkCipher{alg: alg}, nil
}

// Algorithm returns the configured algorithm.
func (c *ChunkCipher) Algorithm() Algorithm {
	return c.alg
}

// Encrypt encrypts plaintext as the start of the keystream.
func (c *ChunkCipher) Encrypt(plaintext []byte, km KeyMaterial) ([]byte, error) {
	return c.EncryptAt(plaintext, km, 0)
}

// EncryptAt encrypts plaintext that begins at byte offset of the upload.
// Decryption is the same operation.
func (c *ChunkCipher) EncryptAt(plaintext []byte, km KeyMaterial, offset int64) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrEncryption, offset)
	}

	stream, err := c.streamAt(km, offset, int64(len(plaintext)))
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(plaintext))
	stream.XORKeyStream(out, plaintext)

	return out, nil
}

func (c *ChunkCipher) streamAt(km KeyMaterial, offset, length int64) (cipher.Stream, error) {
	switch c.alg {
	case AlgorithmChaCha20:
		return chachaStreamAt(km, offset, length)
	default:
		return aesCTRStreamAt(km, offset)
	}
}

func aesCTRStreamAt(km KeyMaterial, offset int64) (cipher.Stream, error) {
	block, err := aes.NewCipher(km.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	if len(km.IV) != aes.BlockSize {
		return nil, fmt.Errorf("%w: aes-ctr iv must be %d bytes, got %d", ErrEncryption, aes.BlockSize, len(km.IV))
	}

	counter := make([]byte, aes.BlockSize)
	copy(counter, km.IV)
	addCounter(counter, uint64(offset/aes.BlockSize))

	stream := cipher.NewCTR(block, counter)
	skipKeystream(stream, int(offset%aes.BlockSize))

	return stream, nil
}

func chachaStreamAt(km KeyMaterial, offset, length int64) (cipher.Stream, error) {
	if (offset+length+chachaBlockSize-1)/chachaBlockSize > math.MaxUint32 {
		return nil, fmt.Errorf("%w: chacha20 keystream exhausted at offset %d", ErrEncryption, offset)
	}

	c, err := chacha20.NewUnauthenticatedCipher(km.Key, km.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	c.SetCounter(uint32(offset / chachaBlockSize))
	skipKeystream(c, int(offset%chachaBlockSize))

	return c, nil
}

// addCounter adds n to the big-endian counter block in place, wrapping
// like the CTR mode increment does.
func addCounter(counter []byte, n uint64) {
	for i := len(counter) - 1; i >= 0 && n > 0; i-- {
		sum := uint64(counter[i]) + (n & 0xff)
		counter[i] = byte(sum)
		n = (n >> 8) + (sum >> 8)
	}
}

func skipKeystream(s cipher.Stream, n int) {
	if n == 0 {
		return
	}

	scratch := make([]byte, n)
	s.XORKeyStream(scratch, scratch)
}
