package stores

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Artifact blob layout:
//
//	[magic "YAMA"] [version: 1 byte] [flags: 1 byte] [salt: 16 bytes] [nonce: 24 bytes] [payload]
//
// Salt and nonce are present only when the sealed flag is set. The six header
// bytes are authenticated as additional data.
const (
	artifactMagic                = "YAMA"
	artifactVersion         byte = 0x01
	flagSealed              byte = 0x01
	headerSize                   = len(artifactMagic) + 2
	saltSize                     = 16
	keySize                      = chacha20poly1305.KeySize
	argonTime                    = 1
	argonMemory                  = 64 * 1024
	argonThreads                 = 4
	maxDecompressedArtifact      = 64 << 20
)

var (
	// ErrSealed is returned when a sealed artifact is read without a passphrase.
	ErrSealed = errors.New("artifact is sealed and no passphrase is configured")

	// ErrCorrupt is returned for blobs that are not valid artifacts.
	ErrCorrupt = errors.New("artifact is corrupt")
)

var (
	artifactEncMode cbor.EncMode
	artifactDecMode cbor.DecMode
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	var err error
	if artifactEncMode, err = encOpts.EncMode(); err != nil {
		panic("stores: cbor encoder initialization failed: " + err.Error())
	}
	decOpts := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
		IntDec:         cbor.IntDecConvertSignedOrFail,
	}
	if artifactDecMode, err = decOpts.DecMode(); err != nil {
		panic("stores: cbor decoder initialization failed: " + err.Error())
	}
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("stores: zstd encoder initialization failed: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedArtifact)); err != nil {
		panic("stores: zstd decoder initialization failed: " + err.Error())
	}
}

// ArtifactCodec converts values to stored blobs and back.
type ArtifactCodec struct {
	passphrase []byte
}

// NewArtifactCodec creates a codec. An empty passphrase stores blobs unsealed.
func NewArtifactCodec(passphrase string) *ArtifactCodec {
	c := &ArtifactCodec{}
	if passphrase != "" {
		c.passphrase = []byte(passphrase)
	}
	return c
}

// Sealed reports whether new blobs are encrypted.
func (c *ArtifactCodec) Sealed() bool {
	return len(c.passphrase) > 0
}

// Marshal encodes v as deterministic CBOR, compresses it and seals it when a
// passphrase is configured.
func (c *ArtifactCodec) Marshal(v interface{}) ([]byte, error) {
	raw, err := artifactEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}
	payload := zstdEncoder.EncodeAll(raw, nil)

	header := []byte(artifactMagic)
	header = append(header, artifactVersion, 0)
	if !c.Sealed() {
		return append(header, payload...), nil
	}

	header[headerSize-1] = flagSealed
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, headerSize+saltSize+len(nonce)+len(payload)+aead.Overhead())
	out = append(out, header...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, payload, header), nil
}

// Unmarshal reverses Marshal into v.
func (c *ArtifactCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) < headerSize || !bytes.Equal(data[:len(artifactMagic)], []byte(artifactMagic)) {
		return ErrCorrupt
	}
	header := data[:headerSize]
	if version := header[len(artifactMagic)]; version != artifactVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}
	payload := data[headerSize:]

	if header[headerSize-1]&flagSealed != 0 {
		if !c.Sealed() {
			return ErrSealed
		}
		if len(payload) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
			return fmt.Errorf("%w: sealed payload too short", ErrCorrupt)
		}
		salt := payload[:saltSize]
		nonce := payload[saltSize : saltSize+chacha20poly1305.NonceSizeX]
		aead, err := chacha20poly1305.NewX(c.deriveKey(salt))
		if err != nil {
			return fmt.Errorf("failed to create cipher: %w", err)
		}
		opened, err := aead.Open(nil, nonce, payload[saltSize+chacha20poly1305.NonceSizeX:], header)
		if err != nil {
			return fmt.Errorf("failed to open artifact (wrong passphrase or tampered data): %w", err)
		}
		payload = opened
	}

	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := artifactDecMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode artifact: %w", err)
	}
	return nil
}

func (c *ArtifactCodec) deriveKey(salt []byte) []byte {
	return argon2.IDKey(c.passphrase, salt, argonTime, argonMemory, argonThreads, keySize)
}
