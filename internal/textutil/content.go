package textutil

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic prefixes every zstd frame. Newer exports store long message
// bodies compressed.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func zstdDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return decoder, decoderErr
}

// IsCompressed reports whether raw starts with a zstd frame header.
func IsCompressed(raw []byte) bool {
	return bytes.HasPrefix(raw, zstdMagic)
}

// DecodeContent converts a raw message_content value to text. Compressed
// bodies are inflated first; the result is always valid UTF-8.
func DecodeContent(raw []byte) (string, error) {
	if IsCompressed(raw) {
		dec, err := zstdDecoder()
		if err != nil {
			return "", fmt.Errorf("init zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(raw, nil)
		if err != nil {
			return "", fmt.Errorf("decompress content: %w", err)
		}
		raw = out
	}
	return EnsureUTF8(string(raw)), nil
}
