package comms

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Every websocket message starts with one of these bytes.
const (
	encRaw  byte = 0
	encZstd byte = 1
)

// minCompressSize is the smallest frame worth compressing.
const minCompressSize = 256

// codec packs frames into websocket messages. The zstd encoder and decoder
// are safe for concurrent EncodeAll/DecodeAll calls.
type codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	maxSize  int
}

func newCodec(compress bool, maxSize int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxSize)))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &codec{compress: compress, enc: enc, dec: dec, maxSize: maxSize}, nil
}

func (c *codec) pack(f Frame) []byte {
	body := f.Marshal()
	if c.compress && len(body) >= minCompressSize {
		out := make([]byte, 1, len(body)/2+1)
		out[0] = encZstd
		return c.enc.EncodeAll(body, out)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, encRaw)
	return append(out, body...)
}

func (c *codec) unpack(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrBadFrame)
	}
	body := msg[1:]
	switch msg[0] {
	case encRaw:
	case encZstd:
		var err error
		body, err = c.dec.DecodeAll(body, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: zstd: %v", ErrBadFrame, err)
		}
		if len(body) > c.maxSize {
			return Frame{}, fmt.Errorf("%w: %d bytes after decompression", ErrBadFrame, len(body))
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown encoding %d", ErrBadFrame, msg[0])
	}
	return UnmarshalFrame(body)
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
