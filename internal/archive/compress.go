package archive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Codec is the container payload compression, stored in the header flags.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecLZ4
	CodecXZ
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecXZ:
		return "xz"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec accepts "none", "lz4" and "xz"; empty means none.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "xz":
		return CodecXZ, nil
	}
	return 0, fmt.Errorf("unknown compression %q (want none, lz4 or xz)", s)
}

func (c Codec) compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch c {
	case CodecNone:
		return raw, nil
	case CodecLZ4:
		w = lz4.NewWriter(&buf)
	case CodecXZ:
		xw, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		w = xw
	default:
		return nil, fmt.Errorf("unknown codec %d", c)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c Codec) decompress(payload []byte, rawLen int) ([]byte, error) {
	var r io.Reader
	switch c {
	case CodecNone:
		if len(payload) != rawLen {
			return nil, fmt.Errorf("payload is %d bytes, want %d", len(payload), rawLen)
		}
		return payload, nil
	case CodecLZ4:
		r = lz4.NewReader(bytes.NewReader(payload))
	case CodecXZ:
		xr, err := xz.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r = xr
	default:
		return nil, fmt.Errorf("unknown codec %d", c)
	}
	out := make([]byte, rawLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%s payload: %w", c, err)
	}
	return out, nil
}
