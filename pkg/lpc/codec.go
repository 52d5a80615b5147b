// Package lpc implements the MUD-mode wire encoding used on the router
// connection. A frame is a 4-byte big-endian length header followed by one
// serialized value, always a sequence at top level. The primitive set is
// null, signed 32-bit integer, UTF-8 string, sequence, and string-keyed
// mapping.
package lpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// Wire type tags.
const (
	tagNull    = 0x00
	tagInt     = 0x01
	tagString  = 0x02
	tagArray   = 0x03
	tagMapping = 0x04
)

// DefaultMaxFrame is the frame size cap applied when a Codec is built with
// MaxFrame == 0. Peers sending larger frames are protocol errors.
const DefaultMaxFrame = 64 * 1024

var (
	// ErrMalformedFrame indicates a truncated frame or an unknown type tag.
	ErrMalformedFrame = errors.New("lpc: malformed frame")

	// ErrOversizedFrame indicates a frame larger than the configured cap.
	ErrOversizedFrame = errors.New("lpc: oversized frame")

	// ErrEncoding indicates a value that cannot be represented on the wire.
	ErrEncoding = errors.New("lpc: encoding error")
)

// Codec encodes and decodes MUD-mode values. The zero value is usable and
// applies DefaultMaxFrame.
type Codec struct {
	// MaxFrame caps the payload size accepted by DecodeFrame and ReadFrame.
	MaxFrame int

	// utf8Replacements counts invalid byte sequences replaced with U+FFFD
	// during decode. Content is never dropped for bad UTF-8.
	utf8Replacements atomic.Uint64
}

func (c *Codec) maxFrame() int {
	if c.MaxFrame <= 0 {
		return DefaultMaxFrame
	}
	return c.MaxFrame
}

// UTF8Replacements returns the number of invalid UTF-8 sequences replaced
// since the codec was created.
func (c *Codec) UTF8Replacements() uint64 { return c.utf8Replacements.Load() }

// Encode serializes a value tree. Supported dynamic types are nil, int
// (32-bit range), string, []any, and map[string]any. Mapping keys are
// emitted in sorted order so encoding is deterministic.
func (c *Codec) Encode(v any) ([]byte, error) {
	var buf []byte
	var err error
	if buf, err = appendValue(buf, v); err != nil {
		return nil, err
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case int:
		if val < math.MinInt32 || val > math.MaxInt32 {
			return nil, fmt.Errorf("%w: integer %d out of int32 range", ErrEncoding, val)
		}
		buf = append(buf, tagInt)
		return binary.BigEndian.AppendUint32(buf, uint32(int32(val))), nil
	case string:
		if !utf8.ValidString(val) {
			return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrEncoding)
		}
		buf = append(buf, tagString)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(val)))
		return append(buf, val...), nil
	case []any:
		buf = append(buf, tagArray)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(val)))
		var err error
		for _, item := range val {
			if buf, err = appendValue(buf, item); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case map[string]any:
		buf = append(buf, tagMapping)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(val)))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var err error
		for _, k := range keys {
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("%w: mapping key is not valid UTF-8", ErrEncoding)
			}
			buf = append(buf, tagString)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(k)))
			buf = append(buf, k...)
			if buf, err = appendValue(buf, val[k]); err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrEncoding, v)
	}
}

// Decode deserializes a single value tree from buf. The whole buffer must
// be consumed; trailing bytes are a malformed frame.
func (c *Codec) Decode(buf []byte) (any, error) {
	v, rest, err := c.decodeValue(buf)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(rest))
	}
	return v, nil
}

func (c *Codec) decodeValue(buf []byte) (any, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("%w: truncated value", ErrMalformedFrame)
	}
	tag := buf[0]
	buf = buf[1:]
	switch tag {
	case tagNull:
		return nil, buf, nil
	case tagInt:
		if len(buf) < 4 {
			return nil, nil, fmt.Errorf("%w: truncated integer", ErrMalformedFrame)
		}
		n := int32(binary.BigEndian.Uint32(buf[:4]))
		return int(n), buf[4:], nil
	case tagString:
		s, rest, err := c.decodeString(buf)
		if err != nil {
			return nil, nil, err
		}
		return s, rest, nil
	case tagArray:
		if len(buf) < 4 {
			return nil, nil, fmt.Errorf("%w: truncated array header", ErrMalformedFrame)
		}
		count := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if int(count) > len(buf) {
			return nil, nil, fmt.Errorf("%w: array count %d exceeds frame", ErrMalformedFrame, count)
		}
		arr := make([]any, 0, count)
		var (
			item any
			err  error
		)
		for i := uint32(0); i < count; i++ {
			if item, buf, err = c.decodeValue(buf); err != nil {
				return nil, nil, err
			}
			arr = append(arr, item)
		}
		return arr, buf, nil
	case tagMapping:
		if len(buf) < 4 {
			return nil, nil, fmt.Errorf("%w: truncated mapping header", ErrMalformedFrame)
		}
		count := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if int(count) > len(buf) {
			return nil, nil, fmt.Errorf("%w: mapping count %d exceeds frame", ErrMalformedFrame, count)
		}
		m := make(map[string]any, count)
		for i := uint32(0); i < count; i++ {
			if len(buf) < 1 || buf[0] != tagString {
				return nil, nil, fmt.Errorf("%w: mapping key is not a string", ErrMalformedFrame)
			}
			var (
				k   string
				v   any
				err error
			)
			if k, buf, err = c.decodeString(buf[1:]); err != nil {
				return nil, nil, err
			}
			if v, buf, err = c.decodeValue(buf); err != nil {
				return nil, nil, err
			}
			m[k] = v
		}
		return m, buf, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown type tag 0x%02x", ErrMalformedFrame, tag)
	}
}

func (c *Codec) decodeString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("%w: truncated string header", ErrMalformedFrame)
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if int(n) > len(buf) {
		return "", nil, fmt.Errorf("%w: string length %d exceeds frame", ErrMalformedFrame, n)
	}
	raw := buf[:n]
	rest := buf[n:]
	if utf8.Valid(raw) {
		return string(raw), rest, nil
	}
	// Replace invalid sequences, count them, keep the content.
	var sb strings.Builder
	sb.Grow(len(raw))
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if r == utf8.RuneError && size == 1 {
			c.utf8Replacements.Add(1)
		}
		sb.WriteRune(r)
		raw = raw[size:]
	}
	return sb.String(), rest, nil
}

// EncodeFrame serializes v and prepends the 4-byte big-endian length header.
func (c *Codec) EncodeFrame(v any) ([]byte, error) {
	payload, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(payload) > c.maxFrame() {
		return nil, fmt.Errorf("%w: %d bytes (cap %d)", ErrOversizedFrame, len(payload), c.maxFrame())
	}
	frame := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	return append(frame, payload...), nil
}

// WriteFrame encodes v and writes one frame to w.
func (c *Codec) WriteFrame(w io.Writer, v any) error {
	frame, err := c.EncodeFrame(v)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame consumes one frame from r and decodes its payload. io.EOF is
// returned unchanged on a clean end of stream; an EOF mid-frame becomes
// ErrMalformedFrame.
func (c *Codec) ReadFrame(r io.Reader) (any, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated length header: %v", ErrMalformedFrame, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int(n) > c.maxFrame() {
		return nil, fmt.Errorf("%w: %d bytes (cap %d)", ErrOversizedFrame, n, c.maxFrame())
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %v", ErrMalformedFrame, err)
	}
	return c.Decode(payload)
}

// FrameReader yields one decoded value tree per frame from an underlying
// stream.
type FrameReader struct {
	codec *Codec
	r     io.Reader
}

// NewFrameReader wraps r with the codec's framing.
func (c *Codec) NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{codec: c, r: r}
}

// Next returns the next frame's value tree, or io.EOF on clean stream end.
func (fr *FrameReader) Next() (any, error) {
	return fr.codec.ReadFrame(fr.r)
}
