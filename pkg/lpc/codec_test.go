package lpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    any
	}{
		{"null", nil},
		{"zero", 0},
		{"negative int", -42},
		{"max int32", 2147483647},
		{"min int32", -2147483648},
		{"empty string", ""},
		{"string", "hello"},
		{"unicode string", "héllo wörld ☺"},
		{"empty array", []any{}},
		{"mixed array", []any{"tell", 200, "Alpha", "alice", "Beta", "bob", "alice", "hi"}},
		{"nested array", []any{[]any{1, "two"}, nil, []any{}}},
		{"empty mapping", map[string]any{}},
		{"mapping", map[string]any{"tell": 1, "channel": 0, "ucache": -1}},
		{"nested mapping", map[string]any{"services": map[string]any{"tell": 1}, "name": "Alpha"}},
		{"array with null vs empty string", []any{nil, "", nil}},
	}

	var c Codec
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := c.Encode(tc.v)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			dec, err := c.Decode(enc)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(tc.v, dec) {
				t.Fatalf("round trip mismatch: got %#v want %#v", dec, tc.v)
			}
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	var c Codec
	v := map[string]any{"b": 2, "a": 1, "c": []any{"x", nil}}
	first, err := c.Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := c.Encode(v)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic on iteration %d", i)
		}
	}
}

func TestEncodeThenDecodeBytesStable(t *testing.T) {
	// encode(decode(B)) == B for conformant B.
	var c Codec
	b, err := c.Encode([]any{"mudlist", 199, "*i3", 0, "Alpha", 0, 5, map[string]any{"Beta": []any{-1}}})
	if err != nil {
		t.Fatal(err)
	}
	v, err := c.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	again, err := c.Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, again) {
		t.Fatal("encode(decode(B)) != B")
	}
}

func TestNullDistinctFromEmptyString(t *testing.T) {
	var c Codec
	encNull, _ := c.Encode(nil)
	encEmpty, _ := c.Encode("")
	if bytes.Equal(encNull, encEmpty) {
		t.Fatal("null and empty string must differ on the wire")
	}
	v, err := c.Decode(encNull)
	if err != nil || v != nil {
		t.Fatalf("null decoded as %#v (%v)", v, err)
	}
	v, err = c.Decode(encEmpty)
	if err != nil || v != "" {
		t.Fatalf("empty string decoded as %#v (%v)", v, err)
	}
}

func TestEncodeErrors(t *testing.T) {
	var c Codec
	if _, err := c.Encode(3.14); !errors.Is(err, ErrEncoding) {
		t.Fatalf("float: got %v", err)
	}
	if _, err := c.Encode(int(1) << 40); !errors.Is(err, ErrEncoding) {
		t.Fatalf("out of range int: got %v", err)
	}
	if _, err := c.Encode(string([]byte{0xff, 0xfe})); !errors.Is(err, ErrEncoding) {
		t.Fatalf("invalid utf-8: got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	var c Codec
	cases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{0x7f}},
		{"truncated int", []byte{tagInt, 0x00}},
		{"truncated string header", []byte{tagString, 0x00}},
		{"string length past end", []byte{tagString, 0x00, 0x00, 0x00, 0x09, 'a'}},
		{"array count past end", []byte{tagArray, 0xff, 0xff, 0xff, 0xff}},
		{"mapping key not string", []byte{tagMapping, 0x00, 0x00, 0x00, 0x01, tagInt, 0, 0, 0, 1, tagNull}},
		{"trailing bytes", []byte{tagNull, tagNull}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Decode(tc.buf); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("got %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestDecodeInvalidUTF8Replaced(t *testing.T) {
	var c Codec
	// String of 3 bytes: 'a', 0xff, 'b'. The 0xff must become U+FFFD.
	buf := []byte{tagString, 0x00, 0x00, 0x00, 0x03, 'a', 0xff, 'b'}
	v, err := c.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != "a�b" {
		t.Fatalf("got %q", v)
	}
	if c.UTF8Replacements() != 1 {
		t.Fatalf("replacement counter = %d, want 1", c.UTF8Replacements())
	}
}

func TestFraming(t *testing.T) {
	var c Codec
	var buf bytes.Buffer
	frames := []any{
		[]any{"tell", 200, "Alpha", "alice", "Beta", "bob", "alice", "hi"},
		[]any{"error", 199, "*i3", nil, "Alpha", "alice", "unk-dst", "oops", nil},
	}
	for _, f := range frames {
		if err := c.WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	fr := c.NewFrameReader(&buf)
	for i, want := range frames {
		got, err := fr.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("frame %d: got %#v want %#v", i, got, want)
		}
	}
	if _, err := fr.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestOversizedFrame(t *testing.T) {
	c := Codec{MaxFrame: 32}
	big := make([]any, 0, 16)
	for i := 0; i < 16; i++ {
		big = append(big, "aaaaaaaa")
	}
	if _, err := c.EncodeFrame(big); !errors.Is(err, ErrOversizedFrame) {
		t.Fatalf("encode side: got %v", err)
	}

	// Peer declares a frame larger than the cap.
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 1024)
	buf.Write(hdr[:])
	buf.Write(make([]byte, 1024))
	if _, err := c.ReadFrame(&buf); !errors.Is(err, ErrOversizedFrame) {
		t.Fatalf("read side: got %v", err)
	}
}

func TestTruncatedFrame(t *testing.T) {
	var c Codec
	frame, err := c.EncodeFrame([]any{"tell", 200, "A", "a", "B", "b", "a", "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadFrame(bytes.NewReader(frame[:len(frame)-3])); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("got %v, want ErrMalformedFrame", err)
	}
}
