package slip

import (
	"bytes"
	"testing"
)

func TestEncode_EmptyData(t *testing.T) {
	result := Encode(nil)
	expected := []byte{End, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(nil) = %v, want %v", result, expected)
	}
}

func TestEncode_Escapes(t *testing.T) {
	tests := []struct {
		input    []byte
		expected []byte
	}{
		{[]byte{0x01, 0x02, 0x03}, []byte{End, 0x01, 0x02, 0x03, End}},
		{[]byte{0x01, End, 0x03}, []byte{End, 0x01, Esc, EscEnd, 0x03, End}},
		{[]byte{0x01, Esc, 0x03}, []byte{End, 0x01, Esc, EscEsc, 0x03, End}},
		{[]byte{End, Esc, End, Esc}, []byte{End, Esc, EscEnd, Esc, EscEsc, Esc, EscEnd, Esc, EscEsc, End}},
	}

	for _, tc := range tests {
		if result := Encode(tc.input); !bytes.Equal(result, tc.expected) {
			t.Errorf("Encode(%v) = %v, want %v", tc.input, result, tc.expected)
		}
	}
}

func TestAppend_KeepsPrefix(t *testing.T) {
	dst := []byte{0xAA}
	result := Append(dst, []byte{0x01})
	expected := []byte{0xAA, End, 0x01, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Append() = %v, want %v", result, expected)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		frame    []byte
		expected []byte
	}{
		{"plain", []byte{End, 0x01, 0x02, 0x03, End}, []byte{0x01, 0x02, 0x03}},
		{"escaped end", []byte{End, 0x01, Esc, EscEnd, 0x03, End}, []byte{0x01, End, 0x03}},
		{"escaped esc", []byte{End, 0x01, Esc, EscEsc, 0x03, End}, []byte{0x01, Esc, 0x03}},
		{"unknown escape", []byte{End, 0x01, Esc, 0xFF, End}, []byte{0x01, 0xFF}},
		{"leading ends", []byte{End, End, End, 0x01, End}, []byte{0x01}},
		{"leading garbage", []byte{0x07, 0x08, End, 0x01, End}, []byte{0x01}},
		{"empty frame", []byte{End, End}, nil},
		{"single end", []byte{End}, nil},
		{"nil", nil, nil},
		{"unterminated", []byte{End, 0x01, 0x02}, nil},
	}

	for _, tc := range tests {
		if result := Decode(tc.frame); !bytes.Equal(result, tc.expected) {
			t.Errorf("Decode(%s) = %v, want %v", tc.name, result, tc.expected)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	testCases := [][]byte{
		{0x00},
		{End},
		{Esc},
		{0x00, End, 0x00, Esc, 0x00},
		make([]byte, 256),
	}

	for i, tc := range testCases {
		if decoded := Decode(Encode(tc)); !bytes.Equal(decoded, tc) {
			t.Errorf("Case %d: RoundTrip(%v) = %v", i, tc, decoded)
		}
	}
}

func TestDecoder_SplitWrites(t *testing.T) {
	stream := append(Encode([]byte{0x01, End, 0x02}), Encode([]byte{Esc, 0x03})...)

	var d Decoder
	// Feed one byte at a time; the escape pair is split across writes.
	for _, b := range stream {
		d.Write([]byte{b})
	}

	first := d.Frame()
	if !bytes.Equal(first, []byte{0x01, End, 0x02}) {
		t.Errorf("first frame = %v", first)
	}
	second := d.Frame()
	if !bytes.Equal(second, []byte{Esc, 0x03}) {
		t.Errorf("second frame = %v", second)
	}
	if extra := d.Frame(); extra != nil {
		t.Errorf("third frame = %v, want nil", extra)
	}
}

func TestDecoder_PartialFrame(t *testing.T) {
	var d Decoder
	d.Write([]byte{End, 0x01, 0x02})
	if f := d.Frame(); f != nil {
		t.Fatalf("Frame() before END = %v, want nil", f)
	}
	d.Write([]byte{0x03, End})
	if f := d.Frame(); !bytes.Equal(f, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("Frame() = %v, want [1 2 3]", f)
	}
}

func TestDecoder_Reset(t *testing.T) {
	var d Decoder
	d.Write([]byte{End, 0x01, End, 0x02})
	d.Reset()
	if f := d.Frame(); f != nil {
		t.Errorf("Frame() after Reset = %v, want nil", f)
	}
	// Not synced after reset: bytes before the next END are dropped.
	d.Write([]byte{0x05, End, 0x06, End})
	if f := d.Frame(); !bytes.Equal(f, []byte{0x06}) {
		t.Errorf("Frame() = %v, want [6]", f)
	}
}
