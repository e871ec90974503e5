package bytebuf

import (
	"errors"
	"testing"
)

func TestReader_SequentialLittleEndian(t *testing.T) {
	data := []byte{0xAA, 0x34, 0x12, 0x78, 0x56, 0x34, 0x12, 0x01, 0x02}
	r := NewReader(data)

	b, err := r.U8()
	if err != nil || b != 0xAA {
		t.Fatalf("U8() = 0x%02X, %v, want 0xAA, nil", b, err)
	}
	v16, err := r.U16()
	if err != nil || v16 != 0x1234 {
		t.Fatalf("U16() = 0x%04X, %v, want 0x1234, nil", v16, err)
	}
	v32, err := r.U32()
	if err != nil || v32 != 0x12345678 {
		t.Fatalf("U32() = 0x%08X, %v, want 0x12345678, nil", v32, err)
	}
	if r.Pos() != 7 {
		t.Errorf("Pos() = %d, want 7", r.Pos())
	}
	if r.Remaining() != 2 {
		t.Errorf("Remaining() = %d, want 2", r.Remaining())
	}
	rest, err := r.Bytes(2)
	if err != nil || rest[0] != 0x01 || rest[1] != 0x02 {
		t.Errorf("Bytes(2) = %v, %v, want [1 2], nil", rest, err)
	}
}

func TestReader_Unaligned(t *testing.T) {
	// A uint32 starting at an odd offset must decode byte by byte.
	data := []byte{0x00, 0x01, 0x00, 0x00, 0x80}
	r := NewReader(data)
	if err := r.Skip(1); err != nil {
		t.Fatalf("Skip(1) error = %v", err)
	}
	v, err := r.U32()
	if err != nil {
		t.Fatalf("U32() error = %v", err)
	}
	if v != 0x80000001 {
		t.Errorf("U32() = 0x%08X, want 0x80000001", v)
	}
}

func TestReader_Truncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(r *Reader) error
	}{
		{"U8", nil, func(r *Reader) error { _, err := r.U8(); return err }},
		{"U16", []byte{0x01}, func(r *Reader) error { _, err := r.U16(); return err }},
		{"U32", []byte{0x01, 0x02, 0x03}, func(r *Reader) error { _, err := r.U32(); return err }},
		{"Bytes", []byte{0x01}, func(r *Reader) error { _, err := r.Bytes(2); return err }},
		{"Skip", []byte{0x01}, func(r *Reader) error { return r.Skip(5) }},
		{"SkipNegative", []byte{0x01}, func(r *Reader) error { return r.Skip(-1) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.read(NewReader(tc.data))
			if !errors.Is(err, ErrTruncated) {
				t.Errorf("%s error = %v, want ErrTruncated", tc.name, err)
			}
		})
	}
}

func TestReader_FailedReadKeepsPosition(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02, 0x03})
	if _, err := r.U16(); err != nil {
		t.Fatalf("U16() error = %v", err)
	}
	if _, err := r.U32(); err == nil {
		t.Fatal("U32() past end succeeded")
	}
	if r.Pos() != 2 {
		t.Errorf("Pos() after failed read = %d, want 2", r.Pos())
	}
}

func TestReader_Seek(t *testing.T) {
	r := NewReader(make([]byte, 8))
	if err := r.Seek(8); err != nil {
		t.Errorf("Seek(Len) error = %v", err)
	}
	if err := r.Seek(9); !errors.Is(err, ErrTruncated) {
		t.Errorf("Seek(9) error = %v, want ErrTruncated", err)
	}
	if err := r.Seek(-1); !errors.Is(err, ErrTruncated) {
		t.Errorf("Seek(-1) error = %v, want ErrTruncated", err)
	}
	if err := r.Seek(4); err != nil || r.Pos() != 4 {
		t.Errorf("Seek(4) = %v, Pos() = %d", err, r.Pos())
	}
}
